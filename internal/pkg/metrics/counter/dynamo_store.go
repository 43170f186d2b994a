package counter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the part of the DynamoDB client the counter needs.
type DynamoAPI interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoStore keeps shards as items keyed by (name, shard_id) and increments
// them with an ADD update expression.
type DynamoStore struct {
	client DynamoAPI
	table  string
	shards int
	pick   ShardPicker
}

type shardItem struct {
	Name    string `dynamodbav:"name"`
	ShardID int    `dynamodbav:"shard_id"`
	Value   int64  `dynamodbav:"value"`
}

func NewDynamoStore(client DynamoAPI, table string, shards int, pick ShardPicker) *DynamoStore {
	if pick == nil {
		pick = RandomShard
	}
	return &DynamoStore{client: client, table: table, shards: normalizeShards(shards), pick: pick}
}

func (s *DynamoStore) Increment(ctx context.Context, name string, delta int64) error {
	if err := validate(name, delta); err != nil {
		return err
	}
	shard := s.pick(s.shards)
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"name":     &types.AttributeValueMemberS{Value: name},
			"shard_id": &types.AttributeValueMemberN{Value: strconv.Itoa(shard)},
		},
		UpdateExpression:         aws.String("ADD #v :d SET updated_at = :now"),
		ExpressionAttributeNames: map[string]string{"#v": "value"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d":   &types.AttributeValueMemberN{Value: strconv.FormatInt(delta, 10)},
			":now": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		return fmt.Errorf("increment shard %d of %s: %w", shard, name, err)
	}
	return nil
}

func (s *DynamoStore) Sum(ctx context.Context, name string) (int64, error) {
	var (
		total int64
		start map[string]types.AttributeValue
	)
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                aws.String(s.table),
			KeyConditionExpression:   aws.String("#n = :n"),
			ExpressionAttributeNames: map[string]string{"#n": "name"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":n": &types.AttributeValueMemberS{Value: name},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return 0, fmt.Errorf("query shards of %s: %w", name, err)
		}
		var items []shardItem
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return 0, fmt.Errorf("decode shards of %s: %w", name, err)
		}
		for _, it := range items {
			total += it.Value
		}
		if len(out.LastEvaluatedKey) == 0 {
			return total, nil
		}
		start = out.LastEvaluatedKey
	}
}
