package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/mayone/pledges/app/models"
	"github.com/mayone/pledges/internal/pkg/dynamo"
)

// DynamoAPI is the part of the DynamoDB client the ledger needs.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoStore writes pledges with a conditional PutItem so the table itself
// arbitrates concurrent inserts of one token.
type DynamoStore struct {
	client DynamoAPI
	table  string
}

func NewDynamoStore(client DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

func (s *DynamoStore) InsertIfAbsent(ctx context.Context, p *models.Pledge) (Outcome, *models.Pledge, error) {
	stored := *p
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	item, err := attributevalue.MarshalMap(stored)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal pledge %s: %w", p.IdempotencyToken, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(idempotency_token)"),
	})
	if err == nil {
		return Created, &stored, nil
	}

	var condFailed *types.ConditionalCheckFailedException
	if !errors.As(err, &condFailed) {
		return 0, nil, fmt.Errorf("put pledge %s: %w", p.IdempotencyToken, err)
	}
	existing, err := s.Lookup(ctx, p.IdempotencyToken)
	if err != nil {
		return 0, nil, err
	}
	return AlreadyExists, existing, nil
}

func (s *DynamoStore) Lookup(ctx context.Context, token string) (*models.Pledge, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            tokenKey(token),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get pledge %s: %w", token, err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	return decode(out.Item)
}

func (s *DynamoStore) FindByNonce(ctx context.Context, nonce string) (*models.Pledge, error) {
	token, err := s.tokenForNonce(ctx, nonce)
	if err != nil {
		return nil, err
	}
	return s.Lookup(ctx, token)
}

func (s *DynamoStore) UpdateMetadata(ctx context.Context, nonce string, m models.DonorMetadata) (*models.Pledge, error) {
	token, err := s.tokenForNonce(ctx, nonce)
	if err != nil {
		return nil, err
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 tokenKey(token),
		ConditionExpression: aws.String("attribute_exists(idempotency_token)"),
		UpdateExpression: aws.String("SET #occupation = :occupation, #employer = :employer, " +
			"#phone = :phone, #target = :target, #updated_at = :updated_at"),
		ExpressionAttributeNames: map[string]string{
			"#occupation": "occupation",
			"#employer":   "employer",
			"#phone":      "phone",
			"#target":     "target",
			"#updated_at": "updated_at",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":occupation": &types.AttributeValueMemberS{Value: m.Occupation},
			":employer":   &types.AttributeValueMemberS{Value: m.Employer},
			":phone":      &types.AttributeValueMemberS{Value: m.Phone},
			":target":     &types.AttributeValueMemberS{Value: m.Target},
			":updated_at": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update pledge metadata: %w", err)
	}
	return decode(out.Attributes)
}

func (s *DynamoStore) tokenForNonce(ctx context.Context, nonce string) (string, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(dynamo.NonceIndex),
		KeyConditionExpression: aws.String("url_nonce = :n"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":n": &types.AttributeValueMemberS{Value: nonce},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return "", fmt.Errorf("query nonce index: %w", err)
	}
	if len(out.Items) == 0 {
		return "", ErrNotFound
	}
	var key struct {
		IdempotencyToken string `dynamodbav:"idempotency_token"`
	}
	if err := attributevalue.UnmarshalMap(out.Items[0], &key); err != nil {
		return "", fmt.Errorf("decode nonce index entry: %w", err)
	}
	return key.IdempotencyToken, nil
}

func tokenKey(token string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"idempotency_token": &types.AttributeValueMemberS{Value: token},
	}
}

func decode(item map[string]types.AttributeValue) (*models.Pledge, error) {
	var p models.Pledge
	if err := attributevalue.UnmarshalMap(item, &p); err != nil {
		return nil, fmt.Errorf("decode pledge: %w", err)
	}
	return &p, nil
}
