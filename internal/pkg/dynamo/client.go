// Package dynamo builds the DynamoDB client shared by the ledger and counter
// backends and provisions their tables.
package dynamo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gofiber/fiber/v2/log"

	"github.com/mayone/pledges/internal/pkg/config"
)

// NonceIndex is the global secondary index used to find a pledge by its URL
// nonce.
const NonceIndex = "url_nonce-index"

// NewClient creates a DynamoDB client. Static credentials are used when both
// keys are set, otherwise the default AWS credential chain applies.
func NewClient(ctx context.Context, cfg config.DynamoConfig) (*dynamodb.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			// DynamoDB Local or LocalStack
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	log.Infof("[DynamoDB] Client initialized for region %s", cfg.Region)
	return client, nil
}

// TableAPI is the part of the DynamoDB client needed to provision tables.
type TableAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// EnsureTables creates the pledge and counter tables if they do not exist.
// Only the tables of enabled backends are touched.
func EnsureTables(ctx context.Context, client TableAPI, cfg config.DynamoConfig, ledger, counter bool) error {
	if ledger {
		if err := ensureTable(ctx, client, PledgeTableInput(cfg.PledgeTable)); err != nil {
			return err
		}
	}
	if counter {
		if err := ensureTable(ctx, client, CounterTableInput(cfg.CounterTable)); err != nil {
			return err
		}
	}
	return nil
}

func ensureTable(ctx context.Context, client TableAPI, in *dynamodb.CreateTableInput) error {
	name := aws.ToString(in.TableName)
	_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: in.TableName})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("describe table %s: %w", name, err)
	}

	if _, err := client.CreateTable(ctx, in); err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			return nil
		}
		return fmt.Errorf("create table %s: %w", name, err)
	}
	log.Infof("[DynamoDB] Created table %s", name)
	return nil
}

// PledgeTableInput describes the ledger table: hash key on the idempotency
// token plus the nonce index.
func PledgeTableInput(table string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("idempotency_token"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("url_nonce"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("idempotency_token"), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{{
			IndexName: aws.String(NonceIndex),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("url_nonce"), KeyType: types.KeyTypeHash},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeKeysOnly},
		}},
		BillingMode: types.BillingModePayPerRequest,
	}
}

// CounterTableInput describes the counter table keyed by (name, shard_id).
func CounterTableInput(table string) *dynamodb.CreateTableInput {
	return &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("name"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("shard_id"), AttributeType: types.ScalarAttributeTypeN},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("name"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("shard_id"), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	}
}
