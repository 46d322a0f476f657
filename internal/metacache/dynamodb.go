package metacache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBAPI is the subset of the DynamoDB client used by the layer. It
// allows mocking in tests.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoDBLayer is a shared layer stored in a DynamoDB table keyed by "pk".
// The numeric "expires_at" attribute (Unix seconds) can be enabled as the
// table's TTL attribute so DynamoDB removes stale items on its own.
type DynamoDBLayer struct {
	client    DynamoDBAPI
	tableName string
}

// NewDynamoDBLayer creates a layer using the default AWS credential chain.
func NewDynamoDBLayer(ctx context.Context, table, region, endpointURL string) (*DynamoDBLayer, error) {
	if table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if endpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(endpointURL)
	}
	return NewDynamoDBLayerWithClient(dynamodb.NewFromConfig(awsCfg), table), nil
}

// NewDynamoDBLayerWithClient creates a layer over a pre-configured client.
// This is primarily used for testing with mock clients.
func NewDynamoDBLayerWithClient(client DynamoDBAPI, table string) *DynamoDBLayer {
	return &DynamoDBLayer{client: client, tableName: table}
}

func pkCache(key string) string {
	return "META#" + key
}

// Name implements Layer.
func (d *DynamoDBLayer) Name() string { return "dynamodb" }

// Get implements Layer.
func (d *DynamoDBLayer) Get(ctx context.Context, key string) (Entry, bool, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: pkCache(key)},
		},
	})
	if err != nil {
		return Entry{}, false, err
	}
	if out.Item == nil {
		return Entry{}, false, nil
	}
	payload, ok := out.Item["payload"].(*types.AttributeValueMemberS)
	if !ok {
		return Entry{}, false, fmt.Errorf("cache item %q has no payload", key)
	}
	var e Entry
	if err := json.Unmarshal([]byte(payload.Value), &e); err != nil {
		return Entry{}, false, fmt.Errorf("decoding cache entry: %w", err)
	}
	return e, true, nil
}

// Set implements Layer.
func (d *DynamoDBLayer) Set(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item: map[string]types.AttributeValue{
			"pk":         &types.AttributeValueMemberS{Value: pkCache(e.Key)},
			"payload":    &types.AttributeValueMemberS{Value: string(payload)},
			"expires_at": &types.AttributeValueMemberN{Value: strconv.FormatInt(e.ExpiresAt.Unix(), 10)},
		},
	})
	return err
}

// Delete implements Layer.
func (d *DynamoDBLayer) Delete(ctx context.Context, key string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: pkCache(key)},
		},
	})
	return err
}

// Close implements Layer.
func (d *DynamoDBLayer) Close() error { return nil }

var _ Layer = (*DynamoDBLayer)(nil)
