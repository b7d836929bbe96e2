// Package dynamo is a kv.Store over one DynamoDB table with a string hash key
// named "key". TTLs are written to the "ttl" attribute as epoch seconds, hidden
// from reads once past and reaped by DynamoDB's native expiry.
package dynamo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.uber.org/zap"

	"github.com/leafsii/keyv/pkg/kv"
)

const (
	attrKey   = "key"
	attrValue = "value"
	attrTTL   = "ttl"

	// batchSize is the BatchWriteItem request limit.
	batchSize = 25

	maxBatchRetries  = 5
	connectTimeout   = 5 * time.Second
	tableWaitTimeout = 2 * time.Minute
)

// API is the subset of *dynamodb.Client the store uses.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	UpdateTimeToLive(ctx context.Context, params *dynamodb.UpdateTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

// Config configures a DynamoDB store. Exactly one of URI or Client is required.
type Config struct {
	// URI is either an endpoint override such as http://localhost:8000, or
	// aws://<region> (aws:// alone uses the default region chain).
	URI string

	// Client is an existing client. It wins over URI and is not pinged.
	Client API

	// Table defaults to kv.DefaultTableName.
	Table string

	// DefaultTTL applies to Set calls without a TTL. Zero means no expiry.
	DefaultTTL time.Duration

	Logger *zap.Logger
}

// Store keeps each entry as one item {key, value, ttl?}.
type Store struct {
	client     API
	table      string
	defaultTTL time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

var _ kv.Store = (*Store)(nil)

type item struct {
	Key   string `dynamodbav:"key"`
	Value string `dynamodbav:"value"`
	TTL   int64  `dynamodbav:"ttl,omitempty"`
}

// New creates a DynamoDB store. It panics when neither URI nor Client is set.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" && cfg.Client == nil {
		panic("dynamo: Config requires URI or Client")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	table := cfg.Table
	if table == "" {
		logger.Warn("table name not set, using default", zap.String("table", kv.DefaultTableName))
		table = kv.DefaultTableName
	}
	if err := kv.ValidateNamespace(table); err != nil {
		return nil, err
	}

	s := &Store{
		client:     cfg.Client,
		table:      table,
		defaultTTL: cfg.DefaultTTL,
		logger:     logger,
		now:        time.Now,
	}
	if s.client != nil {
		return s, nil
	}

	client, err := newClient(ctx, cfg.URI)
	if err != nil {
		return nil, kv.ConnectionError("connect", err)
	}
	s.client = client

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		return nil, kv.ConnectionError("connect", err)
	}
	return s, nil
}

func newClient(ctx context.Context, uri string) (*dynamodb.Client, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse dynamodb uri: %w", err)
	}

	var opts []func(*config.LoadOptions) error
	var endpoint string
	switch u.Scheme {
	case "aws":
		if u.Host != "" {
			opts = append(opts, config.WithRegion(u.Host))
		}
	case "http", "https":
		endpoint = u.Scheme + "://" + u.Host
		if region := u.Query().Get("region"); region != "" {
			opts = append(opts, config.WithRegion(region))
		}
	default:
		return nil, fmt.Errorf("unsupported dynamodb uri scheme %q", u.Scheme)
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

func keyOf(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrKey: &types.AttributeValueMemberS{Value: key},
	}
}

// Initialize creates the table when it does not exist and enables native TTL
// expiry on the ttl attribute.
func (s *Store) Initialize(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return mapError("initialize", err)
	}

	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrKey), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrKey), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return mapError("initialize", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}, tableWaitTimeout); err != nil {
		return mapError("initialize", fmt.Errorf("wait for table %s: %w", s.table, err))
	}

	_, err = s.client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(s.table),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String(attrTTL),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		return mapError("initialize", err)
	}

	s.logger.Info("created dynamodb table", zap.String("table", s.table))
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyOf(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, mapError("get", err)
	}
	if out.Item == nil || s.expired(out.Item) {
		return nil, false, nil
	}

	var it item
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, false, kv.SerializationError("get", err)
	}
	value, err := kv.DecodeStored("get", []byte(it.Value))
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// expired reports whether item carries a ttl that has passed. DynamoDB deletes
// such items lazily, so reads filter them.
func (s *Store) expired(attrs map[string]types.AttributeValue) bool {
	ttlAttr, exists := attrs[attrTTL]
	if !exists {
		return false
	}
	ttlNum, ok := ttlAttr.(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	ttl, err := strconv.ParseInt(ttlNum.Value, 10, 64)
	if err != nil {
		return false
	}
	return ttl <= s.now().Unix()
}

// Set writes the item. A zero ttl falls back to DefaultTTL; both zero means
// the item never expires.
func (s *Store) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if err := kv.CheckValue("set", value); err != nil {
		return err
	}
	if ttl == 0 {
		ttl = s.defaultTTL
	}

	it := item{Key: key, Value: string(value)}
	if ttl > 0 {
		// Round up so a sub-second TTL still expires in the future.
		it.TTL = s.now().Add(ttl + time.Second - 1).Unix()
	}

	attrs, err := attributevalue.MarshalMap(it)
	if err != nil {
		return kv.SerializationError("set", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      attrs,
	})
	return mapError("set", err)
}

func (s *Store) Remove(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       keyOf(key),
	})
	return mapError("remove", err)
}

func (s *Store) RemoveMany(ctx context.Context, keys ...string) error {
	return mapError("remove_many", s.deleteKeys(ctx, keys))
}

// deleteKeys issues BatchWriteItem deletes in chunks of batchSize, resending
// unprocessed items with a short backoff.
func (s *Store) deleteKeys(ctx context.Context, keys []string) error {
	seen := make(map[string]struct{}, len(keys))
	requests := make([]types.WriteRequest, 0, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		requests = append(requests, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{Key: keyOf(k)},
		})
	}

	for start := 0; start < len(requests); start += batchSize {
		end := min(start+batchSize, len(requests))
		pending := map[string][]types.WriteRequest{s.table: requests[start:end]}

		for attempt := 0; len(pending[s.table]) > 0; attempt++ {
			if attempt > maxBatchRetries {
				return fmt.Errorf("%d deletes still unprocessed after %d retries", len(pending[s.table]), maxBatchRetries)
			}
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Duration(attempt*50) * time.Millisecond):
				}
			}

			out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return err
			}
			pending = out.UnprocessedItems
		}
	}
	return nil
}

// Clear scans the table for keys page by page and batch-deletes each page.
func (s *Store) Clear(ctx context.Context) error {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                aws.String(s.table),
		ProjectionExpression:     aws.String("#k"),
		ExpressionAttributeNames: map[string]string{"#k": attrKey},
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return mapError("clear", err)
		}

		keys := make([]string, 0, len(page.Items))
		for _, attrs := range page.Items {
			if k, ok := attrs[attrKey].(*types.AttributeValueMemberS); ok {
				keys = append(keys, k.Value)
			}
		}
		if err := s.deleteKeys(ctx, keys); err != nil {
			return mapError("clear", err)
		}
	}
	return nil
}

// TTLPolicy reports kv.TTLEnforced.
func (s *Store) TTLPolicy() kv.TTLPolicy {
	return kv.TTLEnforced
}

// Ping succeeds when DynamoDB answers a DescribeTable, even for a missing table.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)})
	var notFound *types.ResourceNotFoundException
	if err == nil || errors.As(err, &notFound) {
		return nil
	}
	return mapError("ping", err)
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *Store) Close() error {
	return nil
}

func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isConnectionError(err) {
		return kv.ConnectionError(op, err)
	}
	if errors.Is(err, context.Canceled) {
		return kv.Wrap(op, err)
	}
	return kv.QueryError(op, err)
}

func isConnectionError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var sendErr *smithyhttp.RequestSendError
	if errors.As(err, &sendErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "ServiceUnavailable" || code == "InternalServerError" || strings.HasPrefix(code, "RequestTimeout")
	}
	return false
}
