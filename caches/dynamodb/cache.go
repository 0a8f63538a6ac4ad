package dynamodb

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
)

const (
	// storeIndex is the partition holding one item per store, sorted by store name.
	storeIndex = "#stores"

	// batchSize is the BatchWriteItem request limit.
	batchSize = 25

	// maxItemBody keeps an entry under the 400KB DynamoDB item limit.
	maxItemBody = 350 << 10

	maxBatchRetries = 5
)

// API is the subset of the DynamoDB client used by the cache.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Config defines the configuration options for the DynamoDB cache implementation.
type Config struct {
	Table string

	// MaxEntrySize rejects responses with larger bodies. Zero, or a value above the DynamoDB item
	// limit, means 350KB.
	MaxEntrySize int64
}

// Storage implements offlinecache.Storage using Amazon DynamoDB. The table has the partition key
// "cache" (store name) and the sort key "key" (request key). Store names are listed in the
// storeIndex partition so that lookups never scan the table.
type Storage struct {
	client API

	table        string
	maxEntrySize int64
	now          func() time.Time
}

// Cache is one named store inside a Storage.
type Cache struct {
	s    *Storage
	name string
}

type cacheItem struct {
	Cache     string `json:"cache" dynamodbav:"cache"`
	Key       string `json:"key" dynamodbav:"key"`
	Response  []byte `json:"response,omitempty" dynamodbav:"response,omitempty"`
	CachedAt  int64  `json:"cached_at,omitempty" dynamodbav:"cached_at,omitempty"`
	CreatedAt int64  `json:"created_at,omitempty" dynamodbav:"created_at,omitempty"`
}

// Open records the store in the index if it is not there yet.
func (s *Storage) Open(ctx context.Context, name string) (offlinecache.Store, error) {
	if name == "" || name == storeIndex {
		return nil, caches.ValidationError{Reason: "invalid cache name " + name}
	}

	av, err := attributevalue.MarshalMap(cacheItem{
		Cache:     storeIndex,
		Key:       name,
		CreatedAt: s.now().UTC().UnixNano(),
	})
	if err != nil {
		return nil, err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.table),
		Item:                     av,
		ConditionExpression:      aws.String("attribute_not_exists(#c)"),
		ExpressionAttributeNames: map[string]string{"#c": "cache"},
	})

	var exists *types.ConditionalCheckFailedException
	if err != nil && !errors.As(err, &exists) {
		return nil, err
	}

	return &Cache{s: s, name: name}, nil
}

// Delete removes every item in the store's partition and then its index item.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	if name == storeIndex {
		return false, caches.ValidationError{Reason: "invalid cache name " + name}
	}

	indexKey := map[string]types.AttributeValue{
		"cache": &types.AttributeValueMemberS{Value: storeIndex},
		"key":   &types.AttributeValueMemberS{Value: name},
	}

	output, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            indexKey,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, err
	}
	found := output.Item != nil

	keys, err := s.partitionKeys(ctx, name)
	if err != nil {
		return false, err
	}
	if found {
		keys = append(keys, indexKey)
	}

	for chunk := range slices.Chunk(keys, batchSize) {
		requests := make([]types.WriteRequest, 0, len(chunk))
		for _, k := range chunk {
			requests = append(requests, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}})
		}

		if err := s.batchWrite(ctx, requests); err != nil {
			return false, err
		}
	}

	return found, nil
}

func (s *Storage) batchWrite(ctx context.Context, requests []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{s.table: requests}

	for attempt := 0; len(pending[s.table]) > 0; attempt++ {
		if attempt == maxBatchRetries {
			return errors.New("dynamodb: unprocessed items after retries")
		}

		output, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return err
		}

		pending = output.UnprocessedItems
	}

	return nil
}

// query returns every item of a partition, following pagination.
func (s *Storage) query(ctx context.Context, partition string, projection *string) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	var start map[string]types.AttributeValue

	for {
		output, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			KeyConditionExpression:    aws.String("#c = :cache"),
			ProjectionExpression:      projection,
			ExpressionAttributeNames:  queryAttributeNames(projection),
			ExpressionAttributeValues: map[string]types.AttributeValue{":cache": &types.AttributeValueMemberS{Value: partition}},
			ConsistentRead:            aws.Bool(true),
			ExclusiveStartKey:         start,
		})
		if err != nil {
			return nil, err
		}

		items = append(items, output.Items...)

		if len(output.LastEvaluatedKey) == 0 {
			return items, nil
		}
		start = output.LastEvaluatedKey
	}
}

func queryAttributeNames(projection *string) map[string]string {
	if projection == nil {
		return map[string]string{"#c": "cache"}
	}
	return map[string]string{"#c": "cache", "#k": "key"}
}

func (s *Storage) partitionKeys(ctx context.Context, name string) ([]map[string]types.AttributeValue, error) {
	items, err := s.query(ctx, name, aws.String("#c, #k"))
	if err != nil {
		return nil, err
	}

	keys := make([]map[string]types.AttributeValue, 0, len(items))
	for _, item := range items {
		keys = append(keys, map[string]types.AttributeValue{
			"cache": item["cache"],
			"key":   item["key"],
		})
	}

	return keys, nil
}

// Keys reads the store index and orders it by creation time.
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	items, err := s.query(ctx, storeIndex, nil)
	if err != nil {
		return nil, err
	}

	var stores []cacheItem
	if err := attributevalue.UnmarshalListOfMaps(items, &stores); err != nil {
		return nil, err
	}

	slices.SortFunc(stores, func(a, b cacheItem) int {
		if a.CreatedAt != b.CreatedAt {
			if a.CreatedAt < b.CreatedAt {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Key, b.Key)
	})

	names := make([]string, 0, len(stores))
	for _, st := range stores {
		names = append(names, st.Key)
	}

	return names, nil
}

// Match looks the key up in every store, oldest first.
func (s *Storage) Match(ctx context.Context, key string) (*offlinecache.Entry, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		item, err := (&Cache{s: s, name: name}).Match(ctx, key)
		if err == nil {
			return item, nil
		}
		if !errors.Is(err, caches.ErrNoCacheItem) {
			return nil, err
		}
	}

	return nil, caches.ErrNoCacheItem
}

// Match retrieves an entry from DynamoDB by its key.
func (c *Cache) Match(ctx context.Context, k string) (*offlinecache.Entry, error) {
	output, err := c.s.client.GetItem(ctx, &dynamodb.GetItemInput{
		Key: map[string]types.AttributeValue{
			"cache": &types.AttributeValueMemberS{Value: c.name},
			"key":   &types.AttributeValueMemberS{Value: k},
		},
		ConsistentRead: aws.Bool(true),
		TableName:      aws.String(c.s.table),
	})
	if err != nil {
		return nil, err
	}

	if output.Item == nil {
		return nil, caches.ErrNoCacheItem
	}

	var item cacheItem
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return nil, err
	}

	return offlinecache.ParseEntry(k, item.Response, time.Unix(0, item.CachedAt).UTC())
}

// Put stores the entry in HTTP wire format under the store's partition.
func (c *Cache) Put(ctx context.Context, k string, v *offlinecache.Entry) error {
	if int64(len(v.Body)) > c.s.maxEntrySize {
		return caches.ErrEntryTooLarge
	}

	wire, err := v.Dump()
	if err != nil {
		return err
	}

	av, err := attributevalue.MarshalMap(cacheItem{
		Cache:    c.name,
		Key:      k,
		Response: wire,
		CachedAt: v.CachedAt.UTC().UnixNano(),
	})
	if err != nil {
		return err
	}

	_, err = c.s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.s.table),
		Item:      av,
	})
	return err
}

// New creates a new DynamoDB cache storage with the provided configuration.
// It validates the configuration and sets default values where appropriate.
// Returns an error if the client is nil or if the configuration is invalid.
func New(ctx context.Context, client API, config *Config) (*Storage, error) {
	if client == nil {
		return nil, caches.ValidationError{
			Reason: "nil client",
		}
	}

	if config == nil || config.Table == "" {
		return nil, caches.ValidationError{
			Reason: "table name is required",
		}
	}

	maxEntrySize := config.MaxEntrySize
	if maxEntrySize <= 0 || maxEntrySize > maxItemBody {
		maxEntrySize = maxItemBody
	}

	return &Storage{
		client: client,

		table:        config.Table,
		maxEntrySize: maxEntrySize,
		now:          time.Now,
	}, nil
}
