//go:build !integration

package dynamodb

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	offlinecache "github.com/dgduncan/go-offline-cache"
	"github.com/dgduncan/go-offline-cache/caches"
)

// fakeAPI keeps items per partition and understands the handful of expressions the cache sends.
type fakeAPI struct {
	mu    sync.Mutex
	items map[string]map[string]map[string]types.AttributeValue

	batchCalls int
	queryCalls int
	getCalls   int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{items: map[string]map[string]map[string]types.AttributeValue{}}
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.getCalls++
	return &dynamodb.GetItemOutput{Item: f.items[str(in.Key["cache"])][str(in.Key["key"])]}, nil
}

func (f *fakeAPI) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cache, key := str(in.Item["cache"]), str(in.Item["key"])
	if f.items[cache] == nil {
		f.items[cache] = map[string]map[string]types.AttributeValue{}
	}
	if _, exists := f.items[cache][key]; exists && in.ConditionExpression != nil {
		return nil, &types.ConditionalCheckFailedException{}
	}
	f.items[cache][key] = in.Item

	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queryCalls++
	var items []map[string]types.AttributeValue
	for _, item := range f.items[str(in.ExpressionAttributeValues[":cache"])] {
		items = append(items, item)
	}

	return &dynamodb.QueryOutput{Items: items}, nil
}

func (f *fakeAPI) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.batchCalls++
	for _, requests := range in.RequestItems {
		for _, r := range requests {
			delete(f.items[str(r.DeleteRequest.Key["cache"])], str(r.DeleteRequest.Key["key"]))
		}
	}
	for cache, partition := range f.items {
		if len(partition) == 0 {
			delete(f.items, cache)
		}
	}

	return &dynamodb.BatchWriteItemOutput{}, nil
}

func TestNewDynamoDBCache(t *testing.T) {
	tests := []struct {
		name            string
		client          API
		config          *Config
		expectedMaxSize int64
		expectedErr     error
	}{
		{
			name:   "nil client returns error",
			client: nil,
			config: &Config{
				Table: "test-table",
			},
			expectedErr: caches.ErrValidation,
		},
		{
			name:        "missing table returns error",
			client:      newFakeAPI(),
			config:      &Config{},
			expectedErr: caches.ErrValidation,
		},
		{
			name:            "zero max entry size uses item limit",
			client:          newFakeAPI(),
			config:          &Config{Table: "test-table"},
			expectedMaxSize: maxItemBody,
		},
		{
			name:            "custom max entry size",
			client:          newFakeAPI(),
			config:          &Config{Table: "test-table", MaxEntrySize: 1024},
			expectedMaxSize: 1024,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(context.Background(), tt.client, tt.config)

			if tt.expectedErr != nil {
				assert.ErrorIs(t, err, tt.expectedErr)
				assert.Nil(t, s)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.config.Table, s.table)
			assert.Equal(t, tt.expectedMaxSize, s.maxEntrySize)
		})
	}
}

func newTestStorage(t *testing.T, api API) *Storage {
	t.Helper()

	s, err := New(context.Background(), api, &Config{Table: "offline-cache"})
	require.NoError(t, err)

	clock := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	return s
}

func TestStorageLifecycle(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	s := newTestStorage(t, api)

	for _, name := range []string{"impact-forge-v0", "impact-forge-v1", "impact-forge-runtime-v1"} {
		_, err := s.Open(ctx, name)
		require.NoError(t, err)
	}

	// reopening neither fails nor moves the store
	runtime, err := s.Open(ctx, "impact-forge-runtime-v1")
	require.NoError(t, err)
	_, err = s.Open(ctx, "impact-forge-v0")
	require.NoError(t, err)

	names, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"impact-forge-v0", "impact-forge-v1", "impact-forge-runtime-v1"}, names)

	key := "GET#http://app.example/assets/logo.png"
	require.NoError(t, runtime.Put(ctx, key, &offlinecache.Entry{
		Key:        key,
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"image/png"}},
		Body:       []byte("png"),
		CachedAt:   time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC),
	}))

	got, err := s.Match(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "png", string(got.Body))
	assert.Equal(t, "image/png", got.Header.Get("Content-Type"))

	_, err = s.Match(ctx, "GET#http://app.example/missing.png")
	assert.ErrorIs(t, err, caches.ErrNoCacheItem)

	deleted, err := s.Delete(ctx, "impact-forge-runtime-v1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(ctx, "impact-forge-runtime-v1")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = s.Match(ctx, key)
	assert.ErrorIs(t, err, caches.ErrNoCacheItem)
}

func TestDeleteBatchesLargeStores(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	s := newTestStorage(t, api)

	store, err := s.Open(ctx, "runtime")
	require.NoError(t, err)

	for i := range 30 {
		key := "GET#http://app.example/" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		require.NoError(t, store.Put(ctx, key, &offlinecache.Entry{Key: key, StatusCode: http.StatusOK}))
	}

	deleted, err := s.Delete(ctx, "runtime")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, 2, api.batchCalls)

	names, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestPutValidation(t *testing.T) {
	ctx := context.Background()
	s, err := New(ctx, newFakeAPI(), &Config{Table: "offline-cache", MaxEntrySize: 2})
	require.NoError(t, err)

	store, err := s.Open(ctx, "runtime")
	require.NoError(t, err)

	_, err = s.Open(ctx, storeIndex)
	assert.ErrorIs(t, err, caches.ErrValidation)

	err = store.Put(ctx, "k", &offlinecache.Entry{StatusCode: http.StatusOK, Body: []byte("large")})
	assert.ErrorIs(t, err, caches.ErrEntryTooLarge)
}

func TestMatchReadsOnlyTheStoreIndex(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	s := newTestStorage(t, api)

	precache, err := s.Open(ctx, "impact-forge-v1")
	require.NoError(t, err)
	runtime, err := s.Open(ctx, "impact-forge-runtime-v1")
	require.NoError(t, err)

	for i := range 50 {
		key := "GET#http://app.example/assets/" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		require.NoError(t, runtime.Put(ctx, key, &offlinecache.Entry{Key: key, StatusCode: http.StatusOK}))
	}

	key := "GET#http://app.example/"
	require.NoError(t, precache.Put(ctx, key, &offlinecache.Entry{Key: key, StatusCode: http.StatusOK, Body: []byte("shell")}))

	api.queryCalls, api.getCalls = 0, 0

	got, err := s.Match(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "shell", string(got.Body))
	assert.Equal(t, 1, api.queryCalls)
	assert.Equal(t, 1, api.getCalls)

	api.queryCalls, api.getCalls = 0, 0

	_, err = s.Match(ctx, "GET#http://app.example/missing")
	assert.ErrorIs(t, err, caches.ErrNoCacheItem)
	assert.Equal(t, 1, api.queryCalls)
	assert.Equal(t, 2, api.getCalls)
}
