package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itgoyo/faka-usdt/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_FetchRecent(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("TRON-PRO-API-KEY")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[
			{"value":"199037000","block_timestamp":1744168651000,"transaction_id":"tx-a"},
			{"value":5000000,"block_timestamp":1744168652000,"tx_id":"tx-b"},
			{"value":"not-a-number","block_timestamp":1744168653000,"transaction_id":"tx-c"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL, APIKey: "k-123"})
	transfers := c.FetchRecent(context.Background())

	assert.Equal(t, "k-123", gotKey)
	require.Len(t, transfers, 2)
	assert.Equal(t, domain.Transfer{TxID: "tx-a", ValueMicros: 199037000, Timestamp: time.UnixMilli(1744168651000).UTC()}, transfers[0])
	assert.Equal(t, "tx-b", transfers[1].TxID)
	assert.Equal(t, int64(5000000), transfers[1].ValueMicros)
}

func TestClient_FailSoft(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) }},
		{"bad body", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`<html>`)) }},
		{"empty data", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"data":[]}`)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := NewClient(Config{URL: srv.URL})
			assert.Empty(t, c.FetchRecent(context.Background()))
		})
	}
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{URL: url, Timeout: time.Second})
	assert.Empty(t, c.FetchRecent(context.Background()))
	assert.Empty(t, NewClient(Config{}).FetchRecent(context.Background()))
}

type countingFetcher struct {
	calls     atomic.Int32
	delay     time.Duration
	transfers []domain.Transfer
}

func (f *countingFetcher) FetchRecent(ctx context.Context) []domain.Transfer {
	f.calls.Add(1)
	time.Sleep(f.delay)
	return f.transfers
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *memCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return b, nil
}

func (c *memCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func sampleTransfers() []domain.Transfer {
	return []domain.Transfer{{TxID: "tx-1", ValueMicros: 19905000, Timestamp: time.UnixMilli(1744168651000).UTC()}}
}

func TestCachedFeed_ReusesCachedBatch(t *testing.T) {
	next := &countingFetcher{transfers: sampleTransfers()}
	f := NewCachedFeed(next, &memCache{data: map[string][]byte{}}, time.Minute)

	first := f.FetchRecent(context.Background())
	second := f.FetchRecent(context.Background())

	assert.Equal(t, int32(1), next.calls.Load())
	assert.Equal(t, first, second)
	assert.Equal(t, sampleTransfers(), second)
}

func TestCachedFeed_DoesNotCacheEmpty(t *testing.T) {
	next := &countingFetcher{}
	f := NewCachedFeed(next, &memCache{data: map[string][]byte{}}, time.Minute)

	f.FetchRecent(context.Background())
	f.FetchRecent(context.Background())

	assert.Equal(t, int32(2), next.calls.Load())
}

func TestCachedFeed_CollapsesConcurrentFetches(t *testing.T) {
	next := &countingFetcher{delay: 100 * time.Millisecond, transfers: sampleTransfers()}
	f := NewCachedFeed(next, nil, 0)

	var wg sync.WaitGroup
	results := make([][]domain.Transfer, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.FetchRecent(context.Background())
		}(i)
	}
	wg.Wait()

	assert.Less(t, next.calls.Load(), int32(8))
	for _, r := range results {
		assert.Equal(t, sampleTransfers(), r)
	}
}
