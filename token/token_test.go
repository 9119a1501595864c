package token

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rivergate-audio/ap-go/mercury"
)

// countingMercury answers SendSyncJSON with a token scoped to scopesOf(uri),
// or to just "playlist-read" when scopesOf is nil, incrementing a fetch
// counter on every call.
type countingMercury struct {
	fetches int32
	mu      sync.Mutex
	scopesOf func(uri string) []string
}

func (c *countingMercury) SendSync(ctx context.Context, req mercury.RawRequest) (mercury.Response, error) {
	return mercury.Response{}, nil
}

func (c *countingMercury) SendSyncJSON(ctx context.Context, uri string, out any) error {
	atomic.AddInt32(&c.fetches, 1)
	scopes := []string{"playlist-read"}
	if c.scopesOf != nil {
		scopes = c.scopesOf(uri)
	}
	tok := StoredToken{AccessToken: "tok-" + uri, Scopes: scopes, ExpiresIn: 3600}
	data, _ := json.Marshal(tok)
	return json.Unmarshal(data, out)
}

func (c *countingMercury) Dispatch(cmd byte, payload []byte) {}
func (c *countingMercury) Subscribe(uri string, l mercury.Listener) error { return nil }

func TestGetManySupersetCacheHitSkipsFetch(t *testing.T) {
	m := &countingMercury{scopesOf: func(string) []string { return []string{"playlist-read", "user-read"} }}
	p := &Provider{Mercury: m, ClientID: "c", DeviceID: "d"}

	if _, err := p.GetMany(context.Background(), "playlist-read", "user-read"); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if _, err := p.GetMany(context.Background(), "playlist-read"); err != nil {
		t.Fatalf("superset lookup: %v", err)
	}

	if got := atomic.LoadInt32(&m.fetches); got != 1 {
		t.Fatalf("expected 1 network fetch, got %d", got)
	}
}

func TestGetManyDisjointScopesEachFetch(t *testing.T) {
	m := &countingMercury{}
	p := &Provider{Mercury: m, ClientID: "c", DeviceID: "d"}

	if _, err := p.GetMany(context.Background(), "playlist-read"); err != nil {
		t.Fatalf("fetch 1: %v", err)
	}
	if _, err := p.GetMany(context.Background(), "other-scope"); err != nil {
		t.Fatalf("fetch 2: %v", err)
	}

	if got := atomic.LoadInt32(&m.fetches); got != 2 {
		t.Fatalf("expected 2 network fetches, got %d", got)
	}
}

func TestExpiredTokenIsRefetched(t *testing.T) {
	m := &countingMercury{}
	p := &Provider{Mercury: m, ClientID: "c", DeviceID: "d"}

	p.mu.Lock()
	p.cache = append(p.cache, StoredToken{
		AccessToken:  "stale",
		Scopes:       []string{"playlist-read"},
		ExpiresIn:    3600,
		AcquiredAtUs: time.Now().Add(-2 * time.Hour).UnixMicro(),
	})
	p.mu.Unlock()

	if _, err := p.GetMany(context.Background(), "playlist-read"); err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if got := atomic.LoadInt32(&m.fetches); got != 1 {
		t.Fatalf("expected the expired entry to be evicted and refetched, got %d fetches", got)
	}
}

func TestConcurrentMissesForSameScopeCoalesce(t *testing.T) {
	m := &countingMercury{}
	p := &Provider{Mercury: m, ClientID: "c", DeviceID: "d"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.GetMany(context.Background(), "playlist-read"); err != nil {
				t.Errorf("GetMany: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&m.fetches); got != 1 {
		t.Fatalf("expected concurrent misses to coalesce into 1 fetch, got %d", got)
	}
}
