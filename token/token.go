// Package token implements the Token Provider (C9): a scope-keyed cache of
// bearer tokens fetched from the keymaster over Mercury, with superset-scope
// cache hits and singleflight-coalesced misses. Grounded on the teacher's
// directory.Cache pattern for "keep a local copy, refetch on miss"
// (github.com/cvsouth/tor-go/directory/cache.go), generalized from
// consensus/microdescriptor caching to per-scope-set token caching, and on
// golang.org/x/sync/singleflight (present in the pack via
// SAGE-X-project-sage's go.mod) to collapse concurrent misses for the same
// scope set into one network call.
package token

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rivergate-audio/ap-go/apcore"
	"github.com/rivergate-audio/ap-go/mercury"
	"github.com/rivergate-audio/ap-go/metrics"
)

// StoredToken is one cached keymaster token, per spec.md §3.
type StoredToken struct {
	AccessToken  string   `json:"accessToken"`
	Scopes       []string `json:"scope"`
	ExpiresIn    int64    `json:"expiresIn"`
	AcquiredAtUs int64    `json:"-"`
}

// expired reports whether the token's effective lifetime (expires_in minus a
// 10-second safety margin) has elapsed as of nowUs.
func (t StoredToken) expired(nowUs int64) bool {
	return t.AcquiredAtUs+(t.ExpiresIn-10)*1_000_000 < nowUs
}

func (t StoredToken) supersetOf(scopes []string) bool {
	have := make(map[string]bool, len(t.Scopes))
	for _, s := range t.Scopes {
		have[s] = true
	}
	for _, want := range scopes {
		if !have[want] {
			return false
		}
	}
	return true
}

// Provider fetches and caches keymaster tokens over a mercury.Client.
type Provider struct {
	Mercury  mercury.Client
	ClientID string
	DeviceID string
	Metrics  *metrics.Metrics

	mu    sync.Mutex
	cache []StoredToken
	sf    singleflight.Group
}

// Get fetches (or returns a cached) token whose scopes include scope.
func (p *Provider) Get(ctx context.Context, scope string) (string, error) {
	tok, err := p.GetMany(ctx, scope)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// GetMany fetches (or returns a cached) token covering every scope in
// scopes. Any cached token whose scope set is a superset satisfies the
// request (spec.md §8 invariant 6).
func (p *Provider) GetMany(ctx context.Context, scopes ...string) (*StoredToken, error) {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	key := strings.Join(sorted, ",")

	if tok, ok := p.lookup(scopes); ok {
		p.Metrics.TokenCacheHit()
		return &tok, nil
	}
	p.Metrics.TokenCacheMiss()

	v, err, _ := p.sf.Do(key, func() (any, error) {
		// Re-check under the singleflight key: another caller may have
		// populated the cache while we were waiting to be scheduled.
		if tok, ok := p.lookup(scopes); ok {
			return tok, nil
		}
		return p.fetch(ctx, sorted)
	})
	if err != nil {
		return nil, err
	}
	tok := v.(StoredToken)
	return &tok, nil
}

func (p *Provider) lookup(scopes []string) (StoredToken, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UnixMicro()
	kept := p.cache[:0]
	var found StoredToken
	ok := false
	for _, tok := range p.cache {
		if tok.expired(now) {
			continue
		}
		kept = append(kept, tok)
		if !ok && tok.supersetOf(scopes) {
			found, ok = tok, true
		}
	}
	p.cache = kept
	return found, ok
}

func (p *Provider) fetch(ctx context.Context, sortedScopes []string) (StoredToken, error) {
	if p.Mercury == nil {
		return StoredToken{}, apcore.New(apcore.KindTokenFetchError, "no mercury client configured")
	}

	uri := fmt.Sprintf("hm://keymaster/token/authenticated?scope=%s&client_id=%s&device_id=%s",
		strings.Join(sortedScopes, ","), p.ClientID, p.DeviceID)

	var tok StoredToken
	if err := p.Mercury.SendSyncJSON(ctx, uri, &tok); err != nil {
		return StoredToken{}, apcore.Wrap(apcore.KindTokenFetchError, "fetch token", err)
	}
	tok.AcquiredAtUs = time.Now().UnixMicro()
	if len(tok.Scopes) == 0 {
		tok.Scopes = sortedScopes
	}

	p.mu.Lock()
	p.cache = append(p.cache, tok)
	p.mu.Unlock()

	return tok, nil
}
