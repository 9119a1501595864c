// Package apresolve fetches pools of endpoint addresses for named AP service
// classes (accesspoint, dealer, spclient) from the resolver service.
package apresolve

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/rivergate-audio/ap-go/apcore"
)

// DefaultResolverURL is the well-known resolver endpoint.
const DefaultResolverURL = "https://apresolve.spotify.com/"

// Address is an immutable "host:port" endpoint returned by the resolver.
type Address string

// Resolver issues HTTPS GETs against the resolver service.
type Resolver struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New constructs a Resolver with sane defaults, grounded on the teacher's
// directory.fetchConsensusFrom client (a short 10-second timeout; the
// default transport is otherwise left as is).
func New() *Resolver {
	return &Resolver{
		BaseURL: DefaultResolverURL,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Resolve fetches the pool of addresses for service ("accesspoint", "dealer",
// or "spclient"). It fails with apcore.KindNoEndpoint if the service's list
// is empty or absent from the response.
func (r *Resolver) Resolve(ctx context.Context, service string) ([]Address, error) {
	url := fmt.Sprintf("%s?type=%s", r.BaseURL, service)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apcore.Wrap(apcore.KindSocketError, "build resolver request", err)
	}

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return nil, apcore.Wrap(apcore.KindSocketError, "resolver request for "+service, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, apcore.New(apcore.KindSocketError, fmt.Sprintf("resolver HTTP %d for %s", resp.StatusCode, service))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apcore.Wrap(apcore.KindSocketError, "read resolver body", err)
	}

	var parsed map[string][]string
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apcore.Wrap(apcore.KindProtocolError, "parse resolver JSON", err)
	}

	list, ok := parsed[service]
	if !ok || len(list) == 0 {
		return nil, apcore.Wrap(apcore.KindNoEndpoint, "no endpoints for "+service, apcore.ErrNoEndpoint)
	}

	addrs := make([]Address, len(list))
	for i, a := range list {
		addrs[i] = Address(a)
	}
	return addrs, nil
}

// RandomOf resolves service and picks one address uniformly at random.
func (r *Resolver) RandomOf(ctx context.Context, service string) (Address, error) {
	addrs, err := r.Resolve(ctx, service)
	if err != nil {
		return "", err
	}
	idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(addrs))))
	if err != nil {
		return "", apcore.Wrap(apcore.KindSocketError, "pick random endpoint", err)
	}
	return addrs[idx.Int64()], nil
}
