// Package gate implements the session's auth barrier: a one-shot readiness
// gate that blocks every subsystem constructed before login completes, and
// either releases them all at once with the authenticated core or aborts
// them all with the failure. Grounded on the teacher's circuit.Circuit
// mutex-guarded critical sections (github.com/cvsouth/tor-go/circuit), here
// generalized from "protect concurrent reads/writes on one circuit" to
// "block all waiters until one authentication event resolves".
package gate

import (
	"context"
	"sync"

	"github.com/rivergate-audio/ap-go/apcore"
)

// Gate guards access to a value (the session's authenticated Core) that does
// not exist yet when its dependents are constructed. Exactly one of Release
// or Abort must be called exactly once; every Wait call unblocks at that
// point.
type Gate struct {
	once sync.Once
	done chan struct{}

	mu    sync.Mutex
	value any
	err   error
}

// New returns a Gate ready to be waited on.
func New() *Gate {
	return &Gate{done: make(chan struct{})}
}

// Wait blocks until Release or Abort is called, or ctx is cancelled.
func (g *Gate) Wait(ctx context.Context) (any, error) {
	select {
	case <-g.done:
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.value, g.err
	case <-ctx.Done():
		return nil, apcore.Wrap(apcore.KindSessionClosed, "auth barrier wait cancelled", ctx.Err())
	}
}

// Release unblocks every waiter with value and a nil error. Only the first
// call (whether Release or Abort) has any effect.
func (g *Gate) Release(value any) {
	g.once.Do(func() {
		g.mu.Lock()
		g.value = value
		g.mu.Unlock()
		close(g.done)
	})
}

// Abort unblocks every waiter with err. Only the first call (whether Release
// or Abort) has any effect.
func (g *Gate) Abort(err error) {
	g.once.Do(func() {
		g.mu.Lock()
		g.err = err
		g.mu.Unlock()
		close(g.done)
	})
}

// Ready reports whether Release or Abort has already been called, without
// blocking.
func (g *Gate) Ready() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}
