package gate

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestWaitBlocksUntilRelease(t *testing.T) {
	g := New()
	var wg sync.WaitGroup
	results := make([]any, 4)

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := g.Wait(context.Background())
			if err != nil {
				t.Errorf("waiter %d: unexpected error %v", i, err)
				return
			}
			results[i] = v
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	g.Release("core")
	wg.Wait()

	for i, v := range results {
		if v != "core" {
			t.Fatalf("waiter %d got %v, want %q", i, v, "core")
		}
	}
}

func TestAbortUnblocksWaitersWithError(t *testing.T) {
	g := New()
	errCh := make(chan error, 1)
	go func() {
		_, err := g.Wait(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	g.Abort(context.DeadlineExceeded)

	if err := <-errCh; err != context.DeadlineExceeded {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}
}

func TestOnlyFirstReleaseOrAbortWins(t *testing.T) {
	g := New()
	g.Release("first")
	g.Abort(context.Canceled)

	v, err := g.Wait(context.Background())
	if err != nil || v != "first" {
		t.Fatalf("got (%v, %v), want (\"first\", nil)", v, err)
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	g := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Wait(ctx)
	if err == nil {
		t.Fatalf("expected an error when context is already cancelled")
	}
}

func TestReadyReflectsState(t *testing.T) {
	g := New()
	if g.Ready() {
		t.Fatalf("expected Ready() false before Release/Abort")
	}
	g.Release(42)
	if !g.Ready() {
		t.Fatalf("expected Ready() true after Release")
	}
}
