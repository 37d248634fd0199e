package pruner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakePurger struct {
	mu    sync.Mutex
	calls []time.Duration
	err   error
}

func (f *fakePurger) PurgeValuations(maxAge time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, maxAge)
	return 1, f.err
}

func (f *fakePurger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestRun_PrunesUntilCancelled(t *testing.T) {
	store := &fakePurger{}
	svc := NewService(store, time.Hour, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return store.count() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, time.Hour, store.calls[0])
}

func TestRun_ErrorsDoNotStopService(t *testing.T) {
	store := &fakePurger{err: errors.New("database is locked")}
	svc := NewService(store, time.Hour, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	assert.Eventually(t, func() bool { return store.count() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestPrune_NoMaxAge(t *testing.T) {
	store := &fakePurger{}
	NewService(store, 0, time.Hour).prune()
	assert.Equal(t, 0, store.count())
}

func TestNewService_DefaultInterval(t *testing.T) {
	assert.Equal(t, DefaultInterval, NewService(&fakePurger{}, time.Hour, 0).interval)
}
