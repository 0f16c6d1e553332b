package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"cellsync/internal/cell"
	"cellsync/internal/echo"
	"cellsync/internal/kv"
	"cellsync/internal/lock"
)

type fakeStore struct {
	mu    sync.Mutex
	cells map[cell.Address]cell.Value
}

func newFakeStore() *fakeStore {
	return &fakeStore{cells: make(map[cell.Address]cell.Value)}
}

func (f *fakeStore) Upsert(ctx context.Context, addr cell.Address, value cell.Value, origin cell.Origin) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cells[addr] = value
	return nil
}

func (f *fakeStore) get(addr cell.Address) (cell.Value, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.cells[addr]
	return v, ok
}

type fakeSyncer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeSyncer) RequestSync() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

func (f *fakeSyncer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestWorker(t *testing.T, sc StoreClient, syncer Syncer) *Worker {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	kvClient := kv.NewFromClient(rdb)

	marker := echo.New(kvClient, time.Minute)
	locks := lock.New(kvClient, lock.Options{RetryDelay: time.Millisecond, MaxAttempts: 1})

	return New(sc, marker, locks, syncer, Options{
		FanOut:             2,
		RateLimitPerMinute: 6000,
		MaxAttempts:        3,
		InitialBackoff:     time.Millisecond,
	})
}

func TestApplySucceedsAndTriggersSync(t *testing.T) {
	sc := newFakeStore()
	syncer := &fakeSyncer{}
	w := newTestWorker(t, sc, syncer)
	ctx := context.Background()
	addr := cell.MustAddress(1, 'A')

	if err := w.apply(ctx, Job{ID: "job-1", Address: addr, Value: "hello"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	v, ok := sc.get(addr)
	if !ok || v != "hello" {
		t.Fatalf("expected store to have applied value, got %q ok=%v", v, ok)
	}
	if syncer.count() != 1 {
		t.Fatalf("expected apply to request exactly one sync, got %d", syncer.count())
	}
}

func TestApplySkipsWhenIgnoreMarked(t *testing.T) {
	sc := newFakeStore()
	syncer := &fakeSyncer{}
	w := newTestWorker(t, sc, syncer)
	ctx := context.Background()
	addr := cell.MustAddress(2, 'B')

	if err := w.marker.Set(ctx, addr); err != nil {
		t.Fatalf("set mark: %v", err)
	}
	if err := w.apply(ctx, Job{ID: "job-2", Address: addr, Value: "hello"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok := sc.get(addr); ok {
		t.Fatalf("expected ignore-marked job to skip the store write")
	}
	if syncer.count() != 0 {
		t.Fatalf("expected no sync request for an ignored job")
	}
}

func TestApplyFailsOnLockContention(t *testing.T) {
	sc := newFakeStore()
	syncer := &fakeSyncer{}
	w := newTestWorker(t, sc, syncer)
	ctx := context.Background()
	addr := cell.MustAddress(3, 'C')

	if err := w.locks.Acquire(ctx, addr, "someone-else"); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	err := w.apply(ctx, Job{ID: "job-3", Address: addr, Value: "v"})
	if err == nil {
		t.Fatalf("expected contention error when lock already held")
	}
}

func TestSubmitAndRunLoopProcessesJob(t *testing.T) {
	sc := newFakeStore()
	syncer := &fakeSyncer{}
	w := newTestWorker(t, sc, syncer)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w.Start(ctx)
	addr := cell.MustAddress(4, 'D')
	if err := w.Submit(ctx, Job{ID: "job-4", Address: addr, Value: "v4"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := sc.get(addr); ok && v == "v4" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected job to be applied by the worker pool before timeout")
}
