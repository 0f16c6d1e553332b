package queue

import (
	"context"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"cellsync/internal/cell"
	"cellsync/internal/kv"
)

func newTestQueue(t *testing.T, name Name) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(kv.NewFromClient(rdb), name)
}

func TestEnqueuePopFIFO(t *testing.T) {
	q := newTestQueue(t, ToRemote)
	ctx := context.Background()

	if err := q.Enqueue(ctx, cell.MustAddress(1, 'A'), "X", false, cell.OriginLocalTerminal); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	if err := q.Enqueue(ctx, cell.MustAddress(2, 'B'), "Y", false, cell.OriginLocalTerminal); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}

	first, ok, err := q.PopFront(ctx)
	if err != nil || !ok {
		t.Fatalf("pop 1: ok=%v err=%v", ok, err)
	}
	if first.Address != "1:A" || first.Value != "X" {
		t.Fatalf("unexpected first element: %+v", first)
	}

	second, ok, err := q.PopFront(ctx)
	if err != nil || !ok {
		t.Fatalf("pop 2: ok=%v err=%v", ok, err)
	}
	if second.Address != "2:B" {
		t.Fatalf("unexpected second element: %+v", second)
	}

	_, ok, err = q.PopFront(ctx)
	if err != nil {
		t.Fatalf("pop empty: %v", err)
	}
	if ok {
		t.Fatalf("expected empty queue")
	}
}

func TestDrainStopsAndRequeuesOnFailure(t *testing.T) {
	q := newTestQueue(t, ToRemote)
	ctx := context.Background()

	_ = q.Enqueue(ctx, cell.MustAddress(1, 'A'), "X", false, cell.OriginLocalTerminal)
	_ = q.Enqueue(ctx, cell.MustAddress(2, 'B'), "Y", false, cell.OriginLocalTerminal)
	_ = q.Enqueue(ctx, cell.MustAddress(3, 'C'), "Z", false, cell.OriginLocalTerminal)

	failOn := "2:B"
	applied := []string{}
	boom := errors.New("boom")

	drained, err := q.Drain(ctx, func(_ context.Context, c Change) error {
		if c.Address == failOn {
			return boom
		}
		applied = append(applied, c.Address)
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom error, got %v", err)
	}
	if drained != 1 {
		t.Fatalf("expected 1 drained before failure, got %d", drained)
	}
	if len(applied) != 1 || applied[0] != "1:A" {
		t.Fatalf("unexpected applied set: %v", applied)
	}

	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 remaining elements (failed one requeued), got %d", n)
	}

	next, ok, err := q.PopFront(ctx)
	if err != nil || !ok {
		t.Fatalf("pop after drain: ok=%v err=%v", ok, err)
	}
	if next.Address != failOn {
		t.Fatalf("expected failed element requeued at head, got %+v", next)
	}
}

func TestDrainAllSucceed(t *testing.T) {
	q := newTestQueue(t, ToStore)
	ctx := context.Background()
	_ = q.Enqueue(ctx, cell.MustAddress(1, 'A'), "X", false, cell.OriginRemote)
	_ = q.Enqueue(ctx, cell.MustAddress(2, 'B'), "Y", false, cell.OriginRemote)

	drained, err := q.Drain(ctx, func(_ context.Context, _ Change) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if drained != 2 {
		t.Fatalf("expected 2 drained, got %d", drained)
	}
	n, _ := q.Len(ctx)
	if n != 0 {
		t.Fatalf("expected empty queue after full drain, got %d", n)
	}
}
