package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewFromClient(rdb), mr
}

func TestStoreFetchRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	type payload struct {
		A string
		B int
	}
	want := payload{A: "x", B: 7}
	if err := c.Store(ctx, "k1", want, time.Minute); err != nil {
		t.Fatalf("store: %v", err)
	}

	var got payload
	if err := c.Fetch(ctx, "k1", &got); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestFetchMissingKeyReturnsNotFound(t *testing.T) {
	c, _ := newTestClient(t)
	var dest string
	err := c.Fetch(context.Background(), "missing", &dest)
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestSetNXOnlySucceedsOnce(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "lock:1:A", "owner-1", time.Second)
	if err != nil || !ok {
		t.Fatalf("first setnx: ok=%v err=%v", ok, err)
	}

	ok, err = c.SetNX(ctx, "lock:1:A", "owner-2", time.Second)
	if err != nil {
		t.Fatalf("second setnx error: %v", err)
	}
	if ok {
		t.Fatalf("expected second setnx to fail while key held")
	}
}

func TestListFIFO(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	if err := c.RPush(ctx, "q", "first"); err != nil {
		t.Fatalf("rpush: %v", err)
	}
	if err := c.RPush(ctx, "q", "second"); err != nil {
		t.Fatalf("rpush: %v", err)
	}

	var first string
	if err := c.LPop(ctx, "q", &first); err != nil {
		t.Fatalf("lpop: %v", err)
	}
	if first != "first" {
		t.Fatalf("expected FIFO order, got %q first", first)
	}

	n, err := c.LLen(ctx, "q")
	if err != nil {
		t.Fatalf("llen: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 remaining element, got %d", n)
	}
}

func TestLPopEmptyListReturnsNotFound(t *testing.T) {
	c, _ := newTestClient(t)
	var dest string
	err := c.LPop(context.Background(), "empty", &dest)
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}
