package echo

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"cellsync/internal/cell"
	"cellsync/internal/kv"
)

func newTestMarker(t *testing.T, ttl time.Duration) (*Marker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(kv.NewFromClient(rdb), ttl), mr
}

func TestMarkerSetThenExists(t *testing.T) {
	m, _ := newTestMarker(t, time.Minute)
	ctx := context.Background()
	addr := cell.MustAddress(1, 'A')

	if m.Exists(ctx, addr) {
		t.Fatalf("expected no mark before Set")
	}
	if err := m.Set(ctx, addr); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !m.Exists(ctx, addr) {
		t.Fatalf("expected mark to exist after Set")
	}
}

func TestMarkerExpiresViaTTL(t *testing.T) {
	m, mr := newTestMarker(t, time.Second)
	ctx := context.Background()
	addr := cell.MustAddress(2, 'B')

	if err := m.Set(ctx, addr); err != nil {
		t.Fatalf("set: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if m.Exists(ctx, addr) {
		t.Fatalf("expected mark to expire after TTL")
	}
}
