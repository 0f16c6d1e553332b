// Package echo implements the IgnoreMark lifecycle, one of three
// complementary mechanisms that prevent a remote-originated write from
// being pushed back out as if it were new. The other two (origin
// tagging, snapshot write-through) live in cell.Origin and the outbound
// synchronizer respectively, since they are properties of data already
// owned by those packages rather than standalone state.
package echo

import (
	"context"
	"fmt"
	"time"

	"cellsync/internal/cell"
	"cellsync/internal/kv"
)

// Marker sets and checks IgnoreMarks in the shared KV.
type Marker struct {
	client *kv.Client
	ttl    time.Duration
}

// New constructs a Marker with the given IgnoreMark TTL (default 10s).
func New(client *kv.Client, ttl time.Duration) *Marker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Marker{client: client, ttl: ttl}
}

func ignoreKey(addr cell.Address) string {
	return fmt.Sprintf("ignore:%d:%c", addr.Row, addr.Col)
}

// Set marks addr as ignore-worthy. Must be called before writing the
// corresponding remote-originated change to the store.
func (m *Marker) Set(ctx context.Context, addr cell.Address) error {
	return m.client.StoreString(ctx, ignoreKey(addr), "1", m.ttl)
}

// Exists reports whether addr currently carries an IgnoreMark. Used by the
// ingress worker before considering a write eligible for propagation; the
// outbound synchronizer filters by origin tag instead.
func (m *Marker) Exists(ctx context.Context, addr cell.Address) bool {
	return m.client.Exists(ctx, ignoreKey(addr))
}
