// Package snapshotstore persists cell.Snapshot values to the shared KV
// under two well-known keys: snapshot:sheet (the reconciler's remote-side
// cache) and snapshot:db (the store-side cache used for degraded reads
// when the store is offline).
package snapshotstore

import (
	"context"
	"errors"
	"time"

	"cellsync/internal/cell"
	"cellsync/internal/kv"
)

const (
	sheetKey = "snapshot:sheet"
	dbKey    = "snapshot:db"
)

// wireSnapshot is the JSON-serializable form of a cell.Snapshot; map keys
// in Go's encoding/json must be strings, so addresses round-trip through
// their canonical cell.Address.String() form.
type wireSnapshot map[string]string

func toWire(s cell.Snapshot) wireSnapshot {
	w := make(wireSnapshot, len(s))
	for addr, val := range s {
		w[addr.String()] = string(val)
	}
	return w
}

func fromWire(w wireSnapshot) (cell.Snapshot, error) {
	s := make(cell.Snapshot, len(w))
	for k, v := range w {
		addr, err := cell.ParseAddress(k)
		if err != nil {
			return nil, err
		}
		s[addr] = cell.Value(v)
	}
	return s, nil
}

// Store persists snapshots to the shared KV.
type Store struct {
	client *kv.Client
	ttl    time.Duration
}

// New constructs a Store with the given TTL (default 24h).
func New(client *kv.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: client, ttl: ttl}
}

// SaveSheet persists the remote-side snapshot under snapshot:sheet.
func (s *Store) SaveSheet(ctx context.Context, snap cell.Snapshot) error {
	return s.client.Store(ctx, sheetKey, toWire(snap), s.ttl)
}

// LoadSheet loads the remote-side snapshot, returning (nil, false, nil) if
// absent so callers can distinguish "not yet warm" from an error.
func (s *Store) LoadSheet(ctx context.Context) (cell.Snapshot, bool, error) {
	return s.load(ctx, sheetKey)
}

// SaveDB persists the store-side snapshot under snapshot:db, used for
// degraded reads when the store is unreachable.
func (s *Store) SaveDB(ctx context.Context, snap cell.Snapshot) error {
	return s.client.Store(ctx, dbKey, toWire(snap), s.ttl)
}

// LoadDB loads the store-side snapshot.
func (s *Store) LoadDB(ctx context.Context) (cell.Snapshot, bool, error) {
	return s.load(ctx, dbKey)
}

func (s *Store) load(ctx context.Context, key string) (cell.Snapshot, bool, error) {
	var w wireSnapshot
	if err := s.client.Fetch(ctx, key, &w); err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	snap, err := fromWire(w)
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}
