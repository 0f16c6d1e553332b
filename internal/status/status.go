// Package status composes the read-only GET /status health view. Route
// wiring is explicitly out of scope here; this package only builds the
// struct a thin HTTP layer would serialize.
package status

import (
	"context"

	"cellsync/internal/peerstate"
	"cellsync/internal/queue"
	"cellsync/internal/remote"
	"cellsync/internal/snapstate"
)

// Status is the JSON-serializable shape of GET /status.
type Status struct {
	RemoteOnline    bool  `json:"remoteOnline"`
	StoreOnline     bool  `json:"storeOnline"`
	SnapshotSize    int   `json:"snapshotSize"`
	RateLimited     bool  `json:"rateLimited"`
	BackoffMs       int64 `json:"backoffMs"`
	PendingToRemote int64 `json:"pendingToRemote"`
	PendingToStore  int64 `json:"pendingToStore"`
}

// Provider assembles a Status from the live components.
type Provider struct {
	remote    *remote.Client
	storePeer *peerstate.Peer
	state     *snapstate.State
	toRemote  *queue.Queue
	toStore   *queue.Queue
}

// New constructs a Provider bound to the reconciler's shared components.
func New(remoteClient *remote.Client, storePeer *peerstate.Peer, state *snapstate.State, toRemote, toStore *queue.Queue) *Provider {
	return &Provider{
		remote:    remoteClient,
		storePeer: storePeer,
		state:     state,
		toRemote:  toRemote,
		toStore:   toStore,
	}
}

// Snapshot reports the current status, querying queue depths live.
func (p *Provider) Snapshot(ctx context.Context) Status {
	s := Status{
		RemoteOnline: p.remote.Online(),
		StoreOnline:  p.storePeer.Online(),
		SnapshotSize: p.state.Len(),
		RateLimited:  p.remote.RateLimited(),
		BackoffMs:    p.remote.BackoffRemaining().Milliseconds(),
	}
	if n, err := p.toRemote.Len(ctx); err == nil {
		s.PendingToRemote = n
	}
	if n, err := p.toStore.Len(ctx); err == nil {
		s.PendingToStore = n
	}
	return s
}
