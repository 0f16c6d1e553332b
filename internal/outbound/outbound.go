// Package outbound is the debounced, dirty-flag-gated trigger that reads
// the store, diffs it against the remote Snapshot, and pushes a batch
// back. Grounded on
// infrastructures/mq/kmq's BatchCommitManager shape (a dirty/pending flag
// guarded by a mutex feeding a single coalescing worker), adapted from a
// periodic ticker flush to a true single-shot debounce: a call within the
// window resets the timer instead of compounding it.
package outbound

import (
	"context"
	"errors"
	"sync"
	"time"

	"cellsync/internal/applog"
	"cellsync/internal/cell"
	"cellsync/internal/metrics"
	"cellsync/internal/peerstate"
	"cellsync/internal/queue"
	"cellsync/internal/remote"
	"cellsync/internal/snapstate"
	"cellsync/internal/snapshotstore"
	"cellsync/internal/store"
)

// RemoteClient is the subset of *remote.Client the synchronizer depends on.
type RemoteClient interface {
	ReadRange(ctx context.Context) (cell.Snapshot, remote.Result)
	WriteBatch(ctx context.Context, changes []cell.Change) remote.Result
}

// StoreClient is the subset of *store.Client the synchronizer depends on.
type StoreClient interface {
	ReadAll(ctx context.Context) ([]cell.StoredCell, error)
	UpdateOriginIfNotRemote(ctx context.Context, addr cell.Address) error
}

// pushItem pairs a batch entry with the origin it was sourced from, so a
// failed push can be re-enqueued with the right origin tag.
type pushItem struct {
	change cell.Change
	origin cell.Origin
}

// Synchronizer implements requestSync()/debounce/batch-push. It is safe
// for concurrent use; RequestSync is the only method local write paths
// need to call.
type Synchronizer struct {
	remote   RemoteClient
	store    StoreClient
	snaps    *snapshotstore.Store
	toRemote *queue.Queue
	state    *snapstate.State

	remotePeer *peerstate.Peer
	storePeer  *peerstate.Peer

	debounce time.Duration

	mu      sync.Mutex
	dirty   bool
	timer   *time.Timer
	ctx     context.Context
	passRun sync.Mutex // at most one pass executes at a time
}

// New constructs a Synchronizer. state and storePeer are the same
// instances shared with the reconciler, so the echo-suppression
// snapshot write-through and the store online/offline view stay
// consistent across both directions.
func New(remoteClient RemoteClient, storeClient StoreClient, snaps *snapshotstore.Store, toRemote *queue.Queue, state *snapstate.State, storePeer *peerstate.Peer, debounce time.Duration) *Synchronizer {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Synchronizer{
		remote:     remoteClient,
		store:      storeClient,
		snaps:      snaps,
		toRemote:   toRemote,
		state:      state,
		remotePeer: peerstate.New(),
		storePeer:  storePeer,
		debounce:   debounce,
	}
}

// Start binds the context used by the debounce timer's callback. Must be
// called before the first RequestSync.
func (s *Synchronizer) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
}

// RequestSync marks the synchronizer dirty and (re)arms the debounce
// timer. Repeated calls within the debounce window collapse into the one
// pending timer rather than compounding it.
func (s *Synchronizer) RequestSync() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dirty = true
	if s.ctx == nil {
		return // not started yet; a subsequent Start+RequestSync will fire normally
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.debounce, s.fire)
		return
	}
	s.timer.Reset(s.debounce)
}

// Stop cancels any outstanding debounce timer, flushing a final pass if
// one was pending.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	timer := s.timer
	wasDirty := s.dirty
	ctx := s.ctx
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if wasDirty && ctx != nil {
		s.runPass(ctx)
	}
}

// ForceSync runs a pass immediately, bypassing the debounce window. Used
// by the HTTP control surface's POST /force-sync (out of core scope, but
// the hook it calls lives here).
func (s *Synchronizer) ForceSync(ctx context.Context) {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
	s.runPass(ctx)
}

func (s *Synchronizer) fire() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	s.runPass(ctx)
}

// runPass reads the store, diffs it against the remote snapshot, and
// pushes a batch back. It is guarded so that at most one pass is ever
// executing.
func (s *Synchronizer) runPass(ctx context.Context) {
	if !s.passRun.TryLock() {
		return
	}
	defer s.passRun.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	s.dirty = false
	s.mu.Unlock()

	start := time.Now()

	// Step 2: read the store, falling back to the cached snapshot:db on
	// store-offline.
	cells, err := s.store.ReadAll(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrOffline) {
			applog.Errorf("outbound: store read failed: %v", err)
			return
		}
		if s.storePeer.ReportFailure() {
			applog.Warnf("outbound: store went offline: %v", err)
		}
		cached, ok, lerr := s.snaps.LoadDB(ctx)
		if lerr != nil || !ok {
			applog.Warnf("outbound: store offline and no cached snapshot:db available, aborting pass")
			return
		}
		cells = cellsFromCache(cached)
	} else {
		s.storePeer.ReportSuccess()
		if serr := s.snaps.SaveDB(ctx, snapshotFromCells(cells)); serr != nil {
			applog.Warnf("outbound: persisting snapshot:db failed: %v", serr)
		}
	}

	// Step 3: read the remote snapshot.
	remoteSnap, result := s.remote.ReadRange(ctx)
	if result == remote.ResultUnreachable {
		if s.remotePeer.ReportFailure() {
			applog.Warnf("outbound: remote went offline mid-pass")
		}
		for _, c := range cells {
			if c.Origin.IsRemote() {
				continue
			}
			if err := s.toRemote.Enqueue(ctx, c.Address, c.Value, c.Value == "", c.Origin); err != nil {
				applog.Errorf("outbound: failed to enqueue pending-to-remote for %s: %v", c.Address, err)
			}
		}
		return
	}
	if result == remote.ResultRateLimited {
		return
	}
	s.remotePeer.ReportSuccess()

	// Step 4: build the batch.
	items := buildBatch(cells, remoteSnap)
	if len(items) == 0 {
		return
	}
	batch := make([]cell.Change, len(items))
	for i, it := range items {
		batch[i] = it.change
	}

	// Step 5: push.
	pushResult := s.remote.WriteBatch(ctx, batch)
	switch pushResult {
	case remote.ResultOK:
		for _, it := range items {
			if err := s.store.UpdateOriginIfNotRemote(ctx, it.change.Address); err != nil {
				applog.Warnf("outbound: failed to rewrite origin for %s: %v", it.change.Address, err)
			}
			s.state.Set(it.change.Address, it.change.Value)
		}
		metrics.ReportOutboundPush(len(batch), true, time.Since(start))
	case remote.ResultUnreachable:
		if s.remotePeer.ReportFailure() {
			applog.Warnf("outbound: batch push found remote offline")
		}
		for _, it := range items {
			if err := s.toRemote.Enqueue(ctx, it.change.Address, it.change.Value, it.change.Deleted, it.origin); err != nil {
				applog.Errorf("outbound: failed to enqueue pending-to-remote for %s: %v", it.change.Address, err)
			}
		}
		metrics.ReportOutboundPush(len(batch), false, time.Since(start))
	case remote.ResultRateLimited:
		metrics.ReportOutboundPush(len(batch), false, time.Since(start))
	}
}

// buildBatch collects cells the store owns (non-remote origin) whose
// value diverges from the remote, plus deletes for addresses the remote
// still has but the store has dropped.
func buildBatch(cells []cell.StoredCell, remoteSnap cell.Snapshot) []pushItem {
	var items []pushItem
	present := make(map[cell.Address]struct{}, len(cells))

	for _, c := range cells {
		present[c.Address] = struct{}{}
		if c.Origin.IsRemote() {
			continue
		}
		rv, _ := remoteSnap.Get(c.Address)
		if c.Value != rv {
			items = append(items, pushItem{
				change: cell.Change{Address: c.Address, Value: c.Value, Deleted: c.Value == ""},
				origin: c.Origin,
			})
		}
	}
	for addr, v := range remoteSnap {
		if v == "" {
			continue
		}
		if _, ok := present[addr]; ok {
			continue
		}
		items = append(items, pushItem{
			change: cell.Change{Address: addr, Value: "", Deleted: true},
			origin: cell.OriginLocalTerminal,
		})
	}
	return items
}

func snapshotFromCells(cells []cell.StoredCell) cell.Snapshot {
	snap := make(cell.Snapshot, len(cells))
	for _, c := range cells {
		snap[c.Address] = c.Value
	}
	return snap
}

// cellsFromCache reconstructs a degraded-mode cell list from a cached
// snapshot:db when the store itself is unreachable. The cache carries no
// origin, so entries are tagged OriginSystem: a documented choice (see
// DESIGN.md) that keeps them eligible for outbound push (non-remote)
// without claiming they came from a specific writer.
func cellsFromCache(snap cell.Snapshot) []cell.StoredCell {
	out := make([]cell.StoredCell, 0, len(snap))
	for addr, v := range snap {
		out = append(out, cell.StoredCell{Address: addr, Value: v, Origin: cell.OriginSystem})
	}
	return out
}
