// Package reconciler is the inbound change-data-capture loop: bootstrap
// warm-start, a periodic poll loop that diffs the remote sheet against
// the last-observed Snapshot, and ignore-marked writes into the
// relational store. Grounded on infrastructures/fetcher.Fetcher.Run's
// "single in-flight attempt, re-arm ticker, report via hooks" shape, with
// the leadership/epoch machinery dropped since a single active reconciler
// is assumed.
package reconciler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"cellsync/internal/applog"
	"cellsync/internal/cell"
	"cellsync/internal/echo"
	"cellsync/internal/lock"
	"cellsync/internal/metrics"
	"cellsync/internal/peerstate"
	"cellsync/internal/queue"
	"cellsync/internal/remote"
	"cellsync/internal/snapstate"
	"cellsync/internal/snapshotstore"
	"cellsync/internal/store"
)

// RemoteClient is the subset of *remote.Client the reconciler depends on;
// declared as an interface so tests can substitute an in-memory fake.
type RemoteClient interface {
	ReadRange(ctx context.Context) (cell.Snapshot, remote.Result)
	WriteSingle(ctx context.Context, addr cell.Address, value cell.Value) remote.Result
}

// StoreClient is the subset of *store.Client the reconciler depends on.
type StoreClient interface {
	Ping(ctx context.Context) error
	Upsert(ctx context.Context, addr cell.Address, value cell.Value, origin cell.Origin) error
	Delete(ctx context.Context, addr cell.Address) error
}

// Options configures a Reconciler. Zero-value durations fall back to
// their defaults.
type Options struct {
	PollInterval time.Duration
}

const minPollInterval = 3 * time.Second

func (o *Options) normalize() {
	if o.PollInterval < minPollInterval {
		o.PollInterval = minPollInterval
	}
}

// Reconciler runs the bootstrap sequence and the inbound poll loop.
type Reconciler struct {
	remote RemoteClient
	store  StoreClient
	marker *echo.Marker
	locks  *lock.Service
	snaps  *snapshotstore.Store
	toRemote *queue.Queue
	toStore  *queue.Queue
	state    *snapstate.State

	storePeer *peerstate.Peer

	pollInterval time.Duration
	inFlight     atomic.Bool
}

// New constructs a Reconciler. state is the shared Snapshot also written
// to by the outbound synchronizer's write-through after a push; storePeer
// is likewise shared with the outbound synchronizer so both sides agree
// on whether the store is currently reachable.
func New(remoteClient RemoteClient, storeClient StoreClient, marker *echo.Marker, locks *lock.Service, snaps *snapshotstore.Store, toRemote, toStore *queue.Queue, state *snapstate.State, storePeer *peerstate.Peer, opts Options) *Reconciler {
	opts.normalize()
	return &Reconciler{
		remote:       remoteClient,
		store:        storeClient,
		marker:       marker,
		locks:        locks,
		snaps:        snaps,
		toRemote:     toRemote,
		toStore:      toStore,
		state:        state,
		storePeer:    storePeer,
		pollInterval: opts.PollInterval,
	}
}

// Bootstrap performs the warm-start sequence: load the cached remote
// snapshot, attempt a live read, sync non-empty cells into the store, and
// drain both pending queues. Failures partway through leave the
// reconciler in degraded mode rather than aborting, so bootstrap always
// returns nil; callers that need fatal-on-missing-credentials semantics
// check that separately at client construction.
func (r *Reconciler) Bootstrap(ctx context.Context) error {
	warm, ok, err := r.snaps.LoadSheet(ctx)
	if err != nil {
		applog.Warnf("reconciler: bootstrap snapshot load failed: %v", err)
	}
	if ok {
		r.state.Replace(warm)
		applog.Infof("reconciler: warm-started with %d cached cells", len(warm))
	}

	cur, result := r.remote.ReadRange(ctx)
	switch result {
	case remote.ResultOK:
		r.state.Replace(cur)
		if err := r.snaps.SaveSheet(ctx, cur); err != nil {
			applog.Warnf("reconciler: persisting bootstrap snapshot failed: %v", err)
		}
		for addr, v := range cur {
			if v == "" {
				continue
			}
			if err := r.applyRemoteChange(ctx, cell.Change{Address: addr, Value: v}); err != nil {
				applog.Warnf("reconciler: bootstrap sync of %s failed: %v", addr, err)
			}
		}
		applog.Infof("reconciler: bootstrap read %d cells from remote", len(cur))
	default:
		applog.Warnf("reconciler: bootstrap remote read returned %s, continuing in degraded mode", result)
	}

	if _, err := r.toStore.Drain(ctx, r.applyPendingToStore); err != nil {
		applog.Warnf("reconciler: bootstrap drain of pending-to-store failed: %v", err)
	}
	if _, err := r.toRemote.Drain(ctx, r.applyPendingToRemote); err != nil {
		applog.Warnf("reconciler: bootstrap drain of pending-to-remote failed: %v", err)
	}
	return nil
}

// Run blocks, polling at pollInterval until ctx is cancelled. At most one
// poll is ever in flight; a tick that lands while a poll is still running
// is skipped rather than queued.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.inFlight.CompareAndSwap(false, true) {
				continue
			}
			r.poll(ctx)
			r.inFlight.Store(false)
		}
	}
}

// poll is one iteration of the poll loop: probe the store, read the
// remote range, diff against the last snapshot, apply changes, and
// persist the new snapshot.
func (r *Reconciler) poll(ctx context.Context) {
	start := time.Now()

	// Step 1: probe store liveness.
	if err := r.store.Ping(ctx); err != nil {
		if r.storePeer.ReportFailure() {
			applog.Warnf("reconciler: store went offline: %v", err)
			metrics.ReportStoreOnlineChanged(false)
		}
	} else if r.storePeer.ReportSuccess() {
		applog.Infof("reconciler: store back online, draining pending-to-store")
		metrics.ReportStoreOnlineChanged(true)
		if _, err := r.toStore.Drain(ctx, r.applyPendingToStore); err != nil {
			applog.Warnf("reconciler: pending-to-store drain failed: %v", err)
		}
	}

	// Step 2: read the remote range.
	wasRemoteOnline := r.remoteOnline()
	cur, result := r.remote.ReadRange(ctx)
	switch result {
	case remote.ResultRateLimited:
		return
	case remote.ResultUnreachable:
		return
	}
	if !wasRemoteOnline && r.remoteOnline() {
		applog.Infof("reconciler: remote back online, draining pending-to-remote")
		if _, err := r.toRemote.Drain(ctx, r.applyPendingToRemote); err != nil {
			applog.Warnf("reconciler: pending-to-remote drain failed: %v", err)
		}
	}

	// Step 3: diff against the previous snapshot.
	prev := r.state.Get()
	changes := cell.Diff(prev, cur)

	// Step 4: apply each change, ignore-marked, falling back to the
	// pending-to-store queue if the store is offline.
	for _, ch := range changes {
		if err := r.applyRemoteChange(ctx, ch); err != nil {
			if errors.Is(err, store.ErrOffline) {
				if qerr := r.toStore.Enqueue(ctx, ch.Address, ch.Value, ch.Deleted, cell.OriginRemote); qerr != nil {
					applog.Errorf("reconciler: failed to enqueue pending-to-store for %s: %v", ch.Address, qerr)
				}
				continue
			}
			applog.Errorf("reconciler: dropping write to %s: %v", ch.Address, err)
		}
	}

	// Step 5: replace the baseline snapshot and persist it.
	r.state.Replace(cur)
	if err := r.snaps.SaveSheet(ctx, cur); err != nil {
		applog.Warnf("reconciler: persisting snapshot failed: %v", err)
	}

	metrics.ReportPollResult(len(changes), time.Since(start))
}

// remoteOnline is a best-effort peek used only to detect the
// offline→online edge for triggering a pending-to-remote drain; it does
// not participate in diff/apply correctness.
func (r *Reconciler) remoteOnline() bool {
	type onliner interface{ Online() bool }
	if o, ok := r.remote.(onliner); ok {
		return o.Online()
	}
	return true
}

// applyRemoteChange sets the IgnoreMark before writing, so the mark
// already exists at the moment the store write lands.
func (r *Reconciler) applyRemoteChange(ctx context.Context, ch cell.Change) error {
	if err := r.marker.Set(ctx, ch.Address); err != nil {
		applog.Warnf("reconciler: failed to set ignore mark for %s: %v", ch.Address, err)
	}
	if ch.Deleted {
		return r.store.Delete(ctx, ch.Address)
	}
	return r.store.Upsert(ctx, ch.Address, ch.Value, cell.OriginRemote)
}

func (r *Reconciler) applyPendingToStore(ctx context.Context, c queue.Change) error {
	addr, err := cell.ParseAddress(c.Address)
	if err != nil {
		return nil // malformed entries cannot be retried into correctness; drop rather than wedge the drain
	}
	if c.Deleted {
		return r.store.Delete(ctx, addr)
	}
	origin, err := cell.ParseOrigin(c.Origin)
	if err != nil {
		origin = cell.OriginRemote
	}
	if err := r.marker.Set(ctx, addr); err != nil {
		applog.Warnf("reconciler: failed to set ignore mark replaying %s: %v", addr, err)
	}
	return r.store.Upsert(ctx, addr, cell.Value(c.Value), origin)
}

func (r *Reconciler) applyPendingToRemote(ctx context.Context, c queue.Change) error {
	addr, err := cell.ParseAddress(c.Address)
	if err != nil {
		return nil
	}
	result := r.remote.WriteSingle(ctx, addr, cell.Value(c.Value))
	if result != remote.ResultOK {
		return errors.New("reconciler: replay to remote did not succeed: " + result.String())
	}
	r.state.Set(addr, cell.Value(c.Value))
	return nil
}
