package outbound

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"cellsync/internal/cell"
	"cellsync/internal/kv"
	"cellsync/internal/peerstate"
	"cellsync/internal/queue"
	"cellsync/internal/remote"
	"cellsync/internal/snapstate"
	"cellsync/internal/snapshotstore"
	"cellsync/internal/store"
)

type fakeRemote struct {
	mu        sync.Mutex
	snap      cell.Snapshot
	readRes   remote.Result
	writeRes  remote.Result
	lastBatch []cell.Change
}

func newFakeRemote(snap cell.Snapshot) *fakeRemote {
	return &fakeRemote{snap: snap.Clone(), readRes: remote.ResultOK, writeRes: remote.ResultOK}
}

func (f *fakeRemote) ReadRange(ctx context.Context) (cell.Snapshot, remote.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap.Clone(), f.readRes
}

func (f *fakeRemote) WriteBatch(ctx context.Context, changes []cell.Change) remote.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastBatch = changes
	if f.writeRes == remote.ResultOK {
		for _, c := range changes {
			f.snap[c.Address] = c.Value
		}
	}
	return f.writeRes
}

type fakeStore struct {
	mu      sync.Mutex
	cells   []cell.StoredCell
	rewrote map[cell.Address]bool
	err     error
}

func (f *fakeStore) ReadAll(ctx context.Context) ([]cell.StoredCell, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]cell.StoredCell, len(f.cells))
	copy(out, f.cells)
	return out, nil
}

func (f *fakeStore) UpdateOriginIfNotRemote(ctx context.Context, addr cell.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rewrote == nil {
		f.rewrote = make(map[cell.Address]bool)
	}
	f.rewrote[addr] = true
	return nil
}

func newTestKV(t *testing.T) *kv.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return kv.NewFromClient(rdb)
}

func TestBuildBatchFindsLocalDivergence(t *testing.T) {
	addr := cell.MustAddress(1, 'A')
	cells := []cell.StoredCell{{Address: addr, Value: "local", Origin: cell.OriginLocalTerminal}}
	remoteSnap := cell.Snapshot{addr: "stale"}

	items := buildBatch(cells, remoteSnap)
	if len(items) != 1 || items[0].change.Address != addr || items[0].change.Value != "local" {
		t.Fatalf("expected one divergent item, got %+v", items)
	}
}

func TestBuildBatchSkipsRemoteOriginCells(t *testing.T) {
	addr := cell.MustAddress(2, 'B')
	cells := []cell.StoredCell{{Address: addr, Value: "v", Origin: cell.OriginRemote}}
	remoteSnap := cell.Snapshot{addr: "different"}

	items := buildBatch(cells, remoteSnap)
	if len(items) != 0 {
		t.Fatalf("expected remote-origin cells to be excluded from the push batch, got %+v", items)
	}
}

func TestBuildBatchDeletesCellsDroppedFromStore(t *testing.T) {
	addr := cell.MustAddress(3, 'C')
	remoteSnap := cell.Snapshot{addr: "still-there"}

	items := buildBatch(nil, remoteSnap)
	if len(items) != 1 || !items[0].change.Deleted {
		t.Fatalf("expected a delete item for the dropped cell, got %+v", items)
	}
}

func TestRunPassPushesDivergentCellsAndRewritesOrigin(t *testing.T) {
	addr := cell.MustAddress(4, 'D')
	kvClient := newTestKV(t)
	snaps := snapshotstore.New(kvClient, time.Hour)
	toRemote := queue.New(kvClient, queue.ToRemote)
	state := snapstate.New(nil)
	storePeer := peerstate.New()

	rc := newFakeRemote(cell.Snapshot{addr: "old"})
	sc := &fakeStore{cells: []cell.StoredCell{{Address: addr, Value: "new", Origin: cell.OriginLocalTerminal}}}

	s := New(rc, sc, snaps, toRemote, state, storePeer, time.Millisecond)
	s.ForceSync(context.Background())

	rc.mu.Lock()
	got := rc.snap[addr]
	rc.mu.Unlock()
	if got != "new" {
		t.Fatalf("expected remote to receive pushed value, got %q", got)
	}
	if !sc.rewrote[addr] {
		t.Fatalf("expected store origin rewritten after successful push")
	}
}

func TestRunPassEnqueuesPendingWhenRemoteUnreachable(t *testing.T) {
	addr := cell.MustAddress(5, 'E')
	kvClient := newTestKV(t)
	snaps := snapshotstore.New(kvClient, time.Hour)
	toRemote := queue.New(kvClient, queue.ToRemote)
	state := snapstate.New(nil)
	storePeer := peerstate.New()

	rc := newFakeRemote(cell.Snapshot{})
	rc.writeRes = remote.ResultUnreachable
	sc := &fakeStore{cells: []cell.StoredCell{{Address: addr, Value: "new", Origin: cell.OriginLocalTerminal}}}

	s := New(rc, sc, snaps, toRemote, state, storePeer, time.Millisecond)
	s.ForceSync(context.Background())

	n, err := toRemote.Len(context.Background())
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected pending-to-remote entry after unreachable push, got %d", n)
	}
}

func TestRunPassFallsBackToCachedSnapshotWhenStoreOffline(t *testing.T) {
	addr := cell.MustAddress(6, 'F')
	kvClient := newTestKV(t)
	snaps := snapshotstore.New(kvClient, time.Hour)
	toRemote := queue.New(kvClient, queue.ToRemote)
	state := snapstate.New(nil)
	storePeer := peerstate.New()

	if err := snaps.SaveDB(context.Background(), cell.Snapshot{addr: "cached"}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	rc := newFakeRemote(cell.Snapshot{addr: "stale"})
	sc := &fakeStore{err: store.ErrOffline}

	s := New(rc, sc, snaps, toRemote, state, storePeer, time.Millisecond)
	s.ForceSync(context.Background())

	rc.mu.Lock()
	got := rc.snap[addr]
	rc.mu.Unlock()
	if got != "cached" {
		t.Fatalf("expected fallback push to use cached snapshot:db value, got %q", got)
	}
}

func TestRequestSyncDebouncesRepeatedCalls(t *testing.T) {
	kvClient := newTestKV(t)
	snaps := snapshotstore.New(kvClient, time.Hour)
	toRemote := queue.New(kvClient, queue.ToRemote)
	state := snapstate.New(nil)
	storePeer := peerstate.New()

	rc := newFakeRemote(cell.Snapshot{})
	sc := &fakeStore{}

	s := New(rc, sc, snaps, toRemote, state, storePeer, 30*time.Millisecond)
	ctx := context.Background()
	s.Start(ctx)

	s.RequestSync()
	time.Sleep(10 * time.Millisecond)
	s.RequestSync()
	time.Sleep(10 * time.Millisecond)
	s.RequestSync()

	time.Sleep(60 * time.Millisecond)
	s.mu.Lock()
	dirty := s.dirty
	s.mu.Unlock()
	if dirty {
		t.Fatalf("expected debounced pass to have fired and cleared the dirty flag")
	}
}
