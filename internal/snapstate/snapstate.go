// Package snapstate is the single-owner, synchronized holder for the
// reconciler's in-memory Snapshot. Both the inbound reconciler and the
// outbound synchronizer read and mutate the same Snapshot: the poller
// replaces it wholesale once per poll, the synchronizer write-throughs
// individual entries after a successful push so a push is never mistaken
// for an incoming remote change. Neither side is allowed to see or
// mutate the underlying map directly, which is the point of wrapping it
// here instead of passing a cell.Snapshot by reference.
package snapstate

import (
	"sync"

	"cellsync/internal/cell"
)

// State holds the reconciler's current Snapshot behind a mutex.
type State struct {
	mu  sync.Mutex
	cur cell.Snapshot
}

// New constructs a State, optionally seeded with an initial Snapshot
// (e.g. one loaded from snapshot:sheet at bootstrap). A nil initial value
// starts empty.
func New(initial cell.Snapshot) *State {
	if initial == nil {
		initial = cell.Snapshot{}
	}
	return &State{cur: initial.Clone()}
}

// Get returns a defensive copy of the current Snapshot.
func (s *State) Get() cell.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.Clone()
}

// Len reports the current Snapshot's size without copying it.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cur)
}

// Replace swaps in a wholesale new Snapshot, used by the poller at the
// end of each poll.
func (s *State) Replace(next cell.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = next.Clone()
}

// Set write-throughs a single address/value pair, used by the outbound
// synchronizer after a successful push so the next poll does not mistake
// its own write for an incoming remote change.
func (s *State) Set(addr cell.Address, v cell.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		s.cur = cell.Snapshot{}
	}
	s.cur[addr] = v
}
