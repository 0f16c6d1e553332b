// Package peerstate tracks the online/offline state machine for a single
// peer (the remote sheet or the relational store). It is a single-owner,
// explicitly synchronized encapsulation: callers never see a bare bool,
// only the transition outcome of a report.
package peerstate

import "sync"

// Peer tracks one external dependency's online/offline state. The zero
// value is not usable; construct with New.
type Peer struct {
	mu      sync.Mutex
	online  bool
	checked bool
}

// New constructs a Peer optimistically assumed online until the first
// probe proves otherwise.
func New() *Peer {
	return &Peer{online: true}
}

// Online reports the peer's last-known state.
func (p *Peer) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// ReportSuccess records a successful call to the peer and returns
// recovered=true exactly once, the first success observed after one or
// more failures. A success with no earlier report returns false. A true
// result is the signal to drain the peer's pending queue.
func (p *Peer) ReportSuccess() (recovered bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	recovered = p.checked && !p.online
	p.online = true
	p.checked = true
	return recovered
}

// ReportFailure records a failed call and returns wentOffline=true exactly
// once, the transition from online to offline.
func (p *Peer) ReportFailure() (wentOffline bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	wentOffline = !p.checked || p.online
	p.online = false
	p.checked = true
	return wentOffline
}
