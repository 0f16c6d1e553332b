// Package metrics decouples the lock, remote, reconciler, and outbound
// packages from any concrete monitoring backend, the same way
// infrastructures/fetcher's Hooks type decouples leadership/CAS events
// from Prometheus. cmd/reconciler installs the real Prometheus-backed
// hooks at bootstrap via WithHooks; packages that never call WithHooks see
// only no-op callbacks.
package metrics

import (
	"sync/atomic"
	"time"
)

// Hooks aggregates every observability callback the reconciliation
// components can emit. A zero-value Hooks is entirely no-op.
type Hooks struct {
	OnLockAcquireAttempt func(address, result string) // result: acquired|contended|error
	OnLockRelease        func(address, result string) // result: released|absent|mismatch|error

	OnRemoteRateLimitEnter func(backoff time.Duration)
	OnRemoteRateLimitExit  func()
	OnRemoteOnlineChanged  func(online bool)
	OnStoreOnlineChanged   func(online bool)

	OnPollResult  func(changes int, latency time.Duration)
	OnOutboundPush func(cells int, ok bool, latency time.Duration)

	OnPendingEnqueue func(queue string, depth int64)
	OnPendingDrain   func(queue string, drained int, ok bool)

	OnWorkerJobResult func(result string) // result: applied|ignored|contended|error
}

var current atomic.Value

func init() {
	current.Store(Hooks{})
}

// WithHooks installs h globally, replacing any previously installed hooks.
func WithHooks(h Hooks) {
	current.Store(h)
}

func get() Hooks {
	return current.Load().(Hooks)
}

func ReportLockAcquireAttempt(address, result string) {
	if cb := get().OnLockAcquireAttempt; cb != nil {
		cb(address, result)
	}
}

func ReportLockRelease(address, result string) {
	if cb := get().OnLockRelease; cb != nil {
		cb(address, result)
	}
}

func ReportRemoteRateLimitEnter(backoff time.Duration) {
	if cb := get().OnRemoteRateLimitEnter; cb != nil {
		cb(backoff)
	}
}

func ReportRemoteRateLimitExit() {
	if cb := get().OnRemoteRateLimitExit; cb != nil {
		cb()
	}
}

func ReportRemoteOnlineChanged(online bool) {
	if cb := get().OnRemoteOnlineChanged; cb != nil {
		cb(online)
	}
}

func ReportStoreOnlineChanged(online bool) {
	if cb := get().OnStoreOnlineChanged; cb != nil {
		cb(online)
	}
}

func ReportPollResult(changes int, latency time.Duration) {
	if cb := get().OnPollResult; cb != nil {
		cb(changes, latency)
	}
}

func ReportOutboundPush(cells int, ok bool, latency time.Duration) {
	if cb := get().OnOutboundPush; cb != nil {
		cb(cells, ok, latency)
	}
}

func ReportPendingEnqueue(queue string, depth int64) {
	if cb := get().OnPendingEnqueue; cb != nil {
		cb(queue, depth)
	}
}

func ReportPendingDrain(queue string, drained int, ok bool) {
	if cb := get().OnPendingDrain; cb != nil {
		cb(queue, drained, ok)
	}
}

func ReportWorkerJobResult(result string) {
	if cb := get().OnWorkerJobResult; cb != nil {
		cb(result)
	}
}
