// Package lock is the distributed per-cell mutual-exclusion service: an
// atomic set-if-absent-with-TTL acquire and an atomic compare-and-delete
// release, both backed by the shared KV. The release script is adapted
// directly from infrastructures/fetcher's casUpdateLua/renewLeaseLua
// compare-then-mutate idiom.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cellsync/internal/cell"
	"cellsync/internal/kv"
	"cellsync/internal/metrics"
)

// releaseLua deletes KEYS[1] only if its current value equals ARGV[1],
// mirroring fetcher's renewLeaseLua compare-then-mutate shape but for
// delete rather than PEXPIRE.
const releaseLua = `
local owner = redis.call('GET', KEYS[1])
if (not owner) then return 0 end
if (owner ~= ARGV[1]) then return -1 end
redis.call('DEL', KEYS[1])
return 1
`

// Service grants exclusive, TTL-bounded write access to one cell at a time.
type Service struct {
	client      *kv.Client
	releaseScript *redis.Script

	leaseTTL    time.Duration
	retryDelay  time.Duration
	maxAttempts int
}

// Options configures a Service. Zero values fall back to the defaults
// (5s lease, 200ms retry delay, 15 attempts).
type Options struct {
	LeaseTTL    time.Duration
	RetryDelay  time.Duration
	MaxAttempts int
}

func (o *Options) normalize() {
	if o.LeaseTTL == 0 {
		o.LeaseTTL = 5 * time.Second
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = 200 * time.Millisecond
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 15
	}
}

// New constructs a Service bound to client.
func New(client *kv.Client, opts Options) *Service {
	opts.normalize()
	return &Service{
		client:        client,
		releaseScript: redis.NewScript(releaseLua),
		leaseTTL:      opts.LeaseTTL,
		retryDelay:    opts.RetryDelay,
		maxAttempts:   opts.MaxAttempts,
	}
}

func leaseKey(addr cell.Address) string {
	return fmt.Sprintf("lock:%d:%c", addr.Row, addr.Col)
}

// ErrContention is returned by Acquire when the lease could not be
// obtained within MaxAttempts retries. Contention is reported to the
// caller, never treated as a transport error.
var ErrContention = errors.New("lock: contention, cell is held by another owner")

// Acquire attempts to obtain the lease on addr for owner, retrying on
// contention up to maxAttempts times with retryDelay between attempts.
// Returns ErrContention (not a transport error) if every attempt misses.
// Honors ctx cancellation between retries.
func (s *Service) Acquire(ctx context.Context, addr cell.Address, owner string) error {
	key := leaseKey(addr)

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		ok, err := s.client.SetNX(ctx, key, owner, s.leaseTTL)
		if err != nil {
			metrics.ReportLockAcquireAttempt(addr.String(), "error")
			return fmt.Errorf("lock: acquire %s: %w", addr, err)
		}
		if ok {
			metrics.ReportLockAcquireAttempt(addr.String(), "acquired")
			return nil
		}

		metrics.ReportLockAcquireAttempt(addr.String(), "contended")

		if attempt == s.maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryDelay):
		}
	}
	return fmt.Errorf("%w: %s", ErrContention, addr)
}

// Release deletes the lease on addr only if it is currently held by
// owner. A mismatched or absent owner is a silent no-op, never an error.
func (s *Service) Release(ctx context.Context, addr cell.Address, owner string) error {
	key := leaseKey(addr)

	res, err := s.releaseScript.Run(ctx, s.client.Raw(), []string{key}, owner).Int64()
	if err != nil {
		metrics.ReportLockRelease(addr.String(), "error")
		return fmt.Errorf("lock: release %s: %w", addr, err)
	}

	switch res {
	case 1:
		metrics.ReportLockRelease(addr.String(), "released")
	case 0:
		metrics.ReportLockRelease(addr.String(), "absent")
	case -1:
		metrics.ReportLockRelease(addr.String(), "mismatch")
	}
	return nil
}
