// Package worker is the optional secondary ingress that applies
// point-edit notifications (e.g. a webhook from the remote sheet's event
// trigger) through the same lock/ignore-mark/origin-tag machinery as any
// other write path.
//
// Grounded on infrastructures/mq/kmq.Consumer's bounded-concurrency shape
// (a semaphore channel capping in-flight work) combined with its DLQ's
// envelope/reason-tagging idiom for the shape of a terminal failure
// record, adapted from "commit a Kafka offset" to "mark a job done",
// since this ingress is single in-process jobs, not a partitioned log
// (see DESIGN.md for why the Kafka broker itself was not wired here).
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cellsync/internal/applog"
	"cellsync/internal/cell"
	"cellsync/internal/echo"
	"cellsync/internal/lock"
	"cellsync/internal/metrics"
)

// StoreClient is the subset of *store.Client the worker depends on.
type StoreClient interface {
	Upsert(ctx context.Context, addr cell.Address, value cell.Value, origin cell.Origin) error
}

// Syncer is the outbound trigger the worker calls after a successful
// apply, so the remote side converges.
type Syncer interface {
	RequestSync()
}

// Job is one point-edit notification accepted at the ingress.
type Job struct {
	ID      string
	Address cell.Address
	Value   cell.Value
}

// Options configures a Worker.
type Options struct {
	FanOut             int
	QueueDepth         int
	RateLimitPerMinute int
	MaxAttempts        int
	InitialBackoff     time.Duration
}

func (o *Options) normalize() {
	if o.FanOut <= 0 {
		o.FanOut = 5
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 256
	}
	if o.RateLimitPerMinute <= 0 {
		o.RateLimitPerMinute = 55
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
}

// Worker applies queued Jobs with bounded fan-out and a rate-limited
// consumer, matching the outbound API's own quota.
type Worker struct {
	store  StoreClient
	marker *echo.Marker
	locks  *lock.Service
	sync   Syncer

	jobs   chan Job
	tokens chan struct{}

	fanOut         int
	perMinute      int
	maxAttempts    int
	initialBackoff time.Duration

	wg sync.WaitGroup
}

// New constructs a Worker; call Start to begin processing.
func New(storeClient StoreClient, marker *echo.Marker, locks *lock.Service, syncer Syncer, opts Options) *Worker {
	opts.normalize()
	return &Worker{
		store:          storeClient,
		marker:         marker,
		locks:          locks,
		sync:           syncer,
		jobs:           make(chan Job, opts.QueueDepth),
		tokens:         make(chan struct{}, opts.RateLimitPerMinute),
		fanOut:         opts.FanOut,
		perMinute:      opts.RateLimitPerMinute,
		maxAttempts:    opts.MaxAttempts,
		initialBackoff: opts.InitialBackoff,
	}
}

// Start launches the fan-out pool and the rate-limit token filler. Both
// stop when ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.fillTokens(ctx, w.perMinute)

	for i := 0; i < w.fanOut; i++ {
		w.wg.Add(1)
		go w.runLoop(ctx)
	}
}

// Wait blocks until every worker goroutine has exited (after ctx is
// cancelled), for use during the lifecycle's bounded drain step.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Submit enqueues a Job, blocking until there is room or ctx is cancelled.
// Returns an error only on cancellation, never on queue depth (back-
// pressure is the queue filling up and callers waiting).
func (w *Worker) Submit(ctx context.Context, job Job) error {
	select {
	case w.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) fillTokens(ctx context.Context, perMinute int) {
	defer w.wg.Done()
	interval := time.Minute / time.Duration(perMinute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case w.tokens <- struct{}{}:
			default:
			}
		}
	}
}

func (w *Worker) runLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-w.jobs:
			select {
			case <-ctx.Done():
				return
			case <-w.tokens:
			}
			w.process(ctx, job)
		}
	}
}

// process retries a Job up to w.maxAttempts times with exponential
// backoff (defaults: 3 attempts, waiting 1s and then 2s between them).
func (w *Worker) process(ctx context.Context, job Job) {
	var lastErr error
	backoff := w.initialBackoff
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		err := w.apply(ctx, job)
		if err == nil {
			return
		}
		lastErr = err
		if attempt == w.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	applog.Errorf("worker: job %s for %s failed after %d attempts: %v", job.ID, job.Address, w.maxAttempts, lastErr)
	metrics.ReportWorkerJobResult("error")
}

// apply acquires the cell lease, applies the upsert, and releases the
// lease, for one attempt.
func (w *Worker) apply(ctx context.Context, job Job) error {
	if w.marker.Exists(ctx, job.Address) {
		metrics.ReportWorkerJobResult("ignored")
		return nil
	}

	owner := fmt.Sprintf("worker:%s", job.ID)
	if err := w.locks.Acquire(ctx, job.Address, owner); err != nil {
		if errors.Is(err, lock.ErrContention) {
			metrics.ReportWorkerJobResult("contended")
		}
		return err
	}
	defer func() {
		if rerr := w.locks.Release(ctx, job.Address, owner); rerr != nil {
			applog.Warnf("worker: failed to release lease on %s: %v", job.Address, rerr)
		}
	}()

	if err := w.store.Upsert(ctx, job.Address, job.Value, cell.OriginWorker); err != nil {
		return err
	}
	metrics.ReportWorkerJobResult("applied")
	w.sync.RequestSync()
	return nil
}
