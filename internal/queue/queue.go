// Package queue implements the two durable FIFO pending-change lists:
// pending:to-remote and pending:to-store. Each entry records an
// address, value, origin, and timestamp and is replayed element-by-
// element on peer recovery.
package queue

import (
	"context"
	"errors"
	"time"

	"cellsync/internal/cell"
	"cellsync/internal/kv"
	"cellsync/internal/metrics"
)

// Name identifies one of the two durable queues.
type Name string

const (
	ToRemote Name = "pending:to-remote"
	ToStore  Name = "pending:to-store"
)

// Change is one durable pending write, the wire form of cell.Change plus
// origin and enqueue time.
type Change struct {
	Address   string    `json:"address"`
	Value     string    `json:"value"`
	Deleted   bool      `json:"deleted"`
	Origin    string    `json:"origin,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Queue is a durable FIFO backed by the shared KV.
type Queue struct {
	client *kv.Client
	name   Name
}

// New constructs a Queue bound to one of ToRemote or ToStore.
func New(client *kv.Client, name Name) *Queue {
	return &Queue{client: client, name: name}
}

// Enqueue appends a change to the tail of the queue and reports the new
// depth via metrics.
func (q *Queue) Enqueue(ctx context.Context, addr cell.Address, value cell.Value, deleted bool, origin cell.Origin) error {
	c := Change{
		Address:   addr.String(),
		Value:     string(value),
		Deleted:   deleted,
		Timestamp: time.Now(),
	}
	if !deleted {
		c.Origin = origin.String()
	}
	if err := q.client.RPush(ctx, string(q.name), c); err != nil {
		return err
	}
	if depth, lerr := q.client.LLen(ctx, string(q.name)); lerr == nil {
		metrics.ReportPendingEnqueue(string(q.name), depth)
	}
	return nil
}

// PopFront pops the head element, or ok=false if empty.
func (q *Queue) PopFront(ctx context.Context) (Change, bool, error) {
	var c Change
	err := q.client.LPop(ctx, string(q.name), &c)
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return Change{}, false, nil
		}
		return Change{}, false, err
	}
	return c, true, nil
}

// PushFront re-enqueues a change at the head; used when a replay attempt
// fails, so the drain can stop while preserving ordering for a retry.
func (q *Queue) PushFront(ctx context.Context, c Change) error {
	return q.client.LPush(ctx, string(q.name), c)
}

// Len returns the current queue depth.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, string(q.name))
}

// Drain pops elements one at a time, calling apply on each; apply returns
// whether the write succeeded. On the first failure, the element is
// pushed back to the head and the drain stops, preserving FIFO order for
// the rest of the queue. Returns the number of elements successfully
// replayed.
func (q *Queue) Drain(ctx context.Context, apply func(context.Context, Change) error) (int, error) {
	drained := 0
	for {
		c, ok, err := q.PopFront(ctx)
		if err != nil {
			metrics.ReportPendingDrain(string(q.name), drained, false)
			return drained, err
		}
		if !ok {
			break
		}
		if err := apply(ctx, c); err != nil {
			if pushErr := q.PushFront(ctx, c); pushErr != nil {
				metrics.ReportPendingDrain(string(q.name), drained, false)
				return drained, pushErr
			}
			metrics.ReportPendingDrain(string(q.name), drained, false)
			return drained, err
		}
		drained++
	}
	metrics.ReportPendingDrain(string(q.name), drained, true)
	return drained, nil
}
