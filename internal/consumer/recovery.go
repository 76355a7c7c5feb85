package consumer

import (
	"context"

	"github.com/rzbill/analysis-worker/internal/heartbeat"
	"github.com/rzbill/analysis-worker/internal/job"
)

// Failure reasons attached to re-published messages.
const (
	ReasonStaleLease = "stale_lease"
)

// Requeue re-publishes the stuck job with an incremented retry count and acks
// the original. It returns job.ErrAlreadySettled when the job finished first.
func (c *Consumer) Requeue(ctx context.Context, e heartbeat.Entry) error {
	return c.recover(e, func(fl *inflight) error {
		return c.requeue(ctx, fl, ReasonStaleLease)
	})
}

// DeadLetter publishes the stuck job to the dead-letter queue and acks the
// original. It returns job.ErrAlreadySettled when the job finished first.
func (c *Consumer) DeadLetter(ctx context.Context, e heartbeat.Entry) error {
	return c.recover(e, func(fl *inflight) error {
		return c.deadLetter(ctx, fl, ReasonStaleLease, true)
	})
}

func (c *Consumer) recover(e heartbeat.Entry, fn func(*inflight) error) error {
	fl, ok := c.lookup(e)
	if !ok {
		return job.ErrAlreadySettled
	}
	ran, err := c.settle(fl, "stuck_recovery", func() error {
		c.abandoned.Add(1)
		return fn(fl)
	})
	if !ran {
		return job.ErrAlreadySettled
	}
	// The handler goroutine is still running. Drop the record so Active
	// reflects only unsettled work, and hand its slot back so intake can
	// pick up the requeued copy. The handler's own forget and release are
	// no-ops.
	c.forget(fl)
	c.releaseSlot(fl)
	return err
}
