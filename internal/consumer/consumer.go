// Package consumer receives jobs from the work queue, tracks each one with a
// heartbeat lease while the processor runs, and settles every delivery
// exactly once.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rzbill/analysis-worker/internal/heartbeat"
	"github.com/rzbill/analysis-worker/internal/job"
	"github.com/rzbill/analysis-worker/internal/metrics"
	"github.com/rzbill/analysis-worker/internal/processor"
	"github.com/rzbill/analysis-worker/internal/queue"
	"github.com/rzbill/analysis-worker/internal/retry"
	"github.com/rzbill/analysis-worker/pkg/log"
)

// Options configures a Consumer.
type Options struct {
	OwnerID       string
	Concurrency   int
	RenewInterval time.Duration
	// MaxSilence is how long a processor may go without reporting progress
	// before its lease stops renewing. Zero keeps renewing until it returns.
	MaxSilence time.Duration
	MaxRetries int
	// OnFault receives unexpected failures such as a processor panic or a
	// closed delivery stream. It must not block.
	OnFault func(error)
}

// Consumer is the worker's intake and settlement path.
type Consumer struct {
	source    queue.Source
	publisher queue.Publisher
	registry  *heartbeat.Registry
	proc      processor.Processor
	retries   retry.Store
	metrics   *metrics.Metrics
	logger    log.Logger
	opts      Options

	sem *semaphore.Weighted
	wg  sync.WaitGroup
	// abandoned counts handlers still running after stuck recovery settled
	// their delivery.
	abandoned atomic.Int64

	mu       sync.Mutex
	inflight map[uint64]*inflight
	started  bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	jobCtx   context.Context
}

// inflight is one dispatched job. once guards settlement so that the
// processing path and stuck recovery cannot both ack or reject. slot guards
// the semaphore release, which either of them may do.
type inflight struct {
	job       job.Job
	lease     *heartbeat.Lease
	once      sync.Once
	slot      sync.Once
	settledBy string
}

// Deps groups the collaborators a Consumer needs.
type Deps struct {
	Source    queue.Source
	Publisher queue.Publisher
	Registry  *heartbeat.Registry
	Processor processor.Processor
	Retries   retry.Store
	Metrics   *metrics.Metrics
	Logger    log.Logger
}

// New builds a Consumer. Start begins intake.
func New(deps Deps, opts Options) *Consumer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.RenewInterval <= 0 {
		opts.RenewInterval = 10 * time.Second
	}
	if opts.OnFault == nil {
		opts.OnFault = func(error) {}
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Consumer{
		source:    deps.Source,
		publisher: deps.Publisher,
		registry:  deps.Registry,
		proc:      deps.Processor,
		retries:   deps.Retries,
		metrics:   m,
		logger:    logger.WithComponent("consumer"),
		opts:      opts,
		sem:       semaphore.NewWeighted(int64(opts.Concurrency)),
		inflight:  make(map[uint64]*inflight),
	}
}

// Start subscribes to the source and begins dispatching. Handlers run on a
// context detached from ctx, so cancelling ctx or calling StopIntake never
// interrupts a job.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("consumer already started")
	}
	intakeCtx, cancel := context.WithCancel(ctx)
	deliveries, err := c.source.Consume(intakeCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("start consuming: %w", err)
	}
	c.started = true
	c.cancel = cancel
	c.loopDone = make(chan struct{})
	c.jobCtx = context.WithoutCancel(ctx)
	go c.receive(intakeCtx, deliveries)
	c.logger.Info("consumer started",
		log.Int("concurrency", c.opts.Concurrency),
		log.Dur("renew_interval", c.opts.RenewInterval),
		log.Dur("max_silence", c.opts.MaxSilence),
		log.Int("max_retries", c.opts.MaxRetries),
	)
	return nil
}

// StopIntake stops receiving and returns once the receive loop has exited.
// Every delivery received before that point has a heartbeat entry or has
// already been settled. In-flight handlers keep running.
func (c *Consumer) StopIntake(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.loopDone
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop intake: %w", ctx.Err())
	}
}

// Wait blocks until every handler goroutine has returned, including ones
// whose jobs were already recovered as stuck.
func (c *Consumer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of received jobs whose settlement has not
// completed. It can briefly exceed the registry count while an ack or reject
// is in flight.
func (c *Consumer) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Abandoned returns the number of handlers whose delivery stuck recovery
// already settled but whose processor has not returned. They no longer hold
// a concurrency slot.
func (c *Consumer) Abandoned() int {
	return int(c.abandoned.Load())
}

func (c *Consumer) receive(ctx context.Context, deliveries <-chan queue.Delivery) {
	defer close(c.loopDone)
	for {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			c.sem.Release(1)
			return
		case d, ok := <-deliveries:
			if !ok {
				c.sem.Release(1)
				if ctx.Err() == nil {
					err := errors.New("delivery stream closed unexpectedly")
					c.logger.Error("intake stopped", log.Err(err))
					c.opts.OnFault(err)
				}
				return
			}
			c.accept(d)
		}
	}
}

// accept parses and registers d inside the receive loop, then hands it to a
// handler goroutine. It owns one semaphore slot.
func (c *Consumer) accept(d queue.Delivery) {
	j, err := job.Parse(d)
	if err != nil {
		c.sem.Release(1)
		c.logger.Warn("rejecting malformed message", log.Err(err), log.Int("bytes", len(d.Body())))
		if rerr := d.Reject(false); rerr != nil {
			c.logger.Error("reject malformed message failed", log.Err(rerr))
		}
		c.metrics.JobsCompleted.WithLabelValues(string(job.OutcomeMalformed)).Inc()
		return
	}

	lease, err := c.registry.Register(j.ID, c.opts.OwnerID)
	if err != nil {
		c.sem.Release(1)
		c.logger.Warn("rejecting duplicate delivery", log.JobID(j.ID), log.Err(err))
		if rerr := d.Reject(false); rerr != nil {
			c.logger.Error("reject duplicate failed", log.JobID(j.ID), log.Err(rerr))
		}
		c.metrics.JobsCompleted.WithLabelValues(string(job.OutcomeDuplicate)).Inc()
		return
	}

	fl := &inflight{job: j, lease: lease}
	c.mu.Lock()
	c.inflight[lease.Generation()] = fl
	c.mu.Unlock()

	c.wg.Add(1)
	go c.handle(fl)
}

func (c *Consumer) handle(fl *inflight) {
	defer c.wg.Done()
	defer c.releaseSlot(fl)

	ctx := heartbeat.WithProgress(c.jobCtx, fl.lease.Touch)
	j := fl.job
	logger := c.logger.With(log.JobID(j.ID), log.Str("user_id", j.UserID))

	if j.RetryCount > 0 {
		if err := c.retries.Seed(ctx, j.ID, j.RetryCount); err != nil {
			logger.Warn("seed retry counter failed", log.Err(err))
		}
	}
	c.metrics.JobsDispatched.Inc()
	logger.Info("job dispatched", log.Int("retry_count", j.RetryCount), log.Bool("redelivered", j.Delivery.Redelivered()))

	stop := fl.lease.Keepalive(heartbeat.KeepaliveOptions{
		Interval:   c.opts.RenewInterval,
		MaxSilence: c.opts.MaxSilence,
		OnError: func(err error) {
			if errors.Is(err, heartbeat.ErrNoProgress) {
				logger.Warn("processor reported no progress; heartbeat paused", log.Dur("max_silence", c.opts.MaxSilence))
				return
			}
			logger.Debug("heartbeat renew failed", log.Err(err))
		},
	})
	start := time.Now()
	res, err := c.process(ctx, j)
	stop()
	elapsed := time.Since(start)
	c.metrics.JobDuration.Observe(elapsed.Seconds())

	var outcome job.Outcome
	if err == nil {
		outcome = c.succeed(ctx, fl, logger, res, elapsed)
	} else {
		outcome = c.fail(ctx, fl, logger, err)
	}
	if outcome == job.OutcomeSuperseded {
		c.abandoned.Add(-1)
	}
	c.forget(fl)
	c.metrics.JobsCompleted.WithLabelValues(string(outcome)).Inc()
}

func (c *Consumer) releaseSlot(fl *inflight) {
	fl.slot.Do(func() { c.sem.Release(1) })
}

func (c *Consumer) process(ctx context.Context, j job.Job) (res processor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := &processor.PanicError{Value: r, Stack: debug.Stack()}
			c.logger.Error("processor panicked", log.JobID(j.ID), log.F("panic", fmt.Sprint(r)), log.Str("stack", string(perr.Stack)))
			c.opts.OnFault(perr)
			err = perr
		}
	}()
	return c.proc.Process(ctx, j)
}

func (c *Consumer) succeed(ctx context.Context, fl *inflight, logger log.Logger, res processor.Result, elapsed time.Duration) job.Outcome {
	settled, err := c.settle(fl, "processor", func() error {
		return fl.job.Delivery.Ack()
	})
	if !settled {
		logger.Warn("job finished after stuck recovery; result discarded", log.Dur("elapsed", elapsed), log.Str("settled_by", fl.settledBy))
		return job.OutcomeSuperseded
	}
	if err != nil {
		logger.Error("ack failed; message will be redelivered", log.Err(err))
	}
	if rerr := c.retries.Reset(ctx, fl.job.ID); rerr != nil {
		logger.Warn("reset retry counter failed", log.Err(rerr))
	}
	logger.Info("job completed", log.Dur("elapsed", elapsed), log.Str("model", res.Model), log.Int("output_bytes", len(res.Output)))
	return job.OutcomeSucceeded
}

func (c *Consumer) fail(ctx context.Context, fl *inflight, logger log.Logger, procErr error) job.Outcome {
	kind := processor.Classify(procErr)
	count, err := c.retries.Get(ctx, fl.job.ID)
	if err != nil {
		logger.Warn("read retry counter failed; using message count", log.Err(err))
		count = fl.job.RetryCount
	}
	action := job.Decide(kind, count, c.opts.MaxRetries)

	outcome := job.OutcomeRequeued
	settled, serr := c.settle(fl, "processor", func() error {
		if action == job.Requeue {
			return c.requeue(ctx, fl, procErr.Error())
		}
		outcome = job.OutcomeDeadLettered
		return c.deadLetter(ctx, fl, procErr.Error(), false)
	})
	if !settled {
		logger.Warn("job failed after stuck recovery", log.Err(procErr), log.Str("settled_by", fl.settledBy))
		return job.OutcomeSuperseded
	}
	if serr != nil {
		logger.Error("settle failed; message will be redelivered", log.Err(serr))
	}
	fields := []log.Field{log.Err(procErr), log.Str("kind", kind.String()), log.Int("retry_count", count), log.Int("max_retries", c.opts.MaxRetries)}
	if outcome == job.OutcomeRequeued {
		logger.Warn("job failed; requeued", fields...)
	} else {
		logger.Error("job failed; dead-lettered", fields...)
	}
	return outcome
}

// settle runs fn unless the delivery was already settled, and reports whether
// it ran. The lease is released once the decision is made and before fn
// talks to the broker, so a requeued copy redelivered to this worker can
// register again. The inflight record stays until forget, which keeps Active
// non-zero until the broker call has returned.
func (c *Consumer) settle(fl *inflight, by string, fn func() error) (bool, error) {
	ran := false
	var err error
	fl.once.Do(func() {
		ran = true
		fl.settledBy = by
		fl.lease.Release()
		err = fn()
	})
	return ran, err
}

// requeue increments the counter and re-publishes a copy carrying the count
// and reason headers, then acks the original. The header lets any worker
// continue the count, whatever its local store holds. If the publish fails
// the original is rejected with requeue and the count rides on the store
// alone.
func (c *Consumer) requeue(ctx context.Context, fl *inflight, reason string) error {
	n, err := c.retries.Incr(ctx, fl.job.ID)
	if err != nil {
		c.logger.Warn("increment retry counter failed", log.JobID(fl.job.ID), log.Err(err))
		n = fl.job.RetryCount + 1
	}
	d := fl.job.Delivery
	if err := c.publisher.Publish(ctx, copyMessage(fl.job, n, reason)); err != nil {
		c.logger.Warn("re-publish failed; falling back to broker requeue", log.JobID(fl.job.ID), log.Err(err))
		return d.Reject(true)
	}
	return d.Ack()
}

// deadLetter resets the counter and moves the message to the dead-letter
// queue, by publishing a copy with headers when republish is set or by a
// plain reject otherwise.
func (c *Consumer) deadLetter(ctx context.Context, fl *inflight, reason string, republish bool) error {
	c.metrics.DeadLettered.Inc()
	count, err := c.retries.Get(ctx, fl.job.ID)
	if err != nil {
		c.logger.Warn("read retry counter failed; using message count", log.JobID(fl.job.ID), log.Err(err))
		count = fl.job.RetryCount
	}
	if err := c.retries.Reset(ctx, fl.job.ID); err != nil {
		c.logger.Warn("reset retry counter failed", log.JobID(fl.job.ID), log.Err(err))
	}
	d := fl.job.Delivery
	if republish {
		err := c.publisher.PublishDeadLetter(ctx, copyMessage(fl.job, count, reason))
		if err == nil {
			return d.Ack()
		}
		c.logger.Warn("dead-letter publish failed; falling back to reject", log.JobID(fl.job.ID), log.Err(err))
	}
	return d.Reject(false)
}

func copyMessage(j job.Job, retryCount int, reason string) queue.Message {
	h := j.Delivery.Headers().Clone()
	delete(h, queue.HeaderDeath)
	h[queue.HeaderRetryCount] = retryCount
	h[queue.HeaderFailureReason] = reason
	h[queue.HeaderJobID] = j.ID
	return queue.Message{Body: j.Delivery.Body(), Headers: h}
}

func (c *Consumer) forget(fl *inflight) {
	c.mu.Lock()
	delete(c.inflight, fl.lease.Generation())
	c.mu.Unlock()
}

func (c *Consumer) lookup(e heartbeat.Entry) (*inflight, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fl, ok := c.inflight[e.Generation]
	return fl, ok
}
