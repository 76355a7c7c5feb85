// Package stuck finds jobs whose heartbeats stopped renewing and recovers
// them by requeueing or dead-lettering.
package stuck

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rzbill/analysis-worker/internal/heartbeat"
	"github.com/rzbill/analysis-worker/internal/job"
	"github.com/rzbill/analysis-worker/internal/metrics"
	"github.com/rzbill/analysis-worker/internal/retry"
	"github.com/rzbill/analysis-worker/pkg/log"
)

// Action is what the detector did about a stuck job.
type Action string

const (
	ActionRequeued     Action = "requeued"
	ActionDeadLettered Action = "dead_lettered"
	// ActionAlerted means the job was settled before recovery could act;
	// only the detection was reported.
	ActionAlerted Action = "alerted"
)

// Record describes one stuck job.
type Record struct {
	JobID      string        `json:"jobId"`
	OwnerID    string        `json:"ownerId"`
	DetectedAt time.Time     `json:"detectedAt"`
	Elapsed    time.Duration `json:"elapsed"`
	LeaseAge   time.Duration `json:"leaseAge"`
	RetryCount int           `json:"retryCount"`
	Action     Action        `json:"action"`
	Error      string        `json:"error,omitempty"`
}

// Recoverer settles a stuck job's delivery. Both methods return
// job.ErrAlreadySettled when the job finished on its own first.
type Recoverer interface {
	Requeue(ctx context.Context, e heartbeat.Entry) error
	DeadLetter(ctx context.Context, e heartbeat.Entry) error
}

// Options configures a Detector.
type Options struct {
	Interval   time.Duration
	Threshold  time.Duration
	MaxRetries int
	// RecentLimit bounds the history kept for Recent; default 100.
	RecentLimit int
}

// Detector scans the registry every Interval.
type Detector struct {
	reg       *heartbeat.Registry
	recoverer Recoverer
	retries   retry.Store
	metrics   *metrics.Metrics
	logger    log.Logger
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	recent []Record
}

// NewDetector creates a detector; Start begins scanning.
func NewDetector(reg *heartbeat.Registry, rec Recoverer, retries retry.Store, opts Options, m *metrics.Metrics, logger log.Logger) *Detector {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 100
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if m == nil {
		m = metrics.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Detector{
		reg:       reg,
		recoverer: rec,
		retries:   retries,
		metrics:   m,
		logger:    logger.WithComponent("stuck-detector"),
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the scan loop.
func (d *Detector) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop ends the loop and waits for an in-progress scan to finish.
func (d *Detector) Stop() {
	d.cancel()
	d.wg.Wait()
}

func (d *Detector) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	d.logger.Info("stuck detector started",
		log.Dur("interval", d.opts.Interval),
		log.Dur("threshold", d.opts.Threshold),
	)
	for {
		select {
		case <-d.ctx.Done():
			d.logger.Info("stuck detector stopped")
			return
		case <-ticker.C:
			d.Scan(d.ctx)
		}
	}
}

// Scan runs one detection pass and returns the records it produced.
func (d *Detector) Scan(ctx context.Context) []Record {
	now := d.reg.Now()
	var out []Record
	for _, e := range d.reg.Snapshot() {
		if e.Age(now) <= d.opts.Threshold {
			continue
		}
		// Expire re-checks under the shard lock; a renewal or release since
		// the snapshot wins.
		removed, ok := d.reg.Expire(e.JobID, d.opts.Threshold, now)
		if !ok {
			continue
		}
		out = append(out, d.recover(ctx, removed, now))
	}
	if len(out) > 0 {
		d.remember(out)
	}
	return out
}

func (d *Detector) recover(ctx context.Context, e heartbeat.Entry, now time.Time) Record {
	rec := Record{
		JobID:      e.JobID,
		OwnerID:    e.OwnerID,
		DetectedAt: now,
		Elapsed:    e.Age(now),
		LeaseAge:   now.Sub(e.LeaseStart),
	}
	count, err := d.retries.Get(ctx, e.JobID)
	if err != nil {
		d.logger.Warn("read retry counter failed", log.JobID(e.JobID), log.Err(err))
	}
	rec.RetryCount = count

	var rerr error
	switch job.Decide(job.KindStale, count, d.opts.MaxRetries) {
	case job.Requeue:
		rec.Action = ActionRequeued
		rerr = d.recoverer.Requeue(ctx, e)
	default:
		rec.Action = ActionDeadLettered
		rerr = d.recoverer.DeadLetter(ctx, e)
	}
	switch {
	case errors.Is(rerr, job.ErrAlreadySettled):
		rec.Action = ActionAlerted
	case rerr != nil:
		rec.Error = rerr.Error()
	}

	fields := []log.Field{
		log.JobID(rec.JobID),
		log.Str("owner_id", rec.OwnerID),
		log.Dur("elapsed", rec.Elapsed.Round(time.Millisecond)),
		log.Int("retry_count", rec.RetryCount),
		log.Str("action", string(rec.Action)),
	}
	if rec.Error != "" {
		d.logger.Error("stuck job recovery failed", append(fields, log.Str("error", rec.Error))...)
	} else {
		d.logger.Warn("stuck job detected", fields...)
	}
	d.metrics.StuckJobs.WithLabelValues(string(rec.Action)).Inc()
	return rec
}

func (d *Detector) remember(records []Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recent = append(d.recent, records...)
	if over := len(d.recent) - d.opts.RecentLimit; over > 0 {
		d.recent = append([]Record(nil), d.recent[over:]...)
	}
}

// Recent returns the most recent records, oldest first.
func (d *Detector) Recent() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Record(nil), d.recent...)
}
