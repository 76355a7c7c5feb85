package deadletter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/analysis-worker/internal/metrics"
	"github.com/rzbill/analysis-worker/internal/queue"
	"github.com/rzbill/analysis-worker/pkg/log"
)

// Options configures a Monitor.
type Options struct {
	Interval time.Duration
	Limit    int
}

// Monitor polls the dead-letter queue on an interval.
type Monitor struct {
	source  queue.DeadLetterReader
	opts    Options
	metrics *metrics.Metrics
	logger  log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMonitor creates a monitor; Start begins polling.
func NewMonitor(source queue.DeadLetterReader, opts Options, m *metrics.Metrics, logger log.Logger) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if m == nil {
		m = metrics.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		source:  source,
		opts:    opts,
		metrics: m,
		logger:  logger.WithComponent("dlq-monitor"),
		ctx:     ctx,
		cancel:  cancel,
		seen:    make(map[string]struct{}),
	}
}

// Start begins the poll loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop ends the loop and waits for an in-progress poll.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.logger.Info("dead-letter monitor started", log.Dur("interval", m.opts.Interval), log.Int("limit", m.opts.Limit))
	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("dead-letter monitor stopped")
			return
		case <-ticker.C:
			if _, err := m.Poll(m.ctx); err != nil && m.ctx.Err() == nil {
				m.logger.Warn("dead-letter poll failed; retrying next tick", log.Err(err))
			}
		}
	}
}

// Poll peeks the queue once, logs every record and updates the depth gauge.
// Records already reported by an earlier poll are logged at debug level.
func (m *Monitor) Poll(ctx context.Context) ([]Record, error) {
	depth, err := m.source.Depth(ctx)
	if err != nil {
		return nil, fmt.Errorf("dead-letter depth: %w", err)
	}
	m.metrics.DeadLetterDepth.Set(float64(depth))

	records, err := m.Inspect(ctx, m.opts.Limit)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	next := make(map[string]struct{}, len(records))
	for _, r := range records {
		k := r.key()
		fields := []log.Field{
			log.JobID(r.JobID),
			log.Str("reason", r.Reason),
			log.Int("retry_count", r.RetryCount),
			log.Int("payload_bytes", len(r.Payload)),
		}
		if _, ok := m.seen[k]; ok {
			m.logger.Debug("dead-letter record", fields...)
		} else {
			m.logger.Warn("dead-letter record", fields...)
		}
		next[k] = struct{}{}
	}
	m.seen = next
	m.mu.Unlock()

	if depth > len(records) {
		m.logger.Info("dead-letter queue has more messages than peeked", log.Int("depth", depth), log.Int("peeked", len(records)))
	}
	return records, nil
}

// Inspect peeks up to limit messages without consuming them.
func (m *Monitor) Inspect(ctx context.Context, limit int) ([]Record, error) {
	return Inspect(ctx, m.source, limit)
}

// Inspect peeks up to limit messages from source without consuming them.
func Inspect(ctx context.Context, source queue.DeadLetterReader, limit int) ([]Record, error) {
	msgs, err := source.Peek(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("dead-letter peek: %w", err)
	}
	out := make([]Record, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, FromMessage(msg))
	}
	return out, nil
}
