package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/rzbill/analysis-worker/pkg/log"
)

// Reporter periodically logs that the worker is alive along with the number
// of active leases.
type Reporter struct {
	reg      *Registry
	interval time.Duration
	ownerID  string
	logger   log.Logger
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReporter creates a reporter; Start begins logging.
func NewReporter(reg *Registry, interval time.Duration, ownerID string, logger log.Logger) *Reporter {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reporter{
		reg:      reg,
		interval: interval,
		ownerID:  ownerID,
		logger:   logger.WithComponent("status"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the reporting loop.
func (r *Reporter) Start() {
	r.started = time.Now()
	r.wg.Add(1)
	go r.run()
}

// Stop ends the loop and waits for it to exit.
func (r *Reporter) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Reporter) run() {
	defer r.wg.Done()
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-t.C:
			r.Report()
		}
	}
}

// Report emits one status entry.
func (r *Reporter) Report() {
	r.logger.Info("worker heartbeat",
		log.Str("owner_id", r.ownerID),
		log.Int("active_heartbeats", r.reg.Count()),
		log.Dur("uptime", time.Since(r.started).Round(time.Second)),
	)
}
