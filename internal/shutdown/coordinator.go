// Package shutdown sequences worker startup and graceful drain.
//
// Stages start in order. Stop runs the same drain for every trigger (signal,
// reported fault or context cancellation): stop intake, wait for in-flight
// jobs up to the drain timeout, then stop stages in reverse start order.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rzbill/analysis-worker/pkg/log"
)

// State is the coordinator's lifecycle state.
type State int32

const (
	Running State = iota
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Drain trigger reasons reported in Report.Reason.
const (
	ReasonSignal = "signal"
	ReasonFault  = "fault"
)

// ErrDrainTimeout is logged when the drain timeout elapses with jobs still in
// flight. It is reported through Report.TimedOut and is not a failure.
var ErrDrainTimeout = errors.New("shutdown: drain timeout elapsed with jobs in flight")

// Stage is one startable component. Either func may be nil.
type Stage struct {
	Name  string
	Start func(ctx context.Context) error
	Stop  func(ctx context.Context) error
}

// Intake stops accepting new work without cancelling in-flight work.
type Intake interface {
	StopIntake(ctx context.Context) error
}

// Options configures a Coordinator.
type Options struct {
	Stages       []Stage
	Intake       Intake
	InFlight     func() int
	DrainTimeout time.Duration
	PollInterval time.Duration
	// StopTimeout bounds StopIntake and each stage's Stop; default 10s.
	StopTimeout   time.Duration
	Logger        log.Logger
	OnStateChange func(State)
}

// Report summarizes a completed drain.
type Report struct {
	Reason    string        `json:"reason"`
	Fault     error         `json:"-"`
	Abandoned int           `json:"abandoned"`
	TimedOut  bool          `json:"timedOut"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Coordinator owns the process lifecycle.
type Coordinator struct {
	opts   Options
	logger log.Logger
	state  atomic.Int32
	faults chan error

	mu      sync.Mutex
	started int

	drainOnce sync.Once
	report    Report
}

// New returns a coordinator in the Running state.
func New(opts Options) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.InFlight == nil {
		opts.InFlight = func() int { return 0 }
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	return &Coordinator{
		opts:   opts,
		logger: opts.Logger.WithComponent("shutdown"),
		faults: make(chan error, 1),
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State { return State(c.state.Load()) }

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

// Start starts stages in order. If one fails, the stages already started are
// stopped in reverse order and the error is returned.
func (c *Coordinator) Start(ctx context.Context) error {
	c.setState(Running)
	for i, st := range c.opts.Stages {
		if st.Start != nil {
			if err := st.Start(ctx); err != nil {
				c.logger.Error("stage failed to start; rolling back", log.Str("stage", st.Name), log.Err(err))
				c.stopStages()
				c.setState(Stopped)
				return fmt.Errorf("start %s: %w", st.Name, err)
			}
		}
		c.mu.Lock()
		c.started = i + 1
		c.mu.Unlock()
		c.logger.Debug("stage started", log.Str("stage", st.Name))
	}
	return nil
}

// Fault reports an unrecoverable error. The first fault triggers a drain;
// later ones are dropped. Fault never blocks.
func (c *Coordinator) Fault(err error) {
	if err == nil {
		return
	}
	select {
	case c.faults <- err:
		c.logger.Error("fault reported; draining", log.Err(err))
	default:
		c.logger.Warn("additional fault ignored", log.Err(err))
	}
}

// Wait blocks until ctx is done or a fault is reported, then drains.
func (c *Coordinator) Wait(ctx context.Context) Report {
	select {
	case <-ctx.Done():
		return c.Drain(ReasonSignal, nil)
	case err := <-c.faults:
		return c.Drain(ReasonFault, err)
	}
}

// Run starts all stages, waits for a trigger and drains.
func (c *Coordinator) Run(ctx context.Context) (Report, error) {
	if err := c.Start(ctx); err != nil {
		return Report{}, err
	}
	return c.Wait(ctx), nil
}

// Drain runs the shutdown sequence once. Concurrent and later calls return
// the first call's report.
func (c *Coordinator) Drain(reason string, fault error) Report {
	c.drainOnce.Do(func() {
		c.report = c.drain(reason, fault)
	})
	return c.report
}

func (c *Coordinator) drain(reason string, fault error) Report {
	begin := time.Now()
	c.setState(Draining)
	rep := Report{Reason: reason, Fault: fault}
	c.logger.Info("draining",
		log.Str("reason", reason),
		log.Int("in_flight", c.opts.InFlight()),
		log.Dur("timeout", c.opts.DrainTimeout),
	)

	if c.opts.Intake != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.StopTimeout)
		if err := c.opts.Intake.StopIntake(ctx); err != nil {
			c.logger.Warn("stop intake failed", log.Err(err))
		}
		cancel()
	}

	if n := c.wait(); n > 0 {
		rep.TimedOut = true
		rep.Abandoned = n
		c.logger.Warn("drain timed out; abandoning in-flight jobs", log.Int("abandoned", n), log.Err(ErrDrainTimeout))
	}

	c.stopStages()
	rep.Elapsed = time.Since(begin)
	c.setState(Stopped)
	c.logger.Info("shutdown complete",
		log.Str("reason", rep.Reason),
		log.Bool("timed_out", rep.TimedOut),
		log.Int("abandoned", rep.Abandoned),
		log.Dur("elapsed", rep.Elapsed.Round(time.Millisecond)),
	)
	return rep
}

// wait polls InFlight until it reaches zero or the drain timeout elapses and
// returns the final count.
func (c *Coordinator) wait() int {
	n := c.opts.InFlight()
	if n == 0 {
		return 0
	}
	timer := time.NewTimer(c.opts.DrainTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-timer.C:
			return c.opts.InFlight()
		case <-ticker.C:
			if n = c.opts.InFlight(); n == 0 {
				return 0
			}
		}
	}
}

func (c *Coordinator) stopStages() {
	c.mu.Lock()
	n := c.started
	c.started = 0
	c.mu.Unlock()
	for i := n - 1; i >= 0; i-- {
		st := c.opts.Stages[i]
		if st.Stop == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.StopTimeout)
		if err := st.Stop(ctx); err != nil {
			c.logger.Warn("stage stop failed", log.Str("stage", st.Name), log.Err(err))
		} else {
			c.logger.Debug("stage stopped", log.Str("stage", st.Name))
		}
		cancel()
	}
}
