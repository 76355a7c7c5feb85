// Package app assembles the worker from configuration: it constructs every
// collaborator once, orders them into shutdown stages and runs the
// coordinator.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/rzbill/analysis-worker/internal/config"
	"github.com/rzbill/analysis-worker/internal/consumer"
	"github.com/rzbill/analysis-worker/internal/deadletter"
	"github.com/rzbill/analysis-worker/internal/heartbeat"
	"github.com/rzbill/analysis-worker/internal/metrics"
	"github.com/rzbill/analysis-worker/internal/processor"
	"github.com/rzbill/analysis-worker/internal/queue"
	"github.com/rzbill/analysis-worker/internal/queue/rabbitmq"
	"github.com/rzbill/analysis-worker/internal/retry"
	httpserver "github.com/rzbill/analysis-worker/internal/server/http"
	"github.com/rzbill/analysis-worker/internal/shutdown"
	"github.com/rzbill/analysis-worker/internal/stuck"
	"github.com/rzbill/analysis-worker/pkg/log"
)

// Option overrides a collaborator, mainly for tests.
type Option func(*App)

// WithBroker uses b instead of dialing RabbitMQ. The app closes it on drain.
func WithBroker(b queue.Broker) Option { return func(a *App) { a.broker = b } }

// WithProcessor uses p instead of the configured model.
func WithProcessor(p processor.Processor) Option { return func(a *App) { a.proc = p } }

// WithRetryStore uses s instead of the configured store.
func WithRetryStore(s retry.Store) Option { return func(a *App) { a.retries = s } }

// WithMetrics uses m instead of a fresh registry.
func WithMetrics(m *metrics.Metrics) Option { return func(a *App) { a.metrics = m } }

// App is one worker process.
type App struct {
	cfg     config.Config
	ownerID string
	logger  log.Logger
	metrics *metrics.Metrics

	registry *heartbeat.Registry
	retries  retry.Store
	broker   queue.Broker
	proc     processor.Processor

	consumer *consumer.Consumer
	detector *stuck.Detector
	monitor  *deadletter.Monitor
	reporter *heartbeat.Reporter
	ops      *httpserver.Server

	coord *shutdown.Coordinator
}

// New builds the app. Nothing is dialed or started until Run.
func New(cfg config.Config, logger log.Logger, opts ...Option) *App {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	a := &App{
		cfg:      cfg,
		ownerID:  cfg.Worker.ID,
		logger:   logger,
		registry: heartbeat.NewRegistry(),
	}
	if a.ownerID == "" {
		a.ownerID = uuid.NewString()
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = metrics.New()
	}
	a.metrics.RegisterActiveHeartbeats(a.registry.Count)

	a.coord = shutdown.New(shutdown.Options{
		Stages:       a.stages(),
		Intake:       intake{a},
		InFlight:     a.inFlight,
		DrainTimeout: cfg.Worker.DrainTimeout,
		PollInterval: cfg.Worker.DrainPollInterval,
		Logger:       logger,
		OnStateChange: func(s shutdown.State) {
			a.metrics.ShutdownPhase.Set(float64(s))
		},
	})
	return a
}

// OwnerID is the identifier this worker records on its heartbeats.
func (a *App) OwnerID() string { return a.ownerID }

// Registry exposes the heartbeat registry.
func (a *App) Registry() *heartbeat.Registry { return a.registry }

// State returns the coordinator state.
func (a *App) State() shutdown.State { return a.coord.State() }

// Fault reports an unrecoverable error and triggers a drain.
func (a *App) Fault(err error) { a.coord.Fault(err) }

// Run starts the worker and blocks until ctx is cancelled or a fault is
// reported, then drains. The error is non-nil only if startup failed.
// Stages start and stop on the calling goroutine.
func (a *App) Run(ctx context.Context) (shutdown.Report, error) {
	a.logger.Info("analysis worker starting",
		log.Str("owner_id", a.ownerID),
		log.Str("queue", a.cfg.Broker.Queue),
		log.Int("concurrency", a.cfg.Worker.Concurrency),
		log.Int("max_retries", a.cfg.MaxRetries()),
		log.Str("retry_store", a.cfg.Storage.RetryStore),
	)
	a.logger.Info("ai configuration",
		log.Str("model", a.modelName()),
		log.F("temperature", a.cfg.Temperature()),
		log.Bool("mock", a.cfg.UseMockModel()),
	)
	return a.coord.Run(ctx)
}

// inFlight counts jobs not yet fully settled. The consumer releases a lease
// before its broker call returns, so the registry alone can read zero while
// an ack is still on the wire.
func (a *App) inFlight() int {
	n := a.registry.Count()
	if a.consumer != nil {
		if m := a.consumer.Active(); m > n {
			n = m
		}
	}
	return n
}

func (a *App) modelName() string {
	if a.cfg.UseMockModel() {
		return processor.MockModel
	}
	return a.cfg.AI.Model
}

// intake defers to the consumer once it exists.
type intake struct{ a *App }

func (i intake) StopIntake(ctx context.Context) error {
	if i.a.consumer == nil {
		return nil
	}
	return i.a.consumer.StopIntake(ctx)
}

// stages lists startup order. Drain stops them in reverse: ops server, status
// reporter, dead-letter monitor, stuck detector, consumer, processor, broker
// and finally the retry store.
func (a *App) stages() []shutdown.Stage {
	w := a.cfg.Worker
	return []shutdown.Stage{
		{
			Name:  "retry-store",
			Start: a.openRetryStore,
			Stop: func(context.Context) error {
				return a.retries.Close()
			},
		},
		{
			Name:  "broker",
			Start: a.openBroker,
			Stop: func(context.Context) error {
				return a.broker.Close()
			},
		},
		{
			Name:  "processor",
			Start: a.openProcessor,
		},
		{
			Name: "consumer",
			Start: func(ctx context.Context) error {
				a.consumer = consumer.New(consumer.Deps{
					Source:    a.broker,
					Publisher: a.broker,
					Registry:  a.registry,
					Processor: a.proc,
					Retries:   a.retries,
					Metrics:   a.metrics,
					Logger:    a.logger,
				}, consumer.Options{
					OwnerID:       a.ownerID,
					Concurrency:   w.Concurrency,
					RenewInterval: w.RenewInterval,
					MaxSilence:    w.MaxSilence,
					MaxRetries:    a.cfg.MaxRetries(),
					OnFault:       a.coord.Fault,
				})
				return a.consumer.Start(ctx)
			},
			// Drain already waited for handlers; whatever is still running is
			// abandoned and its delivery is redelivered once the broker closes.
			Stop: func(context.Context) error {
				if n, hung := a.consumer.Active(), a.consumer.Abandoned(); n > 0 || hung > 0 {
					a.logger.Warn("abandoning running handlers", log.Int("active", n), log.Int("recovered_still_running", hung))
				}
				return nil
			},
		},
		{
			Name: "stuck-detector",
			Start: func(context.Context) error {
				a.detector = stuck.NewDetector(a.registry, a.consumer, a.retries, stuck.Options{
					Interval:   w.CleanupInterval,
					Threshold:  w.StalenessThreshold,
					MaxRetries: a.cfg.MaxRetries(),
				}, a.metrics, a.logger)
				a.detector.Start()
				return nil
			},
			Stop: func(context.Context) error {
				a.detector.Stop()
				return nil
			},
		},
		{
			Name: "dlq-monitor",
			Start: func(context.Context) error {
				a.monitor = deadletter.NewMonitor(a.broker, deadletter.Options{
					Interval: w.DLQPollInterval,
					Limit:    w.DLQPeekLimit,
				}, a.metrics, a.logger)
				a.monitor.Start()
				return nil
			},
			Stop: func(context.Context) error {
				a.monitor.Stop()
				return nil
			},
		},
		{
			Name: "status-reporter",
			Start: func(context.Context) error {
				a.reporter = heartbeat.NewReporter(a.registry, w.StatusInterval, a.ownerID, a.logger)
				a.reporter.Start()
				return nil
			},
			Stop: func(context.Context) error {
				a.reporter.Stop()
				return nil
			},
		},
		{
			Name:  "ops-server",
			Start: a.startOps,
			Stop: func(ctx context.Context) error {
				return a.ops.Shutdown(ctx)
			},
		},
	}
}

func (a *App) openRetryStore(ctx context.Context) error {
	if a.retries != nil {
		return nil
	}
	s := a.cfg.Storage
	switch s.RetryStore {
	case config.RetryStoreMemory:
		a.retries = retry.NewMemoryStore()
	case config.RetryStoreRedis:
		client, err := retry.DialRedis(ctx, s.RedisURL)
		if err != nil {
			return err
		}
		a.retries = retry.NewRedisStore(client, retry.RedisOptions{})
	case config.RetryStorePebble, "":
		store, err := retry.OpenPebbleStore(filepath.Join(s.DataDir, "retries"), a.metrics.StorageHook())
		if err != nil {
			return err
		}
		a.retries = store
	default:
		return fmt.Errorf("unknown retry store %q", s.RetryStore)
	}
	return nil
}

func (a *App) openBroker(context.Context) error {
	if a.broker != nil {
		return nil
	}
	b := a.cfg.Broker
	client, err := rabbitmq.Dial(rabbitmq.Options{
		URL:                b.URL,
		Exchange:           b.Exchange,
		Queue:              b.Queue,
		RoutingKey:         b.RoutingKey,
		DeadLetterExchange: b.DeadLetterExchange,
		DeadLetterQueue:    b.DeadLetterQueue,
		Prefetch:           a.cfg.Worker.Concurrency,
		ConsumerTag:        "analysis-worker-" + a.ownerID,
		Logger:             a.logger,
		OnClose: func(err error) {
			a.coord.Fault(fmt.Errorf("broker connection lost: %w", err))
		},
	})
	if err != nil {
		return err
	}
	a.broker = client
	return nil
}

func (a *App) openProcessor(ctx context.Context) error {
	if a.proc != nil {
		return nil
	}
	if a.cfg.UseMockModel() {
		a.proc = processor.NewMock(a.cfg.AI.MockLatency)
		return nil
	}
	g, err := processor.NewGemini(ctx, processor.GeminiOptions{
		APIKey:      a.cfg.AI.APIKey,
		Model:       a.cfg.AI.Model,
		Temperature: a.cfg.Temperature(),
	})
	if err != nil {
		return err
	}
	a.proc = g
	return nil
}

type healthChecker interface {
	Healthy() bool
}

func (a *App) startOps(context.Context) error {
	a.ops = httpserver.New(httpserver.Deps{
		OwnerID:  a.ownerID,
		Registry: a.registry,
		Stuck:    a.detector,
		State:    a.coord.State,
		Metrics:  a.metrics.Handler(),
		Ready: func(context.Context) error {
			if hc, ok := a.broker.(healthChecker); ok && !hc.Healthy() {
				return errors.New("broker connection closed")
			}
			return nil
		},
		Logger: a.logger,
	})
	if err := a.ops.Listen(a.cfg.Telemetry.OpsAddr); err != nil {
		return fmt.Errorf("ops listen: %w", err)
	}
	go func() {
		if err := a.ops.Serve(); err != nil {
			a.coord.Fault(fmt.Errorf("ops server: %w", err))
		}
	}()
	return nil
}
