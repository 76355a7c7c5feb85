package workerrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rzbill/analysis-worker/internal/app"
	"github.com/rzbill/analysis-worker/internal/config"
	"github.com/rzbill/analysis-worker/internal/shutdown"
	logpkg "github.com/rzbill/analysis-worker/pkg/log"
)

// Options for Run. Empty log settings fall back to the configuration.
type Options struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	// AppOptions override collaborators; used by tests.
	AppOptions []app.Option
}

// FaultError is returned when a fault, not a signal, triggered shutdown.
type FaultError struct {
	Report shutdown.Report
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("worker stopped after fault: %v", e.Report.Fault)
}

func (e *FaultError) Unwrap() error { return e.Report.Fault }

// redactKeys are masked in every log line.
var redactKeys = []string{"api_key", "apiKey", "ai_api_key", "password"}

// Run resolves configuration, starts the worker and blocks until ctx is
// cancelled, SIGINT/SIGTERM arrives or a fault is reported. It returns nil
// after a signal-triggered drain, even one that timed out.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Resolve(opts.ConfigPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, opts)
	if err != nil {
		return err
	}

	// Route stdlib logs (amqp091, pebble) through the process logger.
	logpkg.RedirectStdLog(logger)
	logger.Info("configuration loaded", logpkg.F("settings", cfg.Summary()))

	a := app.New(cfg, logger, opts.AppOptions...)
	rep, err := a.Run(sctx)
	if err != nil {
		logger.Error("startup failed", logpkg.Err(err))
		return fmt.Errorf("startup: %w", err)
	}
	if rep.Fault != nil {
		return &FaultError{Report: rep}
	}
	return nil
}

func newLogger(cfg config.Config, opts Options) (logpkg.Logger, error) {
	lc := &logpkg.Config{
		Level:      cfg.Telemetry.LogLevel,
		Format:     cfg.Telemetry.LogFormat,
		RedactKeys: redactKeys,
	}
	if opts.LogLevel != "" {
		lc.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		lc.Format = opts.LogFormat
	}
	logger, err := logpkg.ApplyConfig(lc)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return logger, nil
}

// NewCommand constructs the `run` command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Aliases: []string{"start"},
		Short:   "Consume analysis jobs until SIGTERM or SIGINT",
		Long: `Consume analysis jobs from RabbitMQ, tracking each job with a heartbeat
lease, recovering stuck jobs and reporting dead-lettered ones. On SIGTERM or
SIGINT the worker stops intake, waits up to DRAIN_TIMEOUT for in-flight jobs
and exits 0. A fault (lost broker connection, processor panic) triggers the
same drain and exits 1.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			level, _ := cmd.Flags().GetString("log-level")
			format, _ := cmd.Flags().GetString("log-format")
			return Run(cmd.Context(), Options{ConfigPath: path, LogLevel: level, LogFormat: format})
		},
	}
	cmd.Flags().String("config", os.Getenv("ANALYSIS_WORKER_CONFIG"), "Path to a JSON or YAML config file (environment overrides it)")
	cmd.Flags().String("log-level", "", "Log level: debug|info|warn|error (overrides LOG_LEVEL)")
	cmd.Flags().String("log-format", "", "Log format: text|json (overrides LOG_FORMAT)")
	return cmd
}

// IsFault reports whether err came from a fault-triggered shutdown.
func IsFault(err error) bool {
	var fe *FaultError
	return errors.As(err, &fe)
}
