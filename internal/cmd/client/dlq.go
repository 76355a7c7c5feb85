package client

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rzbill/analysis-worker/internal/config"
	"github.com/rzbill/analysis-worker/internal/deadletter"
	"github.com/rzbill/analysis-worker/internal/queue"
	"github.com/rzbill/analysis-worker/internal/queue/rabbitmq"
)

// DeadLetterSource is what dlq inspect reads from.
type DeadLetterSource interface {
	queue.DeadLetterReader
	Close() error
}

// DialFunc opens a dead-letter source for cfg.
type DialFunc func(cfg config.Config) (DeadLetterSource, error)

// DialRabbitMQ connects with the broker settings from cfg.
func DialRabbitMQ(cfg config.Config) (DeadLetterSource, error) {
	b := cfg.Broker
	c, err := rabbitmq.Dial(rabbitmq.Options{
		URL:                b.URL,
		Exchange:           b.Exchange,
		Queue:              b.Queue,
		RoutingKey:         b.RoutingKey,
		DeadLetterExchange: b.DeadLetterExchange,
		DeadLetterQueue:    b.DeadLetterQueue,
		Prefetch:           1,
		ConsumerTag:        "analysis-worker-dlq-inspect",
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewDLQCommand constructs the `dlq` command group. A nil dial uses
// DialRabbitMQ.
func NewDLQCommand(dial DialFunc) *cobra.Command {
	if dial == nil {
		dial = DialRabbitMQ
	}
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Dead-letter queue operations",
	}
	dlqCmd.AddCommand(newDLQInspectCommand(dial))
	return dlqCmd
}

func newDLQInspectCommand(dial DialFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Peek dead-lettered messages without consuming them",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			limit, _ := cmd.Flags().GetInt("limit")
			output, _ := cmd.Flags().GetString("output")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			cfg, err := config.LoadEnv(path)
			if err != nil {
				return err
			}
			if err := cfg.ValidateBroker(); err != nil {
				return err
			}
			if limit <= 0 {
				limit = cfg.Worker.DLQPeekLimit
			}
			src, err := dial(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = src.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			depth, err := src.Depth(ctx)
			if err != nil {
				return err
			}
			records, err := deadletter.Inspect(ctx, src, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if output == "json" {
				return writeJSON(out, map[string]any{
					"queue":   cfg.Broker.DeadLetterQueue,
					"depth":   depth,
					"records": records,
				})
			}
			writeRecords(out, cfg.Broker.DeadLetterQueue, depth, records)
			return nil
		},
	}
	cmd.Flags().String("config", "", "Path to a JSON or YAML config file (environment overrides it)")
	cmd.Flags().Int("limit", 0, "Maximum messages to peek (default DLQ_PEEK_LIMIT)")
	cmd.Flags().String("output", "text", "Output format: text|json")
	cmd.Flags().Duration("timeout", 10*time.Second, "Broker operation timeout")
	return cmd
}

func writeRecords(w io.Writer, queueName string, depth int, records []deadletter.Record) {
	fmt.Fprintf(w, "queue %s: %d message(s), showing %d\n", queueName, depth, len(records))
	if len(records) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tREASON\tRETRIES\tPAYLOAD")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.JobID, truncate(r.Reason, 40), r.RetryCount, truncate(string(r.Payload), 60))
	}
	_ = tw.Flush()
}
