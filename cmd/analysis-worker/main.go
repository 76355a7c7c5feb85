package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/analysis-worker/internal/cmd/client"
	workerrun "github.com/rzbill/analysis-worker/internal/cmd/worker"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "analysis-worker",
		Short: "Assessment analysis worker",
		Long: `analysis-worker consumes assessment jobs from RabbitMQ, runs them through
an AI model and keeps every in-flight job under a heartbeat lease so stuck
work is requeued or dead-lettered.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	rootCmd.AddCommand(
		workerrun.NewCommand(),
		clientcmd.NewConfigCommand(),
		clientcmd.NewDLQCommand(nil),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
