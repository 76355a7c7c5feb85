package client

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rzbill/analysis-worker/internal/config"
)

// NewConfigCommand constructs the `config` command group.
func NewConfigCommand() *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	cfgCmd.AddCommand(newConfigCheckCommand())
	return cfgCmd
}

func newConfigCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load and validate configuration, then print a redacted summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			output, _ := cmd.Flags().GetString("output")
			out := cmd.OutOrStdout()

			cfg, err := config.Resolve(path)
			if err != nil {
				var ce *config.ConfigurationError
				if errors.As(err, &ce) {
					for _, k := range ce.Missing {
						fmt.Fprintf(out, "missing: %s\n", k)
					}
					for _, msg := range ce.Invalid {
						fmt.Fprintf(out, "invalid: %s\n", msg)
					}
				}
				return err
			}
			if output == "json" {
				return writeJSON(out, cfg.Summary())
			}
			writeKV(out, cfg.Summary())
			fmt.Fprintln(out, "configuration OK")
			return nil
		},
	}
	cmd.Flags().String("config", "", "Path to a JSON or YAML config file (environment overrides it)")
	cmd.Flags().String("output", "text", "Output format: text|json")
	return cmd
}
