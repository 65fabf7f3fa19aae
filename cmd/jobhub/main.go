package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/derivkit/jobhub/cmd/jobhub/commands"
	"github.com/derivkit/jobhub/logger"
)

var rootCmd = &cobra.Command{
	Use:   "jobhub",
	Short: "jobhub - job distribution hub for remote archive workers",
	Long: `jobhub - job distribution hub for remote archive workers.

Run without a subcommand, jobhub starts the hub: it listens for workers over
mutually authenticated TLS, hands out waiting jobs and records their progress.

Available commands:
  keygen   - Generate a hub or worker keypair
  jobs     - Submit, list and terminate jobs
  workers  - List, enable and disable workers
  version  - Show build information

Examples:
  jobhub -v                                   # Run the hub with info logging
  jobhub --config /srv/jobhub/am.toml         # Run with an explicit config file
  jobhub keygen --out /etc/jobhub/keys/hub    # Create the hub keypair
  jobhub jobs add --kind build --arch amd64   # Queue a job
  jobhub workers ls                           # Show known workers`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
	RunE: commands.RunHub,
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json", false, "Emit JSON logs and machine-readable output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: /etc/jobhub/config.toml < ~/.jobhub/am.toml < ./am.toml)")

	rootCmd.AddCommand(commands.KeygenCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.WorkersCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
