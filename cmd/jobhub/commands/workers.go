package commands

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/derivkit/jobhub/errors"
	"github.com/derivkit/jobhub/workers"
)

// WorkersCmd groups worker registry commands
var WorkersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List, enable and disable workers",
	Long: `Inspect the worker registry.

Workers register themselves on every job request. A disabled worker keeps
reporting liveness but is never handed a job; registering again does not
re-enable it.

  jobhub workers ls
  jobhub workers disable <uuid>
  jobhub workers enable <uuid>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// WorkersLsCmd lists registered workers
var WorkersLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List workers, most recently seen first",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		return withDatabase(cmd, func(database *sql.DB) error {
			list, err := workers.NewRegistry(database).List(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(list)
			}
			return renderWorkers(list)
		})
	},
}

// WorkersEnableCmd lets a worker claim jobs again
var WorkersEnableCmd = &cobra.Command{
	Use:   "enable <uuid>",
	Short: "Allow a worker to claim jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd, func(database *sql.DB) error {
			return setWorkerEnabled(cmd.Context(), workers.NewRegistry(database), args[0], true)
		})
	},
}

// WorkersDisableCmd stops a worker from claiming jobs
var WorkersDisableCmd = &cobra.Command{
	Use:   "disable <uuid>",
	Short: "Stop a worker from claiming jobs",
	Long:  `Stop a worker from claiming jobs. Jobs it already holds are not affected.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd, func(database *sql.DB) error {
			return setWorkerEnabled(cmd.Context(), workers.NewRegistry(database), args[0], false)
		})
	},
}

func init() {
	WorkersCmd.AddCommand(WorkersLsCmd)
	WorkersCmd.AddCommand(WorkersEnableCmd)
	WorkersCmd.AddCommand(WorkersDisableCmd)
}

func setWorkerEnabled(ctx context.Context, registry *workers.Registry, id string, enabled bool) error {
	outcome, err := registry.SetEnabled(ctx, id, enabled)
	if err != nil {
		return err
	}
	if !outcome.Applied() {
		return errors.NewNotFoundError("worker %s", id)
	}

	verb := "Disabled"
	if enabled {
		verb = "Enabled"
	}
	pterm.Success.Printf("%s worker %s\n", verb, id)
	return nil
}

func renderWorkers(list []*workers.Worker) error {
	if len(list) == 0 {
		pterm.Info.Println("No workers registered")
		return nil
	}

	data := pterm.TableData{{"UUID", "NAME", "STATUS", "ENABLED", "ACCEPTS", "LAST PING", "LAST JOB"}}
	for _, w := range list {
		data = append(data, []string{
			truncate(w.UUID, 13),
			truncate(w.MachineName, 20),
			string(w.Status),
			strconv.FormatBool(w.Enabled),
			strconv.Itoa(len(w.Accepts)) + " kinds",
			formatTime(&w.LastPing),
			truncate(w.LastJob, 13),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	fmt.Printf("\nTotal: %d worker(s)\n", len(list))
	return nil
}
