package commands

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/derivkit/jobhub/errors"
	"github.com/derivkit/jobhub/jobs"
)

// JobsCmd groups job management commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Submit, list and terminate jobs",
	Long: `Manage the jobs the hub hands out.

  jobhub jobs add --kind build       # Queue a WAITING job
  jobhub jobs ls --status running    # List jobs
  jobhub jobs show <uuid>            # Show one job as JSON
  jobhub jobs terminate <uuid>       # Terminate a SCHEDULED job`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// JobsAddCmd queues a job
var JobsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Queue a waiting job",
	Long: `Insert a WAITING job for workers to claim.

Examples:
  jobhub jobs add --kind build --module archive --arch amd64 --priority 5
  jobhub jobs add --kind verify --data '{"package":"zlib"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var job *jobs.Job
		err := withDatabase(cmd, func(database *sql.DB) error {
			var err error
			job, err = runJobsAdd(cmd.Context(), jobs.NewStore(database), jobAddOptionsFrom(cmd))
			return err
		})
		if err != nil {
			return err
		}
		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			return printJSON(job)
		}
		pterm.Success.Printf("Queued job %s (%s, %s, priority %d)\n", job.UUID, job.Kind, job.Architecture, job.Priority)
		return nil
	},
}

// JobsLsCmd lists jobs
var JobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	Long: `List jobs, newest first, optionally filtered by status.

Statuses: depwait, waiting, scheduled, running, done, terminated, starving

Examples:
  jobhub jobs ls
  jobhub jobs ls --status waiting --limit 50`,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		return withDatabase(cmd, func(database *sql.DB) error {
			list, err := runJobsLs(cmd.Context(), jobs.NewStore(database), statusFilter, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(list)
			}
			return renderJobs(list)
		})
	},
}

// JobsShowCmd prints one job
var JobsShowCmd = &cobra.Command{
	Use:   "show <uuid>",
	Short: "Show a job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd, func(database *sql.DB) error {
			job, err := jobs.NewStore(database).Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(job)
		})
	},
}

// JobsTerminateCmd terminates a scheduled job
var JobsTerminateCmd = &cobra.Command{
	Use:   "terminate <uuid>",
	Short: "Terminate a scheduled job",
	Long: `Move a SCHEDULED job to TERMINATED. Jobs in any other status are left alone.

Example:
  jobhub jobs terminate 6f1c2a4e-8d7b-4c3a-9e1f-2b5d7a9c0e34`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd, func(database *sql.DB) error {
			outcome, err := jobs.NewStore(database).Terminate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !outcome.Applied() {
				pterm.Warning.Printf("Job %s is not scheduled, nothing terminated\n", args[0])
				return nil
			}
			pterm.Success.Printf("Terminated job %s\n", args[0])
			return nil
		})
	},
}

func init() {
	JobsAddCmd.Flags().String("kind", "", "Job kind workers match against their accepts list (required)")
	JobsAddCmd.Flags().String("module", "", "Submitting module")
	JobsAddCmd.Flags().String("trigger", "manual", "What caused the job")
	JobsAddCmd.Flags().String("job-version", "", "Version of the thing being built")
	JobsAddCmd.Flags().String("arch", jobs.ArchitectureAny, "Required worker architecture")
	JobsAddCmd.Flags().Int("priority", 0, "Higher runs first")
	JobsAddCmd.Flags().String("data", "", "Kind-specific JSON payload")
	_ = JobsAddCmd.MarkFlagRequired("kind")

	JobsLsCmd.Flags().String("status", "", "Filter by status")
	JobsLsCmd.Flags().Int("limit", 100, "Maximum number of jobs to show")

	JobsCmd.AddCommand(JobsAddCmd)
	JobsCmd.AddCommand(JobsLsCmd)
	JobsCmd.AddCommand(JobsShowCmd)
	JobsCmd.AddCommand(JobsTerminateCmd)
}

type jobAddOptions struct {
	Kind     string
	Module   string
	Trigger  string
	Version  string
	Arch     string
	Priority int
	Data     string
}

func jobAddOptionsFrom(cmd *cobra.Command) jobAddOptions {
	var o jobAddOptions
	o.Kind, _ = cmd.Flags().GetString("kind")
	o.Module, _ = cmd.Flags().GetString("module")
	o.Trigger, _ = cmd.Flags().GetString("trigger")
	o.Version, _ = cmd.Flags().GetString("job-version")
	o.Arch, _ = cmd.Flags().GetString("arch")
	o.Priority, _ = cmd.Flags().GetInt("priority")
	o.Data, _ = cmd.Flags().GetString("data")
	return o
}

func runJobsAdd(ctx context.Context, store *jobs.Store, o jobAddOptions) (*jobs.Job, error) {
	job := jobs.NewJob(o.Module, o.Kind, o.Arch, o.Priority)
	job.Trigger = o.Trigger
	job.Version = o.Version
	if o.Data != "" {
		job.Data = json.RawMessage(o.Data)
	}
	if err := store.Create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func runJobsLs(ctx context.Context, store *jobs.Store, statusFilter string, limit int) ([]*jobs.Job, error) {
	var status *jobs.Status
	if statusFilter != "" {
		if !jobs.IsValidStatus(statusFilter) {
			return nil, errors.NewInvalidRequestError("unknown status %q", statusFilter)
		}
		s := jobs.Status(statusFilter)
		status = &s
	}
	return store.List(ctx, status, limit)
}

func renderJobs(list []*jobs.Job) error {
	if len(list) == 0 {
		pterm.Info.Println("No jobs found")
		return nil
	}

	data := pterm.TableData{{"UUID", "KIND", "ARCH", "PRI", "STATUS", "RESULT", "WORKER", "CREATED"}}
	for _, j := range list {
		data = append(data, []string{
			truncate(j.UUID, 13),
			truncate(j.Kind, 16),
			j.Architecture,
			strconv.Itoa(j.Priority),
			string(j.Status),
			string(j.Result),
			truncate(j.WorkerName, 16),
			formatTime(&j.TimeCreated),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	fmt.Printf("\nTotal: %d job(s)\n", len(list))
	return nil
}
