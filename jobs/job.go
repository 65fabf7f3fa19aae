// Package jobs is the job state store. Every state change is a status-guarded
// UPDATE; a guard that matches no row is a lost race and reported as
// db.NotApplied, never as an error.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/derivkit/jobhub/errors"
)

// Status is the lifecycle state of a job
type Status string

const (
	StatusDepWait    Status = "depwait" // set by upstream schedulers only
	StatusWaiting    Status = "waiting"
	StatusScheduled  Status = "scheduled"
	StatusRunning    Status = "running"
	StatusDone       Status = "done"
	StatusTerminated Status = "terminated"
	StatusStarving   Status = "starving" // flagged externally, preserved by the hub
)

// IsValidStatus returns true if s is a known job status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusDepWait, StatusWaiting, StatusScheduled, StatusRunning,
		StatusDone, StatusTerminated, StatusStarving:
		return true
	default:
		return false
	}
}

// Owned reports whether jobs in this status carry a worker id
func (s Status) Owned() bool {
	return s == StatusScheduled || s == StatusRunning
}

// Result is the verification state of a job's outcome.
// The hub only writes the *-pending values; downstream consumers finalize them.
type Result string

const (
	ResultUnknown           Result = "unknown"
	ResultSuccessPending    Result = "success-pending"
	ResultSuccess           Result = "success"
	ResultFailurePending    Result = "failure-pending"
	ResultFailure           Result = "failure"
	ResultFailureDependency Result = "failure-dependency"
)

// ArchitectureAny matches every worker architecture
const ArchitectureAny = "any"

// Job is one unit of schedulable work
type Job struct {
	UUID             string          `json:"uuid"`
	Module           string          `json:"module"`
	Kind             string          `json:"kind"`
	Trigger          string          `json:"trigger"`
	Version          string          `json:"version"`
	Architecture     string          `json:"architecture"`
	Status           Status          `json:"status"`
	Result           Result          `json:"result"`
	WorkerID         string          `json:"worker_id,omitempty"`
	WorkerName       string          `json:"worker_name,omitempty"`
	TimeCreated      time.Time       `json:"time_created"`
	TimeAssigned     *time.Time      `json:"time_assigned,omitempty"`
	TimeFinished     *time.Time      `json:"time_finished,omitempty"`
	Priority         int             `json:"priority"`
	LatestLogExcerpt string          `json:"latest_log_excerpt,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"` // kind-specific, never interpreted by the hub
}

// NewJob creates a WAITING job with a fresh uuid
func NewJob(module, kind, architecture string, priority int) *Job {
	if architecture == "" {
		architecture = ArchitectureAny
	}
	return &Job{
		UUID:         uuid.NewString(),
		Module:       module,
		Kind:         kind,
		Architecture: architecture,
		Status:       StatusWaiting,
		Result:       ResultUnknown,
		Priority:     priority,
	}
}

// Validate checks the fields a submitter must provide
func (j *Job) Validate() error {
	if _, err := uuid.Parse(j.UUID); err != nil {
		return errors.NewInvalidRequestError("job uuid %q: %v", j.UUID, err)
	}
	if j.Module == "" {
		return errors.NewInvalidRequestError("job %s: module is required", j.UUID)
	}
	if j.Kind == "" {
		return errors.NewInvalidRequestError("job %s: kind is required", j.UUID)
	}
	if !IsValidStatus(string(j.Status)) {
		return errors.NewInvalidRequestError("job %s: invalid status %q", j.UUID, j.Status)
	}
	if j.Status.Owned() {
		return errors.NewInvalidRequestError("job %s: cannot be created %s", j.UUID, j.Status)
	}
	if len(j.Data) > 0 && !json.Valid(j.Data) {
		return errors.NewInvalidRequestError("job %s: data is not valid JSON", j.UUID)
	}
	return nil
}
