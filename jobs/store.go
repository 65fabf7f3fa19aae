package jobs

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/derivkit/jobhub/db"
	"github.com/derivkit/jobhub/errors"
)

// claimBatch bounds how many candidates one architecture pass considers
const claimBatch = 32

// Store persists jobs. It never caches rows: every call re-reads through q.
type Store struct {
	q   db.Querier
	now func() time.Time
}

// NewStore creates a store over a pool, a dedicated connection or a transaction
func NewStore(q db.Querier) *Store {
	return &Store{q: q, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock returns a copy of the store using now for timestamps
func (s *Store) WithClock(now func() time.Time) *Store {
	return &Store{q: s.q, now: now}
}

// Worker is the assignee side of a claim
type Worker struct {
	ID   string
	Name string
}

// Create inserts a job. Unset fields get WAITING/unknown/now defaults.
func (s *Store) Create(ctx context.Context, job *Job) error {
	if job.Status == "" {
		job.Status = StatusWaiting
	}
	if job.Result == "" {
		job.Result = ResultUnknown
	}
	if job.Architecture == "" {
		job.Architecture = ArchitectureAny
	}
	if job.TimeCreated.IsZero() {
		job.TimeCreated = s.now()
	}
	if err := job.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (
			uuid, module, kind, trigger, version, architecture,
			status, result, time_created, priority, data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.q.ExecContext(ctx, query,
		job.UUID,
		job.Module,
		job.Kind,
		job.Trigger,
		job.Version,
		job.Architecture,
		job.Status,
		job.Result,
		job.TimeCreated,
		job.Priority,
		nullString(string(job.Data)),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.Wrapf(errors.ErrConflict, "job %s already exists", job.UUID)
		}
		return errors.Wrap(err, "failed to create job")
	}
	return nil
}

// Get retrieves a job by uuid
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM jobs WHERE uuid = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "failed to get job"), "Job ID: %s", id)
	}
	return job, nil
}

// List returns jobs newest first, optionally filtered by status
func (s *Store) List(ctx context.Context, status *Status, limit int) ([]*Job, error) {
	base := `SELECT ` + selectColumns + ` FROM jobs`
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.q.QueryContext(ctx, base+` WHERE status = ? ORDER BY time_created DESC LIMIT ?`, *status, limit)
	} else {
		rows, err = s.q.QueryContext(ctx, base+` ORDER BY time_created DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}
	return jobs, nil
}

// Claim assigns the best WAITING job to worker. Architectures are tried in
// order; each pass considers jobs of that architecture or "any" whose kind is
// in accepts, highest priority first, oldest first. A candidate lost to a
// concurrent claim is skipped. The claim only applies while the worker row
// is enabled.
func (s *Store) Claim(ctx context.Context, worker Worker, architectures, accepts []string) (*Job, db.Outcome, error) {
	if len(accepts) == 0 || len(architectures) == 0 {
		return nil, db.NotApplied, nil
	}

	for _, arch := range architectures {
		candidates, err := s.candidates(ctx, arch, accepts)
		if err != nil {
			return nil, db.NotApplied, err
		}
		for _, id := range candidates {
			outcome, err := s.assign(ctx, id, worker)
			if err != nil {
				return nil, db.NotApplied, err
			}
			if !outcome.Applied() {
				continue
			}
			job, err := s.Get(ctx, id)
			if err != nil {
				return nil, db.NotApplied, err
			}
			return job, db.Applied, nil
		}
	}
	return nil, db.NotApplied, nil
}

func (s *Store) candidates(ctx context.Context, arch string, accepts []string) ([]string, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(accepts)), ",")
	query := `
		SELECT uuid FROM jobs
		WHERE status = ?
		  AND architecture IN (?, ?)
		  AND kind IN (` + placeholders + `)
		ORDER BY priority DESC, time_created ASC
		LIMIT ?`

	args := make([]interface{}, 0, len(accepts)+4)
	args = append(args, StatusWaiting, arch, ArchitectureAny)
	for _, kind := range accepts {
		args = append(args, kind)
	}
	args = append(args, claimBatch)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "failed to select claim candidates"), "Architecture: %s", arch)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan candidate")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating candidates")
	}
	return ids, nil
}

// assign is the WAITING->SCHEDULED compare-and-swap.
// time_assigned is written once, even if the job is later rejected and reclaimed.
func (s *Store) assign(ctx context.Context, id string, worker Worker) (db.Outcome, error) {
	query := `
		UPDATE jobs
		SET status = ?, worker_id = ?, worker_name = ?,
		    time_assigned = COALESCE(time_assigned, ?)
		WHERE uuid = ? AND status = ?
		  AND EXISTS (SELECT 1 FROM workers WHERE uuid = ? AND enabled = 1)`
	outcome, err := db.OutcomeOf(s.q.ExecContext(ctx, query,
		StatusScheduled, worker.ID, nullString(worker.Name), s.now(),
		id, StatusWaiting,
		worker.ID,
	))
	if err != nil {
		return db.NotApplied, errors.WithDetailf(errors.Wrap(err, "failed to claim job"), "Job ID: %s", id)
	}
	return outcome, nil
}

// Accept moves SCHEDULED->RUNNING for the worker the job is assigned to
func (s *Store) Accept(ctx context.Context, id, workerID string) (db.Outcome, error) {
	query := `UPDATE jobs SET status = ? WHERE uuid = ? AND status = ? AND worker_id = ?`
	return s.transition("accept", id, func() (sql.Result, error) {
		return s.q.ExecContext(ctx, query, StatusRunning, id, StatusScheduled, workerID)
	})
}

// Reject hands the job back to the queue: SCHEDULED->WAITING, or, when the
// worker already accepted it, RUNNING->WAITING. The worker is cleared.
// Rejecting a job that is already WAITING is a no-op.
func (s *Store) Reject(ctx context.Context, id, workerID string) (db.Outcome, error) {
	query := `
		UPDATE jobs SET status = ?, worker_id = NULL, worker_name = NULL
		WHERE uuid = ? AND status = ? AND worker_id = ?`

	outcome, err := s.transition("reject", id, func() (sql.Result, error) {
		return s.q.ExecContext(ctx, query, StatusWaiting, id, StatusScheduled, workerID)
	})
	if err != nil || outcome.Applied() {
		return outcome, err
	}
	return s.transition("abort", id, func() (sql.Result, error) {
		return s.q.ExecContext(ctx, query, StatusWaiting, id, StatusRunning, workerID)
	})
}

// Finish moves RUNNING->DONE with a pending result and stamps time_finished.
// worker_name is kept as a record of who ran the job.
func (s *Store) Finish(ctx context.Context, id, workerID string, result Result) (db.Outcome, error) {
	if result != ResultSuccessPending && result != ResultFailurePending {
		return db.NotApplied, errors.AssertionFailedf("finish with non-pending result %q", result)
	}
	query := `
		UPDATE jobs SET status = ?, result = ?, worker_id = NULL, time_finished = ?
		WHERE uuid = ? AND status = ? AND worker_id = ?`
	return s.transition("finish", id, func() (sql.Result, error) {
		return s.q.ExecContext(ctx, query, StatusDone, result, s.now(), id, StatusRunning, workerID)
	})
}

// Terminate cancels a job that was scheduled but never started
func (s *Store) Terminate(ctx context.Context, id string) (db.Outcome, error) {
	query := `
		UPDATE jobs SET status = ?, worker_id = NULL, time_finished = ?
		WHERE uuid = ? AND status = ?`
	return s.transition("terminate", id, func() (sql.Result, error) {
		return s.q.ExecContext(ctx, query, StatusTerminated, s.now(), id, StatusScheduled)
	})
}

// UpdateLogExcerpt overwrites the progress text of a job the worker owns.
// No state transition happens.
func (s *Store) UpdateLogExcerpt(ctx context.Context, id, workerID, excerpt string) (db.Outcome, error) {
	query := `UPDATE jobs SET latest_log_excerpt = ? WHERE uuid = ? AND worker_id = ?`
	return s.transition("log excerpt", id, func() (sql.Result, error) {
		return s.q.ExecContext(ctx, query, excerpt, id, workerID)
	})
}

func (s *Store) transition(op, id string, exec func() (sql.Result, error)) (db.Outcome, error) {
	outcome, err := db.OutcomeOf(exec())
	if err != nil {
		return db.NotApplied, errors.WithDetailf(errors.Wrapf(err, "failed to %s job", op), "Job ID: %s", id)
	}
	return outcome, nil
}
