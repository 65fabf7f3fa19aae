package workers

import (
	"context"
	"database/sql"
	"time"

	"github.com/derivkit/jobhub/db"
	"github.com/derivkit/jobhub/errors"
)

const selectColumns = `uuid, machine_name, owner, accepts, status, enabled, last_ping, last_job, time_registered`

// Registry persists workers
type Registry struct {
	q   db.Querier
	now func() time.Time
}

// NewRegistry creates a registry over a pool, a dedicated connection or a transaction
func NewRegistry(q db.Querier) *Registry {
	return &Registry{q: q, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock returns a copy of the registry using now for timestamps
func (r *Registry) WithClock(now func() time.Time) *Registry {
	return &Registry{q: r.q, now: now}
}

// Register creates the worker if unseen, otherwise replaces its machine
// name, owner and accepts. last_ping is refreshed either way.
// enabled and status are left alone: registering never re-enables a worker.
func (r *Registry) Register(ctx context.Context, reg Registration) (*Worker, error) {
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	accepts, err := encodeAccepts(reg.Accepts)
	if err != nil {
		return nil, err
	}

	now := r.now()
	query := `
		INSERT INTO workers (uuid, machine_name, owner, accepts, last_ping, time_registered)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			machine_name = excluded.machine_name,
			owner = excluded.owner,
			accepts = excluded.accepts,
			last_ping = excluded.last_ping`
	if _, err := r.q.ExecContext(ctx, query, reg.UUID, reg.MachineName, reg.Owner, accepts, now, now); err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "failed to register worker"), "Worker ID: %s", reg.UUID)
	}
	return r.Get(ctx, reg.UUID)
}

// Ping refreshes last_ping. Unknown workers are NotApplied.
func (r *Registry) Ping(ctx context.Context, id string) (db.Outcome, error) {
	outcome, err := db.OutcomeOf(r.q.ExecContext(ctx,
		`UPDATE workers SET last_ping = ? WHERE uuid = ?`, r.now(), id))
	if err != nil {
		return db.NotApplied, errors.WithDetailf(errors.Wrap(err, "failed to ping worker"), "Worker ID: %s", id)
	}
	return outcome, nil
}

// SetLastJob records the job most recently handed to the worker
func (r *Registry) SetLastJob(ctx context.Context, id, jobID string) error {
	if _, err := r.q.ExecContext(ctx, `UPDATE workers SET last_job = ? WHERE uuid = ?`, jobID, id); err != nil {
		return errors.WithDetailf(errors.Wrap(err, "failed to set last job"), "Worker ID: %s", id)
	}
	return nil
}

// SetEnabled toggles whether the worker may be handed jobs
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) (db.Outcome, error) {
	outcome, err := db.OutcomeOf(r.q.ExecContext(ctx,
		`UPDATE workers SET enabled = ? WHERE uuid = ?`, enabled, id))
	if err != nil {
		return db.NotApplied, errors.Wrap(err, "failed to update worker")
	}
	return outcome, nil
}

// Get retrieves a worker by uuid
func (r *Registry) Get(ctx context.Context, id string) (*Worker, error) {
	w, err := scanWorker(r.q.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM workers WHERE uuid = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("worker %s", id)
	}
	if err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "failed to get worker"), "Worker ID: %s", id)
	}
	return w, nil
}

// List returns all workers, most recently seen first
func (r *Registry) List(ctx context.Context) ([]*Worker, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+selectColumns+` FROM workers ORDER BY last_ping DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workers")
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan worker")
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating workers")
	}
	return workers, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorker(row rowScanner) (*Worker, error) {
	var w Worker
	var accepts string
	var lastJob sql.NullString
	if err := row.Scan(
		&w.UUID,
		&w.MachineName,
		&w.Owner,
		&accepts,
		&w.Status,
		&w.Enabled,
		&w.LastPing,
		&lastJob,
		&w.TimeRegistered,
	); err != nil {
		return nil, err
	}
	decoded, err := decodeAccepts(accepts)
	if err != nil {
		return nil, errors.WithDetailf(err, "Worker ID: %s", w.UUID)
	}
	w.Accepts = decoded
	w.LastJob = lastJob.String
	return &w, nil
}
