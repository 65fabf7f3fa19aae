package jobs

import (
	"database/sql"
)

// selectColumns is the column list every job SELECT uses, in scan order
const selectColumns = `uuid, module, kind, trigger, version, architecture,
	status, result, worker_id, worker_name,
	time_created, time_assigned, time_finished,
	priority, latest_log_excerpt, data`

type scanArgs struct {
	WorkerID     sql.NullString
	WorkerName   sql.NullString
	TimeAssigned sql.NullTime
	TimeFinished sql.NullTime
	LogExcerpt   sql.NullString
	Data         sql.NullString
}

func scanTargets(job *Job, args *scanArgs) []interface{} {
	return []interface{}{
		&job.UUID,
		&job.Module,
		&job.Kind,
		&job.Trigger,
		&job.Version,
		&job.Architecture,
		&job.Status,
		&job.Result,
		&args.WorkerID,
		&args.WorkerName,
		&job.TimeCreated,
		&args.TimeAssigned,
		&args.TimeFinished,
		&job.Priority,
		&args.LogExcerpt,
		&args.Data,
	}
}

func (args *scanArgs) apply(job *Job) {
	job.WorkerID = args.WorkerID.String
	job.WorkerName = args.WorkerName.String
	job.LatestLogExcerpt = args.LogExcerpt.String
	if args.TimeAssigned.Valid {
		t := args.TimeAssigned.Time
		job.TimeAssigned = &t
	}
	if args.TimeFinished.Valid {
		t := args.TimeFinished.Time
		job.TimeFinished = &t
	}
	if args.Data.Valid && args.Data.String != "" {
		job.Data = []byte(args.Data.String)
	}
}

// rowScanner is implemented by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var args scanArgs
	if err := row.Scan(scanTargets(&job, &args)...); err != nil {
		return nil, err
	}
	args.apply(&job)
	return &job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
