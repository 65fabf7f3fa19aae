package db

import (
	"context"
	"database/sql"

	"github.com/derivkit/jobhub/errors"
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx, so stores can run
// on the shared pool, on a unit's dedicated connection or inside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Outcome reports whether a conditional update matched its guard.
// NotApplied is the normal result of a lost race, not an error.
type Outcome int

const (
	NotApplied Outcome = iota
	Applied
)

// Applied reports whether the update changed a row
func (o Outcome) Applied() bool {
	return o == Applied
}

func (o Outcome) String() string {
	if o == Applied {
		return "applied"
	}
	return "not_applied"
}

// OutcomeOf converts the result of a status-guarded UPDATE into an Outcome
func OutcomeOf(res sql.Result, err error) (Outcome, error) {
	if err != nil {
		return NotApplied, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return NotApplied, errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return NotApplied, nil
	}
	return Applied, nil
}
