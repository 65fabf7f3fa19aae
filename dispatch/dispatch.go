// Package dispatch decodes request payloads and runs the matching handler
// against a unit's own database connection.
package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/derivkit/jobhub/db"
	"github.com/derivkit/jobhub/errors"
	"github.com/derivkit/jobhub/jobs"
	"github.com/derivkit/jobhub/logger"
	"github.com/derivkit/jobhub/sym"
	"github.com/derivkit/jobhub/workers"
)

// Error reply texts
const (
	MsgUnknown   = "Request type is unknown."
	MsgMalformed = "Request was malformed."
	MsgFailed    = "Failed to handle request."
)

var (
	nullReply = []byte("null")
	ackReply  = []byte("{}")
)

// ErrorReply renders {"error": msg}
func ErrorReply(msg string) []byte {
	b, _ := json.Marshal(struct {
		Error string `json:"error"`
	}{msg})
	return b
}

// Conn is a store connection: *sql.Conn in the pool, *sql.DB in tests
type Conn interface {
	db.Querier
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Dispatcher routes requests to handlers. It holds no state between requests.
type Dispatcher struct {
	logger *zap.SugaredLogger
	now    func() time.Time
}

// New creates a dispatcher
func New(logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{logger: logger.Named("dispatch"), now: func() time.Time { return time.Now().UTC() }}
}

// Dispatch handles one payload from peerKey and returns the reply, or nil
// when the request kind gets no reply.
func (d *Dispatcher) Dispatch(ctx context.Context, conn Conn, peerKey string, payload []byte) []byte {
	req, err := Decode(payload)
	if err != nil {
		log := logger.FromContext(ctx, d.logger)
		if errors.IsUnknownRequestError(err) {
			log.Infow("Unknown request", logger.FieldPeerKey, peerKey, logger.FieldError, err)
			return ErrorReply(MsgUnknown)
		}
		log.Infow("Malformed request", logger.FieldPeerKey, peerKey, logger.FieldError, err, logger.FieldPayload, string(payload))
		return ErrorReply(MsgMalformed)
	}

	ctx = logger.WithWorkerID(ctx, req.Machine().ID)
	log := logger.FromContext(ctx, d.logger)

	start := time.Now()
	reply, err := d.handle(ctx, conn, peerKey, req)
	if err != nil {
		log.Errorw("Failed to handle request",
			logger.FieldRequest, req.Kind(),
			logger.FieldPeerKey, peerKey,
			logger.FieldPayload, string(payload),
			logger.FieldError, err,
		)
		if req.Kind().Silent() {
			return nil
		}
		return ErrorReply(MsgFailed)
	}

	log.Debugw("Handled request",
		logger.FieldRequest, req.Kind(),
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	)
	return reply
}

func (d *Dispatcher) handle(ctx context.Context, conn Conn, peerKey string, req Request) ([]byte, error) {
	switch r := req.(type) {
	case JobRequest:
		return d.handleJob(ctx, conn, peerKey, r)
	case AcceptedRequest:
		return d.transition(ctx, conn, r.MachineRef, r.JobID, "accepted", func(s *jobs.Store) (db.Outcome, error) {
			return s.Accept(ctx, r.JobID, r.ID)
		})
	case RejectedRequest:
		return d.transition(ctx, conn, r.MachineRef, r.JobID, "rejected", func(s *jobs.Store) (db.Outcome, error) {
			return s.Reject(ctx, r.JobID, r.ID)
		})
	case SuccessRequest:
		return d.transition(ctx, conn, r.MachineRef, r.JobID, "succeeded", func(s *jobs.Store) (db.Outcome, error) {
			return s.Finish(ctx, r.JobID, r.ID, jobs.ResultSuccessPending)
		})
	case FailedRequest:
		return d.transition(ctx, conn, r.MachineRef, r.JobID, "failed", func(s *jobs.Store) (db.Outcome, error) {
			return s.Finish(ctx, r.JobID, r.ID, jobs.ResultFailurePending)
		})
	case StatusRequest:
		return nil, d.handleStatus(ctx, conn, r)
	default:
		return nil, errors.AssertionFailedf("no handler for request %q", req.Kind())
	}
}

// handleJob registers the worker and tries to claim a job for it, in one
// transaction. Disabled workers are registered (liveness) but get null.
func (d *Dispatcher) handleJob(ctx context.Context, conn Conn, peerKey string, r JobRequest) ([]byte, error) {
	var reply []byte
	err := inTx(ctx, conn, func(tx *sql.Tx) error {
		registry := workers.NewRegistry(tx).WithClock(d.now)
		w, err := registry.Register(ctx, workers.Registration{
			UUID:        r.ID,
			MachineName: r.Name,
			Owner:       peerKey,
			Accepts:     r.Accepts,
		})
		if err != nil {
			return err
		}
		if !w.Enabled {
			logger.FromContext(ctx, d.logger).Debugw("Disabled worker asked for work")
			reply = nullReply
			return nil
		}

		job, outcome, err := jobs.NewStore(tx).WithClock(d.now).Claim(ctx,
			jobs.Worker{ID: r.ID, Name: r.Name}, r.Architectures, r.Accepts)
		if err != nil {
			return err
		}
		if !outcome.Applied() {
			reply = nullReply
			return nil
		}
		if err := registry.SetLastJob(ctx, r.ID, job.UUID); err != nil {
			return err
		}

		body, err := json.Marshal(job)
		if err != nil {
			return errors.Wrap(err, "failed to marshal job")
		}
		reply = body
		logger.FromContext(ctx, d.logger).Infow(sym.Claim+" Job claimed",
			logger.FieldJobID, job.UUID,
			logger.FieldKind, job.Kind,
			logger.FieldArchitecture, job.Architecture,
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// transition runs one conditional job update plus the liveness ping in a
// transaction. A lost race is acked like a success.
func (d *Dispatcher) transition(ctx context.Context, conn Conn, m MachineRef, jobID, verb string, update func(*jobs.Store) (db.Outcome, error)) ([]byte, error) {
	err := inTx(ctx, conn, func(tx *sql.Tx) error {
		outcome, err := update(jobs.NewStore(tx).WithClock(d.now))
		if err != nil {
			return err
		}
		if _, err := workers.NewRegistry(tx).WithClock(d.now).Ping(ctx, m.ID); err != nil {
			return err
		}
		log := logger.FromContext(ctx, d.logger)
		if outcome.Applied() {
			log.Infow("Job "+verb, logger.FieldJobID, jobID)
		} else {
			log.Debugw("Job "+verb+" was a no-op", logger.FieldJobID, jobID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ackReply, nil
}

// handleStatus makes two independent writes: the excerpt, then the ping.
// Each is idempotent on its own, so no transaction spans them.
func (d *Dispatcher) handleStatus(ctx context.Context, conn Conn, r StatusRequest) error {
	if _, err := jobs.NewStore(conn).WithClock(d.now).UpdateLogExcerpt(ctx, r.JobID, r.ID, r.LogExcerpt); err != nil {
		return err
	}
	_, err := workers.NewRegistry(conn).WithClock(d.now).Ping(ctx, r.ID)
	return err
}

// inTx runs fn in a transaction on conn, rolling back on error or panic
func inTx(ctx context.Context, conn Conn, fn func(*sql.Tx) error) (err error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}
