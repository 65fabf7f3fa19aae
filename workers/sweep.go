package workers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/derivkit/jobhub/db"
	"github.com/derivkit/jobhub/errors"
	"github.com/derivkit/jobhub/sym"
)

// Thresholds are last_ping ages at which a worker is reclassified
type Thresholds struct {
	Idle    time.Duration
	Missing time.Duration
	Dead    time.Duration
}

// Classify maps a last_ping age onto a status
func (t Thresholds) Classify(age time.Duration) Status {
	switch {
	case age >= t.Dead:
		return StatusDead
	case age >= t.Missing:
		return StatusMissing
	case age >= t.Idle:
		return StatusIdle
	default:
		return StatusActive
	}
}

// Sweep reclassifies every worker from its last_ping age.
// Each row is updated only if last_ping is unchanged since it was read, so a
// worker that pings mid-sweep keeps its fresh status. Jobs are never touched.
// Returns how many workers moved into each status.
func (r *Registry) Sweep(ctx context.Context, t Thresholds) (map[Status]int, error) {
	workers, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	now := r.now()
	changed := make(map[Status]int)
	for _, w := range workers {
		next := t.Classify(now.Sub(w.LastPing))
		if next == w.Status {
			continue
		}
		outcome, err := db.OutcomeOf(r.q.ExecContext(ctx,
			`UPDATE workers SET status = ? WHERE uuid = ? AND status = ? AND last_ping = ?`,
			next, w.UUID, w.Status, w.LastPing))
		if err != nil {
			return changed, errors.WithDetailf(errors.Wrapf(err, "failed to mark worker %s", next), "Worker ID: %s", w.UUID)
		}
		if outcome.Applied() {
			changed[next]++
		}
	}
	return changed, nil
}

// Sweeper runs Registry.Sweep on an interval
type Sweeper struct {
	registry   *Registry
	thresholds Thresholds
	interval   time.Duration
	logger     *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper. It does nothing until Start.
func NewSweeper(registry *Registry, thresholds Thresholds, interval time.Duration, logger *zap.SugaredLogger) *Sweeper {
	return &Sweeper{
		registry:   registry,
		thresholds: thresholds,
		interval:   interval,
		logger:     logger.Named("sweep"),
	}
}

// Start launches the sweep loop. A non-positive interval disables it.
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Debugw("Worker sweep disabled")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepOnce(ctx)
			}
		}
	}()
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	changed, err := s.registry.Sweep(ctx, s.thresholds)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// Next tick retries; a failed sweep changes nothing that matters
		s.logger.Warnw("Worker sweep failed", "error", err)
		return
	}
	for status, n := range changed {
		s.logger.Infow(sym.Sweep+" Workers reclassified", "status", status, "count", n)
	}
}

// Stop ends the sweep loop and waits for an in-flight sweep
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
