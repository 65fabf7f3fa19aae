// Package pool runs the fixed set of units that drain the relay queue.
// Each unit owns one database connection for its whole life.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/derivkit/jobhub/dispatch"
	"github.com/derivkit/jobhub/errors"
	"github.com/derivkit/jobhub/logger"
	"github.com/derivkit/jobhub/relay"
	"github.com/derivkit/jobhub/sym"
)

// StopTimeout bounds how long Stop waits for units to drain
const StopTimeout = 30 * time.Second

// Source is where envelopes come from and replies go back to
type Source interface {
	Queue() <-chan relay.Envelope
	Reply(identity string, payload []byte)
	Connected(identity string) bool
}

// Handler turns one payload into a reply, or nil for no reply
type Handler interface {
	Dispatch(ctx context.Context, conn dispatch.Conn, peerKey string, payload []byte) []byte
}

// poolLogger marks opening and closing events so they stand out
type poolLogger struct {
	*zap.SugaredLogger
}

// Starting logs an opening event at DEBUG
func (l poolLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

// Closing logs a closing event at WARN
func (l poolLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

// Pool owns N units. Units exit when the source queue closes or the
// start context is cancelled.
type Pool struct {
	db      *sql.DB
	source  Source
	handler Handler
	units   int
	logger  poolLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	active  int
	handled int64
	panics  int64
	skipped int64
	started bool
}

// New creates a pool of units; it does not start them
func New(database *sql.DB, source Source, handler Handler, units int, log *zap.SugaredLogger) *Pool {
	if units < 1 {
		units = 1
	}
	return &Pool{
		db:      database,
		source:  source,
		handler: handler,
		units:   units,
		logger:  poolLogger{log.Named("pool")},
	}
}

// Units returns the configured unit count
func (p *Pool) Units() int {
	return p.units
}

// Start opens one connection per unit and launches the units.
// If any connection cannot be opened none of the units start.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("pool already started")
	}

	if warning := p.checkMemoryPressure(); warning != "" {
		p.logger.Warnw("Memory pressure warning", "warning", warning, "units", p.units)
	}

	conns := make([]*sql.Conn, 0, p.units)
	for i := 0; i < p.units; i++ {
		conn, err := p.db.Conn(ctx)
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			return errors.Wrapf(err, "failed to open connection for unit %d", i)
		}
		conns = append(conns, conn)
	}

	unitCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.started = true
	for i, conn := range conns {
		p.wg.Add(1)
		go p.unit(unitCtx, i, conn)
	}
	p.logger.Starting(sym.Pool+" Pool started", "units", p.units)
	return nil
}

// Stop waits for units to finish draining the source, which the caller
// closes first. After StopTimeout the units are cancelled instead.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Infow("❀ "+sym.Pool+" Pool stopped, all units exited cleanly", "handled", p.Stats().Handled)
	case <-time.After(StopTimeout):
		p.logger.Closing("Pool stop timed out, cancelling units", "timeout", StopTimeout)
		cancel()
		<-done
	}
	cancel()
}

func (p *Pool) unit(ctx context.Context, id int, conn *sql.Conn) {
	defer p.wg.Done()
	defer conn.Close()

	queue := p.source.Queue()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-queue:
			if !ok {
				return
			}
			if p.orphaned(env) {
				continue
			}
			if reply := p.handle(ctx, id, conn, env); reply != nil {
				p.source.Reply(env.Identity, reply)
			}
		}
	}
}

// orphaned reports a job request whose connection has gone away. Claiming
// for it would assign a job the worker is never told about.
func (p *Pool) orphaned(env relay.Envelope) bool {
	if p.source.Connected(env.Identity) || dispatch.PeekKind(env.Payload) != dispatch.KindJob {
		return false
	}
	p.mu.Lock()
	p.skipped++
	p.mu.Unlock()
	p.logger.Infow("Skipping job request from closed connection",
		logger.FieldIdentity, env.Identity,
		logger.FieldPeerKey, env.PeerKey,
	)
	return true
}

// handle runs the handler and converts a panic into a failure reply.
// Kinds that never get a reply stay silent.
func (p *Pool) handle(ctx context.Context, id int, conn *sql.Conn, env relay.Envelope) (reply []byte) {
	p.mu.Lock()
	p.active++
	p.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorw("Handler panicked",
				logger.FieldUnit, id,
				logger.FieldIdentity, env.Identity,
				logger.FieldPeerKey, env.PeerKey,
				logger.FieldPayload, string(env.Payload),
				"panic", fmt.Sprint(r),
			)
			p.mu.Lock()
			p.panics++
			p.mu.Unlock()
			reply = nil
			if !dispatch.PeekKind(env.Payload).Silent() {
				reply = dispatch.ErrorReply(dispatch.MsgFailed)
			}
		}
		p.mu.Lock()
		p.active--
		p.handled++
		p.mu.Unlock()
	}()

	ctx = logger.WithIdentity(ctx, env.Identity)
	return p.handler.Dispatch(ctx, conn, env.PeerKey, env.Payload)
}
