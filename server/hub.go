// Package server assembles the hub: the authentication gate, the relay front
// end, the pool of dispatch units and the worker health sweep.
package server

import (
	"context"
	"database/sql"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/derivkit/jobhub/am"
	"github.com/derivkit/jobhub/dispatch"
	"github.com/derivkit/jobhub/errors"
	"github.com/derivkit/jobhub/gate"
	"github.com/derivkit/jobhub/keystore"
	"github.com/derivkit/jobhub/pool"
	"github.com/derivkit/jobhub/relay"
	"github.com/derivkit/jobhub/sym"
	"github.com/derivkit/jobhub/workers"
)

// Hub is a running job distribution hub
type Hub struct {
	cfg     *am.Config
	keys    *keystore.Store
	gate    *gate.Gate
	relay   *relay.Relay
	pool    *pool.Pool
	sweeper *workers.Sweeper
	watcher *keystore.Watcher
	logger  *zap.SugaredLogger

	state    atomic.Int32
	ctx      context.Context
	cancel   context.CancelFunc
	serveErr chan error
}

// New wires the hub from configuration. A missing or unreadable hub key is
// fatal: the hub never runs unauthenticated.
func New(cfg *am.Config, database *sql.DB, logger *zap.SugaredLogger) (*Hub, error) {
	logger = logger.Named("hub")

	kp, err := keystore.LoadKeypair(cfg.Keystore.KeyFile)
	if err != nil {
		return nil, errors.WithHint(
			errors.Wrap(err, "failed to load hub key"),
			"generate one with: jobhub keygen --out "+strings.TrimSuffix(cfg.Keystore.KeyFile, keystore.SecretKeySuffix))
	}
	trusted, err := keystore.OpenStore(cfg.Keystore.TrustedDir, logger)
	if err != nil {
		return nil, err
	}
	g, err := gate.New(kp, trusted, cfg.Keystore.Allow, logger)
	if err != nil {
		return nil, err
	}

	r := relay.New(relay.Config{
		Endpoint:        cfg.Hub.Endpoint,
		QueueSize:       cfg.Hub.QueueSize,
		MaxMessageBytes: cfg.Hub.MaxMessageBytes,
		RateLimit:       cfg.Hub.RateLimitPerSecond,
		RateBurst:       cfg.Hub.RateBurst,
	}, g, logger)

	thresholds := workers.Thresholds{
		Idle:    time.Duration(cfg.Sweep.IdleAfterSeconds) * time.Second,
		Missing: time.Duration(cfg.Sweep.MissingAfterSeconds) * time.Second,
		Dead:    time.Duration(cfg.Sweep.DeadAfterSeconds) * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:      cfg,
		keys:     trusted,
		gate:     g,
		relay:    r,
		pool:     pool.New(database, r, dispatch.New(logger), cfg.Hub.PoolSize(), logger),
		sweeper:  workers.NewSweeper(workers.NewRegistry(database), thresholds, cfg.Sweep.Interval(), logger),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		serveErr: make(chan error, 1),
	}, nil
}

// State returns the lifecycle state
func (h *Hub) State() State {
	return State(h.state.Load())
}

func (h *Hub) setState(s State) {
	h.state.Store(int32(s))
	h.logger.Infow("Hub state changed", "new_state", s.String())
}

// Addr is the relay's bound address, nil before Start
func (h *Hub) Addr() net.Addr {
	return h.relay.Addr()
}

// HubDID is the did:key workers pin
func (h *Hub) HubDID() string {
	return h.gate.HubDID()
}

// Start binds the endpoint, starts the pool units and background services,
// then serves in the background. Serve failures arrive on Errors.
func (h *Hub) Start() error {
	if err := h.relay.Listen(); err != nil {
		return err
	}
	if err := h.pool.Start(h.ctx); err != nil {
		h.relay.Close(context.Background())
		return err
	}
	h.sweeper.Start(h.ctx)

	if h.cfg.Keystore.Watch {
		w, err := h.keys.Watch(h.ctx)
		if err != nil {
			// Trusted keys still load at startup; only live re-scans are lost
			h.logger.Warnw("Trusted key watcher unavailable", "error", err, "dir", h.keys.Dir())
		} else {
			h.watcher = w
		}
	}

	go func() {
		h.serveErr <- h.relay.Serve()
	}()

	h.setState(StateRunning)
	h.logger.Infow(sym.Hub+" Hub ready",
		"address", h.Addr().String(),
		"units", h.pool.Units(),
		"trusted_keys", len(h.keys.Keys()),
		"hub_key", h.HubDID(),
	)
	return nil
}

// Errors delivers the result of the serve loop
func (h *Hub) Errors() <-chan error {
	return h.serveErr
}

// Stop drains the hub: no new connections, queued requests are handled,
// units release their connections, then background services stop.
func (h *Hub) Stop(ctx context.Context) error {
	if h.State() != StateRunning {
		return nil
	}
	h.logger.Infow("Initiating hub shutdown")
	h.setState(StateDraining)

	// Connections are gone once Close returns, so the pool drains queued
	// transitions but skips queued job requests
	err := h.relay.Close(ctx)
	h.pool.Stop()
	h.sweeper.Stop()
	if h.watcher != nil {
		if werr := h.watcher.Close(); werr != nil {
			h.logger.Warnw("Failed to stop trusted key watcher", "error", werr)
		}
	}
	h.cancel()

	stats := h.pool.Stats()
	h.setState(StateStopped)
	h.logger.Infow("Hub shutdown complete", "handled", stats.Handled, "panics", stats.Panics, "skipped", stats.Skipped)
	return err
}

// Run starts the hub and blocks until ctx is done or serving fails,
// then shuts down within ShutdownTimeout.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.Start(); err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-h.serveErr:
		if serveErr != nil {
			h.logger.Errorw("Relay stopped unexpectedly", "error", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := h.Stop(shutdownCtx); err != nil {
		return err
	}
	return serveErr
}
