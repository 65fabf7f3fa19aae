// Package relay is the hub's front end. It accepts authenticated websocket
// connections, tags every incoming message with the connection's routing
// identity and hands it to an internal FIFO queue. Replies are steered back to
// the originating connection by identity. Payloads are never parsed here.
package relay

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/derivkit/jobhub/errors"
	"github.com/derivkit/jobhub/gate"
	"github.com/derivkit/jobhub/sym"
)

// Path is the websocket endpoint workers dial
const Path = "/hub"

// Envelope is one request as it leaves the relay
type Envelope struct {
	Identity string // routing identity of the originating connection
	PeerKey  string // did:key the gate admitted
	Payload  []byte
}

// Config tunes the relay
type Config struct {
	Endpoint        string
	QueueSize       int
	MaxMessageBytes int64
	RateLimit       float64 // messages per second per connection, 0 = unlimited
	RateBurst       int
}

// Relay bridges worker connections and the internal queue
type Relay struct {
	cfg    Config
	gate   *gate.Gate
	logger *zap.SugaredLogger

	queue    chan Envelope
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn

	listener   net.Listener
	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	pumps      sync.WaitGroup // read pumps, the only queue senders
	writers    sync.WaitGroup
	closeOnce  sync.Once
}

// New creates a relay. Nothing listens until Listen.
func New(cfg Config, g *gate.Gate, logger *zap.SugaredLogger) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		cfg:    cfg,
		gate:   g,
		logger: logger.Named("relay"),
		queue:  make(chan Envelope, cfg.QueueSize),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Workers are not browsers; authentication happened in the TLS handshake
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:  make(map[string]*conn),
		ctx:    ctx,
		cancel: cancel,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(Path, r.handleWebSocket)
	r.httpServer = &http.Server{Handler: mux, ErrorLog: zap.NewStdLog(r.logger.Desugar())}
	return r
}

// Listen binds the endpoint. The hub refuses to listen without a gate.
func (r *Relay) Listen() error {
	if r.gate == nil {
		return errors.New("relay cannot listen without an authentication gate")
	}
	ln, err := net.Listen("tcp", r.cfg.Endpoint)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", r.cfg.Endpoint)
	}
	r.listener = tls.NewListener(r.gate.Listener(ln), r.gate.ServerTLSConfig())
	r.logger.Infow(sym.Relay+" Listening", "address", ln.Addr().String(), "hub_key", r.gate.HubDID())
	return nil
}

// Addr returns the bound address, nil before Listen
func (r *Relay) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Serve accepts connections until Close. Listen must have succeeded.
func (r *Relay) Serve() error {
	if r.listener == nil {
		return errors.New("relay is not listening")
	}
	err := r.httpServer.Serve(r.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, "relay serve")
}

// Queue is the FIFO the pool consumes. It is closed after Close once every
// connection has stopped enqueuing.
func (r *Relay) Queue() <-chan Envelope {
	return r.queue
}

// Reply routes payload to the connection with identity. Replies for
// connections that have gone away are dropped.
func (r *Relay) Reply(identity string, payload []byte) {
	r.mu.RLock()
	c, ok := r.conns[identity]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debugw("Dropping reply for closed connection", "identity", identity)
		return
	}
	c.enqueue(payload)
}

// Connected reports whether identity still has an open connection
func (r *Relay) Connected(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[identity]
	return ok
}

// Connections returns the number of open connections
func (r *Relay) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Relay) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	if req.TLS == nil {
		http.Error(w, "TLS required", http.StatusUpgradeRequired)
		return
	}
	peerKey, err := gate.ConnectionKey(*req.TLS)
	if err != nil {
		// The handshake already admitted this key; this only fails on a broken state
		r.logger.Warnw("Connection without peer key", "address", req.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warnw("WebSocket upgrade failed", "address", req.RemoteAddr, "error", err)
		return
	}

	limit := rate.Inf
	if r.cfg.RateLimit > 0 {
		limit = rate.Limit(r.cfg.RateLimit)
	}
	c := &conn{
		relay:    r,
		ws:       ws,
		identity: uuid.NewString(),
		peerKey:  peerKey,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		limiter:  rate.NewLimiter(limit, max(r.cfg.RateBurst, 1)),
	}

	// Register under the lock that Close takes, so no pump starts after Close
	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		ws.Close()
		return
	}
	r.conns[c.identity] = c
	total := len(r.conns)
	r.pumps.Add(1)
	r.writers.Add(1)
	r.mu.Unlock()

	r.logger.Infow("Worker connected",
		"identity", c.identity,
		"peer_key", peerKey,
		"address", req.RemoteAddr,
		"connections", total,
	)

	go c.writePump()
	go c.readPump()
}

func (r *Relay) unregister(c *conn) {
	r.mu.Lock()
	if _, ok := r.conns[c.identity]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c.identity)
	total := len(r.conns)
	r.mu.Unlock()

	c.stop()
	r.logger.Infow("Worker disconnected", "identity", c.identity, "connections", total)
}

// enqueue hands an envelope to the pool, blocking while the queue is full
func (r *Relay) enqueue(env Envelope) bool {
	select {
	case r.queue <- env:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// Close stops accepting, disconnects every worker and closes the queue.
// Envelopes already queued stay readable so the pool can drain them.
func (r *Relay) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.cancel()
		conns := make([]*conn, 0, len(r.conns))
		for _, c := range r.conns {
			conns = append(conns, c)
		}
		r.mu.Unlock()

		if shutdownErr := r.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = errors.Wrap(shutdownErr, "relay shutdown")
		}
		// Hijacked websocket connections are not closed by Shutdown
		for _, c := range conns {
			c.ws.Close()
		}

		r.pumps.Wait()
		r.writers.Wait()
		close(r.queue)
		r.logger.Infow(sym.Relay+" Relay closed", "connections", len(conns))
	})
	return err
}
