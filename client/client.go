// Package client is the worker side of the hub protocol. A remote worker
// dials the hub with its own keypair, pins the hub's public key and then
// exchanges one request and at most one reply at a time.
package client

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/derivkit/jobhub/dispatch"
	"github.com/derivkit/jobhub/errors"
	"github.com/derivkit/jobhub/gate"
	"github.com/derivkit/jobhub/jobs"
	"github.com/derivkit/jobhub/keystore"
	"github.com/derivkit/jobhub/relay"
)

// DefaultTimeout applies to a request when ctx carries no deadline
const DefaultTimeout = 30 * time.Second

// ReplyError is an {"error": ...} reply from the hub
type ReplyError struct {
	Message string
}

func (e *ReplyError) Error() string {
	return "hub replied: " + e.Message
}

// Config identifies the worker to the hub
type Config struct {
	Endpoint    string // host:port of the hub
	MachineID   string // self-chosen worker uuid
	MachineName string
	Keypair     *keystore.Keypair
	HubKey      ed25519.PublicKey
}

// Client is a single connection to the hub. Calls are serialized.
type Client struct {
	cfg    Config
	ws     *websocket.Conn
	logger *zap.SugaredLogger
	mu     sync.Mutex
}

type wireRequest struct {
	Request       dispatch.Kind `json:"request"`
	MachineID     string        `json:"machine_id"`
	MachineName   string        `json:"machine_name,omitempty"`
	Accepts       []string      `json:"accepts,omitempty"`
	Architectures []string      `json:"architectures,omitempty"`
	UUID          string        `json:"uuid,omitempty"`
	LogExcerpt    *string       `json:"log_excerpt,omitempty"`
}

// Dial connects to the hub and completes the mutual TLS handshake.
// Hub pings are only answered while a call is reading, so a worker must
// make a request at least once a minute to stay connected.
func Dial(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (*Client, error) {
	if cfg.Keypair == nil {
		return nil, errors.New("client keypair is required")
	}
	tlsCfg, err := gate.ClientTLSConfig(cfg.Keypair, cfg.HubKey)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{TLSClientConfig: tlsCfg, HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, "wss://"+cfg.Endpoint+relay.Path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial hub at %s", cfg.Endpoint)
	}

	logger = logger.Named("client").With("worker_id", cfg.MachineID)
	logger.Debugw("Connected to hub", "address", cfg.Endpoint)
	return &Client{cfg: cfg, ws: ws, logger: logger}, nil
}

// RequestJob asks for work. It returns nil when nothing is available or the
// worker is disabled.
func (c *Client) RequestJob(ctx context.Context, accepts, architectures []string) (*jobs.Job, error) {
	reply, err := c.call(ctx, wireRequest{
		Request:       dispatch.KindJob,
		Accepts:       accepts,
		Architectures: architectures,
	})
	if err != nil {
		return nil, err
	}
	if string(reply) == "null" {
		return nil, nil
	}
	var job jobs.Job
	if err := json.Unmarshal(reply, &job); err != nil {
		return nil, errors.Wrap(err, "failed to decode job reply")
	}
	return &job, nil
}

// Accept confirms a scheduled job is now running
func (c *Client) Accept(ctx context.Context, jobID string) error {
	return c.ack(ctx, dispatch.KindJobAccepted, jobID)
}

// Reject hands a job back to the waiting pool
func (c *Client) Reject(ctx context.Context, jobID string) error {
	return c.ack(ctx, dispatch.KindJobRejected, jobID)
}

// Succeed reports a running job finished successfully
func (c *Client) Succeed(ctx context.Context, jobID string) error {
	return c.ack(ctx, dispatch.KindJobSuccess, jobID)
}

// Fail reports a running job failed
func (c *Client) Fail(ctx context.Context, jobID string) error {
	return c.ack(ctx, dispatch.KindJobFailed, jobID)
}

// Status sends a log excerpt. The hub does not reply.
func (c *Client) Status(ctx context.Context, jobID, excerpt string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(ctx, c.encode(wireRequest{Request: dispatch.KindJobStatus, UUID: jobID, LogExcerpt: &excerpt}))
}

// Send writes a raw payload
func (c *Client) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(ctx, payload)
}

// Receive reads the next raw reply
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receive(ctx)
}

// Close ends the connection with a normal close frame
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *Client) ack(ctx context.Context, kind dispatch.Kind, jobID string) error {
	_, err := c.call(ctx, wireRequest{Request: kind, UUID: jobID})
	return err
}

// call sends a request and waits for its reply
func (c *Client) call(ctx context.Context, req wireRequest) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(ctx, c.encode(req)); err != nil {
		return nil, err
	}
	reply, err := c.receive(ctx)
	if err != nil {
		return nil, err
	}

	var e struct {
		Error *string `json:"error"`
	}
	if json.Unmarshal(reply, &e) == nil && e.Error != nil {
		return nil, &ReplyError{Message: *e.Error}
	}
	return reply, nil
}

func (c *Client) encode(req wireRequest) []byte {
	req.MachineID = c.cfg.MachineID
	req.MachineName = c.cfg.MachineName
	b, _ := json.Marshal(req)
	return b
}

func (c *Client) send(ctx context.Context, payload []byte) error {
	if err := c.ws.SetWriteDeadline(deadline(ctx)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.Wrap(err, "failed to send request")
	}
	return nil
}

func (c *Client) receive(ctx context.Context) ([]byte, error) {
	if err := c.ws.SetReadDeadline(deadline(ctx)); err != nil {
		return nil, errors.Wrap(err, "set read deadline")
	}
	_, reply, err := c.ws.ReadMessage()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read reply")
	}
	return reply, nil
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(DefaultTimeout)
}
