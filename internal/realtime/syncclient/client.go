// Package syncclient implements the reconnecting client side of the realtime
// layer: a WebSocket-primary, SSE-fallback connection with exponential
// reconnect backoff, heartbeat liveness, a file-persisted offline send queue
// and a last-write-wins local task cache.
package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"loopboard/backend/internal/logging"
	"loopboard/backend/internal/realtime"
)

// ConnState is the client's connection lifecycle state.
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateConnected  ConnState = "connected"
	StateOffline    ConnState = "offline"
)

// Conn is one established realtime connection.
type Conn interface {
	// Read blocks for the next server frame.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one client frame.
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Pinger is implemented by connections that carry application-level
// heartbeats. The client sends a ping frame periodically and expects a bare
// "pong" frame back on the read side.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dialer establishes a connection.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Client maintains a live connection to the realtime endpoint, reconnecting
// with exponential backoff, and queues outgoing frames to disk while offline.
type Client struct {
	primary  Dialer
	fallback Dialer
	queue    *Queue
	cache    *TaskCache
	logger   *logging.Logger

	reconnectBase     time.Duration
	reconnectCap      time.Duration
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	onEvent func(realtime.Envelope)
	onState func(ConnState)

	// sleep is replaced in tests to observe the backoff schedule.
	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	state ConnState
	conn  Conn
}

// Option configures a Client.
type Option func(*Client)

// WithFallback sets the SSE fallback dialer, tried when the primary dial
// fails.
func WithFallback(d Dialer) Option {
	return func(c *Client) { c.fallback = d }
}

// WithQueue sets the offline send queue.
func WithQueue(q *Queue) Option {
	return func(c *Client) { c.queue = q }
}

// WithBackoff sets the reconnect backoff schedule: attempts start at base and
// double up to cap. A successful connection resets the schedule.
func WithBackoff(base, cap time.Duration) Option {
	return func(c *Client) {
		c.reconnectBase = base
		c.reconnectCap = cap
	}
}

// WithHeartbeat sets the ping interval and the pong deadline. A missed pong
// forces the connection closed so the reconnect loop takes over.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *Client) {
		c.heartbeatInterval = interval
		c.heartbeatTimeout = timeout
	}
}

// WithEventHandler sets the callback invoked for every decoded envelope,
// after the local cache has been updated.
func WithEventHandler(fn func(realtime.Envelope)) Option {
	return func(c *Client) { c.onEvent = fn }
}

// WithStateHandler sets the callback invoked on every state change.
func WithStateHandler(fn func(ConnState)) Option {
	return func(c *Client) { c.onState = fn }
}

// New creates a Client dialing through primary.
func New(primary Dialer, logger *logging.Logger, opts ...Option) *Client {
	c := &Client{
		primary:           primary,
		cache:             NewTaskCache(),
		logger:            logger,
		reconnectBase:     time.Second,
		reconnectCap:      30 * time.Second,
		heartbeatInterval: 25 * time.Second,
		heartbeatTimeout:  10 * time.Second,
		state:             StateOffline,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cache returns the local task cache.
func (c *Client) Cache() *TaskCache {
	return c.cache
}

// Run connects and serves until ctx is canceled. Connection loss never
// surfaces as an error; the client goes offline and retries with exponential
// backoff, resetting the schedule after each successful connection.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.reconnectBase
	bo.MaxInterval = c.reconnectCap
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.setState(StateConnecting)

		conn, err := c.dial(ctx)
		if err != nil {
			c.setState(StateOffline)
			if err := c.sleep(ctx, bo.NextBackOff()); err != nil {
				return err
			}
			continue
		}

		bo.Reset()
		c.setConn(conn)
		c.setState(StateConnected)
		c.flushQueue(ctx, conn)

		err = c.serve(ctx, conn)
		c.setConn(nil)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("realtime connection lost", "error", err)
		c.setState(StateOffline)
		if err := c.sleep(ctx, bo.NextBackOff()); err != nil {
			return err
		}
	}
}

// Send delivers a client frame, queueing it durably when offline. Queued
// frames flush in order on the next successful connection.
func (c *Client) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Write(ctx, data); err == nil {
			return nil
		}
	}
	if c.queue == nil {
		return errors.New("offline and no queue configured")
	}
	return c.queue.Enqueue(data)
}

// dial tries the primary transport, then the fallback.
func (c *Client) dial(ctx context.Context) (Conn, error) {
	conn, err := c.primary.Dial(ctx)
	if err == nil {
		return conn, nil
	}
	if c.fallback == nil {
		return nil, err
	}
	c.logger.Warn("primary transport failed, falling back", "error", err)
	return c.fallback.Dial(ctx)
}

// flushQueue replays queued frames in FIFO order, stopping at the first
// failure so nothing is reordered or lost.
func (c *Client) flushQueue(ctx context.Context, conn Conn) {
	if c.queue == nil {
		return
	}
	sent, err := c.queue.Flush(func(data []byte) error {
		return conn.Write(ctx, data)
	})
	if err != nil {
		c.logger.Warn("offline queue flush interrupted", "sent", sent, "error", err)
	} else if sent > 0 {
		c.logger.Info("offline queue flushed", "sent", sent)
	}
}

// serve reads frames until the connection dies, running the heartbeat when
// the transport supports it.
func (c *Client) serve(ctx context.Context, conn Conn) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var pongAt atomicTime
	pongAt.Store(time.Now())

	if pinger, ok := conn.(Pinger); ok {
		go c.heartbeat(serveCtx, conn, pinger, &pongAt)
	}

	for {
		data, err := conn.Read(serveCtx)
		if err != nil {
			return err
		}
		if string(data) == "pong" {
			pongAt.Store(time.Now())
			continue
		}
		var env realtime.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.apply(env)
		if c.onEvent != nil {
			c.onEvent(env)
		}
	}
}

// heartbeat pings on the interval and forces the connection closed when no
// pong arrives within the deadline.
func (c *Client) heartbeat(ctx context.Context, conn Conn, pinger Pinger, pongAt *atomicTime) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(pongAt.Load()) > c.heartbeatInterval+c.heartbeatTimeout {
				c.logger.Warn("heartbeat timed out, closing connection")
				_ = conn.Close()
				return
			}
			if err := pinger.Ping(ctx); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// apply folds an envelope into the local cache.
func (c *Client) apply(env realtime.Envelope) {
	switch env.Event {
	case realtime.EventTaskUpdated, realtime.EventTaskTransitioned:
		if env.Task != nil {
			c.cache.ApplyPatch(env.Task)
		}
	}
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.onState != nil {
		c.onState(s)
	}
}

func (c *Client) setConn(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) Store(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomicTime) Load() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}
