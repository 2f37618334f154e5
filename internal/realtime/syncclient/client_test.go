package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loopboard/backend/internal/logging"
	"loopboard/backend/internal/realtime"
	"loopboard/backend/pkg/models"
)

type fakeConn struct {
	mu        sync.Mutex
	writes    [][]byte
	failWrite bool
	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.New("connection closed")
	case data := <-c.incoming:
		return data, nil
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrite {
		return errors.New("write failed")
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	c.writes = append(c.writes, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	for i, w := range c.writes {
		out[i] = string(w)
	}
	return out
}

// scriptDialer replays a fixed sequence of dial outcomes, then succeeds.
type scriptDialer struct {
	mu     sync.Mutex
	script []bool
	idx    int
	conns  chan *fakeConn
}

func newScriptDialer(script []bool) *scriptDialer {
	return &scriptDialer{script: script, conns: make(chan *fakeConn, 8)}
}

func (d *scriptDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	ok := true
	if d.idx < len(d.script) {
		ok = d.script[d.idx]
	}
	d.idx++
	d.mu.Unlock()
	if !ok {
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	d.conns <- conn
	return conn, nil
}

func (d *scriptDialer) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idx
}

func waitConn(t *testing.T, d *scriptDialer) *fakeConn {
	t.Helper()
	select {
	case conn := <-d.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func waitState(t *testing.T, states <-chan ConnState, want ConnState) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func TestBackoffDoublesAndResetsAfterReconnect(t *testing.T) {
	var mu sync.Mutex
	var sleeps []time.Duration

	dialer := newScriptDialer([]bool{false, false, false, true, false, false, true})
	states := make(chan ConnState, 64)
	client := New(dialer, logging.NewLogger(),
		WithBackoff(time.Second, 30*time.Second),
		WithStateHandler(func(s ConnState) { states <- s }),
	)
	client.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		sleeps = append(sleeps, d)
		mu.Unlock()
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	conn1 := waitConn(t, dialer)
	waitState(t, states, StateConnected)
	conn1.Close() // simulate a dropped connection

	waitConn(t, dialer)
	waitState(t, states, StateConnected)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t,
		[]time.Duration{
			1 * time.Second, 2 * time.Second, 4 * time.Second, // initial failures
			1 * time.Second, 2 * time.Second, 4 * time.Second, // schedule restarts after a successful connection
		},
		sleeps)
}

func TestFallbackDialerIsTried(t *testing.T) {
	primary := newScriptDialer([]bool{false, false, false, false})
	fallback := newScriptDialer(nil)
	states := make(chan ConnState, 16)
	client := New(primary, logging.NewLogger(),
		WithFallback(fallback),
		WithStateHandler(func(s ConnState) { states <- s }),
	)
	client.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	waitConn(t, fallback)
	waitState(t, states, StateConnected)
	assert.GreaterOrEqual(t, primary.attempts(), 1)
}

func TestQueuedFramesFlushOnConnect(t *testing.T) {
	queue, err := OpenQueue(filepath.Join(t.TempDir(), "outbox.queue"))
	require.NoError(t, err)
	require.NoError(t, queue.Enqueue([]byte("one")))
	require.NoError(t, queue.Enqueue([]byte("two")))

	dialer := newScriptDialer(nil)
	states := make(chan ConnState, 16)
	client := New(dialer, logging.NewLogger(),
		WithQueue(queue),
		WithStateHandler(func(s ConnState) { states <- s }),
	)
	client.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	conn := waitConn(t, dialer)
	waitState(t, states, StateConnected)

	// Live sends bypass the queue once connected.
	require.NoError(t, client.Send(ctx, []byte("three")))

	require.Eventually(t, func() bool {
		return len(conn.sentFrames()) == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three"}, conn.sentFrames())
	assert.Equal(t, 0, queue.Len())
}

func TestSendQueuesWhileOffline(t *testing.T) {
	queue, err := OpenQueue(filepath.Join(t.TempDir(), "outbox.queue"))
	require.NoError(t, err)

	client := New(newScriptDialer([]bool{false}), logging.NewLogger(), WithQueue(queue))

	require.NoError(t, client.Send(context.Background(), []byte("while offline")))
	assert.Equal(t, 1, queue.Len())
	assert.Equal(t, StateOffline, client.State())
}

func TestEventsUpdateCacheAndHandler(t *testing.T) {
	dialer := newScriptDialer(nil)
	events := make(chan realtime.Envelope, 16)
	states := make(chan ConnState, 16)
	client := New(dialer, logging.NewLogger(),
		WithEventHandler(func(env realtime.Envelope) { events <- env }),
		WithStateHandler(func(s ConnState) { states <- s }),
	)
	client.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	conn := waitConn(t, dialer)
	waitState(t, states, StateConnected)

	// Heartbeat responses never reach the event handler.
	conn.incoming <- []byte("pong")

	status := models.TaskStatusInProgress
	frame, err := json.Marshal(realtime.Envelope{
		Event:  realtime.EventTaskUpdated,
		TaskID: "t1",
		Task:   &realtime.TaskPatch{TaskID: "t1", Status: &status, UpdatedAt: time.Now().UTC()},
	})
	require.NoError(t, err)
	conn.incoming <- frame

	select {
	case env := <-events:
		assert.Equal(t, realtime.EventTaskUpdated, env.Event)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	cached := client.Cache().Get("t1")
	require.NotNil(t, cached)
	assert.Equal(t, models.TaskStatusInProgress, cached.Status)
}
