package syncclient

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
)

// WSDialer dials the WebSocket endpoint. It is the primary transport.
type WSDialer struct {
	URL    string
	Header http.Header
	Client *http.Client
}

// Dial opens a WebSocket connection.
func (d WSDialer) Dial(ctx context.Context) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient: d.Client,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends the application-level heartbeat frame; the server answers with
// a bare "pong" on the read side.
func (c *wsConn) Ping(ctx context.Context) error {
	return c.conn.Write(ctx, websocket.MessageText, []byte("ping"))
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// SSEDialer is the fallback transport: server frames arrive over a
// text/event-stream response, client frames go out as individual POSTs.
type SSEDialer struct {
	// StreamURL is the GET endpoint serving text/event-stream.
	StreamURL string
	// PostURL receives client frames; empty makes the connection read-only.
	PostURL string
	Header  http.Header
	Client  *http.Client
}

// Dial opens the event stream.
func (d SSEDialer) Dial(ctx context.Context) (Conn, error) {
	client := d.Client
	if client == nil {
		client = &http.Client{}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.StreamURL, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range d.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sse dial: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("sse dial: status %d: %s", resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseConn{
		body:    resp.Body,
		scanner: scanner,
		postURL: d.PostURL,
		header:  d.Header,
		client:  client,
	}, nil
}

type sseConn struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	postURL string
	header  http.Header
	client  *http.Client

	mu     sync.Mutex
	closed bool
}

// Read returns the next data payload from the event stream. Multi-line data
// fields are joined per the SSE wire format.
func (c *sseConn) Read(ctx context.Context) ([]byte, error) {
	var dataLines []string
	for c.scanner.Scan() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		line := c.scanner.Text()
		if line == "" {
			if len(dataLines) > 0 {
				return []byte(strings.Join(dataLines, "\n")), nil
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (c *sseConn) Write(ctx context.Context, data []byte) error {
	if c.postURL == "" {
		return errors.New("sse connection is read-only")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.postURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("post frame: status %d: %s", resp.StatusCode, body)
	}
	return nil
}

func (c *sseConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.body.Close()
}
