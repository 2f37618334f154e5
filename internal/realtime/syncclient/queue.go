package syncclient

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Queue is a file-persisted FIFO of outgoing frames. Every mutation is
// written through to disk so frames queued while offline survive a process
// restart.
type Queue struct {
	mu      sync.Mutex
	path    string
	pending [][]byte
}

// OpenQueue loads (or creates) the queue file at path.
func OpenQueue(path string) (*Queue, error) {
	q := &Queue{path: path}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("corrupt queue entry: %w", err)
		}
		q.pending = append(q.pending, data)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	return q, nil
}

// Enqueue appends a frame and persists the queue.
func (q *Queue) Enqueue(data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	frame := make([]byte, len(data))
	copy(frame, data)
	q.pending = append(q.pending, frame)
	return q.persistLocked()
}

// Flush sends pending frames in FIFO order through send, stopping at the
// first failure. Sent frames are removed, the remainder stays queued in
// order. It returns how many frames were sent and the error that stopped the
// flush, if any.
func (q *Queue) Flush(send func(data []byte) error) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sent := 0
	for len(q.pending) > 0 {
		if err := send(q.pending[0]); err != nil {
			if perr := q.persistLocked(); perr != nil {
				return sent, perr
			}
			return sent, err
		}
		q.pending = q.pending[1:]
		sent++
	}
	return sent, q.persistLocked()
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// persistLocked rewrites the queue file atomically. Caller holds mu.
func (q *Queue) persistLocked() error {
	tmp := q.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, frame := range q.pending {
		if _, err := w.WriteString(base64.StdEncoding.EncodeToString(frame) + "\n"); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("persist queue: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("persist queue: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persist queue: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

// DefaultQueuePath returns a per-user queue location under the OS cache dir.
func DefaultQueuePath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	dir = filepath.Join(dir, "loopboard")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "outbox.queue"), nil
}
