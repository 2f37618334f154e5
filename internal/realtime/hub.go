// Package realtime implements the server-side broadcast and presence layer:
// per-user and per-task subscriber registries with best-effort, at-most-once
// fan-out over WebSocket (SSE fallback).
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"loopboard/backend/internal/logging"
	"loopboard/backend/pkg/models"
)

// Subscriber is one live connection owned by a user. Writes are serialized
// per connection; a failed write removes the subscriber from every registry.
type Subscriber struct {
	userID string
	send   func(data []byte) error
	close  func()

	mu    sync.Mutex
	tasks map[string]struct{}
}

// UserID returns the owning user.
func (s *Subscriber) UserID() string { return s.userID }

func (s *Subscriber) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.send(data)
}

// Hub owns the connection registries. All maps are guarded by mu; mutation
// happens only on connection lifecycle events, reads on broadcast.
type Hub struct {
	logger *logging.Logger

	mu       sync.RWMutex
	byUser   map[string]map[*Subscriber]struct{}
	byTask   map[string]map[*Subscriber]struct{}
	presence map[string]map[string]int // taskID -> userID -> live conn count
	closed   bool

	broadcasts metric.Int64Counter
	dropped    metric.Int64Counter
}

// NewHub creates a started Hub.
func NewHub(logger *logging.Logger) *Hub {
	meter := otel.Meter("loopboard/backend/realtime")
	broadcasts, _ := meter.Int64Counter("realtime.broadcasts")
	dropped, _ := meter.Int64Counter("realtime.connections.dropped")
	return &Hub{
		logger:     logger,
		byUser:     make(map[string]map[*Subscriber]struct{}),
		byTask:     make(map[string]map[*Subscriber]struct{}),
		presence:   make(map[string]map[string]int),
		broadcasts: broadcasts,
		dropped:    dropped,
	}
}

// Register adds a connection for userID. send must be safe to call until
// closeFn runs; it should do its own write timeout.
func (h *Hub) Register(userID string, send func(data []byte) error, closeFn func()) *Subscriber {
	sub := &Subscriber{
		userID: userID,
		send:   send,
		close:  closeFn,
		tasks:  make(map[string]struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return sub
	}
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[*Subscriber]struct{})
	}
	h.byUser[userID][sub] = struct{}{}
	return sub
}

// Unregister removes a connection from every registry, emitting user.left
// for each task where it was the user's last connection.
func (h *Hub) Unregister(sub *Subscriber) {
	h.mu.Lock()
	var departed []string
	for taskID := range sub.tasks {
		if h.leaveLocked(sub, taskID) {
			departed = append(departed, taskID)
		}
	}
	if set, ok := h.byUser[sub.userID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.byUser, sub.userID)
		}
	}
	h.mu.Unlock()

	for _, taskID := range departed {
		h.BroadcastTask(taskID, Envelope{Event: EventUserLeft, TaskID: taskID, UserID: sub.userID})
	}
}

// Join subscribes the connection to a task channel. The joining connection
// is first told who is already present; if this is the user's first live
// connection on the task, everyone else gets user.joined.
func (h *Hub) Join(sub *Subscriber, taskID string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if h.byTask[taskID] == nil {
		h.byTask[taskID] = make(map[*Subscriber]struct{})
	}
	h.byTask[taskID][sub] = struct{}{}
	sub.tasks[taskID] = struct{}{}
	if h.presence[taskID] == nil {
		h.presence[taskID] = make(map[string]int)
	}
	h.presence[taskID][sub.userID]++
	first := h.presence[taskID][sub.userID] == 1
	roster := make([]string, 0, len(h.presence[taskID]))
	for userID := range h.presence[taskID] {
		roster = append(roster, userID)
	}
	h.mu.Unlock()

	if data, err := json.Marshal(Envelope{Event: EventPresenceState, TaskID: taskID, Users: roster}); err == nil {
		if err := sub.write(data); err != nil {
			h.drop(sub)
			return
		}
	}
	if first {
		h.BroadcastTask(taskID, Envelope{Event: EventUserJoined, TaskID: taskID, UserID: sub.userID})
	}
}

// Leave unsubscribes the connection from a task channel, emitting user.left
// when it was the user's last connection there.
func (h *Hub) Leave(sub *Subscriber, taskID string) {
	h.mu.Lock()
	last := h.leaveLocked(sub, taskID)
	h.mu.Unlock()
	if last {
		h.BroadcastTask(taskID, Envelope{Event: EventUserLeft, TaskID: taskID, UserID: sub.userID})
	}
}

// leaveLocked removes the subscription and reports whether this was the
// user's last connection on the task. Caller holds mu.
func (h *Hub) leaveLocked(sub *Subscriber, taskID string) bool {
	if set, ok := h.byTask[taskID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.byTask, taskID)
		}
	}
	delete(sub.tasks, taskID)
	counts, ok := h.presence[taskID]
	if !ok || counts[sub.userID] == 0 {
		return false
	}
	counts[sub.userID]--
	if counts[sub.userID] > 0 {
		return false
	}
	delete(counts, sub.userID)
	if len(counts) == 0 {
		delete(h.presence, taskID)
	}
	return true
}

// Presence returns the users currently connected to a task's channel.
func (h *Hub) Presence(taskID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	users := make([]string, 0, len(h.presence[taskID]))
	for userID := range h.presence[taskID] {
		users = append(users, userID)
	}
	return users
}

// BroadcastTask best-effort sends the envelope to every connection on the
// task channel. Dead connections are dropped from all registries; there is
// no retry and no delivery guarantee.
func (h *Hub) BroadcastTask(taskID string, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("failed to marshal envelope", "event", env.Event, "error", err)
		return
	}
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.byTask[taskID]))
	for sub := range h.byTask[taskID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	h.broadcasts.Add(context.Background(), 1)
	for _, sub := range subs {
		if err := sub.write(data); err != nil {
			h.drop(sub)
		}
	}
}

// BroadcastUser best-effort sends the envelope to every connection owned by
// the user.
func (h *Hub) BroadcastUser(userID string, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("failed to marshal envelope", "event", env.Event, "error", err)
		return
	}
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.byUser[userID]))
	for sub := range h.byUser[userID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	h.broadcasts.Add(context.Background(), 1)
	for _, sub := range subs {
		if err := sub.write(data); err != nil {
			h.drop(sub)
		}
	}
}

func (h *Hub) drop(sub *Subscriber) {
	h.dropped.Add(context.Background(), 1)
	h.Unregister(sub)
	if sub.close != nil {
		sub.close()
	}
}

// TaskUpdated broadcasts a structural task patch to the task channel.
func (h *Hub) TaskUpdated(taskID string, patch *TaskPatch) {
	if patch == nil {
		return
	}
	h.BroadcastTask(taskID, Envelope{Event: EventTaskUpdated, TaskID: taskID, Task: patch})
}

// TaskTransitioned announces a lifecycle change to the task channel.
func (h *Hub) TaskTransitioned(taskID string, patch *TaskPatch) {
	if patch == nil {
		return
	}
	h.BroadcastTask(taskID, Envelope{Event: EventTaskTransitioned, TaskID: taskID, Task: patch})
}

// LoopUpdated broadcasts the loop state to the task channel.
func (h *Hub) LoopUpdated(taskID string, loop *models.Loop) {
	h.BroadcastTask(taskID, Envelope{Event: EventLoopUpdated, TaskID: taskID, Loop: NewLoopPatch(loop)})
}

// CommentCreated broadcasts a new comment to the task channel.
func (h *Hub) CommentCreated(taskID string, comment *CommentCreated) {
	h.BroadcastTask(taskID, Envelope{Event: EventCommentCreated, TaskID: taskID, Comment: comment})
}

// NotificationCreated delivers a notification to the recipient's connections.
func (h *Hub) NotificationCreated(userID string, n *models.Notification) {
	h.BroadcastUser(userID, Envelope{Event: EventNotificationCreated, TaskID: n.TaskID, Notification: n})
}

// CommentTyping relays a typing signal to the task channel.
func (h *Hub) CommentTyping(taskID, userID string) {
	h.BroadcastTask(taskID, Envelope{Event: EventCommentTyping, TaskID: taskID, UserID: userID})
}

// Close drops every connection and stops accepting registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var subs []*Subscriber
	for _, set := range h.byUser {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	h.byUser = make(map[string]map[*Subscriber]struct{})
	h.byTask = make(map[string]map[*Subscriber]struct{})
	h.presence = make(map[string]map[string]int)
	h.mu.Unlock()

	for _, sub := range subs {
		if sub.close != nil {
			sub.close()
		}
	}
}
