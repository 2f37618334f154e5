// Package notify implements the notification collaborator consumed by the
// task state machine and the loop engine. Dispatch is fire-and-forget: a
// failed insert or broadcast is logged and never surfaces to the caller.
package notify

import (
	"context"

	"loopboard/backend/internal/logging"
	"loopboard/backend/internal/repository"
	"loopboard/backend/pkg/models"
)

// Notification kinds.
const (
	KindAssigned     = "assigned"
	KindStepReady    = "step_ready"
	KindStatusChange = "status_change"
	KindClosure      = "closure"
)

// Broadcaster delivers a persisted notification to the recipient's live
// connections.
type Broadcaster interface {
	NotificationCreated(userID string, n *models.Notification)
}

// Dispatcher persists notifications and fans them out.
type Dispatcher struct {
	store  repository.Store
	events Broadcaster
	logger *logging.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(store repository.Store, events Broadcaster, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{store: store, events: events, logger: logger}
}

// NotifyAssigned tells users they now own a step on the task.
func (d *Dispatcher) NotifyAssigned(ctx context.Context, userIDs []string, taskID, description string) {
	d.dispatch(ctx, userIDs, taskID, KindAssigned, description)
}

// NotifyStepReady tells users their step's dependencies are complete.
func (d *Dispatcher) NotifyStepReady(ctx context.Context, userIDs []string, taskID, description string) {
	d.dispatch(ctx, userIDs, taskID, KindStepReady, description)
}

// NotifyStatusChange tells participants the task's status moved.
func (d *Dispatcher) NotifyStatusChange(ctx context.Context, userIDs []string, taskID, description string) {
	d.dispatch(ctx, userIDs, taskID, KindStatusChange, description)
}

// NotifyClosure tells participants the task was closed.
func (d *Dispatcher) NotifyClosure(ctx context.Context, userIDs []string, taskID, description string) {
	d.dispatch(ctx, userIDs, taskID, KindClosure, description)
}

func (d *Dispatcher) dispatch(ctx context.Context, userIDs []string, taskID, kind, message string) {
	for _, userID := range userIDs {
		if userID == "" {
			continue
		}
		n := &models.Notification{
			UserID:  userID,
			TaskID:  taskID,
			Kind:    kind,
			Message: message,
		}
		if err := d.store.CreateNotification(ctx, n); err != nil {
			d.logger.Warn("failed to persist notification", "user", userID, "task", taskID, "error", err)
			continue
		}
		d.events.NotificationCreated(userID, n)
	}
}
