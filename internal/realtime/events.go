package realtime

import (
	"time"

	"loopboard/backend/pkg/models"
)

// EventType identifies the type of event in a realtime envelope.
type EventType string

const (
	// EventTaskUpdated carries a structural task patch.
	EventTaskUpdated EventType = "task.updated"
	// EventTaskTransitioned announces a lifecycle status change.
	EventTaskTransitioned EventType = "task.transitioned"
	// EventLoopUpdated carries the loop state after a mutation.
	EventLoopUpdated EventType = "loop.updated"
	// EventCommentCreated announces a new comment on a task.
	EventCommentCreated EventType = "comment.created"
	// EventNotificationCreated is delivered to a single user's connections.
	EventNotificationCreated EventType = "notification.created"
	// EventCommentTyping is a relayed typing signal.
	EventCommentTyping EventType = "comment.typing"
	// EventUserJoined / EventUserLeft track task presence.
	EventUserJoined EventType = "user.joined"
	EventUserLeft   EventType = "user.left"
	// EventPresenceState tells a newly joined connection who is here.
	EventPresenceState EventType = "presence.state"
)

// Envelope is the tagged server-to-client wire frame. Exactly one payload
// field is set, matching the event tag.
type Envelope struct {
	Event        EventType            `json:"event"`
	TaskID       string               `json:"taskId,omitempty"`
	Task         *TaskPatch           `json:"task,omitempty"`
	Loop         *LoopPatch           `json:"loop,omitempty"`
	Comment      *CommentCreated      `json:"comment,omitempty"`
	Notification *models.Notification `json:"notification,omitempty"`
	UserID       string               `json:"userId,omitempty"`
	Users        []string             `json:"users,omitempty"`
}

// TaskPatch is a structural diff of a task document. Only changed fields are
// set; UpdatedAt always carries the post-change timestamp so clients can
// apply last-write-wins ordering.
type TaskPatch struct {
	TaskID           string             `json:"task_id"`
	Status           *models.TaskStatus `json:"status,omitempty"`
	OwnerID          *string            `json:"owner_id,omitempty"`
	CurrentStepIndex *int               `json:"current_step_index,omitempty"`
	Steps            []models.TaskStep  `json:"steps,omitempty"`
	Title            *string            `json:"title,omitempty"`
	Description      *string            `json:"description,omitempty"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// DiffTask computes the structural diff between two versions of a task.
// It returns nil when nothing observable changed.
func DiffTask(before, after *models.Task) *TaskPatch {
	patch := &TaskPatch{TaskID: after.ID, UpdatedAt: after.UpdatedAt}
	changed := false
	if before.Status != after.Status {
		patch.Status = &after.Status
		changed = true
	}
	if before.OwnerID != after.OwnerID {
		patch.OwnerID = &after.OwnerID
		changed = true
	}
	if before.CurrentStepIndex != after.CurrentStepIndex {
		patch.CurrentStepIndex = &after.CurrentStepIndex
		changed = true
	}
	if before.Title != after.Title {
		patch.Title = &after.Title
		changed = true
	}
	if before.Description != after.Description {
		patch.Description = &after.Description
		changed = true
	}
	if !stepsEqual(before.Steps, after.Steps) {
		patch.Steps = after.Steps
		changed = true
	}
	if !changed {
		return nil
	}
	return patch
}

func stepsEqual(a, b []models.TaskStep) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Status != b[i].Status || a[i].OwnerID != b[i].OwnerID ||
			a[i].Title != b[i].Title || a[i].Description != b[i].Description {
			return false
		}
	}
	return true
}

// LoopPatch is the loop payload of a loop.updated event.
type LoopPatch struct {
	TaskID      string            `json:"task_id"`
	Sequence    []models.LoopStep `json:"sequence"`
	CurrentStep int               `json:"current_step"`
	IsActive    bool              `json:"is_active"`
	Parallel    bool              `json:"parallel"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// NewLoopPatch projects a loop into its wire payload.
func NewLoopPatch(loop *models.Loop) *LoopPatch {
	return &LoopPatch{
		TaskID:      loop.TaskID,
		Sequence:    loop.Sequence,
		CurrentStep: loop.CurrentStep,
		IsActive:    loop.IsActive,
		Parallel:    loop.Parallel,
		UpdatedAt:   loop.UpdatedAt,
	}
}

// CommentCreated is the payload of a comment.created event. Comments are
// rendered and stored by the collaboration surface; the tracker only fans
// them out.
type CommentCreated struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}
