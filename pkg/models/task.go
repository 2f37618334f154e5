// Package models defines the domain models for the loopboard service
package models

import (
	"time"
)

// TaskStatus represents the lifecycle status of a task
type TaskStatus string

const (
	TaskStatusOpen           TaskStatus = "OPEN"
	TaskStatusInProgress     TaskStatus = "IN_PROGRESS"
	TaskStatusInReview       TaskStatus = "IN_REVIEW"
	TaskStatusRevisions      TaskStatus = "REVISIONS"
	TaskStatusFlowInProgress TaskStatus = "FLOW_IN_PROGRESS"
	TaskStatusDone           TaskStatus = "DONE"
)

// TaskAction is a requested transition on a task
type TaskAction string

const (
	ActionStart          TaskAction = "START"
	ActionSendForReview  TaskAction = "SEND_FOR_REVIEW"
	ActionRequestChanges TaskAction = "REQUEST_CHANGES"
	ActionDone           TaskAction = "DONE"
)

// StepStatus is the completion state of a single task step
type StepStatus string

const (
	StepStatusOpen StepStatus = "OPEN"
	StepStatusDone StepStatus = "DONE"
)

// TaskStep is one unit of work inside a stepped task
type TaskStep struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	OwnerID     string     `json:"owner_id"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	Status      StepStatus `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Task represents a tracked work item, optionally carrying an ordered step flow
type Task struct {
	ID               string     `json:"id"`
	OrgID            string     `json:"org_id"` // Multi-tenancy isolation
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Status           TaskStatus `json:"status"`
	Steps            []TaskStep `json:"steps,omitempty"`
	CurrentStepIndex int        `json:"current_step_index"`
	OwnerID          string     `json:"owner_id"`
	CreatedBy        string     `json:"created_by"`
	HelperIDs        []string   `json:"helper_ids,omitempty"`
	MentionIDs       []string   `json:"mention_ids,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// HasSteps reports whether the task runs under the stepped regime.
func (t *Task) HasSteps() bool {
	return len(t.Steps) > 0
}

// ParticipantIDs returns the derived participant set: creator, current owner,
// helpers, mentions and every step owner. Order is stable, entries distinct.
func (t *Task) ParticipantIDs() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	add(t.CreatedBy)
	add(t.OwnerID)
	for _, id := range t.HelperIDs {
		add(id)
	}
	for _, id := range t.MentionIDs {
		add(id)
	}
	for _, s := range t.Steps {
		add(s.OwnerID)
	}
	return out
}

// SyncStepPointer re-establishes the stepped-task invariant: CurrentStepIndex
// points at the first non-DONE step (or the last index when all steps are
// DONE) and OwnerID mirrors the owner of that step.
func (t *Task) SyncStepPointer() {
	if !t.HasSteps() {
		return
	}
	idx := len(t.Steps) - 1
	for i, s := range t.Steps {
		if s.Status != StepStatusDone {
			idx = i
			break
		}
	}
	t.CurrentStepIndex = idx
	t.OwnerID = t.Steps[idx].OwnerID
}

// NextOpenStep returns the index of the first non-DONE step strictly after
// from, or -1 when every remaining step is DONE.
func (t *Task) NextOpenStep(from int) int {
	for i := from + 1; i < len(t.Steps); i++ {
		if t.Steps[i].Status != StepStatusDone {
			return i
		}
	}
	return -1
}

// AllStepsDone reports whether every step has been completed.
func (t *Task) AllStepsDone() bool {
	for _, s := range t.Steps {
		if s.Status != StepStatusDone {
			return false
		}
	}
	return true
}
