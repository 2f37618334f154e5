package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// LoopStepStatus is the workflow state of a loop step. ACTIVE and BLOCKED are
// labels recomputed from the dependency graph, not independently stored
// transitions.
type LoopStepStatus string

const (
	LoopStepPending   LoopStepStatus = "PENDING"
	LoopStepActive    LoopStepStatus = "ACTIVE"
	LoopStepCompleted LoopStepStatus = "COMPLETED"
	LoopStepBlocked   LoopStepStatus = "BLOCKED"
)

// StepRef references another step in the same sequence, either by 0-based
// index or by stable step identity. On the wire it is a JSON number or a
// JSON string.
type StepRef struct {
	Index  int
	StepID string
}

// ByIndex reports whether the reference is index-addressed.
func (r StepRef) ByIndex() bool {
	return r.StepID == ""
}

// UnmarshalJSON accepts either a number (index) or a string (step identity).
func (r *StepRef) UnmarshalJSON(data []byte) error {
	var idx int
	if err := json.Unmarshal(data, &idx); err == nil {
		*r = StepRef{Index: idx}
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*r = StepRef{Index: -1, StepID: id}
		return nil
	}
	return fmt.Errorf("step reference must be an index or a step id, got %s", data)
}

// MarshalJSON emits the compact wire form.
func (r StepRef) MarshalJSON() ([]byte, error) {
	if r.ByIndex() {
		return json.Marshal(r.Index)
	}
	return json.Marshal(r.StepID)
}

// LoopStep is one unit of work in a loop sequence
type LoopStep struct {
	ID            string         `json:"id"`
	AssignedTo    string         `json:"assigned_to"`
	Description   string         `json:"description"`
	EstimatedTime string         `json:"estimated_time,omitempty"`
	Dependencies  []StepRef      `json:"dependencies,omitempty"`
	Status        LoopStepStatus `json:"status"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// Loop is the dependency-ordered workflow attached one-to-one to a stepped task
type Loop struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	Sequence    []LoopStep `json:"sequence"`
	CurrentStep int        `json:"current_step"` // min ACTIVE index, -1 when all COMPLETED
	IsActive    bool       `json:"is_active"`
	Parallel    bool       `json:"parallel"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ResolveDependency maps a StepRef to a sequence index, or -1 when the
// reference does not name a step in the sequence.
func (l *Loop) ResolveDependency(ref StepRef) int {
	if ref.ByIndex() {
		if ref.Index >= 0 && ref.Index < len(l.Sequence) {
			return ref.Index
		}
		return -1
	}
	for i, s := range l.Sequence {
		if s.ID == ref.StepID {
			return i
		}
	}
	return -1
}

// DependenciesMet reports whether every dependency of the step at idx
// resolves to a COMPLETED step. Unresolvable references count as unmet.
func (l *Loop) DependenciesMet(idx int) bool {
	for _, ref := range l.Sequence[idx].Dependencies {
		di := l.ResolveDependency(ref)
		if di < 0 || l.Sequence[di].Status != LoopStepCompleted {
			return false
		}
	}
	return true
}

// HistoryAction identifies the kind of loop audit entry
type HistoryAction string

const (
	HistoryCreate   HistoryAction = "CREATE"
	HistoryUpdate   HistoryAction = "UPDATE"
	HistoryComplete HistoryAction = "COMPLETE"
	HistoryReassign HistoryAction = "REASSIGN"
)

// LoopHistory is an append-only audit entry for a loop mutation. Entries are
// never updated; they are deleted only when the owning loop is deleted.
type LoopHistory struct {
	ID        string        `json:"id"`
	TaskID    string        `json:"task_id"`
	StepIndex int           `json:"step_index"`
	Action    HistoryAction `json:"action"`
	UserID    string        `json:"user_id"`
	CreatedAt time.Time     `json:"created_at"`
}
