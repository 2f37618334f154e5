package loopengine

import (
	"github.com/google/uuid"

	"loopboard/backend/pkg/models"
)

func newStepID() string {
	return uuid.New().String()
}

// DeriveLoop deterministically reconstructs a loop from a task's steps. It is
// a pure function with no side effects and returns nil for an empty step
// list.
//
// The active index is the provided currentStepIndex when it is in range,
// otherwise the first non-DONE step. Each step's projected status is
// COMPLETED when its task step is DONE or it precedes the active index,
// ACTIVE at the active index, BLOCKED after it. Derived dependencies are
// strictly linear: step i depends on step i-1.
func DeriveLoop(steps []models.TaskStep, currentStepIndex int, taskStatus models.TaskStatus) *models.Loop {
	if len(steps) == 0 {
		return nil
	}

	active := currentStepIndex
	if active < 0 || active >= len(steps) {
		active = 0
		for i, s := range steps {
			if s.Status != models.StepStatusDone {
				active = i
				break
			}
		}
	}

	loop := &models.Loop{
		Sequence: make([]models.LoopStep, len(steps)),
	}
	for i, s := range steps {
		ls := models.LoopStep{
			ID:          uuid.New().String(),
			AssignedTo:  s.OwnerID,
			Description: s.Title,
		}
		if i > 0 {
			ls.Dependencies = []models.StepRef{{Index: i - 1}}
		}
		switch {
		case s.Status == models.StepStatusDone || i < active:
			ls.Status = models.LoopStepCompleted
			ls.CompletedAt = s.CompletedAt
		case i == active:
			ls.Status = models.LoopStepActive
		default:
			ls.Status = models.LoopStepBlocked
		}
		loop.Sequence[i] = ls
	}

	syncPointers(loop)
	if taskStatus == models.TaskStatusDone {
		loop.IsActive = false
	}
	return loop
}

// Recompute re-derives the ACTIVE/BLOCKED labels for every non-COMPLETED
// step from the dependency graph, then re-establishes the CurrentStep and
// IsActive invariants. It returns the indices of steps that became ACTIVE in
// this pass.
func Recompute(loop *models.Loop) []int {
	var newlyActive []int
	for i := range loop.Sequence {
		s := &loop.Sequence[i]
		if s.Status == models.LoopStepCompleted {
			continue
		}
		if loop.DependenciesMet(i) {
			if s.Status != models.LoopStepActive {
				newlyActive = append(newlyActive, i)
			}
			s.Status = models.LoopStepActive
		} else {
			s.Status = models.LoopStepBlocked
		}
	}
	syncPointers(loop)
	return newlyActive
}

// refreshEdited re-derives loop state after a manual edit batch. BLOCKED
// steps whose dependencies are now COMPLETED become ACTIVE (returned as
// newly active), ACTIVE steps whose dependencies no longer hold fall back to
// BLOCKED, and an explicit PENDING reset keeps its label. CurrentStep then
// points at the earliest step still awaiting work (ACTIVE or PENDING), -1
// when every step is COMPLETED, and IsActive reflects whether any step is
// not yet COMPLETED.
func refreshEdited(loop *models.Loop) []int {
	var newlyActive []int
	for i := range loop.Sequence {
		s := &loop.Sequence[i]
		if s.Status == models.LoopStepCompleted || s.Status == models.LoopStepPending {
			continue
		}
		if loop.DependenciesMet(i) {
			if s.Status != models.LoopStepActive {
				newlyActive = append(newlyActive, i)
				s.Status = models.LoopStepActive
			}
		} else {
			s.Status = models.LoopStepBlocked
		}
	}

	loop.CurrentStep = -1
	loop.IsActive = false
	for i, s := range loop.Sequence {
		if s.Status == models.LoopStepCompleted {
			continue
		}
		loop.IsActive = true
		if s.Status != models.LoopStepBlocked && loop.CurrentStep == -1 {
			loop.CurrentStep = i
		}
	}
	return newlyActive
}

// syncPointers sets CurrentStep to the minimum ACTIVE index (-1 when none)
// and IsActive to whether any step is not yet COMPLETED.
func syncPointers(loop *models.Loop) {
	loop.CurrentStep = -1
	loop.IsActive = false
	for i, s := range loop.Sequence {
		if s.Status != models.LoopStepCompleted {
			loop.IsActive = true
		}
		if s.Status == models.LoopStepActive && loop.CurrentStep == -1 {
			loop.CurrentStep = i
		}
	}
}
