package loopengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loopboard/backend/pkg/models"
)

func TestDeriveLoopEmptySteps(t *testing.T) {
	assert.Nil(t, DeriveLoop(nil, 0, models.TaskStatusOpen))
	assert.Nil(t, DeriveLoop([]models.TaskStep{}, 0, models.TaskStatusOpen))
}

func TestDeriveLoopFresh(t *testing.T) {
	steps := []models.TaskStep{
		{Title: "draft", OwnerID: "u1", Status: models.StepStatusOpen},
		{Title: "review", OwnerID: "u2", Status: models.StepStatusOpen},
		{Title: "publish", OwnerID: "u3", Status: models.StepStatusOpen},
	}

	loop := DeriveLoop(steps, 0, models.TaskStatusOpen)
	require.NotNil(t, loop)
	require.Len(t, loop.Sequence, 3)

	assert.Equal(t, models.LoopStepActive, loop.Sequence[0].Status)
	assert.Equal(t, models.LoopStepBlocked, loop.Sequence[1].Status)
	assert.Equal(t, models.LoopStepBlocked, loop.Sequence[2].Status)

	// Derived dependencies are strictly linear.
	assert.Empty(t, loop.Sequence[0].Dependencies)
	assert.Equal(t, []models.StepRef{{Index: 0}}, loop.Sequence[1].Dependencies)
	assert.Equal(t, []models.StepRef{{Index: 1}}, loop.Sequence[2].Dependencies)

	assert.Equal(t, 0, loop.CurrentStep)
	assert.True(t, loop.IsActive)
	for i, s := range loop.Sequence {
		assert.NotEmpty(t, s.ID, "step %d id", i)
		assert.Equal(t, steps[i].OwnerID, s.AssignedTo)
		assert.Equal(t, steps[i].Title, s.Description)
	}
}

func TestDeriveLoopMidway(t *testing.T) {
	done := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	steps := []models.TaskStep{
		{Title: "draft", OwnerID: "u1", Status: models.StepStatusDone, CompletedAt: &done},
		{Title: "review", OwnerID: "u2", Status: models.StepStatusOpen},
		{Title: "publish", OwnerID: "u3", Status: models.StepStatusOpen},
	}

	loop := DeriveLoop(steps, 1, models.TaskStatusFlowInProgress)
	require.NotNil(t, loop)

	assert.Equal(t, models.LoopStepCompleted, loop.Sequence[0].Status)
	require.NotNil(t, loop.Sequence[0].CompletedAt)
	assert.Equal(t, done, *loop.Sequence[0].CompletedAt)
	assert.Equal(t, models.LoopStepActive, loop.Sequence[1].Status)
	assert.Equal(t, models.LoopStepBlocked, loop.Sequence[2].Status)
	assert.Equal(t, 1, loop.CurrentStep)
	assert.True(t, loop.IsActive)
}

func TestDeriveLoopPointerOutOfRange(t *testing.T) {
	steps := []models.TaskStep{
		{Title: "a", OwnerID: "u1", Status: models.StepStatusDone},
		{Title: "b", OwnerID: "u2", Status: models.StepStatusOpen},
	}

	loop := DeriveLoop(steps, 7, models.TaskStatusFlowInProgress)
	require.NotNil(t, loop)
	assert.Equal(t, models.LoopStepCompleted, loop.Sequence[0].Status)
	assert.Equal(t, models.LoopStepActive, loop.Sequence[1].Status)
	assert.Equal(t, 1, loop.CurrentStep)
}

func TestDeriveLoopFinishedTask(t *testing.T) {
	steps := []models.TaskStep{
		{Title: "a", OwnerID: "u1", Status: models.StepStatusDone},
		{Title: "b", OwnerID: "u2", Status: models.StepStatusDone},
	}

	loop := DeriveLoop(steps, 1, models.TaskStatusDone)
	require.NotNil(t, loop)
	assert.Equal(t, models.LoopStepCompleted, loop.Sequence[0].Status)
	assert.Equal(t, models.LoopStepCompleted, loop.Sequence[1].Status)
	assert.Equal(t, -1, loop.CurrentStep)
	assert.False(t, loop.IsActive)
}

func TestRecomputeDiamond(t *testing.T) {
	// 0 -> {1, 2} -> 3
	loop := &models.Loop{Sequence: []models.LoopStep{
		{ID: "s0", Status: models.LoopStepCompleted},
		{ID: "s1", Status: models.LoopStepBlocked, Dependencies: []models.StepRef{{Index: 0}}},
		{ID: "s2", Status: models.LoopStepBlocked, Dependencies: []models.StepRef{{Index: 0}}},
		{ID: "s3", Status: models.LoopStepBlocked, Dependencies: []models.StepRef{{Index: 1}, {Index: 2}}},
	}}

	newlyActive := Recompute(loop)

	assert.Equal(t, []int{1, 2}, newlyActive)
	assert.Equal(t, models.LoopStepActive, loop.Sequence[1].Status)
	assert.Equal(t, models.LoopStepActive, loop.Sequence[2].Status)
	assert.Equal(t, models.LoopStepBlocked, loop.Sequence[3].Status)
	assert.Equal(t, 1, loop.CurrentStep)
	assert.True(t, loop.IsActive)
}

func TestRecomputeIdentityReference(t *testing.T) {
	loop := &models.Loop{Sequence: []models.LoopStep{
		{ID: "root", Status: models.LoopStepCompleted},
		{ID: "leaf", Status: models.LoopStepPending, Dependencies: []models.StepRef{{Index: -1, StepID: "root"}}},
	}}

	newlyActive := Recompute(loop)

	assert.Equal(t, []int{1}, newlyActive)
	assert.Equal(t, models.LoopStepActive, loop.Sequence[1].Status)
}

func TestRecomputeUnresolvableReferenceBlocks(t *testing.T) {
	loop := &models.Loop{Sequence: []models.LoopStep{
		{ID: "s0", Status: models.LoopStepCompleted},
		{ID: "s1", Status: models.LoopStepPending, Dependencies: []models.StepRef{{Index: -1, StepID: "missing"}}},
	}}

	newlyActive := Recompute(loop)

	assert.Empty(t, newlyActive)
	assert.Equal(t, models.LoopStepBlocked, loop.Sequence[1].Status)
	assert.Equal(t, -1, loop.CurrentStep)
	assert.True(t, loop.IsActive)
}

func TestRecomputeIsStable(t *testing.T) {
	loop := &models.Loop{Sequence: []models.LoopStep{
		{ID: "s0", Status: models.LoopStepCompleted},
		{ID: "s1", Status: models.LoopStepPending, Dependencies: []models.StepRef{{Index: 0}}},
	}}

	first := Recompute(loop)
	second := Recompute(loop)

	assert.Equal(t, []int{1}, first)
	assert.Empty(t, second, "a second pass must not report already-ACTIVE steps")
}
