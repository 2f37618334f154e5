package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loopboard/backend/internal/auth"
	"loopboard/backend/internal/logging"
	"loopboard/backend/internal/loopengine"
	"loopboard/backend/internal/realtime"
	"loopboard/backend/internal/repository"
	"loopboard/backend/internal/txn"
	"loopboard/backend/pkg/models"
)

type directRunner struct {
	store repository.Store
}

func (r directRunner) Run(ctx context.Context, fn func(store repository.Store) error) error {
	return fn(r.store)
}

// collaborators records every notification and broadcast. It satisfies the
// collaborator interfaces of both this package and the loop engine.
type collaborators struct {
	assigned     [][]string
	stepReady    [][]string
	statusChange [][]string
	closure      [][]string

	transitioned []*realtime.TaskPatch
	updated      []*realtime.TaskPatch
	loops        []*models.Loop
}

func (c *collaborators) NotifyAssigned(ctx context.Context, userIDs []string, taskID, description string) {
	c.assigned = append(c.assigned, userIDs)
}

func (c *collaborators) NotifyStepReady(ctx context.Context, userIDs []string, taskID, description string) {
	c.stepReady = append(c.stepReady, userIDs)
}

func (c *collaborators) NotifyStatusChange(ctx context.Context, userIDs []string, taskID, description string) {
	c.statusChange = append(c.statusChange, userIDs)
}

func (c *collaborators) NotifyClosure(ctx context.Context, userIDs []string, taskID, description string) {
	c.closure = append(c.closure, userIDs)
}

func (c *collaborators) TaskTransitioned(taskID string, patch *realtime.TaskPatch) {
	c.transitioned = append(c.transitioned, patch)
}

func (c *collaborators) TaskUpdated(taskID string, patch *realtime.TaskPatch) {
	c.updated = append(c.updated, patch)
}

func (c *collaborators) LoopUpdated(taskID string, loop *models.Loop) {
	c.loops = append(c.loops, loop)
}

func newTestService(t *testing.T) (*TaskService, *repository.MemoryStore, *collaborators) {
	t.Helper()
	store := repository.NewMemoryStore()
	collab := &collaborators{}
	logger := logging.NewLogger()
	runner := directRunner{store: store}
	engine := loopengine.New(runner, store, collab, collab, logger)
	svc := NewTaskService(runner, store, engine, collab, collab, logger)
	return svc, store, collab
}

var (
	creator = auth.Identity{UserID: "creator", OrgID: "org1"}
	admin   = auth.Identity{UserID: "boss", OrgID: "org1", Admin: true}
)

func steppedRequest() CreateTaskRequest {
	return CreateTaskRequest{
		Title: "release v2",
		Steps: []StepInput{
			{Title: "draft", OwnerID: "u1"},
			{Title: "review", OwnerID: "u2"},
			{Title: "publish", OwnerID: "u3"},
		},
	}
}

func TestSimpleLifecycle(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, CreateTaskRequest{Title: "write docs"}, creator)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusOpen, task.Status)
	assert.Equal(t, "creator", task.OwnerID)

	for _, step := range []struct {
		action models.TaskAction
		want   models.TaskStatus
	}{
		{models.ActionStart, models.TaskStatusInProgress},
		{models.ActionSendForReview, models.TaskStatusInReview},
		{models.ActionRequestChanges, models.TaskStatusRevisions},
		{models.ActionSendForReview, models.TaskStatusInReview},
		{models.ActionDone, models.TaskStatusDone},
	} {
		task, err = svc.Transition(ctx, task.ID, step.action, creator)
		require.NoError(t, err, "action %s", step.action)
		assert.Equal(t, step.want, task.Status)
	}
}

func TestSimpleLifecycleRejectsWrongPrecondition(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, CreateTaskRequest{Title: "write docs"}, creator)
	require.NoError(t, err)

	cases := []models.TaskAction{
		models.ActionDone,           // OPEN -> DONE skips review
		models.ActionSendForReview,  // nothing in progress yet
		models.ActionRequestChanges, // nothing in review yet
		"BOGUS",
	}
	for _, action := range cases {
		_, err := svc.Transition(ctx, task.ID, action, creator)
		assert.ErrorIs(t, err, models.ErrInvalidAction, "action %s from OPEN", action)
	}
}

func TestTransitionAuthorization(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, CreateTaskRequest{Title: "write docs", OwnerID: "worker"}, creator)
	require.NoError(t, err)

	stranger := auth.Identity{UserID: "stranger", OrgID: "org1"}
	_, err = svc.Transition(ctx, task.ID, models.ActionStart, stranger)
	assert.ErrorIs(t, err, models.ErrForbidden)

	// Owner, creator and org admins may all act.
	_, err = svc.Transition(ctx, task.ID, models.ActionStart, auth.Identity{UserID: "worker", OrgID: "org1"})
	require.NoError(t, err)
	_, err = svc.Transition(ctx, task.ID, models.ActionSendForReview, creator)
	require.NoError(t, err)
	_, err = svc.Transition(ctx, task.ID, models.ActionDone, admin)
	require.NoError(t, err)
}

func TestTransitionScopedToOrganization(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, CreateTaskRequest{Title: "write docs"}, creator)
	require.NoError(t, err)

	outsider := auth.Identity{UserID: "creator", OrgID: "org2"}
	_, err = svc.Transition(ctx, task.ID, models.ActionStart, outsider)
	assert.ErrorIs(t, err, repository.ErrNotFound, "cross-org access reads as not found")
	_, err = svc.Get(ctx, task.ID, outsider)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCreateWithStepsDerivesLoop(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, steppedRequest(), creator)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusOpen, task.Status)
	assert.Equal(t, 0, task.CurrentStepIndex)
	assert.Equal(t, "u1", task.OwnerID, "owner mirrors the current step owner")

	loop, err := store.GetLoopByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, loop.Sequence, 3)
	assert.Equal(t, models.LoopStepActive, loop.Sequence[0].Status)
	assert.Equal(t, []models.StepRef{{Index: 0}}, loop.Sequence[1].Dependencies)

	history, err := store.ListHistory(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestSteppedTaskAcceptsOnlyDone(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, steppedRequest(), creator)
	require.NoError(t, err)

	for _, action := range []models.TaskAction{models.ActionStart, models.ActionSendForReview, models.ActionRequestChanges} {
		_, err := svc.Transition(ctx, task.ID, action, admin)
		assert.ErrorIs(t, err, models.ErrInvalidAction, "action %s on stepped task", action)
	}
}

func TestSteppedCompletionAdvances(t *testing.T) {
	svc, store, collab := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, steppedRequest(), creator)
	require.NoError(t, err)
	collab.assigned = nil
	collab.stepReady = nil

	stepOwner := auth.Identity{UserID: "u1", OrgID: "org1"}
	task, err = svc.Transition(ctx, task.ID, models.ActionDone, stepOwner)
	require.NoError(t, err)

	assert.Equal(t, models.StepStatusDone, task.Steps[0].Status)
	require.NotNil(t, task.Steps[0].CompletedAt)
	assert.Equal(t, 1, task.CurrentStepIndex)
	assert.Equal(t, "u2", task.OwnerID)
	assert.Equal(t, models.TaskStatusFlowInProgress, task.Status)

	// The attached loop moved in the same unit of work.
	loop, err := store.GetLoopByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoopStepCompleted, loop.Sequence[0].Status)
	assert.Equal(t, 1, loop.CurrentStep)

	// The new step owner hears exactly once, through the loop activation.
	require.Len(t, collab.assigned, 1)
	assert.Equal(t, []string{"u2"}, collab.assigned[0])
	require.Len(t, collab.stepReady, 1)

	// The broadcast patch carries only what changed.
	require.Len(t, collab.transitioned, 1)
	patch := collab.transitioned[0]
	require.NotNil(t, patch)
	require.NotNil(t, patch.Status)
	assert.Equal(t, models.TaskStatusFlowInProgress, *patch.Status)
	require.NotNil(t, patch.CurrentStepIndex)
	assert.Equal(t, 1, *patch.CurrentStepIndex)
	assert.Nil(t, patch.Title)
}

func TestSteppedCompletionAuthorization(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, steppedRequest(), creator)
	require.NoError(t, err)

	// Not even the creator may complete someone else's step.
	_, err = svc.Transition(ctx, task.ID, models.ActionDone, creator)
	assert.ErrorIs(t, err, models.ErrForbidden)

	// An org admin may.
	task, err = svc.Transition(ctx, task.ID, models.ActionDone, admin)
	require.NoError(t, err)
	assert.Equal(t, 1, task.CurrentStepIndex)
}

func TestSteppedCompletionConflictOnDoneStep(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	task := &models.Task{
		OrgID: "org1", Title: "stale pointer", Status: models.TaskStatusFlowInProgress,
		CreatedBy: "creator",
		Steps: []models.TaskStep{
			{Title: "draft", OwnerID: "u1", Status: models.StepStatusDone},
			{Title: "review", OwnerID: "u2", Status: models.StepStatusOpen},
		},
		CurrentStepIndex: 0,
	}
	require.NoError(t, store.CreateTask(ctx, task))

	_, err := svc.Transition(ctx, task.ID, models.ActionDone, admin)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestSteppedCompletionFinishesTask(t *testing.T) {
	svc, store, collab := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, CreateTaskRequest{
		Title: "two step",
		Steps: []StepInput{
			{Title: "a", OwnerID: "u1"},
			{Title: "b", OwnerID: "u2"},
		},
	}, creator)
	require.NoError(t, err)

	_, err = svc.Transition(ctx, task.ID, models.ActionDone, auth.Identity{UserID: "u1", OrgID: "org1"})
	require.NoError(t, err)
	collab.closure = nil

	task, err = svc.Transition(ctx, task.ID, models.ActionDone, auth.Identity{UserID: "u2", OrgID: "org1"})
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusDone, task.Status)
	assert.Equal(t, 1, task.CurrentStepIndex, "pointer stays on the last step when all are done")
	assert.True(t, task.AllStepsDone())

	loop, err := store.GetLoopByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, loop.IsActive)
	assert.Equal(t, -1, loop.CurrentStep)

	// Closure goes to every participant except the actor.
	require.Len(t, collab.closure, 1)
	assert.ElementsMatch(t, []string{"creator", "u1"}, collab.closure[0])
}

func TestSteppedCompletionWithoutLoop(t *testing.T) {
	svc, store, collab := newTestService(t)
	ctx := context.Background()

	// A stepped task whose loop was deleted still advances; the handoff
	// notification comes from the task side instead of the loop activation.
	task := &models.Task{
		OrgID: "org1", Title: "no loop", Status: models.TaskStatusOpen,
		CreatedBy: "creator",
		Steps: []models.TaskStep{
			{Title: "draft", OwnerID: "u1", Status: models.StepStatusOpen},
			{Title: "review", OwnerID: "u2", Status: models.StepStatusOpen},
		},
	}
	task.SyncStepPointer()
	require.NoError(t, store.CreateTask(ctx, task))

	task, err := svc.Transition(ctx, task.ID, models.ActionDone, auth.Identity{UserID: "u1", OrgID: "org1"})
	require.NoError(t, err)

	assert.Equal(t, 1, task.CurrentStepIndex)
	require.Len(t, collab.assigned, 1)
	assert.Equal(t, []string{"u2"}, collab.assigned[0])
	require.Len(t, collab.stepReady, 1)
}

// unsupportedBeginner simulates a backend that rejects multi-statement
// transactions at BeginTx.
type unsupportedBeginner struct {
	calls int
}

func (b *unsupportedBeginner) BeginTx(ctx context.Context) (txn.Tx, error) {
	b.calls++
	return nil, errors.New("transactions are not supported by this deployment")
}

func TestTransitionFallsBackWithoutTransactions(t *testing.T) {
	store := repository.NewMemoryStore()
	collab := &collaborators{}
	logger := logging.NewLogger()
	beginner := &unsupportedBeginner{}
	runner := txn.StoreRunner{DB: beginner, Fallback: nil, Store: store}
	engine := loopengine.New(runner, store, collab, collab, logger)
	svc := NewTaskService(runner, store, engine, collab, collab, logger)
	ctx := context.Background()

	task, err := svc.Create(ctx, steppedRequest(), creator)
	require.NoError(t, err)
	collab.assigned = nil

	task, err = svc.Transition(ctx, task.ID, models.ActionDone, auth.Identity{UserID: "u1", OrgID: "org1"})
	require.NoError(t, err)
	assert.Equal(t, 1, task.CurrentStepIndex)
	assert.Greater(t, beginner.calls, 0)

	// Side effects of the fallback path are exactly-once.
	history, err := store.ListHistory(ctx, task.ID)
	require.NoError(t, err)
	var completes int
	for _, h := range history {
		if h.Action == models.HistoryComplete {
			completes++
		}
	}
	assert.Equal(t, 1, completes)
	require.Len(t, collab.assigned, 1)
}

func TestDeleteRemovesTaskAndLoop(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, steppedRequest(), creator)
	require.NoError(t, err)

	err = svc.Delete(ctx, task.ID, auth.Identity{UserID: "stranger", OrgID: "org1"})
	assert.ErrorIs(t, err, models.ErrForbidden)

	require.NoError(t, svc.Delete(ctx, task.ID, creator))
	_, err = store.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = store.GetLoopByTask(ctx, task.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateTaskRequest{}, creator)
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = svc.Create(ctx, CreateTaskRequest{
		Title: "bad step",
		Steps: []StepInput{{Title: "no owner"}},
	}, creator)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 0, verr.Errors[0].Index)
}
