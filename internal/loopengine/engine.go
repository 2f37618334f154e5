// Package loopengine implements the dependency-driven step workflow attached
// to stepped tasks: loop derivation, creation, completion with full
// ACTIVE/BLOCKED recomputation, and batch mutation with atomic validation.
package loopengine

import (
	"context"
	"fmt"
	"time"

	"loopboard/backend/internal/logging"
	"loopboard/backend/internal/repository"
	"loopboard/backend/pkg/models"
)

// Runner executes a unit of work against the store, inside a transaction
// when the backend supports one (see the txn package).
type Runner interface {
	Run(ctx context.Context, fn func(store repository.Store) error) error
}

// Notifier is the external notification collaborator. Implementations are
// fire-and-forget and must not propagate errors to the caller.
type Notifier interface {
	NotifyAssigned(ctx context.Context, userIDs []string, taskID, description string)
	NotifyStepReady(ctx context.Context, userIDs []string, taskID, description string)
}

// Broadcaster fans loop changes out to realtime subscribers.
type Broadcaster interface {
	LoopUpdated(taskID string, loop *models.Loop)
}

// StepDef is one step in a loop-creation request.
type StepDef struct {
	AssignedTo    string           `json:"assigned_to"`
	Description   string           `json:"description"`
	EstimatedTime string           `json:"estimated_time,omitempty"`
	Dependencies  []models.StepRef `json:"dependencies,omitempty"`
}

// StepEdit is one index-addressed change in a loop mutation batch.
type StepEdit struct {
	Index       int                    `json:"index"`
	AssignedTo  *string                `json:"assigned_to,omitempty"`
	Description *string                `json:"description,omitempty"`
	Status      *models.LoopStepStatus `json:"status,omitempty"`
}

// MutateRequest is a batch of loop edits, validated atomically.
type MutateRequest struct {
	Parallel *bool      `json:"parallel,omitempty"`
	Sequence []StepEdit `json:"sequence,omitempty"`
}

// Engine owns all loop mutations.
type Engine struct {
	runner   Runner
	store    repository.Store
	notifier Notifier
	events   Broadcaster
	logger   *logging.Logger
}

// New creates a new Engine. store is used for plain reads; every mutation
// runs through runner.
func New(runner Runner, store repository.Store, notifier Notifier, events Broadcaster, logger *logging.Logger) *Engine {
	return &Engine{
		runner:   runner,
		store:    store,
		notifier: notifier,
		events:   events,
		logger:   logger,
	}
}

// Get returns the loop attached to a task.
func (e *Engine) Get(ctx context.Context, taskID string) (*models.Loop, error) {
	return e.store.GetLoopByTask(ctx, taskID)
}

// Create validates and persists a loop from explicit step definitions. Every
// dependency reference must be a valid 0-based index below the submitted
// sequence length; failures are itemized per step and the whole request is
// rejected. On success one CREATE history row is appended per step.
func (e *Engine) Create(ctx context.Context, task *models.Task, actorID string, defs []StepDef, parallel bool) (*models.Loop, error) {
	var verr models.ValidationError
	for i, def := range defs {
		if def.AssignedTo == "" {
			verr.Errors = append(verr.Errors, models.StepError{Index: i, Message: "assigned_to is required"})
		}
		for _, ref := range def.Dependencies {
			if !ref.ByIndex() {
				verr.Errors = append(verr.Errors, models.StepError{
					Index: i, Message: fmt.Sprintf("dependency %q: identity references are not valid at creation", ref.StepID)})
				continue
			}
			if ref.Index < 0 || ref.Index >= len(defs) {
				verr.Errors = append(verr.Errors, models.StepError{
					Index: i, Message: fmt.Sprintf("dependency index %d out of range (sequence has %d steps)", ref.Index, len(defs))})
			}
		}
	}
	if len(verr.Errors) > 0 {
		return nil, &verr
	}

	loop := &models.Loop{
		TaskID:   task.ID,
		Parallel: parallel,
		Sequence: make([]models.LoopStep, len(defs)),
	}
	for i, def := range defs {
		loop.Sequence[i] = models.LoopStep{
			ID:            newStepID(),
			AssignedTo:    def.AssignedTo,
			Description:   def.Description,
			EstimatedTime: def.EstimatedTime,
			Dependencies:  def.Dependencies,
			Status:        models.LoopStepPending,
		}
	}
	Recompute(loop)

	err := e.runner.Run(ctx, func(store repository.Store) error {
		if err := store.CreateLoop(ctx, loop); err != nil {
			return err
		}
		history := make([]models.LoopHistory, len(loop.Sequence))
		for i := range loop.Sequence {
			history[i] = models.LoopHistory{
				TaskID:    task.ID,
				StepIndex: i,
				Action:    models.HistoryCreate,
				UserID:    actorID,
			}
		}
		return store.AppendHistory(ctx, history)
	})
	if err != nil {
		return nil, err
	}

	e.events.LoopUpdated(task.ID, loop)
	return loop, nil
}

// CompleteStep marks the step at stepIndex COMPLETED and recomputes the
// ACTIVE/BLOCKED label of every remaining step from the dependency graph.
//
// An out-of-range index or an already-COMPLETED target is a no-op returning
// the loop unchanged; that check is what makes completion idempotent and
// side effects exactly-once. The mutation, its COMPLETE history row and the
// task-side bookkeeping are atomic under the runner; notifications for newly
// activated steps go out afterwards, batched per distinct assignee.
func (e *Engine) CompleteStep(ctx context.Context, taskID string, stepIndex int, actorID string) (*models.Loop, error) {
	var (
		out         *models.Loop
		newlyActive []int
		changed     bool
	)
	err := e.runner.Run(ctx, func(store repository.Store) error {
		var err error
		out, newlyActive, changed, err = e.CompleteStepIn(ctx, store, taskID, stepIndex, actorID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.AnnounceCompletion(ctx, out, newlyActive, changed)
	return out, nil
}

// CompleteStepIn is the transactional core of CompleteStep. It runs inside
// the caller's store view so the task state machine can fold the loop
// mutation into its own transaction. It reports the loop, the indices that
// became ACTIVE and whether anything changed; the caller is responsible for
// calling AnnounceCompletion after its transaction commits.
func (e *Engine) CompleteStepIn(ctx context.Context, store repository.Store, taskID string, stepIndex int, actorID string) (*models.Loop, []int, bool, error) {
	// Always start from the latest persisted state: concurrent completions
	// on sibling steps converge because the recompute is deterministic.
	loop, err := store.GetLoopByTask(ctx, taskID)
	if err != nil {
		return nil, nil, false, err
	}

	if stepIndex < 0 || stepIndex >= len(loop.Sequence) {
		return loop, nil, false, nil
	}
	if loop.Sequence[stepIndex].Status == models.LoopStepCompleted {
		return loop, nil, false, nil
	}

	now := time.Now().UTC()
	loop.Sequence[stepIndex].Status = models.LoopStepCompleted
	loop.Sequence[stepIndex].CompletedAt = &now
	newlyActive := Recompute(loop)

	if err := store.SaveLoop(ctx, loop); err != nil {
		return nil, nil, false, err
	}
	err = store.AppendHistory(ctx, []models.LoopHistory{{
		TaskID:    taskID,
		StepIndex: stepIndex,
		Action:    models.HistoryComplete,
		UserID:    actorID,
	}})
	if err != nil {
		return nil, nil, false, err
	}
	return loop, newlyActive, true, nil
}

// AnnounceCompletion emits the notifications and the realtime broadcast for
// a completion once it is durable. A no-op completion announces nothing,
// which is what keeps repeated requests side-effect free.
func (e *Engine) AnnounceCompletion(ctx context.Context, loop *models.Loop, newlyActive []int, changed bool) {
	if !changed || loop == nil {
		return
	}
	e.notifyActivated(ctx, loop, newlyActive)
	e.events.LoopUpdated(loop.TaskID, loop)
}

// Mutate applies an index-addressed batch of edits. The whole batch is
// validated before any change is applied; any failure rejects the batch with
// itemized errors and no partial writes.
func (e *Engine) Mutate(ctx context.Context, task *models.Task, actorID string, req MutateRequest) (*models.Loop, error) {
	var (
		out         *models.Loop
		reassigned  map[string]bool
		newlyActive []int
	)
	err := e.runner.Run(ctx, func(store repository.Store) error {
		reassigned = make(map[string]bool)
		newlyActive = nil
		loop, err := store.GetLoopByTask(ctx, task.ID)
		if err != nil {
			return err
		}
		out = loop

		if verr := e.validateEdits(ctx, store, task, loop, req.Sequence); verr != nil {
			return verr
		}

		if req.Parallel != nil {
			loop.Parallel = *req.Parallel
		}

		var history []models.LoopHistory
		for _, edit := range req.Sequence {
			step := &loop.Sequence[edit.Index]

			if edit.AssignedTo != nil && *edit.AssignedTo != step.AssignedTo {
				prev := step.AssignedTo
				step.AssignedTo = *edit.AssignedTo
				reassigned[prev] = true
				reassigned[step.AssignedTo] = true
				history = append(history, models.LoopHistory{
					TaskID: task.ID, StepIndex: edit.Index,
					Action: models.HistoryReassign, UserID: actorID,
				})
				// Reassigning work that already started sends the step back
				// to PENDING unless the caller set a status explicitly. The
				// pointer pull-back falls out of refreshEdited below.
				if step.Status != models.LoopStepPending && edit.Status == nil {
					step.Status = models.LoopStepPending
					step.CompletedAt = nil
				}
			}

			if edit.Description != nil && *edit.Description != step.Description {
				step.Description = *edit.Description
				history = append(history, models.LoopHistory{
					TaskID: task.ID, StepIndex: edit.Index,
					Action: models.HistoryUpdate, UserID: actorID,
				})
			}

			if edit.Status != nil && *edit.Status != step.Status {
				step.Status = *edit.Status
				if *edit.Status == models.LoopStepCompleted {
					now := time.Now().UTC()
					step.CompletedAt = &now
				} else {
					step.CompletedAt = nil
				}
				history = append(history, models.LoopHistory{
					TaskID: task.ID, StepIndex: edit.Index,
					Action: models.HistoryUpdate, UserID: actorID,
				})
			}
		}

		// An edit batch can complete, reset or revive steps; re-derive the
		// labels and pointers so dependents unlock and the loop invariants
		// hold before the save.
		newlyActive = refreshEdited(loop)

		if err := store.SaveLoop(ctx, loop); err != nil {
			return err
		}
		if len(history) > 0 {
			return store.AppendHistory(ctx, history)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.notifyActivated(ctx, out, newlyActive)

	if len(reassigned) > 0 {
		users := make([]string, 0, len(reassigned))
		for id := range reassigned {
			if id != "" {
				users = append(users, id)
			}
		}
		e.notifier.NotifyAssigned(ctx, users, task.ID, task.Title)
	}
	e.events.LoopUpdated(task.ID, out)
	return out, nil
}

// Delete removes a task's loop together with its history.
func (e *Engine) Delete(ctx context.Context, taskID string) error {
	return e.runner.Run(ctx, func(store repository.Store) error {
		found, err := store.DeleteLoopByTask(ctx, taskID)
		if err != nil {
			return err
		}
		if !found {
			return repository.ErrNotFound
		}
		return nil
	})
}

// validateEdits checks the whole batch before anything is applied: duplicate
// target indices, out-of-bounds indices, unknown assignees and assignees
// outside the task's organization are collected into a per-index error list.
func (e *Engine) validateEdits(ctx context.Context, store repository.Store, task *models.Task, loop *models.Loop, edits []StepEdit) *models.ValidationError {
	var verr models.ValidationError
	seen := make(map[int]bool)
	for _, edit := range edits {
		if edit.Index < 0 || edit.Index >= len(loop.Sequence) {
			verr.Errors = append(verr.Errors, models.StepError{
				Index: edit.Index, Message: fmt.Sprintf("index %d out of range (sequence has %d steps)", edit.Index, len(loop.Sequence))})
			continue
		}
		if seen[edit.Index] {
			verr.Errors = append(verr.Errors, models.StepError{
				Index: edit.Index, Message: "duplicate step index in batch"})
			continue
		}
		seen[edit.Index] = true

		if edit.AssignedTo != nil {
			user, err := store.GetUser(ctx, *edit.AssignedTo)
			if err != nil {
				verr.Errors = append(verr.Errors, models.StepError{
					Index: edit.Index, Message: fmt.Sprintf("unknown assignee %q", *edit.AssignedTo)})
				continue
			}
			if user.OrgID != task.OrgID {
				verr.Errors = append(verr.Errors, models.StepError{
					Index: edit.Index, Message: fmt.Sprintf("assignee %q is outside the task's organization", *edit.AssignedTo)})
			}
		}
	}
	if len(verr.Errors) > 0 {
		return &verr
	}
	return nil
}

// notifyActivated sends one assignment notice and one step-ready notice to
// each distinct assignee of the newly ACTIVE steps.
func (e *Engine) notifyActivated(ctx context.Context, loop *models.Loop, newlyActive []int) {
	if len(newlyActive) == 0 {
		return
	}
	seen := make(map[string]bool)
	var users []string
	desc := ""
	for _, idx := range newlyActive {
		step := loop.Sequence[idx]
		if step.AssignedTo == "" || seen[step.AssignedTo] {
			continue
		}
		seen[step.AssignedTo] = true
		users = append(users, step.AssignedTo)
		if desc == "" {
			desc = step.Description
		}
	}
	if len(users) == 0 {
		return
	}
	e.notifier.NotifyAssigned(ctx, users, loop.TaskID, desc)
	e.notifier.NotifyStepReady(ctx, users, loop.TaskID, desc)
}
