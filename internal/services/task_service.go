// Package services implements the task lifecycle state machine on top of the
// repository and the loop engine.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"loopboard/backend/internal/auth"
	"loopboard/backend/internal/logging"
	"loopboard/backend/internal/loopengine"
	"loopboard/backend/internal/realtime"
	"loopboard/backend/internal/repository"
	"loopboard/backend/pkg/models"
)

// Runner executes a unit of work against the store, inside a transaction
// when the backend supports one.
type Runner interface {
	Run(ctx context.Context, fn func(store repository.Store) error) error
}

// Notifier is the external notification collaborator.
type Notifier interface {
	NotifyAssigned(ctx context.Context, userIDs []string, taskID, description string)
	NotifyStepReady(ctx context.Context, userIDs []string, taskID, description string)
	NotifyStatusChange(ctx context.Context, userIDs []string, taskID, description string)
	NotifyClosure(ctx context.Context, userIDs []string, taskID, description string)
}

// Broadcaster fans task changes out to realtime subscribers.
type Broadcaster interface {
	TaskUpdated(taskID string, patch *realtime.TaskPatch)
	TaskTransitioned(taskID string, patch *realtime.TaskPatch)
}

// StepInput is one step in a task creation request.
type StepInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	OwnerID     string     `json:"owner_id"`
	DueAt       *time.Time `json:"due_at,omitempty"`
}

// CreateTaskRequest is the payload for creating a task.
type CreateTaskRequest struct {
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	OwnerID     string      `json:"owner_id,omitempty"`
	Steps       []StepInput `json:"steps,omitempty"`
	HelperIDs   []string    `json:"helper_ids,omitempty"`
	MentionIDs  []string    `json:"mention_ids,omitempty"`
}

// TaskService advances task lifecycles. Every multi-document write runs
// through the Runner so behavior is identical with and without transaction
// support.
type TaskService struct {
	runner   Runner
	store    repository.Store
	engine   *loopengine.Engine
	notifier Notifier
	events   Broadcaster
	logger   *logging.Logger

	transitions metric.Int64Counter
}

// NewTaskService creates a TaskService.
func NewTaskService(runner Runner, store repository.Store, engine *loopengine.Engine, notifier Notifier, events Broadcaster, logger *logging.Logger) *TaskService {
	transitions, _ := otel.Meter("loopboard/backend/services").Int64Counter("task.transitions")
	return &TaskService{
		runner:      runner,
		store:       store,
		engine:      engine,
		notifier:    notifier,
		events:      events,
		logger:      logger,
		transitions: transitions,
	}
}

// Create persists a new task. A task created with steps immediately gets its
// derived loop, in the same transaction, with one CREATE history row per
// step.
func (s *TaskService) Create(ctx context.Context, req CreateTaskRequest, actor auth.Identity) (*models.Task, error) {
	if req.Title == "" {
		return nil, &models.ValidationError{Errors: []models.StepError{{Index: -1, Message: "title is required"}}}
	}
	owner := req.OwnerID
	if owner == "" {
		owner = actor.UserID
	}

	task := &models.Task{
		OrgID:       actor.OrgID,
		Title:       req.Title,
		Description: req.Description,
		Status:      models.TaskStatusOpen,
		OwnerID:     owner,
		CreatedBy:   actor.UserID,
		HelperIDs:   req.HelperIDs,
		MentionIDs:  req.MentionIDs,
	}
	for _, in := range req.Steps {
		if in.OwnerID == "" {
			return nil, &models.ValidationError{Errors: []models.StepError{{Index: len(task.Steps), Message: "step owner_id is required"}}}
		}
		task.Steps = append(task.Steps, models.TaskStep{
			Title:       in.Title,
			Description: in.Description,
			OwnerID:     in.OwnerID,
			DueAt:       in.DueAt,
			Status:      models.StepStatusOpen,
		})
	}
	task.SyncStepPointer()

	err := s.runner.Run(ctx, func(store repository.Store) error {
		if err := store.CreateTask(ctx, task); err != nil {
			return err
		}
		if !task.HasSteps() {
			return nil
		}
		loop := loopengine.DeriveLoop(task.Steps, task.CurrentStepIndex, task.Status)
		loop.TaskID = task.ID
		if err := store.CreateLoop(ctx, loop); err != nil {
			return err
		}
		history := make([]models.LoopHistory, len(loop.Sequence))
		for i := range loop.Sequence {
			history[i] = models.LoopHistory{
				TaskID:    task.ID,
				StepIndex: i,
				Action:    models.HistoryCreate,
				UserID:    actor.UserID,
			}
		}
		return store.AppendHistory(ctx, history)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Get returns a task visible to the actor.
func (s *TaskService) Get(ctx context.Context, taskID string, actor auth.Identity) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.OrgID != actor.OrgID {
		return nil, repository.ErrNotFound
	}
	return task, nil
}

// List returns the actor's organization's tasks.
func (s *TaskService) List(ctx context.Context, actor auth.Identity) ([]*models.Task, error) {
	return s.store.ListTasks(ctx, actor.OrgID)
}

// Delete removes a task together with its loop and history.
func (s *TaskService) Delete(ctx context.Context, taskID string, actor auth.Identity) error {
	return s.runner.Run(ctx, func(store repository.Store) error {
		task, err := store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.OrgID != actor.OrgID {
			return repository.ErrNotFound
		}
		if actor.UserID != task.CreatedBy && !actor.Admin {
			return models.ErrForbidden
		}
		if _, err := store.DeleteLoopByTask(ctx, taskID); err != nil {
			return err
		}
		_, err = store.DeleteTask(ctx, taskID)
		return err
	})
}

// Transition advances a task's lifecycle. Tasks without steps follow the
// simple review state machine; stepped tasks accept only DONE, which
// completes the current step and is folded together with the attached
// loop's completion into one transaction.
func (s *TaskService) Transition(ctx context.Context, taskID string, action models.TaskAction, actor auth.Identity) (*models.Task, error) {
	var (
		before, after *models.Task
		loop          *models.Loop
		newlyActive   []int
		loopChanged   bool
		advancedTo    int
	)
	err := s.runner.Run(ctx, func(store repository.Store) error {
		loop, newlyActive, loopChanged, advancedTo = nil, nil, false, -1

		task, err := store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.OrgID != actor.OrgID {
			return repository.ErrNotFound
		}
		before = snapshot(task)

		if task.HasSteps() {
			advancedTo, err = s.applyStepped(task, action, actor)
			if err != nil {
				return err
			}
			if err := store.SaveTask(ctx, task); err != nil {
				return err
			}
			// Keep the attached loop consistent with the completed step.
			completedIdx := before.CurrentStepIndex
			loop, newlyActive, loopChanged, err = s.engine.CompleteStepIn(ctx, store, taskID, completedIdx, actor.UserID)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return err
			}
		} else {
			if err := s.applySimple(task, action, actor); err != nil {
				return err
			}
			if err := store.SaveTask(ctx, task); err != nil {
				return err
			}
		}

		after = task
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.transitions.Add(ctx, 1)
	s.announce(ctx, before, after, actor, advancedTo, loop, newlyActive, loopChanged)
	return after, nil
}

// applySimple is the no-steps state machine. An action attempted from a
// status outside its precondition is an invalid-action error, not a no-op.
func (s *TaskService) applySimple(task *models.Task, action models.TaskAction, actor auth.Identity) error {
	if actor.UserID != task.CreatedBy && actor.UserID != task.OwnerID && !actor.Admin {
		return models.ErrForbidden
	}
	switch action {
	case models.ActionStart:
		if task.Status != models.TaskStatusOpen {
			return invalidAction(action, task.Status)
		}
		task.Status = models.TaskStatusInProgress
	case models.ActionSendForReview:
		if task.Status != models.TaskStatusInProgress && task.Status != models.TaskStatusRevisions {
			return invalidAction(action, task.Status)
		}
		task.Status = models.TaskStatusInReview
	case models.ActionRequestChanges:
		if task.Status != models.TaskStatusInReview {
			return invalidAction(action, task.Status)
		}
		task.Status = models.TaskStatusRevisions
	case models.ActionDone:
		if task.Status != models.TaskStatusInReview && task.Status != models.TaskStatusRevisions {
			return invalidAction(action, task.Status)
		}
		task.Status = models.TaskStatusDone
	default:
		return invalidAction(action, task.Status)
	}
	return nil
}

// applyStepped completes the current step. It returns the index the task
// advanced to, or -1 when the task finished.
func (s *TaskService) applyStepped(task *models.Task, action models.TaskAction, actor auth.Identity) (int, error) {
	if action != models.ActionDone {
		return -1, invalidAction(action, task.Status)
	}
	idx := task.CurrentStepIndex
	if idx < 0 || idx >= len(task.Steps) {
		return -1, fmt.Errorf("step %d: %w", idx, repository.ErrNotFound)
	}
	step := &task.Steps[idx]
	if step.Status == models.StepStatusDone {
		return -1, fmt.Errorf("step %d already completed: %w", idx, models.ErrConflict)
	}
	if actor.UserID != step.OwnerID && !actor.Admin {
		return -1, models.ErrForbidden
	}

	now := time.Now().UTC()
	step.Status = models.StepStatusDone
	step.CompletedAt = &now

	if task.AllStepsDone() {
		task.Status = models.TaskStatusDone
		task.CurrentStepIndex = len(task.Steps) - 1
		return -1, nil
	}
	next := task.NextOpenStep(idx)
	task.CurrentStepIndex = next
	task.OwnerID = task.Steps[next].OwnerID
	task.Status = models.TaskStatusFlowInProgress
	return next, nil
}

// announce emits the realtime diff and the participant notifications once
// the transition is durable.
func (s *TaskService) announce(ctx context.Context, before, after *models.Task, actor auth.Identity, advancedTo int, loop *models.Loop, newlyActive []int, loopChanged bool) {
	patch := realtime.DiffTask(before, after)
	s.events.TaskTransitioned(after.ID, patch)
	s.events.TaskUpdated(after.ID, patch)
	s.engine.AnnounceCompletion(ctx, loop, newlyActive, loopChanged)

	var audience []string
	for _, id := range after.ParticipantIDs() {
		if id != actor.UserID {
			audience = append(audience, id)
		}
	}
	if after.Status == models.TaskStatusDone {
		s.notifier.NotifyClosure(ctx, audience, after.ID, after.Title)
	} else {
		s.notifier.NotifyStatusChange(ctx, audience, after.ID, fmt.Sprintf("%s is now %s", after.Title, after.Status))
	}

	// Without an attached loop the engine cannot announce the handoff, so
	// the advanced-to step owner is notified here.
	if advancedTo >= 0 && !loopChanged {
		owner := after.Steps[advancedTo].OwnerID
		if owner != "" {
			s.notifier.NotifyAssigned(ctx, []string{owner}, after.ID, after.Steps[advancedTo].Title)
			s.notifier.NotifyStepReady(ctx, []string{owner}, after.ID, after.Steps[advancedTo].Title)
		}
	}
}

func invalidAction(action models.TaskAction, status models.TaskStatus) error {
	return fmt.Errorf("action %s is not valid from status %s: %w", action, status, models.ErrInvalidAction)
}

func snapshot(task *models.Task) *models.Task {
	clone := *task
	clone.Steps = append([]models.TaskStep(nil), task.Steps...)
	return &clone
}
