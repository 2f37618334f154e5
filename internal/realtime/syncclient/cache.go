package syncclient

import (
	"sync"

	"loopboard/backend/internal/realtime"
	"loopboard/backend/pkg/models"
)

// TaskCache is the client's local view of tasks, updated from realtime
// patches. Patch application is last-write-wins on the server-assigned
// UpdatedAt timestamp, so frames arriving out of order converge on the
// newest state.
type TaskCache struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
}

// NewTaskCache creates an empty cache.
func NewTaskCache() *TaskCache {
	return &TaskCache{tasks: make(map[string]*models.Task)}
}

// Put stores a full task snapshot, typically from an initial fetch.
func (c *TaskCache) Put(task *models.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	clone := *task
	clone.Steps = append([]models.TaskStep(nil), task.Steps...)
	c.tasks[task.ID] = &clone
}

// Get returns a copy of the cached task, or nil when unknown.
func (c *TaskCache) Get(taskID string) *models.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return nil
	}
	clone := *task
	clone.Steps = append([]models.TaskStep(nil), task.Steps...)
	return &clone
}

// ApplyPatch folds a task patch into the cache. Only a patch strictly newer
// than the cached state (by UpdatedAt) is applied; equal or older timestamps
// are discarded so duplicate and out-of-order frames cannot mutate the cache.
// The return value reports whether the patch was applied. A patch for an
// unknown task seeds a new entry.
func (c *TaskCache) ApplyPatch(patch *realtime.TaskPatch) bool {
	if patch == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	task, ok := c.tasks[patch.TaskID]
	if !ok {
		task = &models.Task{ID: patch.TaskID}
		c.tasks[patch.TaskID] = task
	} else if !patch.UpdatedAt.After(task.UpdatedAt) {
		return false
	}

	if patch.Status != nil {
		task.Status = *patch.Status
	}
	if patch.OwnerID != nil {
		task.OwnerID = *patch.OwnerID
	}
	if patch.CurrentStepIndex != nil {
		task.CurrentStepIndex = *patch.CurrentStepIndex
	}
	if patch.Title != nil {
		task.Title = *patch.Title
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Steps != nil {
		task.Steps = append([]models.TaskStep(nil), patch.Steps...)
	}
	task.UpdatedAt = patch.UpdatedAt
	return true
}
