package syncclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loopboard/backend/internal/realtime"
	"loopboard/backend/pkg/models"
)

func ts(min int) time.Time {
	return time.Date(2026, 8, 1, 12, min, 0, 0, time.UTC)
}

func TestApplyPatchLastWriteWins(t *testing.T) {
	cache := NewTaskCache()
	cache.Put(&models.Task{ID: "t1", Status: models.TaskStatusInProgress, Title: "docs", UpdatedAt: ts(10)})

	// A frame from before the cached state arrives late and is discarded.
	stale := models.TaskStatusOpen
	applied := cache.ApplyPatch(&realtime.TaskPatch{TaskID: "t1", Status: &stale, UpdatedAt: ts(5)})
	assert.False(t, applied)
	assert.Equal(t, models.TaskStatusInProgress, cache.Get("t1").Status)

	// A duplicate frame carrying the same timestamp is discarded too; only a
	// strictly newer one may win.
	applied = cache.ApplyPatch(&realtime.TaskPatch{TaskID: "t1", Status: &stale, UpdatedAt: ts(10)})
	assert.False(t, applied)
	assert.Equal(t, models.TaskStatusInProgress, cache.Get("t1").Status)

	// A newer frame wins.
	fresh := models.TaskStatusInReview
	applied = cache.ApplyPatch(&realtime.TaskPatch{TaskID: "t1", Status: &fresh, UpdatedAt: ts(15)})
	assert.True(t, applied)
	got := cache.Get("t1")
	assert.Equal(t, models.TaskStatusInReview, got.Status)
	assert.Equal(t, ts(15), got.UpdatedAt)
}

func TestApplyPatchTouchesOnlyPatchedFields(t *testing.T) {
	cache := NewTaskCache()
	cache.Put(&models.Task{
		ID: "t1", Status: models.TaskStatusOpen, Title: "docs",
		Description: "write them", OwnerID: "u1", UpdatedAt: ts(0),
	})

	owner := "u2"
	require.True(t, cache.ApplyPatch(&realtime.TaskPatch{TaskID: "t1", OwnerID: &owner, UpdatedAt: ts(1)}))

	got := cache.Get("t1")
	assert.Equal(t, "u2", got.OwnerID)
	assert.Equal(t, "docs", got.Title)
	assert.Equal(t, "write them", got.Description)
	assert.Equal(t, models.TaskStatusOpen, got.Status)
}

func TestApplyPatchSeedsUnknownTask(t *testing.T) {
	cache := NewTaskCache()
	status := models.TaskStatusDone
	require.True(t, cache.ApplyPatch(&realtime.TaskPatch{TaskID: "t9", Status: &status, UpdatedAt: ts(1)}))

	got := cache.Get("t9")
	require.NotNil(t, got)
	assert.Equal(t, models.TaskStatusDone, got.Status)
}

func TestCacheCopiesOnReadAndWrite(t *testing.T) {
	cache := NewTaskCache()
	task := &models.Task{ID: "t1", Steps: []models.TaskStep{{Title: "a", OwnerID: "u1"}}}
	cache.Put(task)
	task.Steps[0].Title = "mutated"

	got := cache.Get("t1")
	assert.Equal(t, "a", got.Steps[0].Title)
	got.Steps[0].Title = "mutated again"
	assert.Equal(t, "a", cache.Get("t1").Steps[0].Title)
}
