package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPatchesOnlyNamedFields(t *testing.T) {
	task := &Task{
		ID:       "task-1",
		Revision: 100,
		Title:    "Write release notes",
		Status:   StatusTodo,
		Priority: PriorityMedium,
	}

	out, err := Apply(task, Patch{"status": "in_progress"})
	require.NoError(t, err)

	assert.Equal(t, StatusInProgress, out.Status)
	assert.Equal(t, "Write release notes", out.Title)
	assert.Equal(t, PriorityMedium, out.Priority)
	assert.Equal(t, "task-1", out.ID)

	// The input is untouched.
	assert.Equal(t, StatusTodo, task.Status)
}

func TestApplyReturnsFreshValue(t *testing.T) {
	task := &Task{ID: "task-1", Title: "a"}
	out, err := Apply(task, Patch{"title": "b"})
	require.NoError(t, err)
	require.NotSame(t, task, out)

	out.Title = "c"
	assert.Equal(t, "a", task.Title)
}

func TestExtract(t *testing.T) {
	task := &Task{ID: "task-1", Title: "a", Status: StatusDone, Priority: PriorityHigh}

	patch, err := Extract(task, map[string]struct{}{"status": {}, "priority": {}})
	require.NoError(t, err)

	assert.Equal(t, "done", patch["status"])
	assert.Equal(t, "high", patch["priority"])
	assert.Len(t, patch, 2)
}

func TestExtractSkipsAbsentFields(t *testing.T) {
	task := &Task{ID: "task-1", Title: "a"}

	patch, err := Extract(task, map[string]struct{}{"no_such_field": {}, "title": {}})
	require.NoError(t, err)
	assert.Equal(t, Patch{"title": "a"}, patch)
}

func TestClone(t *testing.T) {
	due := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := &Task{ID: "task-1", Revision: 5, Title: "a", DueDate: &due}

	cp, err := Clone(task)
	require.NoError(t, err)
	require.NotSame(t, task, cp)
	assert.Equal(t, task, cp)

	cp.Title = "b"
	assert.Equal(t, "a", task.Title)
}

func TestTempIDs(t *testing.T) {
	id := NewTempID()
	assert.True(t, IsTempID(id))
	assert.NotEqual(t, id, NewTempID())
	assert.False(t, IsTempID("task-1"))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("task")
	require.NoError(t, err)
	assert.Equal(t, KindTask, k)

	_, err = ParseKind("widget")
	assert.Error(t, err)
}

func TestRevisionOrdering(t *testing.T) {
	now := time.Now()
	older := RevisionFromTime(now)
	newer := RevisionFromTime(now.Add(time.Second))

	assert.True(t, newer.Newer(older))
	assert.False(t, older.Newer(newer))
	assert.False(t, older.Newer(older))
	assert.True(t, older.Newer(0))
}
