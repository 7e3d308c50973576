package notify_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdeck/taskdeck.go/internal/mock"
	"github.com/taskdeck/taskdeck.go/pkg/models"
	"github.com/taskdeck/taskdeck.go/pkg/notify"
	"github.com/taskdeck/taskdeck.go/pkg/store"
)

func remoteUpdate(actor, id, title string) store.ChangeEvent {
	return store.ChangeEvent{
		Kind:   models.KindTask,
		Type:   store.ChangeUpdated,
		ID:     id,
		Record: &models.Task{ID: id, Title: title},
		Actor:  actor,
		Remote: true,
	}
}

// checkInvariant asserts that the unread counter matches the number of
// unread entries in the list.
func checkInvariant(t *testing.T, a *notify.Aggregator) {
	t.Helper()
	unread := 0
	for _, n := range a.List() {
		if !n.Read {
			unread++
		}
	}
	assert.Equal(t, unread, a.UnreadCount())
}

func TestHandleSynthesizesFromRemoteChanges(t *testing.T) {
	a := notify.New(mock.NewAPIClient(), "user-1")

	a.Handle(remoteUpdate("user-2", "task-1", "Fix the build"))

	list := a.List()
	require.Len(t, list, 1)
	assert.Equal(t, "user-2", list[0].Actor)
	assert.Equal(t, "updated", list[0].Verb)
	assert.Equal(t, models.KindTask, list[0].Kind)
	assert.Equal(t, "task-1", list[0].EntityID)
	assert.Equal(t, "Fix the build", list[0].Title)
	assert.False(t, list[0].Read)
	assert.Equal(t, 1, a.UnreadCount())
	checkInvariant(t, a)
}

func TestHandleSkipsLocalOwnAndRollbackEvents(t *testing.T) {
	a := notify.New(mock.NewAPIClient(), "user-1")

	// Local mutation.
	a.Handle(store.ChangeEvent{Kind: models.KindTask, Type: store.ChangeUpdated, ID: "task-1"})
	// This session's own user seen remotely, e.g. from another tab.
	a.Handle(remoteUpdate("user-1", "task-2", "mine"))
	// Rollback.
	a.Handle(store.ChangeEvent{Kind: models.KindTask, Type: store.ChangeRolledBack, ID: "task-3", Remote: true, Actor: "user-2"})
	// Missing actor.
	a.Handle(store.ChangeEvent{Kind: models.KindTask, Type: store.ChangeUpdated, ID: "task-4", Remote: true})

	assert.Empty(t, a.List())
	assert.Zero(t, a.UnreadCount())
}

func TestNewestFirstOrdering(t *testing.T) {
	a := notify.New(mock.NewAPIClient(), "user-1")

	a.Handle(remoteUpdate("user-2", "task-1", "first"))
	a.Handle(remoteUpdate("user-2", "task-2", "second"))

	list := a.List()
	require.Len(t, list, 2)
	assert.Equal(t, "task-2", list[0].EntityID)
	assert.Equal(t, "task-1", list[1].EntityID)
}

func TestBoundedListKeepsInvariant(t *testing.T) {
	a := notify.New(mock.NewAPIClient(), "user-1", notify.WithLimit(3))

	for i := 0; i < 5; i++ {
		a.Handle(remoteUpdate("user-2", fmt.Sprintf("task-%d", i), "t"))
	}

	assert.Len(t, a.List(), 3)
	assert.Equal(t, 3, a.UnreadCount())
	checkInvariant(t, a)
}

func TestMarkAsRead(t *testing.T) {
	client := mock.NewAPIClient()
	a := notify.New(client, "user-1")
	a.Handle(remoteUpdate("user-2", "task-1", "t"))
	id := a.List()[0].ID

	require.NoError(t, a.MarkAsRead(context.Background(), id))

	assert.True(t, a.List()[0].Read)
	assert.Zero(t, a.UnreadCount())
	assert.Equal(t, []string{id}, client.MarkReadCalls)
	checkInvariant(t, a)

	// Marking again does not re-dispatch.
	require.NoError(t, a.MarkAsRead(context.Background(), id))
	assert.Len(t, client.MarkReadCalls, 1)
}

func TestMarkAsReadFailureRevertsFlagAndCount(t *testing.T) {
	client := mock.NewAPIClient()
	client.MarkReadErr = errors.New("boom")
	a := notify.New(client, "user-1")
	a.Handle(remoteUpdate("user-2", "task-1", "t"))
	id := a.List()[0].ID

	err := a.MarkAsRead(context.Background(), id)
	require.Error(t, err)

	assert.False(t, a.List()[0].Read)
	assert.Equal(t, 1, a.UnreadCount())
	checkInvariant(t, a)
}

func TestMarkAsReadUnknownIDIsNoop(t *testing.T) {
	client := mock.NewAPIClient()
	a := notify.New(client, "user-1")

	require.NoError(t, a.MarkAsRead(context.Background(), "missing"))
	assert.Empty(t, client.MarkReadCalls)
}

func TestMarkAllAsRead(t *testing.T) {
	client := mock.NewAPIClient()
	a := notify.New(client, "user-1")
	for i := 0; i < 3; i++ {
		a.Handle(remoteUpdate("user-2", fmt.Sprintf("task-%d", i), "t"))
	}

	require.NoError(t, a.MarkAllAsRead(context.Background()))

	assert.Zero(t, a.UnreadCount())
	for _, n := range a.List() {
		assert.True(t, n.Read)
	}
	assert.Equal(t, 1, client.MarkAllReadCalls)
	checkInvariant(t, a)

	// Nothing unread: no second dispatch.
	require.NoError(t, a.MarkAllAsRead(context.Background()))
	assert.Equal(t, 1, client.MarkAllReadCalls)
}

func TestMarkAllAsReadFailureRestoresWholeList(t *testing.T) {
	client := mock.NewAPIClient()
	a := notify.New(client, "user-1")
	for i := 0; i < 3; i++ {
		a.Handle(remoteUpdate("user-2", fmt.Sprintf("task-%d", i), "t"))
	}
	require.NoError(t, a.MarkAsRead(context.Background(), a.List()[1].ID))
	before := a.List()

	client.MarkAllReadErr = errors.New("boom")
	err := a.MarkAllAsRead(context.Background())
	require.Error(t, err)

	assert.Equal(t, before, a.List(), "mixed read states restore exactly")
	assert.Equal(t, 2, a.UnreadCount())
	checkInvariant(t, a)
}

func TestRestore(t *testing.T) {
	a := notify.New(mock.NewAPIClient(), "user-1")
	a.Restore([]models.Notification{
		{ID: "n1", Actor: "user-2", Read: false},
		{ID: "n2", Actor: "user-3", Read: true},
		{ID: "n3", Actor: "user-2", Read: false},
	})

	assert.Len(t, a.List(), 3)
	assert.Equal(t, 2, a.UnreadCount())
	checkInvariant(t, a)
}

func TestTitlesPerEntityKind(t *testing.T) {
	a := notify.New(mock.NewAPIClient(), "user-1")

	a.Handle(store.ChangeEvent{
		Kind: models.KindComment, Type: store.ChangeCreated, ID: "c1",
		Record: &models.Comment{ID: "c1", Body: "looks good"},
		Actor:  "user-2", Remote: true,
	})
	a.Handle(store.ChangeEvent{
		Kind: models.KindProject, Type: store.ChangeUpdated, ID: "p1",
		Record: &models.Project{ID: "p1", Name: "Launch"},
		Actor:  "user-2", Remote: true,
	})
	// Deletes carry no record; the title is simply empty.
	a.Handle(store.ChangeEvent{
		Kind: models.KindTask, Type: store.ChangeDeleted, ID: "t1",
		Actor: "user-2", Remote: true,
	})

	list := a.List()
	require.Len(t, list, 3)
	assert.Empty(t, list[0].Title)
	assert.Equal(t, "Launch", list[1].Title)
	assert.Equal(t, "looks good", list[2].Title)
	checkInvariant(t, a)
}
