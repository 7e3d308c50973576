// The [taskdeck] package implements a TaskDeck client for collaborative
// task management in the Go way.
//
// # Session
//
// A [Session] is constructed at sign-in with [New] and torn down at
// logout with [Session.Close]. It owns one mutation store per entity
// kind (tasks, projects, teams, comments), the push channel, and the
// notification aggregator.
//
// # Optimistic mutations
//
// Store operations apply locally first and confirm against the backend
// asynchronously. A failed request rolls the entity back to its last
// confirmed state, so the UI thread never waits on the network. See the
// [github.com/taskdeck/taskdeck.go/pkg/store] package for the
// reconciliation rules that merge local edits, server responses, and
// remote push events.
//
// # Push channel
//
// Remote changes arrive over a persistent WebSocket scoped to rooms.
// [Session.WatchProject] and [Session.WatchTask] join a room and return
// a release func; rooms are reference-counted, so independent views can
// watch the same entity. The channel reconnects with backoff and
// replays room membership after a drop. See
// [github.com/taskdeck/taskdeck.go/pkg/channel].
//
// # Notifications
//
// Remote changes by other users surface as notifications through
// [Session.Notifications]. Marking as read is optimistic too, and the
// unread count always equals the number of unread entries in the list.
//
// # Persistence
//
// When [Config.SnapshotPath] is set, the session persists its state in
// CBOR across reloads via [github.com/taskdeck/taskdeck.go/pkg/persist].
package taskdeck
