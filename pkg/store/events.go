package store

import "github.com/taskdeck/taskdeck.go/pkg/models"

// ChangeType classifies a change event emitted by a store.
type ChangeType string

const (
	ChangeCreated    ChangeType = "created"
	ChangeUpdated    ChangeType = "updated"
	ChangeDeleted    ChangeType = "deleted"
	ChangeRolledBack ChangeType = "rolled_back"
)

// ChangeEvent is emitted after every reconciled commit and every
// rollback. Remote is true when the change originated from another
// client via the push channel; Actor identifies that client's user.
type ChangeEvent struct {
	Kind   models.Kind
	Type   ChangeType
	ID     string
	Record models.Record // nil for deletes
	Actor  string
	Remote bool
}

// Sink consumes change events. The notification aggregator is the main
// consumer; UI bindings are another.
type Sink func(ev ChangeEvent)

// RemoteEvent is a validated push event routed to a store. The session
// builds it from a channel envelope; only created/updated/deleted reach
// the store.
type RemoteEvent struct {
	Type     ChangeType
	ID       string
	Actor    string
	Revision models.Revision
	Payload  []byte
}
