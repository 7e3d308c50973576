// Package notify derives user-facing notifications from reconciled
// change events and manages their read state with the same optimistic
// protocol the mutation stores use.
//
// The aggregator's invariant: UnreadCount always equals the number of
// records with Read=false, after every operation including rollback.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid"

	"github.com/taskdeck/taskdeck.go/pkg/api"
	"github.com/taskdeck/taskdeck.go/pkg/logger"
	"github.com/taskdeck/taskdeck.go/pkg/models"
	"github.com/taskdeck/taskdeck.go/pkg/store"
)

// DefaultLimit bounds the notification list to the most recent entries.
const DefaultLimit = 100

// Aggregator consumes change events and synthesizes notifications.
type Aggregator struct {
	client api.Client
	log    logger.Logger
	// self is this session's actor id; changes made by the session's own
	// user do not notify.
	self  string
	limit int
	now   func() time.Time

	mu     sync.Mutex
	list   []*models.Notification
	unread int
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(a *Aggregator) { a.log = log }
}

// WithLimit overrides DefaultLimit.
func WithLimit(n int) Option {
	return func(a *Aggregator) { a.limit = n }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New builds an aggregator. self is the session user's actor id; client
// confirms read-state mutations.
func New(client api.Client, self string, opts ...Option) *Aggregator {
	a := &Aggregator{
		client: client,
		log:    logger.Nop(),
		self:   self,
		limit:  DefaultLimit,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handle consumes a reconciled change event. Only committed remote
// changes by other actors qualify; local mutations and rollbacks are
// skipped.
func (a *Aggregator) Handle(ev store.ChangeEvent) {
	if !ev.Remote || ev.Type == store.ChangeRolledBack {
		return
	}
	if ev.Actor == "" || ev.Actor == a.self {
		return
	}

	n := &models.Notification{
		ID:        uuid.Must(uuid.NewV4()).String(),
		Actor:     ev.Actor,
		Verb:      string(ev.Type),
		Kind:      ev.Kind,
		EntityID:  ev.ID,
		Title:     titleOf(ev.Record),
		CreatedAt: a.now(),
	}

	a.mu.Lock()
	a.list = append([]*models.Notification{n}, a.list...)
	a.unread++
	// Bounded list: entries that fall off the tail release their unread
	// slot too, keeping the invariant intact.
	for len(a.list) > a.limit {
		last := a.list[len(a.list)-1]
		if !last.Read {
			a.unread--
		}
		a.list = a.list[:len(a.list)-1]
	}
	a.mu.Unlock()
}

// MarkAsRead optimistically flips the record's read flag, dispatches the
// confirmation, and restores flag and count on failure.
func (a *Aggregator) MarkAsRead(ctx context.Context, id string) error {
	a.mu.Lock()
	n := a.findLocked(id)
	if n == nil || n.Read {
		a.mu.Unlock()
		return nil
	}
	n.Read = true
	a.unread--
	a.mu.Unlock()

	if err := a.client.MarkNotificationRead(ctx, id); err != nil {
		a.mu.Lock()
		// The entry may have fallen off the bounded list meanwhile.
		if n := a.findLocked(id); n != nil && n.Read {
			n.Read = false
			a.unread++
		}
		a.mu.Unlock()
		return err
	}
	return nil
}

// MarkAllAsRead optimistically flips every flag and zeroes the count.
// On failure the entire prior list and count are restored, not per
// record, to avoid partial-success ambiguity.
func (a *Aggregator) MarkAllAsRead(ctx context.Context) error {
	a.mu.Lock()
	if a.unread == 0 {
		a.mu.Unlock()
		return nil
	}
	prior := make([]*models.Notification, len(a.list))
	for i, n := range a.list {
		cp := *n
		prior[i] = &cp
	}
	priorUnread := a.unread
	for _, n := range a.list {
		n.Read = true
	}
	a.unread = 0
	a.mu.Unlock()

	if err := a.client.MarkAllNotificationsRead(ctx); err != nil {
		a.mu.Lock()
		a.list = prior
		a.unread = priorUnread
		a.mu.Unlock()
		return err
	}
	return nil
}

// List returns the notifications, most recent first.
func (a *Aggregator) List() []models.Notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.Notification, len(a.list))
	for i, n := range a.list {
		out[i] = *n
	}
	return out
}

// UnreadCount returns the number of unread notifications.
func (a *Aggregator) UnreadCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unread
}

// Restore replaces the aggregator's state from a persisted snapshot.
func (a *Aggregator) Restore(list []models.Notification) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.list = make([]*models.Notification, 0, len(list))
	a.unread = 0
	for i := range list {
		if len(a.list) == a.limit {
			break
		}
		cp := list[i]
		a.list = append(a.list, &cp)
		if !cp.Read {
			a.unread++
		}
	}
}

func (a *Aggregator) findLocked(id string) *models.Notification {
	for _, n := range a.list {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func titleOf(rec models.Record) string {
	switch r := rec.(type) {
	case *models.Task:
		return r.Title
	case *models.Project:
		return r.Name
	case *models.Team:
		return r.Name
	case *models.Comment:
		return r.Body
	default:
		return ""
	}
}
