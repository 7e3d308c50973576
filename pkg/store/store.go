// Package store implements the per-entity-kind mutation store and the
// reconciliation algorithm.
//
// A store owns the single canonical in-memory collection for its entity
// kind. Mutations are applied optimistically before the request is
// dispatched; the server response and any remote push event both flow
// through the same reconciler before becoming canonical. Rollback always
// restores the last confirmed server state, never the state immediately
// preceding a specific mutation, so overlapping in-flight mutations to
// one record cannot double-rollback.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/taskdeck/taskdeck.go/pkg/api"
	"github.com/taskdeck/taskdeck.go/pkg/logger"
	"github.com/taskdeck/taskdeck.go/pkg/models"
)

const (
	// defaultTombstoneTTL bounds how long a confirmed local delete keeps
	// outranking stale incoming events for the same id.
	defaultTombstoneTTL = 5 * time.Minute
	tombstoneCapacity   = 1024
)

// Store is the mutation store for one entity kind.
//
// All exported methods are safe for concurrent use. Mutations may be
// initiated concurrently and their completions may arrive out of order;
// per-record application is ordered by issuance sequence number, never
// by completion order.
type Store[T models.Record] struct {
	kind    models.Kind
	client  api.Client
	factory func() T
	log     logger.Logger
	sink    Sink

	mu         sync.Mutex
	order      []string
	records    map[string]T
	optimistic map[string]bool
	// confirmed is the rollback target: the last server-confirmed state
	// per id. It advances only through reconciliation.
	confirmed map[string]T
	// pending tracks unresolved mutations per id in issuance order.
	pending map[string][]*pendingMutation
	// claims maps id -> field -> highest issuance that touched the
	// field. A response for an older issuance must not overwrite a
	// claimed field. Cleared when the pending list for the id empties.
	claims         map[string]map[string]uint64
	pendingDeletes map[string]*deletedRecord[T]
	tombstones     *expirable.LRU[string, struct{}]
	seq            uint64
}

type pendingMutation struct {
	issuance uint64
	patch    models.Patch
}

type deletedRecord[T models.Record] struct {
	snapshot T
	position int
}

// Option configures a Store.
type Option[T models.Record] func(*Store[T])

// WithLogger sets the logger.
func WithLogger[T models.Record](log logger.Logger) Option[T] {
	return func(s *Store[T]) { s.log = log }
}

// WithSink sets the change-event sink.
func WithSink[T models.Record](sink Sink) Option[T] {
	return func(s *Store[T]) { s.sink = sink }
}

// WithTombstoneTTL overrides the tombstone lifetime.
func WithTombstoneTTL[T models.Record](ttl time.Duration) Option[T] {
	return func(s *Store[T]) {
		s.tombstones = expirable.NewLRU[string, struct{}](tombstoneCapacity, nil, ttl)
	}
}

// New builds a store for one entity kind. factory allocates an empty
// record of the kind's concrete type; it is used to decode server
// documents and push payloads.
func New[T models.Record](kind models.Kind, client api.Client, factory func() T, opts ...Option[T]) *Store[T] {
	s := &Store[T]{
		kind:           kind,
		client:         client,
		factory:        factory,
		log:            logger.Nop(),
		records:        make(map[string]T),
		optimistic:     make(map[string]bool),
		confirmed:      make(map[string]T),
		pending:        make(map[string][]*pendingMutation),
		claims:         make(map[string]map[string]uint64),
		pendingDeletes: make(map[string]*deletedRecord[T]),
		tombstones:     expirable.NewLRU[string, struct{}](tombstoneCapacity, nil, defaultTombstoneTTL),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Kind returns the entity kind this store manages.
func (s *Store[T]) Kind() models.Kind { return s.kind }

// List returns the collection in canonical order.
func (s *Store[T]) List() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out
}

// Get returns the canonical record for id.
func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

// Len returns the collection size.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// IsOptimistic reports whether the record's current value reflects an
// unconfirmed local mutation. The flag is cleared only by
// reconciliation.
func (s *Store[T]) IsOptimistic(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.optimistic[id]
}

// IsTombstoned reports whether id is in the tombstone set.
func (s *Store[T]) IsTombstoned(id string) bool {
	return s.tombstones.Contains(id)
}

// Seed inserts confirmed records without going through a mutation, for
// initial load and snapshot restore.
func (s *Store[T]) Seed(recs []T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		id := rec.GetID()
		if _, exists := s.records[id]; exists {
			continue
		}
		s.records[id] = rec
		s.order = append(s.order, id)
		s.confirmed[id] = s.clone(rec)
	}
}

// Create assigns a temporary id, inserts the flagged record at the head
// of the collection, and dispatches the create request. On success the
// temporary record is atomically replaced with the server record. On
// failure the inserted record is removed; no partial record remains.
func (s *Store[T]) Create(ctx context.Context, rec T) (T, error) {
	var zero T

	tempID := models.NewTempID()
	rec.SetID(tempID)

	s.mu.Lock()
	s.records[tempID] = rec
	s.order = append([]string{tempID}, s.order...)
	s.optimistic[tempID] = true
	s.mu.Unlock()

	srv, err := s.client.Create(ctx, s.kind, rec)
	if err != nil {
		s.mu.Lock()
		s.removeLocked(tempID)
		delete(s.optimistic, tempID)
		s.mu.Unlock()
		s.emit(ChangeEvent{Kind: s.kind, Type: ChangeRolledBack, ID: tempID})
		return zero, err
	}
	return s.finalizeCreate(tempID, srv)
}

// finalizeCreate swaps the temporary record for the server one. If a
// push event for the final id landed before the create response, the
// existing record is reconciled by revision instead of duplicated.
func (s *Store[T]) finalizeCreate(tempID string, srv *api.ServerRecord) (T, error) {
	var zero T

	s.mu.Lock()
	decoded, err := s.decode(srv)
	if err != nil {
		s.removeLocked(tempID)
		delete(s.optimistic, tempID)
		s.mu.Unlock()
		s.emit(ChangeEvent{Kind: s.kind, Type: ChangeRolledBack, ID: tempID})
		return zero, &api.NetworkError{Err: fmt.Errorf("malformed create response: %w", err)}
	}

	pos := s.indexLocked(tempID)
	if pos < 0 {
		pos = 0
	}
	s.removeLocked(tempID)
	delete(s.optimistic, tempID)

	finalID := decoded.GetID()
	// A create for a tombstoned id clears the tombstone.
	s.tombstones.Remove(finalID)

	if existing, ok := s.records[finalID]; ok {
		// Create/update race: an event for the server-assigned id was
		// reconciled before this response. Keep whichever is newer.
		if decoded.GetRevision().Newer(existing.GetRevision()) {
			s.records[finalID] = decoded
		}
	} else {
		s.insertAtLocked(decoded, pos)
	}
	result := s.records[finalID]
	s.confirmed[finalID] = s.clone(result)
	delete(s.optimistic, finalID)
	s.mu.Unlock()

	s.emit(ChangeEvent{Kind: s.kind, Type: ChangeCreated, ID: finalID, Record: result})
	return result, nil
}

// Update applies the patch optimistically under a fresh issuance
// sequence number and dispatches the update request. On failure the
// record rolls back to the last confirmed state with any other still
// pending patches reapplied on top. A conflict additionally forces a
// re-fetch of the canonical record.
func (s *Store[T]) Update(ctx context.Context, id string, patch models.Patch) (T, error) {
	var zero T

	s.mu.Lock()
	cur, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return zero, &api.NotFoundError{Kind: s.kind, ID: id}
	}
	if _, has := s.confirmed[id]; !has {
		s.confirmed[id] = s.clone(cur)
	}

	s.seq++
	issuance := s.seq

	next, err := models.Apply(cur, patch)
	if err != nil {
		s.mu.Unlock()
		return zero, err
	}
	// The optimistic value keeps the confirmed revision; only
	// reconciliation advances it.
	next.SetRevision(cur.GetRevision())
	s.records[id] = next
	s.optimistic[id] = true
	s.pending[id] = append(s.pending[id], &pendingMutation{issuance: issuance, patch: patch})
	s.claimLocked(id, patch, issuance)
	s.mu.Unlock()

	srv, err := s.client.Update(ctx, s.kind, id, patch)
	if err != nil {
		s.rollbackMutation(id, issuance)
		var conflict *api.ConflictError
		if errors.As(err, &conflict) {
			if ferr := s.Refetch(ctx, id); ferr != nil {
				s.log.Warn("store refetch after conflict failed", "kind", s.kind, "id", id, "error", ferr)
			}
		}
		return zero, err
	}
	return s.applyResponse(id, issuance, srv)
}

// Delete snapshots the record, adds the id to the tombstone set, removes
// it from the collection, and dispatches the request. On failure the
// snapshot is reinserted at its prior relative position and the
// tombstone removed. On success the tombstone is kept until it expires
// or a subsequent create for the same id clears it.
func (s *Store[T]) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	cur, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return &api.NotFoundError{Kind: s.kind, ID: id}
	}

	snapshot, has := s.confirmed[id]
	if !has {
		snapshot = s.clone(cur)
	}
	pos := s.indexLocked(id)
	s.removeLocked(id)
	s.clearMutationStateLocked(id)
	s.tombstones.Add(id, struct{}{})
	s.pendingDeletes[id] = &deletedRecord[T]{snapshot: snapshot, position: pos}
	s.mu.Unlock()

	err := s.client.Delete(ctx, s.kind, id)
	if err != nil {
		s.mu.Lock()
		d, pending := s.pendingDeletes[id]
		if pending {
			// Only roll back while this delete still owns the removal. A
			// remote confirmed delete arriving in flight clears the
			// pending entry; its tombstone must survive this failure.
			delete(s.pendingDeletes, id)
			s.tombstones.Remove(id)
			pos := d.position
			if pos > len(s.order) {
				pos = len(s.order)
			}
			s.insertAtLocked(d.snapshot, pos)
			s.confirmed[id] = s.clone(d.snapshot)
		}
		s.mu.Unlock()
		if !pending {
			return err
		}
		s.emit(ChangeEvent{Kind: s.kind, Type: ChangeRolledBack, ID: id})

		var conflict *api.ConflictError
		if errors.As(err, &conflict) {
			if ferr := s.Refetch(ctx, id); ferr != nil {
				s.log.Warn("store refetch after conflict failed", "kind", s.kind, "id", id, "error", ferr)
			}
		}
		return err
	}

	s.mu.Lock()
	delete(s.pendingDeletes, id)
	s.mu.Unlock()
	s.emit(ChangeEvent{Kind: s.kind, Type: ChangeDeleted, ID: id})
	return nil
}

// Refetch fetches the canonical record and reconciles it in, replacing
// any optimistic local state. A NotFound answer confirms the record is
// gone and removes it locally.
func (s *Store[T]) Refetch(ctx context.Context, id string) error {
	srv, err := s.client.Fetch(ctx, s.kind, id)
	if err != nil {
		var notFound *api.NotFoundError
		if errors.As(err, &notFound) {
			s.mu.Lock()
			_, existed := s.records[id]
			s.removeLocked(id)
			s.clearMutationStateLocked(id)
			s.tombstones.Add(id, struct{}{})
			s.mu.Unlock()
			if existed {
				s.emit(ChangeEvent{Kind: s.kind, Type: ChangeDeleted, ID: id})
			}
			return nil
		}
		return err
	}

	s.mu.Lock()
	decoded, derr := s.decode(srv)
	if derr != nil {
		s.mu.Unlock()
		return &api.NetworkError{Err: fmt.Errorf("malformed fetch response: %w", derr)}
	}
	_, existed := s.records[id]
	if existed {
		s.records[id] = decoded
	} else {
		s.insertAtLocked(decoded, len(s.order))
	}
	// The fetched record is canonical by definition; local optimism for
	// the id is abandoned rather than merged.
	s.clearMutationStateLocked(id)
	s.confirmed[id] = s.clone(decoded)
	s.mu.Unlock()

	typ := ChangeUpdated
	if !existed {
		typ = ChangeCreated
	}
	s.emit(ChangeEvent{Kind: s.kind, Type: typ, ID: id, Record: decoded})
	return nil
}

// decode materializes a server record into the store's concrete type.
func (s *Store[T]) decode(srv *api.ServerRecord) (T, error) {
	var zero T
	out := s.factory()
	if len(srv.Raw) > 0 {
		if err := json.Unmarshal(srv.Raw, out); err != nil {
			return zero, err
		}
	}
	out.SetID(srv.ID)
	out.SetRevision(srv.Revision)
	return out, nil
}

func (s *Store[T]) clone(rec T) T {
	out, err := models.Clone(rec)
	if err != nil {
		// Clone failures would mean the record cannot round-trip its own
		// wire format; fall back to sharing rather than crash.
		s.log.Error("store clone failed", "kind", s.kind, "error", err)
		return rec
	}
	return out
}

func (s *Store[T]) emit(ev ChangeEvent) {
	if s.sink != nil {
		s.sink(ev)
	}
}

func (s *Store[T]) claimLocked(id string, patch models.Patch, issuance uint64) {
	fields := s.claims[id]
	if fields == nil {
		fields = make(map[string]uint64)
		s.claims[id] = fields
	}
	for f := range patch {
		if fields[f] < issuance {
			fields[f] = issuance
		}
	}
}

func (s *Store[T]) clearMutationStateLocked(id string) {
	delete(s.optimistic, id)
	delete(s.pending, id)
	delete(s.claims, id)
	delete(s.confirmed, id)
}

func (s *Store[T]) indexLocked(id string) int {
	for i, v := range s.order {
		if v == id {
			return i
		}
	}
	return -1
}

func (s *Store[T]) insertAtLocked(rec T, pos int) {
	id := rec.GetID()
	s.records[id] = rec
	if pos < 0 {
		pos = 0
	}
	if pos > len(s.order) {
		pos = len(s.order)
	}
	s.order = append(s.order, "")
	copy(s.order[pos+1:], s.order[pos:])
	s.order[pos] = id
}

func (s *Store[T]) removeLocked(id string) {
	if _, ok := s.records[id]; !ok {
		return
	}
	delete(s.records, id)
	if i := s.indexLocked(id); i >= 0 {
		s.order = append(s.order[:i], s.order[i+1:]...)
	}
}
