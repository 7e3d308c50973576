package store

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/taskdeck/taskdeck.go/pkg/api"
	"github.com/taskdeck/taskdeck.go/pkg/models"
)

// This file is the reconciler: the single merge algorithm through which
// every inbound record passes before becoming canonical, whether it came
// back as the response to this client's own request (applyResponse) or
// was pushed by another client (ApplyRemote).
//
// Rules, for an incoming record R with id X:
//  1. If X is tombstoned and R is not a delete, discard R. A confirmed
//     local delete outranks any update regardless of revision until the
//     delete resolves or rolls back.
//  2. If there is no local record, or R's revision is strictly newer and
//     the local record is not optimistic, replace wholesale.
//  3. If R's revision is older or equal and the local record is not
//     optimistic, discard R as a duplicate. Delivery is at-least-once,
//     so this must be a no-op.
//  4. If the local record is optimistic and R is remote, merge field by
//     field: fields claimed by a pending local mutation keep their local
//     value, everything else updates from R.
// Same-id responses apply in issuance order, never arrival order: a
// response must not overwrite fields claimed by a different issuance,
// and a response whose revision is not newer than the current record
// settles only its own claimed fields, never the whole document.

// applyResponse reconciles the server response to this client's own
// update identified by its issuance number.
func (s *Store[T]) applyResponse(id string, issuance uint64, srv *api.ServerRecord) (T, error) {
	var zero T

	s.mu.Lock()
	decoded, err := s.decode(srv)
	if err != nil {
		s.mu.Unlock()
		s.rollbackMutation(id, issuance)
		return zero, &api.NetworkError{Err: fmt.Errorf("malformed update response: %w", err)}
	}

	known := s.dropPendingLocked(id, issuance)

	cur, exists := s.records[id]
	if !exists || s.tombstones.Contains(id) {
		// The record was deleted while the update was in flight; the
		// delete outranks the confirmation. Local state stays deleted.
		s.clearMutationStateLocked(id)
		s.mu.Unlock()
		return decoded, nil
	}

	if !known {
		// The pending entry was abandoned, typically by a conflict
		// refetch. Fall back to plain revision ordering.
		merged := decoded
		if decoded.GetRevision().Newer(cur.GetRevision()) && !s.optimistic[id] {
			s.records[id] = decoded
			s.confirmed[id] = s.clone(decoded)
			merged = decoded
			s.mu.Unlock()
			s.emit(ChangeEvent{Kind: s.kind, Type: ChangeUpdated, ID: id, Record: merged})
			return merged, nil
		}
		s.mu.Unlock()
		return cur, nil
	}

	// Fields claimed by any other issuance keep their current local
	// value; the response only settles its own fields and the unclaimed
	// remainder.
	preserve := make(map[string]struct{})
	own := make(map[string]struct{})
	for f, claimant := range s.claims[id] {
		if claimant == issuance {
			own[f] = struct{}{}
		} else {
			preserve[f] = struct{}{}
		}
	}

	var merged T
	if decoded.GetRevision().Newer(cur.GetRevision()) {
		merged = decoded
		if len(preserve) > 0 {
			if patch, perr := models.Extract(cur, preserve); perr == nil {
				if m, aerr := models.Apply(decoded, patch); aerr == nil {
					merged = m
				}
			}
		}
	} else {
		// The response is older than state already reconciled in, e.g. a
		// remote event committed while the request was in flight. Adopting
		// the whole document would regress the newer fields, so only the
		// fields this issuance claimed settle from the response; everything
		// else keeps its current value.
		merged = cur
		if len(own) > 0 {
			if patch, perr := models.Extract(decoded, own); perr == nil {
				if m, aerr := models.Apply(cur, patch); aerr == nil {
					merged = m
				}
			}
		}
	}
	if cur.GetRevision().Newer(merged.GetRevision()) {
		merged.SetRevision(cur.GetRevision())
	}
	s.records[id] = merged

	// Confirmed state advances to the server's canonical answer when it
	// is not older than what we already confirmed.
	if conf, has := s.confirmed[id]; !has || !conf.GetRevision().Newer(decoded.GetRevision()) {
		s.confirmed[id] = s.clone(decoded)
	}

	if len(s.pending[id]) == 0 {
		delete(s.pending, id)
		delete(s.claims, id)
		delete(s.optimistic, id)
		s.confirmed[id] = s.clone(merged)
	}
	s.mu.Unlock()

	s.emit(ChangeEvent{Kind: s.kind, Type: ChangeUpdated, ID: id, Record: merged})
	return merged, nil
}

// rollbackMutation reverts a failed mutation: the record returns to the
// last confirmed state with every other still-pending patch reapplied in
// issuance order on top.
func (s *Store[T]) rollbackMutation(id string, issuance uint64) {
	s.mu.Lock()
	s.dropPendingLocked(id, issuance)

	if _, exists := s.records[id]; !exists {
		// Deleted while in flight; nothing to restore.
		s.mu.Unlock()
		return
	}

	base, has := s.confirmed[id]
	if !has {
		s.mu.Unlock()
		return
	}

	value := s.clone(base)
	delete(s.claims, id)
	remaining := s.pending[id]
	for _, pm := range remaining {
		next, err := models.Apply(value, pm.patch)
		if err != nil {
			s.log.Error("store failed to reapply pending patch during rollback", "kind", s.kind, "id", id, "error", err)
			continue
		}
		value = next
		s.claimLocked(id, pm.patch, pm.issuance)
	}
	value.SetRevision(base.GetRevision())
	s.records[id] = value

	if len(remaining) == 0 {
		delete(s.pending, id)
		delete(s.optimistic, id)
	} else {
		s.optimistic[id] = true
	}
	s.mu.Unlock()

	s.emit(ChangeEvent{Kind: s.kind, Type: ChangeRolledBack, ID: id, Record: value})
}

// dropPendingLocked removes the pending entry for the issuance and
// reports whether it was present.
func (s *Store[T]) dropPendingLocked(id string, issuance uint64) bool {
	list := s.pending[id]
	for i, pm := range list {
		if pm.issuance == issuance {
			s.pending[id] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// ApplyRemote reconciles a push event from another client. It never
// returns an error into the delivery path: malformed payloads are
// logged and dropped so one bad event cannot block the ones behind it.
func (s *Store[T]) ApplyRemote(ev RemoteEvent) {
	switch ev.Type {
	case ChangeDeleted:
		s.applyRemoteDelete(ev)
	case ChangeCreated, ChangeUpdated:
		s.applyRemoteUpsert(ev)
	default:
		s.log.Warn("store dropped remote event with unknown type", "kind", s.kind, "type", ev.Type, "id", ev.ID)
	}
}

func (s *Store[T]) applyRemoteDelete(ev RemoteEvent) {
	s.mu.Lock()
	_, existed := s.records[ev.ID]
	s.removeLocked(ev.ID)
	s.clearMutationStateLocked(ev.ID)
	delete(s.pendingDeletes, ev.ID)
	s.tombstones.Add(ev.ID, struct{}{})
	s.mu.Unlock()

	if existed {
		s.emit(ChangeEvent{Kind: s.kind, Type: ChangeDeleted, ID: ev.ID, Actor: ev.Actor, Remote: true})
	}
}

func (s *Store[T]) applyRemoteUpsert(ev RemoteEvent) {
	s.mu.Lock()

	// Rule 1: a tombstoned id discards everything but deletes.
	if s.tombstones.Contains(ev.ID) {
		s.mu.Unlock()
		s.log.Debug("store dropped event for tombstoned id", "kind", s.kind, "id", ev.ID)
		return
	}

	decoded, err := s.decodeRemote(ev)
	if err != nil {
		s.mu.Unlock()
		s.log.Warn("store dropped malformed remote payload", "kind", s.kind, "id", ev.ID, "error", err)
		return
	}

	local, exists := s.records[ev.ID]
	if !exists {
		// Rule 2, no local record: adopt wholesale. New records go to
		// the head of the collection.
		s.insertAtLocked(decoded, 0)
		s.confirmed[ev.ID] = s.clone(decoded)
		s.mu.Unlock()
		s.emit(ChangeEvent{Kind: s.kind, Type: ChangeCreated, ID: ev.ID, Record: decoded, Actor: ev.Actor, Remote: true})
		return
	}

	if s.optimistic[ev.ID] {
		// Rule 4: field-level merge against an in-flight local mutation.
		conf, has := s.confirmed[ev.ID]
		if has && !ev.Revision.Newer(conf.GetRevision()) {
			// Stale relative to what we already confirmed; duplicate.
			s.mu.Unlock()
			return
		}

		claimed := make(map[string]struct{})
		for f := range s.claims[ev.ID] {
			claimed[f] = struct{}{}
		}
		merged := decoded
		if len(claimed) > 0 {
			patch, perr := models.Extract(local, claimed)
			if perr == nil {
				if m, aerr := models.Apply(decoded, patch); aerr == nil {
					merged = m
				}
			}
		}
		merged.SetRevision(ev.Revision)
		s.records[ev.ID] = merged
		// The event is committed server state: it becomes the new
		// rollback target even while local fields stay under edit.
		s.confirmed[ev.ID] = s.clone(decoded)
		s.mu.Unlock()
		s.emit(ChangeEvent{Kind: s.kind, Type: ChangeUpdated, ID: ev.ID, Record: merged, Actor: ev.Actor, Remote: true})
		return
	}

	// Rules 2 and 3 for a confirmed local record.
	if ev.Revision.Newer(local.GetRevision()) {
		s.records[ev.ID] = decoded
		s.confirmed[ev.ID] = s.clone(decoded)
		s.mu.Unlock()
		s.emit(ChangeEvent{Kind: s.kind, Type: ChangeUpdated, ID: ev.ID, Record: decoded, Actor: ev.Actor, Remote: true})
		return
	}

	// Duplicate or stale: idempotent no-op.
	s.mu.Unlock()
}

func (s *Store[T]) decodeRemote(ev RemoteEvent) (T, error) {
	var zero T
	out := s.factory()
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, out); err != nil {
			return zero, err
		}
	}
	if ev.ID == "" {
		return zero, fmt.Errorf("remote event is missing id")
	}
	if ev.Revision == 0 {
		return zero, fmt.Errorf("remote event is missing revision")
	}
	out.SetID(ev.ID)
	out.SetRevision(ev.Revision)
	return out, nil
}
