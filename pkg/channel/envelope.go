package channel

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/taskdeck/taskdeck.go/pkg/models"
)

// EventType tags an inbound envelope.
type EventType string

const (
	EventCreated  EventType = "created"
	EventUpdated  EventType = "updated"
	EventDeleted  EventType = "deleted"
	EventPresence EventType = "presence"
)

// Envelope is a validated push event. Frames that fail validation are
// dropped at the channel boundary and never reach the reconciler.
type Envelope struct {
	Type     EventType       `json:"event_type"`
	Kind     models.Kind     `json:"entity_kind"`
	EntityID string          `json:"entity_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Actor    string          `json:"actor,omitempty"`
	Room     string          `json:"room_scope"`
	Revision models.Revision `json:"revision"`
}

var (
	errMissingEntityID = errors.New("envelope is missing entity_id")
	errMissingRevision = errors.New("envelope is missing revision")
)

// ParseEnvelope decodes and validates a wire frame.
//
// Mutation envelopes must carry an event type, a known entity kind, an
// entity id, and a revision. Presence envelopes only need an actor and a
// room. Anything else is an error the caller should log and drop.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("undecodable envelope: %w", err)
	}

	switch env.Type {
	case EventPresence:
		if env.Actor == "" {
			return nil, errors.New("presence envelope is missing actor")
		}
		if env.Room == "" {
			return nil, errors.New("presence envelope is missing room_scope")
		}
		return &env, nil
	case EventCreated, EventUpdated, EventDeleted:
		if _, err := models.ParseKind(string(env.Kind)); err != nil {
			return nil, err
		}
		if env.EntityID == "" {
			return nil, errMissingEntityID
		}
		if env.Revision == 0 {
			return nil, errMissingRevision
		}
		return &env, nil
	default:
		return nil, fmt.Errorf("unknown event_type %q", env.Type)
	}
}
