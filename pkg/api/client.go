// Package api defines the request/response boundary between the client
// and the server: one Client interface per session, the ServerRecord
// envelope returned by every successful mutation, and the typed error
// taxonomy shared by the stores and the channel.
//
// The REST transport itself is a black box to the rest of the SDK; the
// stores only see canonical records or typed errors.
package api

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/taskdeck/taskdeck.go/pkg/models"
)

// ServerRecord is the canonical record returned by the server for a
// successful create, update, or fetch. Raw holds the full wire document;
// ID and Revision are extracted so callers can reconcile without
// decoding the whole record first.
type ServerRecord struct {
	ID       string
	Revision models.Revision
	Raw      json.RawMessage
}

// Client is the request/response boundary consumed by the mutation
// stores and the notification aggregator.
//
// Create, Update, and Fetch return the canonical record including its
// revision marker. Failures are reported as *ValidationError,
// *ConflictError, *NotFoundError, or *NetworkError.
type Client interface {
	Create(ctx context.Context, kind models.Kind, payload any) (*ServerRecord, error)
	Update(ctx context.Context, kind models.Kind, id string, patch models.Patch) (*ServerRecord, error)
	Delete(ctx context.Context, kind models.Kind, id string) error
	Fetch(ctx context.Context, kind models.Kind, id string) (*ServerRecord, error)

	// Read-state confirmation for the notification aggregator.
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// recordProbe extracts the identifying fields from a wire document.
type recordProbe struct {
	ID       string          `json:"id"`
	Revision models.Revision `json:"revision"`
}

// ParseServerRecord wraps a raw wire document in a ServerRecord,
// extracting its id and revision.
func ParseServerRecord(raw json.RawMessage) (*ServerRecord, error) {
	var probe recordProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, err
	}
	return &ServerRecord{
		ID:       probe.ID,
		Revision: probe.Revision,
		Raw:      raw,
	}, nil
}
