package api

import (
	"fmt"
	"strings"

	"github.com/taskdeck/taskdeck.go/pkg/models"
)

// ValidationError reports a mutation rejected by the server, with
// per-field messages. The store rolls the mutation back before the error
// reaches the caller.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	parts := make([]string, 0, len(e.Fields))
	for f, msg := range e.Fields {
		parts = append(parts, f+": "+msg)
	}
	return fmt.Sprintf("validation failed: %s (%s)", e.Message, strings.Join(parts, "; "))
}

// NetworkError wraps a transient transport failure. The mutation is
// rolled back; retrying is the caller's decision.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ConflictError reports that the server rejected a mutation because the
// client's revision was stale. The store reacts by re-fetching the
// canonical record rather than overwriting blindly.
type ConflictError struct {
	Kind    models.Kind
	ID      string
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Kind, e.ID, e.Message)
}

// NotFoundError reports that the target record does not exist on the
// server.
type NotFoundError struct {
	Kind models.Kind
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ChannelError reports a failure of the push channel: a refused dial, an
// expired credential, or a reconnect that ultimately gave up.
type ChannelError struct {
	Reason string
	Err    error
}

func (e *ChannelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("channel error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("channel error: %s", e.Reason)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}
