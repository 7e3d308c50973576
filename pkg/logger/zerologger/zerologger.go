// Package zerologger provides a zerolog-backed implementation of the
// logger.Logger interface.
package zerologger

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Handler wraps a zerolog.Logger as a logger.Logger.
type Handler struct {
	logger zerolog.Logger
}

// New returns a Handler writing through the given zerolog.Logger.
func New(l zerolog.Logger) *Handler {
	return &Handler{logger: l}
}

func (h *Handler) Debug(msg string, args ...any) {
	withFields(h.logger.Debug(), args).Msg(msg)
}

func (h *Handler) Info(msg string, args ...any) {
	withFields(h.logger.Info(), args).Msg(msg)
}

func (h *Handler) Warn(msg string, args ...any) {
	withFields(h.logger.Warn(), args).Msg(msg)
}

func (h *Handler) Error(msg string, args ...any) {
	withFields(h.logger.Error(), args).Msg(msg)
}

// withFields folds alternating key/value args into the zerolog event.
// A trailing key without a value is logged under the "arg" key.
func withFields(ev *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		ev = ev.Interface(key, args[i+1])
	}
	if len(args)%2 == 1 {
		ev = ev.Interface("arg", args[len(args)-1])
	}
	return ev
}
