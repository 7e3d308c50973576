// Package logger defines the logging interface used across the SDK.
//
// The interface is intentionally small: four leveled methods taking a
// message and alternating key/value pairs. The default implementation is
// backed by log/slog so that any slog.Handler can be plugged in; a
// zerolog-backed implementation lives in the zerologger subpackage.
package logger

import (
	"log/slog"
)

// Logger is the logging interface consumed by the SDK packages.
//
// Arguments after the message are alternating keys and values, in the
// same convention as log/slog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogHandler adapts a slog.Handler to the Logger interface.
type SlogHandler struct {
	logger *slog.Logger
}

// New returns a Logger backed by the given slog.Handler.
func New(h slog.Handler) *SlogHandler {
	return &SlogHandler{logger: slog.New(h)}
}

func (handler *SlogHandler) Debug(msg string, args ...any) {
	handler.logger.Debug(msg, args...)
}

func (handler *SlogHandler) Info(msg string, args ...any) {
	handler.logger.Info(msg, args...)
}

func (handler *SlogHandler) Warn(msg string, args ...any) {
	handler.logger.Warn(msg, args...)
}

func (handler *SlogHandler) Error(msg string, args ...any) {
	handler.logger.Error(msg, args...)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a Logger that discards everything. Useful in tests and as
// the default when the caller does not configure logging.
func Nop() Logger {
	return nopLogger{}
}
