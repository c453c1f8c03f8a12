// Package logging provides helpers for structured logging.
//
// Loggers are dependency-injected, never global: main() builds the base
// handler, every component receives an optional *slog.Logger and scopes it
// once at construction time with With("component", ...). Components handed a
// nil logger log nowhere.
package logging

import (
	"context"
	"log/slog"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger if non-nil, otherwise a discard logger:
//
//	func New(logger *slog.Logger) *Thing {
//	    return &Thing{logger: logging.Default(logger).With("component", "thing")}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}
