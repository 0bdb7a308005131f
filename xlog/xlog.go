// Package xlog wires this module's structured logging onto
// github.com/joeycumines/logiface, using github.com/joeycumines/stumpy as
// the default JSON event backend.
//
// The shape mirrors the teacher package's logging.go: a small set of named
// categories ("loop", "pipeline", "decoder", "codec", "transport"), a
// package-level default that is safe to leave unconfigured, and typed
// helpers instead of a map[string]interface{} context bag (logiface's
// builder already gives us that, field by field, at the call site).
package xlog

import (
	"io"
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Category names for a "component" log field. No call site in this module
// attaches them to log lines.
const (
	CategoryLoop      = "loop"
	CategoryPipeline  = "pipeline"
	CategoryDecoder   = "decoder"
	CategoryCodec     = "codec"
	CategoryTransport = "transport"
	CategoryBuffer    = "buffer"
)

// Logger is the concrete logger type threaded through this module's
// constructors. Components accept a *Logger and treat a nil value as
// "logging disabled", matching the teacher's NewNoOpLogger default.
type Logger = logiface.Logger[*stumpy.Event]

// New builds a Logger writing newline-delimited JSON events to w at or
// above level. Passing a nil w defaults to os.Stderr.
func New(w io.Writer, level logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return logiface.New[*stumpy.Event](
		logiface.WithLevel[*stumpy.Event](level),
		stumpy.WithStumpy(stumpy.WithWriter(w)),
	)
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// SetDefault installs l as the package-level default logger, used by
// components constructed without an explicit logger (e.g. via zero-value
// Option slices). Passing nil silences logging package-wide.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Default returns the package-level logger, or nil if none has been
// configured; callers must tolerate a nil return the same way they
// tolerate a nil logger passed explicitly.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Or returns l if non-nil, otherwise the package default (which may itself
// be nil). Components call this once at construction time to resolve the
// logger they'll hold for their lifetime.
func Or(l *Logger) *Logger {
	if l != nil {
		return l
	}
	return Default()
}

// Event is a convenience alias so callers that need to reference the
// backend event type (e.g. for a custom Writer) don't need to import
// stumpy directly.
type Event = stumpy.Event
