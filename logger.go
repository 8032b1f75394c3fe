package vgpu

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// discard drops every record. Enabled reports false, so callers never
// format the attributes of a disabled message.
type discard struct{}

func (discard) Enabled(context.Context, slog.Level) bool  { return false }
func (discard) Handle(context.Context, slog.Record) error { return nil }
func (d discard) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discard) WithGroup(string) slog.Handler           { return d }

var silent = slog.New(discard{})

// current is read by backend completion goroutines and the worker loop
// while SetLogger may run on any other goroutine.
var current atomic.Pointer[slog.Logger]

func init() { current.Store(silent) }

// SetLogger routes the log output of vgpu and every sub-package to l.
// Nothing is logged until it is called; SetLogger(nil) silences output
// again. It is safe for concurrent use.
//
// Levels:
//   - [slog.LevelDebug]: skipped extension ops, debug markers, presents, ticks
//   - [slog.LevelInfo]: context and worker lifecycle, device selection
//   - [slog.LevelWarn]: faulted streams, lost contexts, abandoned fences
//
// For example, to see every tick:
//
//	vgpu.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = silent
	}
	current.Store(l)
}

// Logger returns the logger installed by SetLogger.
func Logger() *slog.Logger { return current.Load() }

// ContextLogger returns the logger with the context id attached, for
// messages about one execution context.
func ContextLogger(id uint32) *slog.Logger { return current.Load().With("context", id) }
