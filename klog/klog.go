// Package klog is the core's own structured logging, in the spirit of
// gopher-os's kernel/kfmt (a Printf-family implementation that does not
// depend on the heap being available yet) and biscuit's direct fmt.Printf
// calls from mem.go/dmap.go during boot. Unlike kfmt, klog is not written
// from scratch against a raw console; it wraps whatever io.Writer the
// platform's serial/VGA driver hands it, since that driver is an external
// collaborator per spec §1.
package klog

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Level orders log severity, matching the tracing call sites seen
// throughout the original source (trace!/warn!/info! in futex.rs,
// work_stealing.rs, task_types.rs).
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelWarn
	LevelPanic
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelPanic:
		return "PANIC"
	default:
		return "?"
	}
}

// Logger writes leveled, formatted lines to an underlying writer. It holds
// a mutex because the core's boot console is a single shared resource and
// log lines from different cores must not interleave mid-line.
type Logger struct {
	mu  sync.Mutex
	w   io.Writer
	min Level
}

// New wraps w. Lines below min are dropped without formatting their
// arguments.
func New(w io.Writer, min Level) *Logger {
	return &Logger{w: w, min: min}
}

func (l *Logger) log(level Level, format string, args ...any) {
	if level < l.min {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "[%s] ", level)
	fmt.Fprintf(l.w, format, args...)
	io.WriteString(l.w, "\n")
}

func (l *Logger) Trace(format string, args ...any) { l.log(LevelTrace, format, args...) }
func (l *Logger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }

var bytesPrinter = message.NewPrinter(language.English)

// FormatBytes renders a byte count with locale-aware digit grouping,
// e.g. "268,435,456 bytes (256 MiB)" -- the klog analogue of biscuit's
// fmt.Printf("Reserved %v pages (%vMB)\n", respgs, respgs>>8) in Phys_init.
func FormatBytes(n uint64) string {
	const (
		kib = 1 << 10
		mib = 1 << 20
		gib = 1 << 30
	)
	unit, div := "B", uint64(1)
	switch {
	case n >= gib:
		unit, div = "GiB", gib
	case n >= mib:
		unit, div = "MiB", mib
	case n >= kib:
		unit, div = "KiB", kib
	}
	return bytesPrinter.Sprintf("%d bytes (%d %s)", n, n/div, unit)
}

var std = New(io.Discard, LevelWarn)

// SetOutput redirects the package-level default logger, typically called
// once by boot glue once the console driver is available.
func SetOutput(w io.Writer, min Level) { std = New(w, min) }

func Trace(format string, args ...any) { std.Trace(format, args...) }
func Debug(format string, args ...any) { std.Debug(format, args...) }
func Warn(format string, args ...any)  { std.Warn(format, args...) }
