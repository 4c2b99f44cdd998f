// Package debug provides the engine's debug logger on top of log/slog.
// Disabled by default; Init(true) routes records to stderr.
package debug

import (
	"log/slog"
	"os"
	"sync"
)

var (
	mu     sync.RWMutex
	logger = slog.New(slog.DiscardHandler)
)

// Init configures the logger. When enable is true records go to stderr at
// debug level; otherwise they are discarded.
func Init(enable bool) {
	mu.Lock()
	defer mu.Unlock()
	if enable {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	} else {
		logger = slog.New(slog.DiscardHandler)
	}
}

func current() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debug logs at debug level.
func Debug(msg string, args ...any) { current().Debug(msg, args...) }

// Warn logs at warning level.
func Warn(msg string, args ...any) { current().Warn(msg, args...) }

// Error logs at error level.
func Error(msg string, args ...any) { current().Error(msg, args...) }

// With returns a logger carrying the given attributes.
func With(args ...any) *slog.Logger { return current().With(args...) }
