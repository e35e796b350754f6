// Package logging provides category-tagged leveled logging for the agent.
// All agent logging goes through these wrappers so categories stay consistent.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Category constants for consistent logging categories.
const (
	CategoryApp    = "App"
	CategorySync   = "Sync"
	CategoryWorker = "Worker"
	CategoryStore  = "Store"
	CategoryAPI    = "API"
	CategoryNet    = "Net"
)

var (
	mu     sync.RWMutex
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
)

// ParseLevel maps "debug", "info", "warn" and "error" to a slog level.
// Unknown values yield info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init configures the process-wide logger. json selects structured output.
func Init(w io.Writer, level string, json bool) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if json {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	mu.Lock()
	logger = slog.New(h)
	mu.Unlock()
}

func get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func log(level slog.Level, category, msg string, params ...interface{}) {
	if len(params) > 0 {
		msg = fmt.Sprintf(msg, params...)
	}
	get().Log(context.Background(), level, msg, "category", category)
}

// Debug logs a debug message.
func Debug(category, msg string, params ...interface{}) {
	log(slog.LevelDebug, category, msg, params...)
}

// Info logs an info message.
func Info(category, msg string, params ...interface{}) {
	log(slog.LevelInfo, category, msg, params...)
}

// Warning logs a warning message.
func Warning(category, msg string, params ...interface{}) {
	log(slog.LevelWarn, category, msg, params...)
}

// Error logs an error message.
func Error(category, msg string, params ...interface{}) {
	log(slog.LevelError, category, msg, params...)
}
