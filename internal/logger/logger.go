package logger

import (
	"sync"
)

// Log levels accepted by Get and SetLevel.
const (
	DebugLevel = "debug"
	InfoLevel  = "info"
	WarnLevel  = "warn"
	ErrorLevel = "error"
)

var (
	// globalLogger holds the process-wide logger.
	globalLogger *Logger
	once         sync.Once
)

// Get returns the process-wide logger. The first call fixes the initial level;
// later changes go through SetLevel.
func Get(level string) *Logger {
	once.Do(func() {
		globalLogger = newZapLogger(level)
	})
	return globalLogger
}

// LevelFor maps the debug_logging toggle onto a level name.
func LevelFor(debug bool, fallback string) string {
	if debug {
		return DebugLevel
	}
	if fallback == "" {
		return InfoLevel
	}
	return fallback
}
