// Package logger provides leveled logging on top of the standard log package.
package logger

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
)

// Level is a logging level. Smaller values are more verbose.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var level atomic.Int32

func init() {
	level.Store(int32(LevelInfo))
}

// SetLevel sets the global level from its name (DEBUG, INFO, WARN, ERROR).
// Unknown names fall back to INFO.
func SetLevel(name string) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		level.Store(int32(LevelDebug))
	case "INFO", "":
		level.Store(int32(LevelInfo))
	case "WARN", "WARNING":
		level.Store(int32(LevelWarn))
	case "ERROR":
		level.Store(int32(LevelError))
	default:
		log.Printf("[WARN] unknown log level %q, using INFO", name)
		level.Store(int32(LevelInfo))
	}
}

// Enabled reports whether messages at l are written.
func Enabled(l Level) bool {
	return Level(level.Load()) <= l
}

func Debugf(format string, v ...interface{}) {
	if Enabled(LevelDebug) {
		output("DEBUG", format, v...)
	}
}

func Infof(format string, v ...interface{}) {
	if Enabled(LevelInfo) {
		output("INFO", format, v...)
	}
}

func Warnf(format string, v ...interface{}) {
	if Enabled(LevelWarn) {
		output("WARN", format, v...)
	}
}

func Errorf(format string, v ...interface{}) {
	if Enabled(LevelError) {
		output("ERROR", format, v...)
	}
}

// Fatalf logs and exits the process.
func Fatalf(format string, v ...interface{}) {
	log.Fatalf("[FATAL] "+format, v...)
}

func output(prefix, format string, v ...interface{}) {
	// calldepth 3 points at the caller of Infof/Warnf/...
	_ = log.Output(3, fmt.Sprintf("["+prefix+"] "+format, v...))
}
