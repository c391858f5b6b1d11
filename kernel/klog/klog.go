// Package klog provides leveled, subsystem-tagged logging for kernel code.
// It is a thin veneer over the allocation-free kfmt primitives: messages
// below the active threshold are dropped, everything else is written to the
// kfmt output sink prefixed with its level and originating subsystem.
package klog

import "helios/kernel/kfmt"

// Level describes the severity of a log message.
type Level uint8

// The supported log levels, ordered from least to most severe.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

// threshold is the minimum level that gets written out. It is adjusted once
// during early boot and never concurrently with logging calls.
var threshold = LevelInfo

// SetThreshold sets the minimum level that gets written to the output sink.
func SetThreshold(level Level) {
	threshold = level
}

// Threshold returns the minimum level that gets written to the output sink.
func Threshold() Level {
	return threshold
}

// tag returns the fixed prefix for a level.
func (l Level) tag() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return " INFO"
	case LevelWarning:
		return " WARN"
	default:
		return "ERROR"
	}
}

// Debugf logs a debug-level message for the given subsystem. Debug output is
// suppressed unless the threshold has been lowered via SetThreshold.
func Debugf(subsystem, format string, args ...interface{}) {
	logf(LevelDebug, subsystem, format, args...)
}

// Infof logs an info-level message for the given subsystem.
func Infof(subsystem, format string, args ...interface{}) {
	logf(LevelInfo, subsystem, format, args...)
}

// Warningf logs a warning-level message for the given subsystem.
func Warningf(subsystem, format string, args ...interface{}) {
	logf(LevelWarning, subsystem, format, args...)
}

// Errorf logs an error-level message for the given subsystem.
func Errorf(subsystem, format string, args ...interface{}) {
	logf(LevelError, subsystem, format, args...)
}

func logf(level Level, subsystem, format string, args ...interface{}) {
	if level < threshold {
		return
	}

	kfmt.Printf("%s [%s] ", level.tag(), subsystem)
	kfmt.Printf(format, args...)
	kfmt.Printf("\n")
}
