// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package logger provides the structured logging shared by the dispatcher, topology, and cursor
// layers: per-component severity levels, an optional caller-supplied sink, and environment
// variable fallbacks for both.
package logger

import (
	"os"
	"strconv"
	"strings"
)

const messageKey = "message"
const jobBufferSize = 100
const logSinkPathEnvVar = "MONGODB_LOG_PATH"
const maxDocumentLengthEnvVar = "MONGODB_LOG_MAX_DOCUMENT_LENGTH"

// DefaultMaxDocumentLength is the default maximum length of a stringified BSON document in bytes.
const DefaultMaxDocumentLength = 1000

// TruncationSuffix are trailing ellipsis "..." appended to a message to indicate to the user
// that truncation occurred. This constant does not count toward the max document length.
const TruncationSuffix = "..."

const (
	logSinkPathStdout = "stdout"
	logSinkPathStderr = "stderr"
)

// LogSink represents a logging implementation. It is specifically designed to be a subset of
// go-logr/logr's LogSink interface, so a logr-based sink can be passed in without an adapter.
type LogSink interface {
	Info(int, string, ...interface{})
}

type job struct {
	level Level
	msg   ComponentMessage
}

// Logger is the driver's logger. It is used to log messages from the driver either to OS or to
// a custom LogSink.
type Logger struct {
	ComponentLevels   map[Component]Level
	Sink              LogSink
	MaxDocumentLength uint

	jobs chan job
}

// New will construct a new logger. If sink is nil, the logger falls back to the
// "MONGODB_LOG_PATH" environment variable and finally to stderr. Component levels not present
// in componentLevels are sourced from the "MONGODB_LOG_*" environment variables.
func New(sink LogSink, maxDocumentLength uint, componentLevels map[Component]Level) *Logger {
	return &Logger{
		ComponentLevels:   selectComponentLevels(componentLevels),
		MaxDocumentLength: selectMaxDocumentLength(maxDocumentLength),
		Sink:              selectLogSink(sink),

		jobs: make(chan job, jobBufferSize),
	}
}

// Close will close the logger and stop the printer goroutine.
func (logger *Logger) Close() {
	close(logger.jobs)
}

// Is will return true if the given LogLevel is enabled for the given LogComponent.
func (logger *Logger) Is(level Level, component Component) bool {
	return logger.ComponentLevels[component] >= level
}

// Print enqueues msg for the listener goroutine. If the job buffer is full the message is
// replaced with a drop notice (or dropped outright if even that won't fit), so Print never
// blocks the operation path it is called from.
func (logger *Logger) Print(level Level, msg ComponentMessage) {
	select {
	case logger.jobs <- job{level, msg}:
	default:
		select {
		case logger.jobs <- job{level, &CommandMessageDropped{}}:
		default:
		}
	}
}

// StartPrintListener will start a goroutine that will listen for log messages and attempt to
// print them to the configured LogSink.
func StartPrintListener(logger *Logger) {
	go func() {
		for job := range logger.jobs {
			level := job.level
			msg := job.msg

			if !logger.Is(level, msg.Component()) {
				continue
			}
			sink := logger.Sink
			if sink == nil {
				continue
			}

			keysAndValues := formatMessage(msg.Serialize(), logger.MaxDocumentLength)
			sink.Info(int(level)-DiffToInfo, msg.Message(), keysAndValues...)
		}
	}()
}

func truncate(str string, width uint) string {
	if len(str) <= int(width) {
		return str
	}

	// Truncate the byte slice of the string to the given width.
	newStr := str[:width]

	// Check if the last byte is at the beginning of a multi-byte character.
	// If it is, then remove the last byte.
	if newStr[len(newStr)-1]&0xC0 == 0xC0 {
		return newStr[:len(newStr)-1] + TruncationSuffix
	}

	// Check if the last byte is in the middle of a multi-byte character. If it is, then step
	// back until we find the beginning of the character.
	if newStr[len(newStr)-1]&0xC0 == 0x80 {
		for i := len(newStr) - 1; i >= 0; i-- {
			if newStr[i]&0xC0 == 0xC0 {
				return newStr[:i] + TruncationSuffix
			}
		}
	}

	return newStr + TruncationSuffix
}

// formatMessage truncates the stringified BSON documents ("command" and "reply" values) in the
// key/value list down to commandWidth bytes; every other value passes through unchanged.
func formatMessage(keysAndValues []interface{}, commandWidth uint) []interface{} {
	formattedKeysAndValues := make([]interface{}, len(keysAndValues))
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, _ := keysAndValues[i].(string)
		val := keysAndValues[i+1]

		switch key {
		case "command", "reply":
			str, ok := val.(string)
			if !ok || len(str) == 0 {
				val = "{}"
			} else {
				val = truncate(str, commandWidth)
			}
		}

		formattedKeysAndValues[i] = key
		formattedKeysAndValues[i+1] = val
	}
	return formattedKeysAndValues
}

// getEnvMaxDocumentLength will attempt to get the value of "MONGODB_LOG_MAX_DOCUMENT_LENGTH"
// from the environment, and then parse it as an unsigned integer. If the environment variable
// is not set or does not parse, this function returns 0.
func getEnvMaxDocumentLength() uint {
	max := os.Getenv(maxDocumentLengthEnvVar)
	if max == "" {
		return 0
	}

	maxUint, err := strconv.ParseUint(max, 10, 32)
	if err != nil {
		return 0
	}

	return uint(maxUint)
}

// selectMaxDocumentLength returns maxDocumentLength if non-zero, then the environment variable,
// then the default.
func selectMaxDocumentLength(maxDocumentLength uint) uint {
	if maxDocumentLength != 0 {
		return maxDocumentLength
	}
	if envLen := getEnvMaxDocumentLength(); envLen != 0 {
		return envLen
	}
	return DefaultMaxDocumentLength
}

// getEnvLogSink will check the environment for LogSink specifications. If none are found, nil
// is returned and the caller falls through to the stderr sink.
func getEnvLogSink() LogSink {
	path := os.Getenv(logSinkPathEnvVar)
	lowerPath := strings.ToLower(path)

	if lowerPath == logSinkPathStderr {
		return newOSSink(os.Stderr)
	}
	if lowerPath == logSinkPathStdout {
		return newOSSink(os.Stdout)
	}
	if path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return newOSSink(os.Stderr)
		}
		return newOSSink(f)
	}
	return nil
}

// selectLogSink returns sink if non-nil, then whatever the environment specifies, then stderr.
func selectLogSink(sink LogSink) LogSink {
	if sink != nil {
		return sink
	}
	if envSink := getEnvLogSink(); envSink != nil {
		return envSink
	}
	return newOSSink(os.Stderr)
}

// selectComponentLevels returns a new map of Components to Levels: the environment-derived
// levels overlaid with the explicitly provided ones, which take priority.
func selectComponentLevels(componentLevels map[Component]Level) map[Component]Level {
	selected := getEnvComponentLevels()
	for component, level := range componentLevels {
		selected[component] = level
	}
	return selected
}
