// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mongocore/driver/x/bsonx/bsoncore"
	"github.com/mongocore/driver/x/mongo/driver/description"
)

// Error labels recognized by the retryable reads/writes and transaction specs.
const (
	NetworkErrorLabel                   = "NetworkError"
	TransientTransactionLabel           = "TransientTransactionError"
	RetryableWriteErrorLabel            = "RetryableWriteError"
	UnknownTransactionCommitResultLabel = "UnknownTransactionCommitResult"
)

// notPrimaryOrRecoveringCodes are server error codes meaning "I am not primary" or "I am
// recovering and can't serve this request right now" -- both are retryable.
var notPrimaryOrRecoveringCodes = map[int32]bool{
	10058: true, // LegacyNotPrimary
	10107: true, // NotWritablePrimary
	13435: true, // NotPrimaryNoSecondaryOk
	11602: true, // InterruptedDueToReplStateChange
	13436: true, // NotPrimaryOrSecondary
	189:   true, // PrimarySteppedDown
	91:    true, // ShutdownInProgress
}

var notPrimaryOrRecoveringMessages = []string{
	"not master",
	"node is recovering",
}

// retryableCodes are server error codes that are safe to retry regardless of the notPrimary
// classification above.
var retryableCodes = map[int32]bool{
	6:     true, // HostUnreachable
	7:     true, // HostNotFound
	89:    true, // NetworkTimeout
	91:    true, // ShutdownInProgress
	189:   true, // PrimarySteppedDown
	9001:  true, // SocketException
	262:   true, // ExceededTimeLimit
	10107: true, // NotWritablePrimary
	11600: true, // InterruptedAtShutdown
	11602: true, // InterruptedDueToReplStateChange
	13435: true, // NotPrimaryNoSecondaryOk
	13436: true, // NotPrimaryOrSecondary
}

// WriteConcernError represents a write concern failure reported alongside an otherwise
// successful write.
type WriteConcernError struct {
	Name    string
	Code    int64
	Message string
	Details bsoncore.Document
}

func (wce WriteConcernError) Error() string { return wce.Message }

// WriteError represents one failed write within a bulk write response.
type WriteError struct {
	Index   int64
	Code    int64
	Message string
}

func (we WriteError) Error() string { return we.Message }

// WriteCommandError aggregates the write errors and/or write concern error from a single
// command response.
type WriteCommandError struct {
	WriteErrors       []WriteError
	WriteConcernError *WriteConcernError
	Labels            []string
}

func (wce WriteCommandError) Error() string {
	if len(wce.WriteErrors) > 0 {
		return wce.WriteErrors[0].Message
	}
	if wce.WriteConcernError != nil {
		return wce.WriteConcernError.Message
	}
	return "write command error"
}

// HasErrorLabel reports whether label is present on wce.
func (wce WriteCommandError) HasErrorLabel(label string) bool {
	for _, l := range wce.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Retryable reports whether the underlying write concern error is one a retryable write may
// safely retry.
func (wce WriteCommandError) Retryable() bool {
	return wce.HasErrorLabel(RetryableWriteErrorLabel)
}

// Error represents a command-level failure returned by ok:0 in a server reply, or a
// transport-level failure synthesized by the dispatcher itself (network error, decode error).
type Error struct {
	Code        int32
	Message     string
	Name        string
	Labels      []string
	Wrapped     error
	Raw         bsoncore.Document
	TopologyVer *description.TopologyVersion
}

func (e Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("(%s) %s", e.Name, e.Message)
	}
	return e.Message
}

// Unwrap supports errors.Is/As against a transport-level cause.
func (e Error) Unwrap() error { return e.Wrapped }

// HasErrorLabel reports whether label is present on e.
func (e Error) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// NetworkError reports whether e represents a transport-level failure (connection refused,
// reset, timed out) as opposed to a server-reported command failure.
func (e Error) NetworkError() bool { return e.HasErrorLabel(NetworkErrorLabel) }

// NodeIsRecovering reports whether the server reported it is in recovering state and can't
// currently serve the request, but will be able to again once it finishes.
func (e Error) NodeIsRecovering() bool {
	if notPrimaryOrRecoveringCodes[e.Code] {
		return true
	}
	for _, m := range notPrimaryOrRecoveringMessages {
		if containsFold(e.Message, m) && containsFold(e.Message, "recovering") {
			return true
		}
	}
	return false
}

// NotPrimary reports whether the server reported it is not (or no longer) the primary.
func (e Error) NotPrimary() bool {
	if notPrimaryOrRecoveringCodes[e.Code] {
		return true
	}
	return containsFold(e.Message, "not master") || containsFold(e.Message, "not primary")
}

// NodeIsShuttingDown reports whether the server reported it is in the process of shutting down.
func (e Error) NodeIsShuttingDown() bool {
	return e.Code == 91 || containsFold(e.Message, "shutdown in progress") || containsFold(e.Message, "shutting down")
}

// TopologyVersion returns the topologyVersion reported alongside this error, if any.
func (e Error) TopologyVersion() *description.TopologyVersion { return e.TopologyVer }

// Retryable reports whether a retryable reads/writes attempt may safely be retried after e.
func (e Error) Retryable() bool {
	if e.NetworkError() || e.HasErrorLabel(RetryableWriteErrorLabel) {
		return true
	}
	if retryableCodes[e.Code] {
		return true
	}
	return e.NotPrimary() || e.NodeIsRecovering()
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Retryable reports whether err (as returned by an Operation) is retryable.
func Retryable(err error) bool {
	var e Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	var wce WriteCommandError
	if errors.As(err, &wce) {
		return wce.Retryable()
	}
	return false
}
