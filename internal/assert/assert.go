// Copyright (C) MongoDB, Inc. 2022-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package assert holds the handful of test helpers shared across this module's package-internal
// test files.
package assert

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Equal fails the test with the given message (formatted as with t.Errorf) if expected and
// actual are not deeply equal. On failure the cmp diff is appended, since msg alone rarely says
// which field disagreed.
func Equal(t *testing.T, expected, actual interface{}, msg string, args ...interface{}) {
	t.Helper()
	if diff := cmp.Diff(expected, actual, cmpopts.EquateErrors()); diff != "" {
		t.Errorf(msg+"\n(-expected +actual):\n%s", append(args, diff)...)
	}
}

// True fails the test with the given message if cond is false.
func True(t *testing.T, cond bool, msg string, args ...interface{}) {
	t.Helper()
	if !cond {
		t.Errorf(msg, args...)
	}
}

// NoError fails the test if err is non-nil.
func NoError(t *testing.T, err error, msg string, args ...interface{}) {
	t.Helper()
	if err != nil {
		t.Errorf(msg, args...)
	}
}
