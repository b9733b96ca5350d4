// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import (
	"context"
	"errors"
	"fmt"

	"github.com/mongocore/driver/x/bsonx/bsoncore"
	"github.com/mongocore/driver/x/mongo/driver"
	"github.com/mongocore/driver/x/mongo/driver/address"
	"github.com/mongocore/driver/x/mongo/driver/session"
)

// cursorState mirrors the state field of the cursor data model: UNPRIMED before the initiating
// command has run, IN_BATCH/END_OF_BATCH while iterating a live cursor, DONE once the server side
// is exhausted, FAILED on any error.
type cursorState uint8

const (
	cursorUnprimed cursorState = iota
	cursorInBatch
	cursorEndOfBatch
	cursorDone
	cursorFailed
)

// ErrCursorInvalid is returned by Next once a cursor has transitioned to DONE or FAILED; its
// companion error document is always empty, since the condition is client-side.
var ErrCursorInvalid = errors.New("mongo: cursor is exhausted or closed")

// Cursor is the public handle over a driver.BatchCursor: it adds the UNPRIMED state (a cursor
// constructed from a not-yet-executed command hasn't been primed with a reply yet) and the
// post-DONE behavior that a driver.BatchCursor alone doesn't enforce.
type Cursor struct {
	bc    *driver.BatchCursor
	state cursorState
	err   error
}

// newCursor wraps an already-primed BatchCursor. Even an already-exhausted BatchCursor starts
// in IN_BATCH so the caller's first Next observes the clean end of iteration rather than an
// advanced-past-end error.
func newCursor(bc *driver.BatchCursor) *Cursor {
	return &Cursor{bc: bc, state: cursorInBatch}
}

// NewCursorFromResponse constructs a Cursor directly from a decoded command reply, the
// `new_from_command_reply` entry point. If the reply's cursor id is non-zero, opts.Server must
// be non-empty -- otherwise the constructor fails with ErrCursorInvalid, since there is no way to
// bind a future getMore to a server.
func NewCursorFromResponse(
	resp driver.CursorResponse,
	sess *session.Client,
	clock *session.ClusterClock,
	deployment driver.Deployment,
	opts driver.CursorOptions,
) (*Cursor, error) {
	if resp.ID != 0 && resp.Server == address.Address("") {
		return nil, fmt.Errorf("mongo: %w: non-zero cursor id requires a bound server", ErrCursorInvalid)
	}
	bc := driver.NewBatchCursor(resp, sess, clock, deployment, opts)
	return newCursor(bc), nil
}

// ID returns the server-assigned cursor id; 0 means the cursor is exhausted.
func (c *Cursor) ID() int64 { return c.bc.ID() }

// Current returns the document most recently returned by Next. Its storage is reused by the
// next call to Next; callers that need to retain it past that point must copy it.
func (c *Cursor) Current() bsoncore.Document { return c.bc.Current() }

// Err returns the error that moved this cursor to FAILED, if any. Advancing past the end of
// iteration reports ErrCursorInvalid.
func (c *Cursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.bc.Err()
}

// ErrDocument returns the raw server reply behind Err, or an empty document when the failure
// originated client-side (including ErrCursorInvalid).
func (c *Cursor) ErrDocument() bsoncore.Document {
	if c.err != nil {
		return nil
	}
	return c.bc.ErrDocument()
}

// RemoteServer returns the address this cursor is bound to.
func (c *Cursor) RemoteServer() address.Address { return c.bc.Server() }

// PostBatchResumeToken returns the postBatchResumeToken from the most recently received reply,
// or nil if the server didn't send one. Used by ChangeStream's resume-token tracking.
func (c *Cursor) PostBatchResumeToken() bsoncore.Document { return c.bc.PostBatchResumeToken() }

// Next advances the cursor and reports whether Current now holds a new document. Once the
// cursor has reached DONE or FAILED, Next always returns false immediately without touching the
// network, and Err reports ErrCursorInvalid with an empty error document.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.state == cursorDone || c.state == cursorFailed {
		c.err = ErrCursorInvalid
		return false
	}

	ok := c.bc.Next(ctx)
	switch {
	case c.bc.Done() && c.bc.Err() != nil:
		c.state = cursorFailed
	case c.bc.Done():
		c.state = cursorDone
	case ok:
		c.state = cursorInBatch
	default:
		c.state = cursorEndOfBatch
	}
	return ok
}

// Close terminates the cursor, issuing killCursors against the bound server if its id is still
// non-zero. Close is idempotent and safe to call after Next has returned false.
func (c *Cursor) Close(ctx context.Context) error {
	c.state = cursorDone
	return c.bc.Close(ctx)
}

// CloseWithoutKillCursors terminates the cursor without issuing killCursors, for callers that
// already know the bound connection is dead.
func (c *Cursor) CloseWithoutKillCursors() {
	c.state = cursorDone
	c.bc.CloseWithoutKillCursors()
}
