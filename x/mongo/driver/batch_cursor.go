// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"time"

	"github.com/mongocore/driver/x/bsonx/bsoncore"
	"github.com/mongocore/driver/x/mongo/driver/address"
	"github.com/mongocore/driver/x/mongo/driver/description"
	"github.com/mongocore/driver/x/mongo/driver/session"
)

// batchCursorState tracks a BatchCursor's position relative to its cached batch. UNPRIMED is
// handled one layer up, by whatever constructs the initiating command; a BatchCursor always
// starts already primed from a CursorResponse.
type batchCursorState uint8

const (
	stateInBatch batchCursorState = iota
	stateEndOfBatch
	stateDone
	stateFailed
)

// CursorOptions configures a BatchCursor at construction time. Limit cannot be changed once a
// cursor is primed, so it is accepted only here.
type CursorOptions struct {
	BatchSize    int32
	Limit        int32
	SingleBatch  bool
	MaxAwaitTime time.Duration
	RetryMode    RetryMode
}

// BatchCursor is the low-level engine behind every cursor-returning command: it holds the
// server-assigned cursor id, the currently cached batch, and the getMore/killCursors commands
// needed to keep going. It is bound for its entire life to the server that produced its id;
// mongo.Cursor and mongo.ChangeStream build their public API on top of it.
type BatchCursor struct {
	ns         Namespace
	server     address.Address
	deployment Deployment
	session    *session.Client
	clock      *session.ClusterClock
	retryMode  RetryMode

	id           int64
	currentBatch []bsoncore.Document
	batchPos     int
	current      bsoncore.Document

	batchSize   int32
	limit       int32
	numReturned int32
	singleBatch bool
	comment     bsoncore.Value
	maxTimeMS   int64

	postBatchResumeToken bsoncore.Document
	initialOperationTime bsoncore.Value
	lastReply            bsoncore.Document

	state  batchCursorState
	err    error
	errDoc bsoncore.Document
	closed bool
}

// NewBatchCursor constructs a BatchCursor from the reply to whatever command created it (find,
// aggregate, listCollections, ...), binding it to the server the reply came from.
func NewBatchCursor(resp CursorResponse, sess *session.Client, clock *session.ClusterClock, deployment Deployment, opts CursorOptions) *BatchCursor {
	bc := &BatchCursor{
		ns:                   resp.Namespace,
		server:               resp.Server,
		deployment:           deployment,
		session:              sess,
		clock:                clock,
		retryMode:            opts.RetryMode,
		id:                   resp.ID,
		currentBatch:         resp.FirstBatch,
		batchSize:            opts.BatchSize,
		limit:                opts.Limit,
		singleBatch:          opts.SingleBatch,
		postBatchResumeToken: resp.PostBatchResumeToken,
		initialOperationTime: resp.OperationTime,
		state:                stateInBatch,
	}
	if opts.MaxAwaitTime > 0 {
		bc.SetMaxTime(opts.MaxAwaitTime)
	}
	if len(bc.currentBatch) == 0 {
		if bc.id == 0 || bc.singleBatch {
			bc.state = stateDone
		} else {
			bc.state = stateEndOfBatch
		}
	}
	return bc
}

// SetBatchSize overrides the batch size requested on every subsequent getMore.
func (bc *BatchCursor) SetBatchSize(size int32) { bc.batchSize = size }

// SetComment attaches a comment document echoed onto every getMore; a non-document value is
// ignored, matching the driver's convention that comment is always a BSON document once past
// the reflective helpers that live outside this module.
func (bc *BatchCursor) SetComment(v bsoncore.Value) {
	if v.Type == bsoncore.TypeEmbeddedDocument {
		bc.comment = v
	}
}

// CommentString renders the current comment for diagnostics, or "" if none is set.
func (bc *BatchCursor) CommentString() string {
	if bc.comment.Type != bsoncore.TypeEmbeddedDocument {
		return ""
	}
	return bc.comment.String()
}

// SetMaxTime sets the maxTimeMS (or, for a tailable cursor, maxAwaitTimeMS) sent on every
// getMore, rounding down to the nearest millisecond.
func (bc *BatchCursor) SetMaxTime(d time.Duration) {
	bc.maxTimeMS = int64(d / time.Millisecond)
}

// ID returns the server-assigned cursor id; 0 means the cursor is exhausted.
func (bc *BatchCursor) ID() int64 { return bc.id }

// Server returns the address this cursor is bound to.
func (bc *BatchCursor) Server() address.Address { return bc.server }

// Current returns the document most recently returned by Next.
func (bc *BatchCursor) Current() bsoncore.Document { return bc.current }

// Err returns the error that caused the cursor to fail, if any.
func (bc *BatchCursor) Err() error { return bc.err }

// ErrDocument returns the raw server reply associated with Err, or nil if the error originated
// client-side.
func (bc *BatchCursor) ErrDocument() bsoncore.Document { return bc.errDoc }

// PostBatchResumeToken returns the postBatchResumeToken from the most recently received reply,
// or nil if the server didn't send one.
func (bc *BatchCursor) PostBatchResumeToken() bsoncore.Document { return bc.postBatchResumeToken }

// InitialOperationTime returns the operationTime observed on the reply that created this cursor.
func (bc *BatchCursor) InitialOperationTime() bsoncore.Value { return bc.initialOperationTime }

// LastReply returns the most recently decoded command reply in full, for callers that need
// fields (like operationTime) that NewCursorResponse doesn't itself surface per-getMore.
func (bc *BatchCursor) LastReply() bsoncore.Document { return bc.lastReply }

// Done reports whether the cursor has been exhausted or has failed.
func (bc *BatchCursor) Done() bool { return bc.state == stateDone || bc.state == stateFailed }

// Next advances the cursor to its next document, issuing a getMore if the cached batch is
// exhausted. It returns false when the cursor is done, has failed, or (for a tailable cursor)
// when a getMore returned no new documents -- the caller may call Next again in that case.
func (bc *BatchCursor) Next(ctx context.Context) bool {
	if bc.Done() {
		return false
	}

	if bc.batchPos >= len(bc.currentBatch) {
		if bc.id == 0 || bc.singleBatch {
			bc.state = stateDone
			return false
		}
		if err := bc.getMore(ctx); err != nil {
			bc.state = stateFailed
			bc.err = err
			return false
		}
		if bc.batchPos >= len(bc.currentBatch) {
			if bc.state != stateDone {
				bc.state = stateEndOfBatch
			}
			return false
		}
	}

	bc.current = bc.currentBatch[bc.batchPos]
	bc.batchPos++
	bc.numReturned++
	if bc.batchPos >= len(bc.currentBatch) {
		bc.state = stateEndOfBatch
	} else {
		bc.state = stateInBatch
	}
	return true
}

// calcGetMoreBatchSize computes the batchSize to request on the next getMore given an explicit
// batchSize and a limit: when a limit constrains the remaining document count below an already
// set batchSize, it is clamped down; an unset batchSize (0) is left alone rather than derived
// from the limit. ok is false when the limit has already been exceeded by what was returned, a
// state the caller should treat as "stop, do not send another getMore".
func calcGetMoreBatchSize(bc BatchCursor) (int32, bool) {
	if bc.limit == 0 {
		return bc.batchSize, true
	}
	remaining := bc.limit - bc.numReturned
	if remaining < 0 {
		return remaining, false
	}
	if bc.batchSize != 0 && bc.batchSize > remaining {
		return remaining, true
	}
	return bc.batchSize, true
}

func (bc *BatchCursor) getMore(ctx context.Context) error {
	size, ok := calcGetMoreBatchSize(*bc)
	if !ok {
		bc.state = stateDone
		return nil
	}

	op := &Operation{
		CommandFn:  bc.appendGetMore(size),
		Database:   bc.ns.DB,
		Deployment: bc.deployment,
		Selector:   description.AddressSelector{Addr: bc.server},
		Session:    bc.session,
		Clock:      bc.clock,
		Type:       Read,
		RetryMode:  bc.retryMode,
	}

	reply, err := op.Execute(ctx)
	if err != nil {
		if cmdErr, isCmdErr := err.(Error); isCmdErr {
			bc.errDoc = cmdErr.Raw
		}
		return err
	}

	resp, err := NewCursorResponse(reply, op.SelectedServer().Addr)
	if err != nil {
		return err
	}

	bc.lastReply = reply
	bc.id = resp.ID
	bc.currentBatch = resp.FirstBatch
	bc.batchPos = 0
	bc.postBatchResumeToken = resp.PostBatchResumeToken
	if bc.id == 0 {
		bc.state = stateDone
	}
	return nil
}

// Close terminates the cursor: if its id is non-zero, a killCursors is sent to the bound server
// and its reply is ignored. Close is idempotent.
func (bc *BatchCursor) Close(ctx context.Context) error {
	if bc.closed {
		return nil
	}
	bc.closed = true
	if bc.id == 0 {
		return nil
	}

	op := &Operation{
		CommandFn:  bc.appendKillCursors(),
		Database:   bc.ns.DB,
		Deployment: bc.deployment,
		Selector:   description.AddressSelector{Addr: bc.server},
		Session:    bc.session,
		Clock:      bc.clock,
		Type:       Read,
	}
	_, _ = op.Execute(ctx)
	bc.id = 0
	return nil
}

// CloseWithoutKillCursors discards the cursor's local state without sending killCursors. Used
// when the bound connection is already known dead (e.g. the error that ended iteration was a
// NetworkError), where a killCursors round trip can only fail.
func (bc *BatchCursor) CloseWithoutKillCursors() {
	bc.closed = true
	bc.id = 0
}

func (bc *BatchCursor) appendGetMore(batchSize int32) AppendCommandFn {
	id, coll, maxTimeMS, comment := bc.id, bc.ns.Collection, bc.maxTimeMS, bc.comment
	return func(dst *bsoncore.DocumentBuilder) error {
		dst.AppendInt64("getMore", id)
		dst.AppendString("collection", coll)
		if batchSize > 0 {
			dst.AppendInt32("batchSize", batchSize)
		}
		if maxTimeMS > 0 {
			dst.AppendInt64("maxTimeMS", maxTimeMS)
		}
		if comment.Type == bsoncore.TypeEmbeddedDocument {
			dst.AppendValue("comment", comment)
		}
		return nil
	}
}

func (bc *BatchCursor) appendKillCursors() AppendCommandFn {
	id, coll := bc.id, bc.ns.Collection
	return func(dst *bsoncore.DocumentBuilder) error {
		dst.AppendString("killCursors", coll)
		arr, ok := dst.AppendArrayBegin("cursors")
		if ok {
			arr.AppendInt64("0", id)
			dst.AppendArrayEnd(arr)
		}
		return nil
	}
}
