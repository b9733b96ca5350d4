// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/mongocore/driver/bson/primitive"
	"github.com/mongocore/driver/mongo/readconcern"
	"github.com/mongocore/driver/mongo/readpref"
	"github.com/mongocore/driver/x/bsonx/bsoncore"
	"github.com/mongocore/driver/x/mongo/driver"
	"github.com/mongocore/driver/x/mongo/driver/operation"
	"github.com/mongocore/driver/x/mongo/driver/session"
)

// ErrNoResumeToken is returned when a change stream document carries no `_id` and no
// postBatchResumeToken was available to fall back on (a pipeline that projects away `_id`).
var ErrNoResumeToken = errors.New("mongo: change stream notification has no resume token")

// StreamType identifies the scope a change stream was opened against.
type StreamType uint8

// Change stream scopes.
const (
	CollectionStream StreamType = iota
	DatabaseStream
	ClientStream
)

// tokenSource records where ChangeStream's current resume token came from, which decides how a
// resume rewrites the $changeStream stage.
type tokenSource uint8

const (
	tokenNone tokenSource = iota
	tokenFromPostBatch
	tokenFromDocument
)

// changeStreamDenyCodes are never resumable even on a server that predates the
// ResumableChangeStreamError label.
var changeStreamDenyCodes = map[int32]bool{
	11601: true, // Interrupted
	136:   true, // CappedPositionLost
	237:   true, // CursorKilled
}

// changeStreamAllowCodes are resumable when an error carries no ResumableChangeStreamError label.
// resumable applies this list whatever the server's wire version; it does not limit it to
// servers that predate the label (wire version < 9 / server < 4.4).
var changeStreamAllowCodes = map[int32]bool{
	6:     true, // HostUnreachable
	7:     true, // HostNotFound
	89:    true, // NetworkTimeout
	91:    true, // ShutdownInProgress
	189:   true, // PrimarySteppedDown
	262:   true, // ExceededTimeLimit
	9001:  true, // SocketException
	10107: true, // NotWritablePrimary
	11600: true, // InterruptedAtShutdown
	11602: true, // InterruptedDueToReplStateChange
	13388: true, // StaleConfig
	13435: true, // NotPrimaryNoSecondaryOk
	13436: true, // NotPrimaryOrSecondary
	63:    true, // StaleShardVersion
	150:   true, // StaleEpoch
	234:   true, // RetryChangeStream
	43:    true, // CursorNotFound
}

const resumableChangeStreamErrorLabel = "ResumableChangeStreamError"

// resumable reports whether err qualifies for a transparent resume attempt.
func resumable(err error) bool {
	var derr driver.Error
	if !errors.As(err, &derr) {
		return false
	}
	if derr.NetworkError() {
		return true
	}
	if derr.HasErrorLabel(resumableChangeStreamErrorLabel) {
		return true
	}
	if changeStreamDenyCodes[derr.Code] {
		return false
	}
	return changeStreamAllowCodes[derr.Code]
}

// ChangeStreamOptions configures a ChangeStream at watch time. Limit is deliberately accepted
// only here: a stream's limit cannot be changed once it is running, the same rule every other
// cursor kind follows.
type ChangeStreamOptions struct {
	FullDocument         string
	ResumeAfter          bsoncore.Document
	StartAfter           bsoncore.Document
	StartAtOperationTime *primitive.Timestamp
	MaxAwaitTime         time.Duration
	BatchSize            int32
	Limit                int32
	Collation            bsoncore.Document
}

// ChangeStream is a cursor iterating a `$changeStream` aggregation pipeline, adding resume-token
// tracking and transparent single-retry resume on a resumable error.
type ChangeStream struct {
	streamType StreamType
	database   string
	collection string
	userStages bsoncore.Array

	opts           ChangeStreamOptions
	usedStartAfter bool // whether the original watch() call supplied StartAfter
	capturedOpTime *primitive.Timestamp

	deployment  driver.Deployment
	session     *session.Client
	clock       *session.ClusterClock
	readPref    *readpref.ReadPref
	readConcern *readconcern.ReadConcern

	cursor      *Cursor
	resumeToken bsoncore.Document
	tokSource   tokenSource
	iteratedAny bool

	current bsoncore.Document
	err     error
}

// NewChangeStream opens a change stream over userStages (the caller's own pipeline, not
// including the `$changeStream` stage, which this type manages). collection may be "" for a
// database-level or client-level (whole-deployment) stream; streamType picks which.
func NewChangeStream(
	ctx context.Context,
	streamType StreamType,
	database, collection string,
	userStages bsoncore.Array,
	opts ChangeStreamOptions,
	deployment driver.Deployment,
	sess *session.Client,
	clock *session.ClusterClock,
	readPref *readpref.ReadPref,
	readConcern *readconcern.ReadConcern,
) (*ChangeStream, error) {
	cs := &ChangeStream{
		streamType:     streamType,
		database:       database,
		collection:     collection,
		userStages:     userStages,
		opts:           opts,
		usedStartAfter: opts.StartAfter != nil,
		deployment:     deployment,
		session:        sess,
		clock:          clock,
		readPref:       readPref,
		readConcern:    readConcern,
	}

	if err := cs.openCursor(ctx, false); err != nil {
		return nil, err
	}
	return cs, nil
}

func (cs *ChangeStream) changeStreamStage(forResume bool) bsoncore.Document {
	b := bsoncore.NewDocumentBuilder()
	if cs.streamType == ClientStream {
		b.AppendBoolean("allChangesForCluster", true)
	}
	if cs.opts.FullDocument != "" {
		b.AppendString("fullDocument", cs.opts.FullDocument)
	}
	if cs.opts.MaxAwaitTime > 0 {
		b.AppendInt64("maxAwaitTimeMS", int64(cs.opts.MaxAwaitTime/time.Millisecond))
	}

	switch {
	case forResume && cs.tokSource == tokenFromDocument:
		b.AppendDocument("resumeAfter", cs.resumeToken)
	case forResume && cs.tokSource == tokenFromPostBatch && !cs.iteratedAny && cs.usedStartAfter:
		b.AppendDocument("startAfter", cs.resumeToken)
	case forResume && cs.tokSource == tokenFromPostBatch:
		b.AppendDocument("resumeAfter", cs.resumeToken)
	case forResume && cs.tokSource == tokenNone:
		if cs.capturedOpTime != nil {
			b.AppendTimestamp("startAtOperationTime", cs.capturedOpTime.T, cs.capturedOpTime.I)
		}
	case cs.opts.ResumeAfter != nil:
		b.AppendDocument("resumeAfter", cs.opts.ResumeAfter)
	case cs.opts.StartAfter != nil:
		b.AppendDocument("startAfter", cs.opts.StartAfter)
	case cs.opts.StartAtOperationTime != nil:
		b.AppendTimestamp("startAtOperationTime", cs.opts.StartAtOperationTime.T, cs.opts.StartAtOperationTime.I)
	}

	doc, _ := b.Finish()
	return doc
}

func (cs *ChangeStream) buildPipeline(forResume bool) bsoncore.Array {
	stage := cs.changeStreamStage(forResume)
	sb := bsoncore.NewDocumentBuilder()
	sb.AppendDocument("$changeStream", stage)
	stageDoc, _ := sb.Finish()

	ab := bsoncore.NewDocumentBuilder()
	ab.AppendDocument("0", stageDoc)
	if len(cs.userStages) > 0 {
		vals, _ := cs.userStages.Values()
		for i, v := range vals {
			ab.AppendValue(itoa(i+1), v)
		}
	}
	arr, _ := ab.Finish()
	return bsoncore.Array(arr)
}

// itoa avoids importing strconv solely for small non-negative indices used as array keys.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [8]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

func (cs *ChangeStream) openCursor(ctx context.Context, forResume bool) error {
	agg := operation.NewAggregate(cs.collection, cs.buildPipeline(forResume)).
		Database(cs.database).
		Deployment(cs.deployment).
		ReadPreference(cs.readPref).
		ReadConcern(cs.readConcern).
		Session(cs.session).
		ClusterClock(cs.clock)
	if cs.opts.BatchSize > 0 {
		agg = agg.BatchSize(cs.opts.BatchSize)
	}
	if cs.opts.Collation != nil {
		agg = agg.Collation(cs.opts.Collation)
	}

	if err := agg.Execute(ctx); err != nil {
		return err
	}

	resp := agg.Result()
	bc := driver.NewBatchCursor(resp, cs.session, cs.clock, cs.deployment, driver.CursorOptions{
		BatchSize:    cs.opts.BatchSize,
		Limit:        cs.opts.Limit,
		MaxAwaitTime: cs.opts.MaxAwaitTime,
	})
	cs.cursor = newCursor(bc)

	cs.observeReply(resp.PostBatchResumeToken)
	if cs.tokSource == tokenNone {
		cs.captureOperationTime(resp.OperationTime)
	}
	return nil
}

// observeReply applies the postBatchResumeToken precedence rule: a present token always wins
// for that reply, superseding whatever a previously iterated document may have set.
func (cs *ChangeStream) observeReply(pbrt bsoncore.Document) {
	if pbrt != nil {
		cs.resumeToken = pbrt
		cs.tokSource = tokenFromPostBatch
	}
}

func (cs *ChangeStream) captureOperationTime(v bsoncore.Value) {
	if cs.capturedOpTime != nil {
		return
	}
	if t, i, ok := v.Timestamp(); ok {
		cs.capturedOpTime = &primitive.Timestamp{T: t, I: i}
	}
}

// ID returns the server-assigned cursor id backing this change stream.
func (cs *ChangeStream) ID() int64 { return cs.cursor.ID() }

// Current returns the most recently iterated change-notification document.
func (cs *ChangeStream) Current() bsoncore.Document { return cs.current }

// Err returns the error that stopped iteration, if any.
func (cs *ChangeStream) Err() error {
	if cs.err != nil {
		return cs.err
	}
	return cs.cursor.Err()
}

// Next advances the stream to the next change notification, transparently resuming once on a
// resumable getMore error.
func (cs *ChangeStream) Next(ctx context.Context) bool {
	if cs.cursor.Next(ctx) {
		return cs.applyDocument(ctx)
	}

	err := cs.cursor.Err()
	if err == nil {
		cs.observeReply(cs.cursor.PostBatchResumeToken())
		return false
	}
	if !resumable(err) {
		cs.err = err
		return false
	}

	var derr driver.Error
	if errors.As(err, &derr) && derr.NetworkError() {
		cs.cursor.CloseWithoutKillCursors()
	} else {
		_ = cs.cursor.Close(ctx)
	}
	if rerr := cs.openCursor(ctx, true); rerr != nil {
		cs.err = rerr
		return false
	}

	if cs.cursor.Next(ctx) {
		return cs.applyDocument(ctx)
	}
	return false
}

// applyDocument records the just-returned document as Current and updates the resume token per
// the per-document fallback rule ("else, as each document is iterated, its `_id` becomes the
// current resume token").
func (cs *ChangeStream) applyDocument(ctx context.Context) bool {
	doc := cs.cursor.Current()
	cs.current = doc
	cs.iteratedAny = true

	cs.observeReply(cs.cursor.PostBatchResumeToken())
	if cs.tokSource == tokenFromPostBatch {
		return true
	}

	idVal, err := doc.LookupErr("_id")
	if err != nil {
		cs.err = ErrNoResumeToken
		_ = cs.Close(ctx)
		return false
	}
	idDoc, ok := idVal.Document()
	if !ok {
		cs.err = ErrNoResumeToken
		_ = cs.Close(ctx)
		return false
	}
	cs.resumeToken = idDoc
	cs.tokSource = tokenFromDocument
	return true
}

// Close terminates the underlying cursor.
func (cs *ChangeStream) Close(ctx context.Context) error {
	return cs.cursor.Close(ctx)
}
