// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import (
	"context"
	"testing"

	"github.com/mongocore/driver/internal/assert"
	"github.com/mongocore/driver/x/bsonx/bsoncore"
	"github.com/mongocore/driver/x/mongo/driver"
)

func TestResumableClassification(t *testing.T) {
	t.Parallel()

	assert.True(t, resumable(driver.Error{Labels: []string{driver.NetworkErrorLabel}}),
		"expected a NetworkError to be resumable")
	assert.True(t, resumable(driver.Error{Labels: []string{resumableChangeStreamErrorLabel}}),
		"expected an explicit ResumableChangeStreamError label to be resumable")
	assert.True(t, resumable(driver.Error{Code: 43}), "expected CursorNotFound (43) to be resumable")
	assert.True(t, !resumable(driver.Error{Code: 11601}), "expected a denylisted code to never be resumable")
	assert.True(t, !resumable(driver.Error{Code: 9999}), "expected an unrecognized code to default to non-resumable")
	assert.True(t, !resumable(nil), "expected a nil error to be non-resumable")
}

func TestObserveReplyPostBatchTokenWins(t *testing.T) {
	t.Parallel()

	cs := &ChangeStream{}
	docToken := docWithKey("_id", "from-doc")
	cs.resumeToken = docToken
	cs.tokSource = tokenFromDocument

	pbrt := docWithKey("_id", "from-postbatch")
	cs.observeReply(pbrt)

	assert.Equal(t, tokenFromPostBatch, cs.tokSource, "expected a present postBatchResumeToken to supersede a document-derived token")
	v, _ := cs.resumeToken.LookupErr("_id")
	s, _ := v.StringValue()
	assert.Equal(t, "from-postbatch", s, "expected the token value itself to be replaced")
}

func TestObserveReplyNilTokenLeavesExistingToken(t *testing.T) {
	t.Parallel()

	cs := &ChangeStream{}
	docToken := docWithKey("_id", "from-doc")
	cs.resumeToken = docToken
	cs.tokSource = tokenFromDocument

	cs.observeReply(nil)

	assert.Equal(t, tokenFromDocument, cs.tokSource, "expected a nil postBatchResumeToken to leave the existing token source alone")
}

func TestApplyDocumentFallsBackToDocumentID(t *testing.T) {
	t.Parallel()

	idDoc := docWithKey("ts", "1")
	b := bsoncore.NewDocumentBuilder()
	b.AppendDocument("_id", idDoc)
	b.AppendString("operationType", "insert")
	notification, _ := b.Finish()

	// applyDocument reads Current() off cs.cursor, which wraps a *driver.BatchCursor; build one
	// whose cached batch holds the single notification document and prime it with one Next call.
	realBC := driver.NewBatchCursor(driver.CursorResponse{
		ID:         0,
		FirstBatch: []bsoncore.Document{notification},
	}, nil, nil, nil, driver.CursorOptions{})
	realBC.Next(context.Background())

	cs := &ChangeStream{cursor: newCursor(realBC)}

	ok := cs.applyDocument(context.Background())
	assert.True(t, ok, "expected applyDocument to succeed")
	assert.Equal(t, tokenFromDocument, cs.tokSource, "expected the per-document fallback rule to set tokenFromDocument")

	v, _ := cs.resumeToken.LookupErr("ts")
	s, _ := v.StringValue()
	assert.Equal(t, "1", s, "expected the resume token to be the document's _id sub-document")
}

func TestApplyDocumentWithNoIDSetsErrNoResumeToken(t *testing.T) {
	t.Parallel()

	notification := docWithKey("operationType", "insert")
	realBC := driver.NewBatchCursor(driver.CursorResponse{
		ID:         0,
		FirstBatch: []bsoncore.Document{notification},
	}, nil, nil, nil, driver.CursorOptions{})
	realBC.Next(context.Background())

	cs := &ChangeStream{}
	cs.cursor = newCursor(realBC)

	ok := cs.applyDocument(context.Background())
	assert.True(t, !ok, "expected applyDocument to fail when the notification has no _id")
	assert.Equal(t, ErrNoResumeToken, cs.err, "expected ErrNoResumeToken to be recorded")
}

func TestChangeStreamStageUsesResumeAfterOnDocumentToken(t *testing.T) {
	t.Parallel()

	cs := &ChangeStream{
		resumeToken: docWithKey("_id", "tok"),
		tokSource:   tokenFromDocument,
	}
	stage := cs.changeStreamStage(true)
	v, err := stage.LookupErr("resumeAfter")
	assert.NoError(t, err, "expected a resumeAfter field on resume from a document-derived token")
	sub, ok := v.Document()
	assert.True(t, ok, "expected resumeAfter to be a document")
	inner, _ := sub.LookupErr("_id")
	s, _ := inner.StringValue()
	assert.Equal(t, "tok", s, "expected resumeAfter to carry the captured token")
}

func TestChangeStreamStageUsesStartAfterWhenResumingUnconsumedStartAfter(t *testing.T) {
	t.Parallel()

	cs := &ChangeStream{
		resumeToken:    docWithKey("_id", "tok"),
		tokSource:      tokenFromPostBatch,
		usedStartAfter: true,
		iteratedAny:    false,
	}
	stage := cs.changeStreamStage(true)
	_, err := stage.LookupErr("startAfter")
	assert.NoError(t, err, "expected startAfter to be used when resuming before the original startAfter token was consumed")
}

func TestChangeStreamStageAllChangesForClusterOnClientStream(t *testing.T) {
	t.Parallel()

	cs := &ChangeStream{streamType: ClientStream}
	stage := cs.changeStreamStage(false)
	v, err := stage.LookupErr("allChangesForCluster")
	assert.NoError(t, err, "expected allChangesForCluster on a client-level stream")
	b, _ := v.Boolean()
	assert.True(t, b, "expected allChangesForCluster to be true")
}
