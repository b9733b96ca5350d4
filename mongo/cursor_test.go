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
	"github.com/mongocore/driver/x/mongo/driver/address"
)

func docWithKey(key, value string) bsoncore.Document {
	b := bsoncore.NewDocumentBuilder()
	b.AppendString(key, value)
	doc, _ := b.Finish()
	return doc
}

func TestNewCursorFromResponseRejectsNonZeroIDWithoutServer(t *testing.T) {
	t.Parallel()

	resp := driver.CursorResponse{ID: 123, Server: address.Address("")}
	_, err := NewCursorFromResponse(resp, nil, nil, nil, driver.CursorOptions{})
	assert.True(t, err != nil, "expected a non-zero cursor id with no bound server to be rejected")
}

func TestCursorIteratesExhaustedFirstBatch(t *testing.T) {
	t.Parallel()

	resp := driver.CursorResponse{
		ID:         0,
		Server:     address.Address("host1:27017"),
		FirstBatch: []bsoncore.Document{docWithKey("a", "1"), docWithKey("a", "2")},
	}
	c, err := NewCursorFromResponse(resp, nil, nil, nil, driver.CursorOptions{})
	assert.NoError(t, err, "expected construction to succeed")

	ctx := context.Background()
	assert.True(t, c.Next(ctx), "expected first document")
	v, _ := c.Current().LookupErr("a")
	s, _ := v.StringValue()
	assert.Equal(t, "1", s, "expected first document's field")

	assert.True(t, c.Next(ctx), "expected second document")
	assert.True(t, !c.Next(ctx), "expected Next to return false once the batch and cursor id are exhausted")
	assert.True(t, c.Err() == nil, "expected no error on a clean exhaustion")

	assert.True(t, !c.Next(ctx), "expected Next after DONE to keep returning false")
	assert.True(t, c.Err() == ErrCursorInvalid, "expected advancing past the end to report ErrCursorInvalid, got %v", c.Err())
	assert.Equal(t, 0, len(c.ErrDocument()), "expected an empty error document for the client-side error")
}

func TestCursorNextAfterDoneNeverTouchesNetwork(t *testing.T) {
	t.Parallel()

	resp := driver.CursorResponse{
		ID:         0,
		Server:     address.Address("host1:27017"),
		FirstBatch: nil,
	}
	c, err := NewCursorFromResponse(resp, nil, nil, nil, driver.CursorOptions{})
	assert.NoError(t, err, "expected construction to succeed")

	ctx := context.Background()
	assert.True(t, !c.Next(ctx), "expected an empty, exhausted first batch to report no documents")
	assert.True(t, c.Err() == nil, "expected the Next call that discovers exhaustion to report no error")

	assert.True(t, !c.Next(ctx), "expected Next to keep returning false once DONE")
	assert.True(t, c.Err() == ErrCursorInvalid, "expected a post-DONE Next to report ErrCursorInvalid, got %v", c.Err())
}

func TestCursorCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	resp := driver.CursorResponse{
		ID:         0,
		Server:     address.Address("host1:27017"),
		FirstBatch: []bsoncore.Document{docWithKey("a", "1")},
	}
	c, err := NewCursorFromResponse(resp, nil, nil, nil, driver.CursorOptions{})
	assert.NoError(t, err, "expected construction to succeed")

	ctx := context.Background()
	assert.NoError(t, c.Close(ctx), "expected first Close to succeed")
	assert.NoError(t, c.Close(ctx), "expected a second Close to be a no-op, not an error")
	assert.True(t, !c.Next(ctx), "expected Next after Close to return false")
}
