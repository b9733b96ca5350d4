// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bsoncore

import (
	"testing"

	"github.com/mongocore/driver/bson/primitive"
	"github.com/mongocore/driver/internal/assert"
)

func TestDocumentBuilderRoundTrip(t *testing.T) {
	t.Parallel()

	oid := primitive.NewObjectID()
	b := NewDocumentBuilder()
	b.AppendString("name", "arthur dent")
	b.AppendInt32("age", 42)
	b.AppendInt64("big", 1<<40)
	b.AppendBoolean("alive", true)
	b.AppendDouble("pi", 3.25)
	b.AppendObjectID("_id", oid)
	b.AppendNull("nothing")

	sub, ok := b.AppendDocumentBegin("address")
	assert.True(t, ok, "expected AppendDocumentBegin to succeed")
	sub.AppendString("planet", "earth")
	assert.True(t, b.IsOpen(), "expected parent to report an open child")
	assert.True(t, b.AppendDocumentEnd(sub), "expected AppendDocumentEnd to succeed")
	assert.True(t, !b.IsOpen(), "expected parent to report no open child after End")

	arr, ok := b.AppendArrayBegin("tags")
	assert.True(t, ok, "expected AppendArrayBegin to succeed")
	arr.AppendString("0", "hoopy")
	arr.AppendString("1", "frood")
	assert.True(t, b.AppendArrayEnd(arr), "expected AppendArrayEnd to succeed")

	doc, ok := b.Finish()
	assert.True(t, ok, "expected Finish to succeed with no open child")
	assert.True(t, doc.Validate() == nil, "expected a well-formed document, got validate error %v", doc.Validate())

	name, ok := doc.Lookup("name").StringValue()
	assert.True(t, ok, "expected name to decode as a string")
	assert.Equal(t, "arthur dent", name, "name mismatch")

	age, ok := doc.Lookup("age").Int32()
	assert.True(t, ok, "expected age to decode as int32")
	assert.Equal(t, int32(42), age, "age mismatch")

	big, ok := doc.Lookup("big").Int64()
	assert.True(t, ok, "expected big to decode as int64")
	assert.Equal(t, int64(1<<40), big, "big mismatch")

	alive, ok := doc.Lookup("alive").Boolean()
	assert.True(t, ok, "expected alive to decode as boolean")
	assert.True(t, alive, "expected alive to be true")

	gotOID, ok := doc.Lookup("_id").ObjectID()
	assert.True(t, ok, "expected _id to decode as an ObjectID")
	assert.Equal(t, oid, gotOID, "_id mismatch")

	addr, ok := doc.Lookup("address").Document()
	assert.True(t, ok, "expected address to decode as a document")
	planet, _ := addr.Lookup("planet").StringValue()
	assert.Equal(t, "earth", planet, "planet mismatch")

	tags, ok := doc.Lookup("tags").Array()
	assert.True(t, ok, "expected tags to decode as an array")
	values, err := tags.Values()
	assert.NoError(t, err, "expected tags.Values to succeed, got %v", err)
	assert.Equal(t, 2, len(values), "expected 2 tags, got %d", len(values))
}

func TestDocumentBuilderInlineToHeapTransition(t *testing.T) {
	t.Parallel()

	b := NewDocumentBuilder()
	long := make([]byte, 4096)
	for i := range long {
		long[i] = 'x'
	}
	for i := 0; i < 10; i++ {
		b.AppendString(string(rune('a'+i)), string(long))
	}
	doc, ok := b.Finish()
	assert.True(t, ok, "expected Finish to succeed after growing past inline capacity")
	assert.NoError(t, doc.Validate(), "expected a well-formed document after heap growth")
}

func TestDocumentBuilderRejectsMutationWithOpenChild(t *testing.T) {
	t.Parallel()

	b := NewDocumentBuilder()
	_, ok := b.AppendDocumentBegin("child")
	assert.True(t, ok, "expected AppendDocumentBegin to succeed")

	assert.True(t, !b.AppendString("oops", "nope"), "expected append on a parent with an open child to fail")
	_, ok = b.Finish()
	assert.True(t, !ok, "expected Finish to fail while a child is still open")
}

func TestDocumentBuilderFromBytesIsReadOnly(t *testing.T) {
	t.Parallel()

	src := NewDocumentBuilder()
	src.AppendString("k", "v")
	doc, _ := src.Finish()

	ro := NewDocumentBuilderFromBytes(doc)
	assert.True(t, !ro.AppendString("another", "value"), "expected a read-only builder to reject appends")
}

func TestDocumentValidateRejectsTruncatedBuffer(t *testing.T) {
	t.Parallel()

	b := NewDocumentBuilder()
	b.AppendString("k", "v")
	doc, _ := b.Finish()

	truncated := Document(doc[:len(doc)-2])
	assert.True(t, truncated.Validate() != nil, "expected Validate to reject a truncated document")
}

func TestDocumentBuilderNestedChildPatchesAncestorLengths(t *testing.T) {
	t.Parallel()

	b := NewDocumentBuilder()
	b.AppendString("before", "x")

	outer, ok := b.AppendDocumentBegin("outer")
	assert.True(t, ok, "expected the outer child to open")
	outer.AppendInt32("a", 1)

	inner, ok := outer.AppendDocumentBegin("inner")
	assert.True(t, ok, "expected a child of a child to open")
	inner.AppendString("deep", "value")
	inner.AppendInt64("deeper", 7)
	assert.True(t, outer.AppendDocumentEnd(inner), "expected the inner child to close")

	outer.AppendInt32("b", 2)
	assert.True(t, b.AppendDocumentEnd(outer), "expected the outer child to close")
	b.AppendString("after", "y")

	doc, ok := b.Finish()
	assert.True(t, ok, "expected Finish to succeed")
	assert.NoError(t, doc.Validate(), "expected every nesting level's length prefix to be consistent, got %v", doc.Validate())

	outerDoc, ok := doc.Lookup("outer").Document()
	assert.True(t, ok, "expected outer to decode as a document")
	innerDoc, ok := outerDoc.Lookup("inner").Document()
	assert.True(t, ok, "expected inner to decode as a document")

	deep, _ := innerDoc.Lookup("deep").StringValue()
	assert.Equal(t, "value", deep, "deep mismatch")
	bVal, _ := outerDoc.Lookup("b").Int32()
	assert.Equal(t, int32(2), bVal, "expected fields appended after a closed grandchild to land in the right frame")
	after, _ := doc.Lookup("after").StringValue()
	assert.Equal(t, "y", after, "expected top-level appends after the children to survive")
}

func TestDocumentBuilderAppendFailureLeavesDocumentUnchanged(t *testing.T) {
	t.Parallel()

	b := NewDocumentBuilder()
	b.AppendString("k", "v")
	before := append([]byte(nil), b.Bytes()...)

	assert.True(t, !b.AppendString("bad\x00key", "x"), "expected a key with an interior NUL to be rejected")
	assert.Equal(t, Document(before), Document(b.Bytes()), "expected a failed append to leave the bytes untouched")
}
