// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package writeconcern defines the acknowledgment level requested for write operations.
package writeconcern

import (
	"errors"
	"time"

	"github.com/mongocore/driver/x/bsonx/bsoncore"
)

// ErrEmptyWriteConcern is returned by MarshalBSONValue when the write concern carries nothing
// worth sending, so the caller can omit the field entirely.
var ErrEmptyWriteConcern = errors.New("writeconcern: empty write concern")

// WriteConcern describes the required acknowledgment for a write: how many nodes (or which
// named majority) must apply it, and the timeout to wait for that acknowledgment.
type WriteConcern struct {
	w        interface{} // nil, int, or string ("majority", a tag set name)
	journal  *bool
	wtimeout time.Duration
}

// Option configures a WriteConcern at construction time.
type Option func(*WriteConcern)

// W requests acknowledgment from w nodes.
func W(w int) Option { return func(wc *WriteConcern) { wc.w = w } }

// WMajority requests acknowledgment from a majority of voting nodes.
func WMajority() Option { return func(wc *WriteConcern) { wc.w = "majority" } }

// WTagSet requests acknowledgment from nodes matching the named tag set.
func WTagSet(tag string) Option { return func(wc *WriteConcern) { wc.w = tag } }

// J requests (or disables) on-disk journal acknowledgment.
func J(journal bool) Option { return func(wc *WriteConcern) { wc.journal = &journal } }

// WTimeout sets how long the server should wait for acknowledgment before giving up.
func WTimeout(d time.Duration) Option { return func(wc *WriteConcern) { wc.wtimeout = d } }

// New constructs a WriteConcern from the given options.
func New(opts ...Option) *WriteConcern {
	wc := &WriteConcern{}
	for _, opt := range opts {
		opt(wc)
	}
	return wc
}

// AckWrite reports whether wc requests any acknowledgment at all; a write concern of {w: 0} is
// unacknowledged and therefore ineligible for retryable-write semantics.
func AckWrite(wc *WriteConcern) bool {
	if wc == nil {
		return true
	}
	if w, ok := wc.w.(int); ok {
		return w != 0
	}
	return true
}

// MarshalBSONValue encodes the write concern as a BSON document.
func (wc *WriteConcern) MarshalBSONValue() (bsoncore.Type, []byte, error) {
	if wc == nil || (wc.w == nil && wc.journal == nil && wc.wtimeout == 0) {
		return 0, nil, ErrEmptyWriteConcern
	}

	builder := bsoncore.NewDocumentBuilder()
	switch w := wc.w.(type) {
	case int:
		builder.AppendInt32("w", int32(w))
	case string:
		builder.AppendString("w", w)
	}
	if wc.journal != nil {
		builder.AppendBoolean("j", *wc.journal)
	}
	if wc.wtimeout > 0 {
		builder.AppendInt64("wtimeout", int64(wc.wtimeout/time.Millisecond))
	}
	doc, _ := builder.Finish()
	return bsoncore.TypeEmbeddedDocument, doc, nil
}
