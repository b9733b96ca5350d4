// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package readconcern defines the read concern levels used to configure the consistency and
// isolation properties of a read operation.
package readconcern

import "github.com/mongocore/driver/x/bsonx/bsoncore"

// ReadConcern describes the level of isolation for read operations, e.g. "majority" or
// "snapshot".
type ReadConcern struct {
	level string
}

// New constructs a ReadConcern from the given options; an empty ReadConcern (causal-consistency
// only, no explicit level) is returned if none are supplied.
func New(opts ...Option) *ReadConcern {
	rc := &ReadConcern{}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Option configures a ReadConcern at construction time.
type Option func(*ReadConcern)

// Level sets an arbitrary read concern level string.
func Level(level string) Option { return func(rc *ReadConcern) { rc.level = level } }

// Local requests the default read concern level.
func Local() *ReadConcern { return New(Level("local")) }

// Majority requests majority-committed data.
func Majority() *ReadConcern { return New(Level("majority")) }

// Linearizable requests linearizable reads.
func Linearizable() *ReadConcern { return New(Level("linearizable")) }

// Available requests the fastest, possibly-stale read.
func Available() *ReadConcern { return New(Level("available")) }

// Snapshot requests a snapshot read, typically combined with an `atClusterTime`.
func Snapshot() *ReadConcern { return New(Level("snapshot")) }

// MarshalBSONValue encodes the read concern as a BSON document, e.g. `{level: "majority"}`. An
// empty level still marshals the afterClusterTime-only document, since the caller (addReadConcern)
// appends that field itself.
func (rc *ReadConcern) MarshalBSONValue() (bsoncore.Type, []byte, error) {
	builder := bsoncore.NewDocumentBuilder()
	if rc != nil && rc.level != "" {
		builder.AppendString("level", rc.level)
	}
	doc, _ := builder.Finish()
	return bsoncore.TypeEmbeddedDocument, doc, nil
}
