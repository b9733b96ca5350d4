// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package driver implements the cluster dispatcher: selecting a server, assembling an OP_MSG
// command from its constituent parts (body, session, cluster time, read/write concern), sending
// it, decoding the reply, and retrying according to the retryable reads/writes rules.
package driver

import (
	"context"

	"github.com/mongocore/driver/x/mongo/driver/description"
)

// Namespace identifies a database and collection pair.
type Namespace struct {
	DB         string
	Collection string
}

// Deployment is implemented by types that can select a server from a topology.
type Deployment interface {
	SelectServer(context.Context, description.ServerSelector) (Server, error)
	Description() description.Topology
}

// Server represents a single MongoDB server capable of handing out connections.
type Server interface {
	Connection(context.Context) (Connection, error)
}

// Connection represents a single connection to a MongoDB server.
type Connection interface {
	WriteWireMessage(context.Context, []byte) error
	ReadWireMessage(ctx context.Context, dst []byte) ([]byte, error)
	Description() description.Server
	Close() error
	ID() string
	DriverConnectionID() uint64
}

// RetryMode specifies how an operation may be retried.
type RetryMode uint8

// Retry modes.
const (
	// RetryNone disables retrying entirely.
	RetryNone RetryMode = iota
	// RetryOnce retries the operation's first command exactly once.
	RetryOnce
	// RetryContext retries until ctx is done.
	RetryContext
)

// Enabled reports whether this mode allows any retry at all.
func (rm RetryMode) Enabled() bool { return rm == RetryOnce || rm == RetryContext }

// Type classifies an operation for the purpose of retry eligibility.
type Type uint8

// Operation types.
const (
	Read Type = iota
	Write
)
