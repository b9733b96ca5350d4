// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package session implements the client-side half of MongoDB logical sessions: the 16-byte
// session id gossiped as `lsid`, the monotonic transaction-number counter, and cluster-time /
// operation-time tracking needed for causally-consistent reads. Authentication and the
// server-side session pool refresh are external collaborators; this package only tracks what
// the dispatcher needs to stamp onto outgoing commands.
package session

import (
	"crypto/rand"
	"errors"
	"sync"

	"github.com/mongocore/driver/bson/primitive"
	"github.com/mongocore/driver/x/bsonx/bsoncore"
)

// ErrSessionEnded is returned when an operation is attempted on an ended session.
var ErrSessionEnded = errors.New("session: session has ended")

// ID is a session's 16-byte UUID identifier.
type ID [16]byte

// NewSessionID generates a random (v4-shaped) session id.
func NewSessionID() ID {
	var id ID
	_, _ = rand.Read(id[:])
	id[6] = (id[6] & 0x0f) | 0x40
	id[8] = (id[8] & 0x3f) | 0x80
	return id
}

// MarshalBSON encodes the session id as `{id: <binary subtype 4>}`, the shape the server
// expects for `lsid`.
func (id ID) MarshalBSON() (bsoncore.Document, error) {
	b := bsoncore.NewDocumentBuilder()
	b.AppendBinary("id", 0x04, id[:])
	doc, _ := b.Finish()
	return doc, nil
}

// Type identifies whether a session was created implicitly by an operation or explicitly by
// the caller.
type Type uint8

// Session types.
const (
	Implicit Type = iota
	Explicit
)

// ClusterClock tracks the highest `$clusterTime` this client process has observed from any
// server, gossiped back on every subsequent command to maintain causal consistency cluster-wide.
type ClusterClock struct {
	mu          sync.Mutex
	clusterTime bsoncore.Document
}

// GetClusterTime returns the current cluster time document, or nil if none has been observed.
func (c *ClusterClock) GetClusterTime() bsoncore.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clusterTime
}

// AdvanceClusterTime updates the clock if the given cluster time document is newer than what is
// currently stored.
func (c *ClusterClock) AdvanceClusterTime(clusterTime bsoncore.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clusterTime = MaxClusterTime(c.clusterTime, clusterTime)
}

// clusterTimeValue extracts the `clusterTime` Timestamp embedded in a `{$clusterTime: {clusterTime: Timestamp, signature: ...}}` document.
func clusterTimeValue(doc bsoncore.Document) (primitive.Timestamp, bool) {
	if doc == nil {
		return primitive.Timestamp{}, false
	}
	ctVal, err := doc.LookupErr("$clusterTime")
	if err != nil {
		return primitive.Timestamp{}, false
	}
	inner, ok := ctVal.Document()
	if !ok {
		return primitive.Timestamp{}, false
	}
	tsVal, err := inner.LookupErr("clusterTime")
	if err != nil {
		return primitive.Timestamp{}, false
	}
	t, i, ok := tsVal.Timestamp()
	if !ok {
		return primitive.Timestamp{}, false
	}
	return primitive.Timestamp{T: t, I: i}, true
}

// MaxClusterTime returns whichever of ct1, ct2 carries the later `clusterTime` Timestamp.
func MaxClusterTime(ct1, ct2 bsoncore.Document) bsoncore.Document {
	if ct1 == nil {
		return ct2
	}
	if ct2 == nil {
		return ct1
	}
	t1, ok1 := clusterTimeValue(ct1)
	t2, ok2 := clusterTimeValue(ct2)
	if !ok1 {
		return ct2
	}
	if !ok2 {
		return ct1
	}
	if primitive.CompareTimestamp(t1, t2) >= 0 {
		return ct1
	}
	return ct2
}

// Client is a client-side logical session: a session id plus the mutable state (transaction
// number, cluster time, operation time) that travels with every command issued on it.
type Client struct {
	SessionID     ID
	Type          Type
	ClusterTime   bsoncore.Document
	OperationTime *primitive.Timestamp
	TxnNumber     int64
	Consistent    bool
	Terminated    bool

	txnState transactionState
}

type transactionState uint8

const (
	txnNone transactionState = iota
	txnStarting
	txnInProgress
)

// NewClientSession constructs a new logical session.
func NewClientSession(t Type) *Client {
	return &Client{SessionID: NewSessionID(), Type: t, Consistent: true}
}

// AdvanceClusterTime merges a newly observed cluster time document into the session.
func (c *Client) AdvanceClusterTime(doc bsoncore.Document) error {
	if c.Terminated {
		return ErrSessionEnded
	}
	c.ClusterTime = MaxClusterTime(c.ClusterTime, doc)
	return nil
}

// AdvanceOperationTime records the latest server-reported operationTime, if it is newer than
// what this session has already observed.
func (c *Client) AdvanceOperationTime(t *primitive.Timestamp) error {
	if c.Terminated {
		return ErrSessionEnded
	}
	if t == nil {
		return nil
	}
	if c.OperationTime == nil || primitive.CompareTimestamp(*t, *c.OperationTime) > 0 {
		c.OperationTime = t
	}
	return nil
}

// IncrementTxnNumber assigns the next transaction number to be used on this session, as a
// retryable write attempt requires.
func (c *Client) IncrementTxnNumber() int64 {
	c.TxnNumber++
	return c.TxnNumber
}

// TransactionInProgress reports whether c has an active multi-statement transaction.
func (c *Client) TransactionInProgress() bool { return c.txnState == txnInProgress }

// TransactionStarting reports whether c is about to start (but has not yet sent) a transaction.
func (c *Client) TransactionStarting() bool { return c.txnState == txnStarting }

// EndSession marks the session as terminated; further use returns ErrSessionEnded.
func (c *Client) EndSession() { c.Terminated = true }
