// Copyright (C) MongoDB, Inc. 2022-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"testing"

	"github.com/mongocore/driver/internal/assert"
	"github.com/mongocore/driver/mongo/readpref"
	"github.com/mongocore/driver/x/bsonx/bsoncore"
	"github.com/mongocore/driver/x/mongo/driver/address"
	"github.com/mongocore/driver/x/mongo/driver/description"
	"github.com/mongocore/driver/x/mongo/driver/session"
	"github.com/mongocore/driver/x/mongo/driver/wiremessage"
)

func buildDoc(fn func(*bsoncore.DocumentBuilder)) bsoncore.Document {
	b := bsoncore.NewDocumentBuilder()
	fn(b)
	doc, _ := b.Finish()
	return doc
}

func okReply(fn func(*bsoncore.DocumentBuilder)) bsoncore.Document {
	return buildDoc(func(b *bsoncore.DocumentBuilder) {
		b.AppendInt32("ok", 1)
		if fn != nil {
			fn(b)
		}
	})
}

// frameReply wraps a reply document as a complete OP_MSG wire message.
func frameReply(doc bsoncore.Document) []byte {
	var dst []byte
	idx, dst := wiremessage.AppendHeaderStart(dst, 0, 0, wiremessage.OpMsg)
	dst = wiremessage.AppendMsgFlags(dst, 0)
	dst = wiremessage.AppendMsgSectionType(dst, wiremessage.SingleDocument)
	dst = append(dst, doc...)
	return wiremessage.UpdateLength(dst, idx, int32(len(dst)-int(idx)))
}

// parseSentCommand extracts the type-0 section's command document from a written wire message.
func parseSentCommand(t *testing.T, wm []byte) bsoncore.Document {
	t.Helper()
	_, _, _, _, rem, ok := wiremessage.ReadHeader(wm)
	assert.True(t, ok, "expected a readable wire message header")
	_, rem, ok = wiremessage.ReadMsgFlags(rem)
	assert.True(t, ok, "expected readable flagBits")
	stype, rem, ok := wiremessage.ReadMsgSectionType(rem)
	assert.True(t, ok, "expected a section type")
	assert.Equal(t, wiremessage.SingleDocument, stype, "expected the first section to be the command body")
	doc, _, ok := wiremessage.ReadMsgSectionSingleDocument(rem)
	assert.True(t, ok, "expected a readable command document")
	return bsoncore.Document(doc)
}

// scriptedConn is a driver.Connection that records every written command and answers from a
// queue of canned replies.
type scriptedConn struct {
	desc    description.Server
	replies []bsoncore.Document
	sent    [][]byte
}

func (c *scriptedConn) WriteWireMessage(_ context.Context, wm []byte) error {
	cp := make([]byte, len(wm))
	copy(cp, wm)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *scriptedConn) ReadWireMessage(_ context.Context, _ []byte) ([]byte, error) {
	if len(c.replies) == 0 {
		return nil, errNoMoreReplies
	}
	reply := c.replies[0]
	c.replies = c.replies[1:]
	return frameReply(reply), nil
}

func (c *scriptedConn) Description() description.Server { return c.desc }
func (c *scriptedConn) Close() error                    { return nil }
func (c *scriptedConn) ID() string                      { return c.desc.Addr.String() }
func (c *scriptedConn) DriverConnectionID() uint64      { return 0 }

var errNoMoreReplies = Error{Message: "scripted connection has no more replies"}

type scriptedServer struct{ conn *scriptedConn }

func (s scriptedServer) Connection(context.Context) (Connection, error) { return s.conn, nil }

// scriptedDeployment hands back its servers in order, one per SelectServer call, regardless of
// selector, and records how many selections happened.
type scriptedDeployment struct {
	desc       description.Topology
	servers    []*scriptedConn
	selections int
}

func (d *scriptedDeployment) SelectServer(context.Context, description.ServerSelector) (Server, error) {
	conn := d.servers[d.selections]
	if d.selections < len(d.servers)-1 {
		d.selections++
	}
	return scriptedServer{conn: conn}, nil
}

func (d *scriptedDeployment) Description() description.Topology { return d.desc }

func primaryDesc(addr address.Address) description.Server {
	return description.Server{
		Addr:                  addr,
		Kind:                  description.RSPrimary,
		WireVersion:           &description.VersionRange{Min: 6, Max: 21},
		SessionTimeoutMinutes: 30,
	}
}

func TestRetryableWriteReplaysWithSameTxnNumber(t *testing.T) {
	t.Parallel()

	notPrimary := buildDoc(func(b *bsoncore.DocumentBuilder) {
		b.AppendInt32("ok", 0)
		b.AppendInt32("code", 10107)
		b.AppendString("errmsg", "not primary")
	})

	serverA := &scriptedConn{desc: primaryDesc("a:27017"), replies: []bsoncore.Document{notPrimary}}
	serverB := &scriptedConn{
		desc: primaryDesc("b:27017"),
		replies: []bsoncore.Document{okReply(func(b *bsoncore.DocumentBuilder) {
			b.AppendInt32("n", 1)
		})},
	}
	deployment := &scriptedDeployment{
		desc: description.Topology{
			Kind:    description.ReplicaSetWithPrimary,
			Servers: []description.Server{serverA.desc, serverB.desc},
		},
		servers: []*scriptedConn{serverA, serverB},
	}

	sess := session.NewClientSession(session.Implicit)
	op := &Operation{
		CommandFn: func(dst *bsoncore.DocumentBuilder) error {
			dst.AppendString("insert", "coll")
			return nil
		},
		Database:   "db",
		Deployment: deployment,
		Session:    sess,
		Type:       Write,
		RetryMode:  RetryOnce,
	}

	_, err := op.Execute(context.Background())
	assert.NoError(t, err, "expected the replay on the second server to succeed, got %v", err)
	assert.Equal(t, 1, len(serverA.sent), "expected exactly one attempt on the failing server")
	assert.Equal(t, 1, len(serverB.sent), "expected exactly one replay on the second server")

	cmdA := parseSentCommand(t, serverA.sent[0])
	cmdB := parseSentCommand(t, serverB.sent[0])

	txnA, errA := cmdA.LookupErr("txnNumber")
	assert.NoError(t, errA, "expected the first attempt to carry a txnNumber")
	txnB, errB := cmdB.LookupErr("txnNumber")
	assert.NoError(t, errB, "expected the replay to carry a txnNumber")

	nA, _ := txnA.Int64()
	nB, _ := txnB.Int64()
	assert.Equal(t, nA, nB, "expected the replay to reuse the original attempt's txnNumber")

	_, err = cmdA.LookupErr("lsid")
	assert.NoError(t, err, "expected the command to carry the session's lsid")
}

func TestNonRetryableErrorIsNotReplayed(t *testing.T) {
	t.Parallel()

	badValue := buildDoc(func(b *bsoncore.DocumentBuilder) {
		b.AppendInt32("ok", 0)
		b.AppendInt32("code", 2) // BadValue
		b.AppendString("errmsg", "unknown field")
	})

	serverA := &scriptedConn{desc: primaryDesc("a:27017"), replies: []bsoncore.Document{badValue}}
	deployment := &scriptedDeployment{
		desc:    description.Topology{Kind: description.ReplicaSetWithPrimary, Servers: []description.Server{serverA.desc}},
		servers: []*scriptedConn{serverA},
	}

	op := &Operation{
		CommandFn: func(dst *bsoncore.DocumentBuilder) error {
			dst.AppendString("insert", "coll")
			return nil
		},
		Database:   "db",
		Deployment: deployment,
		Session:    session.NewClientSession(session.Implicit),
		Type:       Write,
		RetryMode:  RetryOnce,
	}

	_, err := op.Execute(context.Background())
	assert.True(t, err != nil, "expected the server error to surface")
	assert.Equal(t, 1, len(serverA.sent), "expected no replay for a non-retryable error")
}

func TestAssembleAddsReadPreferenceForMongos(t *testing.T) {
	t.Parallel()

	secondaryPref, err := readpref.Secondary()
	assert.NoError(t, err, "expected the read preference to build")

	op := &Operation{
		CommandFn: func(dst *bsoncore.DocumentBuilder) error {
			dst.AppendString("find", "coll")
			return nil
		},
		Database: "db",
		ReadPref: secondaryPref,
		Type:     Read,
	}

	desc := description.SelectedServer{
		Server: description.Server{
			Addr:        "mongos:27017",
			Kind:        description.Mongos,
			WireVersion: &description.VersionRange{Min: 6, Max: 21},
		},
		Kind: description.Sharded,
	}

	cmd, err := op.assemble(context.Background(), desc)
	assert.NoError(t, err, "expected assemble to succeed")

	rpVal, err := cmd.LookupErr("$readPreference")
	assert.NoError(t, err, "expected a $readPreference hint for a non-primary read against mongos")
	rpDoc, ok := rpVal.Document()
	assert.True(t, ok, "expected $readPreference to be a document")
	mode, _ := rpDoc.Lookup("mode").StringValue()
	assert.Equal(t, "secondary", mode, "expected the hint to carry the requested mode")
}

func TestAssembleOmitsReadPreferenceForReplicaSetMember(t *testing.T) {
	t.Parallel()

	secondaryPref, err := readpref.Secondary()
	assert.NoError(t, err, "expected the read preference to build")

	op := &Operation{
		CommandFn: func(dst *bsoncore.DocumentBuilder) error {
			dst.AppendString("find", "coll")
			return nil
		},
		Database: "db",
		ReadPref: secondaryPref,
		Type:     Read,
	}

	desc := description.SelectedServer{
		Server: description.Server{Addr: "rs1:27017", Kind: description.RSSecondary},
		Kind:   description.ReplicaSetWithPrimary,
	}

	cmd, err := op.assemble(context.Background(), desc)
	assert.NoError(t, err, "expected assemble to succeed")

	_, err = cmd.LookupErr("$readPreference")
	assert.True(t, err != nil, "expected no $readPreference hint when the selected server applies it itself")
}

func TestEncodeAppendsDocumentSequenceSection(t *testing.T) {
	t.Parallel()

	doc1 := buildDoc(func(b *bsoncore.DocumentBuilder) { b.AppendInt32("_id", 1) })
	doc2 := buildDoc(func(b *bsoncore.DocumentBuilder) { b.AppendInt32("_id", 2) })

	op := &Operation{Sequence: &DocumentSequence{Identifier: "documents", Documents: []bsoncore.Document{doc1, doc2}}}
	cmd := buildDoc(func(b *bsoncore.DocumentBuilder) {
		b.AppendString("insert", "coll")
		b.AppendString("$db", "db")
	})

	wm, _ := op.encode(cmd)

	_, _, _, _, rem, ok := wiremessage.ReadHeader(wm)
	assert.True(t, ok, "expected a readable header")
	_, rem, _ = wiremessage.ReadMsgFlags(rem)
	stype, rem, _ := wiremessage.ReadMsgSectionType(rem)
	assert.Equal(t, wiremessage.SingleDocument, stype, "expected the command body first")
	_, rem, ok = wiremessage.ReadMsgSectionSingleDocument(rem)
	assert.True(t, ok, "expected the command body to parse")

	stype, rem, ok = wiremessage.ReadMsgSectionType(rem)
	assert.True(t, ok, "expected a second section")
	assert.Equal(t, wiremessage.DocumentSequence, stype, "expected a document-sequence section")

	identifier, docs, rem, ok := wiremessage.ReadMsgSectionDocumentSequence(rem)
	assert.True(t, ok, "expected the document sequence to parse")
	assert.Equal(t, "documents", identifier, "expected the sequence identifier to round-trip")
	assert.Equal(t, 2, len(docs), "expected both documents in the sequence")
	assert.Equal(t, 0, len(rem), "expected no trailing bytes after the sequence")
}

func TestBatchCursorStopsAfterZeroCursorID(t *testing.T) {
	t.Parallel()

	docWithID := func(id int32) bsoncore.Document {
		return buildDoc(func(b *bsoncore.DocumentBuilder) { b.AppendInt32("_id", id) })
	}
	cursorReply := func(id int64, batchKey string, ids ...int32) bsoncore.Document {
		return okReply(func(b *bsoncore.DocumentBuilder) {
			cursor, _ := b.AppendDocumentBegin("cursor")
			cursor.AppendInt64("id", id)
			cursor.AppendString("ns", "db.coll")
			batch, _ := cursor.AppendArrayBegin(batchKey)
			for i, docID := range ids {
				batch.AppendDocument(itoaKey(i), docWithID(docID))
			}
			cursor.AppendArrayEnd(batch)
			b.AppendDocumentEnd(cursor)
		})
	}

	addr := address.Address("srv:27017")
	conn := &scriptedConn{
		desc: primaryDesc(addr),
		replies: []bsoncore.Document{
			cursorReply(123, "nextBatch", 2, 3),
			cursorReply(0, "nextBatch", 4),
		},
	}
	deployment := &scriptedDeployment{
		desc:    description.Topology{Kind: description.ReplicaSetWithPrimary, Servers: []description.Server{conn.desc}},
		servers: []*scriptedConn{conn, conn, conn},
	}

	bc := NewBatchCursor(CursorResponse{
		ID:         123,
		Server:     addr,
		Namespace:  Namespace{DB: "db", Collection: "coll"},
		FirstBatch: []bsoncore.Document{docWithID(0), docWithID(1)},
	}, nil, nil, deployment, CursorOptions{BatchSize: 2})

	ctx := context.Background()
	var got []int32
	for bc.Next(ctx) {
		v, _ := bc.Current().LookupErr("_id")
		id, _ := v.Int32()
		got = append(got, id)
	}

	assert.NoError(t, bc.Err(), "expected clean iteration, got %v", bc.Err())
	assert.Equal(t, []int32{0, 1, 2, 3, 4}, got, "expected every document in order across batches")
	assert.Equal(t, 2, len(conn.sent), "expected exactly two getMore commands")
	for _, wm := range conn.sent {
		cmd := parseSentCommand(t, wm)
		_, err := cmd.LookupErr("getMore")
		assert.NoError(t, err, "expected only getMore commands on the wire")
	}

	// The cursor id is now 0; Close must not send killCursors.
	assert.NoError(t, bc.Close(ctx), "expected Close to succeed")
	assert.Equal(t, 2, len(conn.sent), "expected no killCursors after the cursor was exhausted server-side")
}

func TestBatchCursorCloseSendsKillCursors(t *testing.T) {
	t.Parallel()

	addr := address.Address("srv:27017")
	conn := &scriptedConn{
		desc: primaryDesc(addr),
		replies: []bsoncore.Document{okReply(func(b *bsoncore.DocumentBuilder) {
			arr, _ := b.AppendArrayBegin("cursorsKilled")
			arr.AppendInt64("0", 123)
			b.AppendArrayEnd(arr)
		})},
	}
	deployment := &scriptedDeployment{
		desc:    description.Topology{Kind: description.ReplicaSetWithPrimary, Servers: []description.Server{conn.desc}},
		servers: []*scriptedConn{conn},
	}

	bc := NewBatchCursor(CursorResponse{
		ID:         123,
		Server:     addr,
		Namespace:  Namespace{DB: "db", Collection: "coll"},
		FirstBatch: []bsoncore.Document{buildDoc(func(b *bsoncore.DocumentBuilder) { b.AppendInt32("_id", 0) })},
	}, nil, nil, deployment, CursorOptions{})

	ctx := context.Background()
	assert.NoError(t, bc.Close(ctx), "expected Close to succeed")
	assert.Equal(t, 1, len(conn.sent), "expected exactly one killCursors command")

	cmd := parseSentCommand(t, conn.sent[0])
	coll, _ := cmd.Lookup("killCursors").StringValue()
	assert.Equal(t, "coll", coll, "expected killCursors to name the collection")

	cursors, ok := cmd.Lookup("cursors").Array()
	assert.True(t, ok, "expected a cursors array")
	vals, _ := cursors.Values()
	assert.Equal(t, 1, len(vals), "expected exactly one cursor id")
	id, _ := vals[0].Int64()
	assert.Equal(t, int64(123), id, "expected the cursor's own id to be killed")

	// A second Close is a no-op.
	assert.NoError(t, bc.Close(ctx), "expected a repeat Close to succeed")
	assert.Equal(t, 1, len(conn.sent), "expected no second killCursors")
}

func itoaKey(i int) string {
	if i < 10 {
		return string(rune('0' + i))
	}
	return string(rune('0'+i/10)) + string(rune('0'+i%10))
}
