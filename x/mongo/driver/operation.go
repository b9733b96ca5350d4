// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"errors"
	"time"

	"github.com/mongocore/driver/internal/csot"
	"github.com/mongocore/driver/internal/logger"
	"github.com/mongocore/driver/mongo/readconcern"
	"github.com/mongocore/driver/mongo/readpref"
	"github.com/mongocore/driver/mongo/writeconcern"
	"github.com/mongocore/driver/x/bsonx/bsoncore"
	"github.com/mongocore/driver/x/mongo/driver/address"
	"github.com/mongocore/driver/x/mongo/driver/description"
	"github.com/mongocore/driver/x/mongo/driver/session"
	"github.com/mongocore/driver/x/mongo/driver/wiremessage"
)

// AppendCommandFn appends an operation's own command fields (e.g. "find", "filter",
// "batchSize") into dst. It must not add $db, lsid, $clusterTime, or the concerns -- Operation
// adds those uniformly for every command.
type AppendCommandFn func(dst *bsoncore.DocumentBuilder) error

// DocumentSequence is an OP_MSG payload-type-1 section: the bulk documents of an
// insert/update/delete travel here, identified by name ("documents", "updates", "deletes"),
// instead of being inlined into the command document.
type DocumentSequence struct {
	Identifier string
	Documents  []bsoncore.Document
}

// ServerAPIOptions pins every command to a declared stable server API version.
type ServerAPIOptions struct {
	ServerAPIVersion  string
	Strict            *bool
	DeprecationErrors *bool
}

// Operation describes a single command to run against a deployment, including everything needed
// to retry it safely.
type Operation struct {
	CommandFn    AppendCommandFn
	Sequence     *DocumentSequence
	Database     string
	Deployment   Deployment
	Selector     description.ServerSelector
	ReadPref     *readpref.ReadPref
	ReadConcern  *readconcern.ReadConcern
	WriteConcern *writeconcern.WriteConcern
	Session      *session.Client
	Clock        *session.ClusterClock
	Type         Type
	RetryMode    RetryMode
	Logger       *logger.Logger
	ServerAPI    *ServerAPIOptions

	// Timeout, when set, bounds the whole Execute call (selection, send, reply) and is the
	// deadline maxTimeMS is derived from. Operations that set an explicit MaxTime should leave
	// it zero.
	Timeout time.Duration

	// selectedServer records the description of whichever server actually carried the last
	// successful (or last attempted) round trip, so a caller that needs to bind a follow-up
	// command to the same server -- a cursor's getMore/killCursors -- can read it back after
	// Execute returns. It is not meaningful until Execute has been called at least once.
	selectedServer description.Server

	// txnNumber is the transaction number assigned to this Execute call's attempts when the
	// command qualifies for retryable writes; both the first attempt and the replay carry the
	// same number. retrySupported records whether the selected server accepted it.
	txnNumber      int64
	retrySupported bool
}

// SelectedServer returns the description of the server that carried this operation's last round
// trip. Callers that need to pin subsequent commands (getMore, killCursors) to the same server a
// cursor id came from should read this immediately after Execute returns.
func (op *Operation) SelectedServer() description.Server { return op.selectedServer }

// ErrNoServerAvailable is returned when the selector matched no servers and there was no
// underlying selection error to report.
var ErrNoServerAvailable = errors.New("driver: no server available")

// Execute runs the operation, selecting a server, sending the assembled command, and retrying
// once according to RetryMode if the first attempt fails with a retryable error.
func (op *Operation) Execute(ctx context.Context) (bsoncore.Document, error) {
	if op.Timeout > 0 && !csot.IsTimeoutContext(ctx) {
		var cancel context.CancelFunc
		ctx, cancel = csot.MakeTimeoutContext(ctx, op.Timeout)
		defer cancel()
	}

	selector := op.Selector
	if selector == nil {
		if op.Type == Write {
			selector = description.WriteSelector{}
		} else {
			selector = readpref.Selector(op.ReadPref)
		}
	}

	op.txnNumber = 0
	op.retrySupported = false
	if op.Type == Write && op.RetryMode.Enabled() && op.Session != nil &&
		!op.Session.TransactionInProgress() && !op.Session.TransactionStarting() &&
		writeconcern.AckWrite(op.WriteConcern) {
		op.txnNumber = op.Session.IncrementTxnNumber()
	}

	server, err := op.Deployment.SelectServer(ctx, selector)
	if err != nil {
		return nil, err
	}

	res, err := op.roundTrip(ctx, server)
	if err == nil || !op.RetryMode.Enabled() || !op.retryable(err) {
		return res, err
	}

	// Reselect before the replay, steering away from the server that just failed wherever the
	// topology has an equivalent alternative.
	retrySelector := &description.CompositeSelector{Selectors: []description.ServerSelector{
		selector,
		description.DeprioritizedSelector{Deprioritized: []address.Address{op.selectedServer.Addr}},
	}}
	server, selErr := op.Deployment.SelectServer(ctx, retrySelector)
	if selErr != nil {
		return nil, err
	}
	return op.roundTrip(ctx, server)
}

// retryable reports whether err qualifies for a single retry under op's type and session state.
func (op *Operation) retryable(err error) bool {
	if !Retryable(err) {
		return false
	}
	if op.Type == Write {
		return op.Session != nil && op.txnNumber != 0 && op.retrySupported &&
			!op.Session.TransactionInProgress()
	}
	return true
}

func (op *Operation) roundTrip(ctx context.Context, server Server) (bsoncore.Document, error) {
	conn, err := server.Connection(ctx)
	if err != nil {
		return nil, Error{Message: err.Error(), Labels: []string{NetworkErrorLabel}, Wrapped: err}
	}
	defer conn.Close()

	desc := description.SelectedServer{
		Server: conn.Description(),
		Kind:   op.Deployment.Description().Kind,
	}
	op.selectedServer = desc.Server

	cmd, err := op.assemble(ctx, desc)
	if err != nil {
		return nil, err
	}

	wm, requestID := op.encode(cmd)

	start := time.Now()
	op.logCommandStarted(cmd, desc, requestID)

	if err := conn.WriteWireMessage(ctx, wm); err != nil {
		err = Error{Message: err.Error(), Labels: []string{NetworkErrorLabel, TransientTransactionLabel}, Wrapped: err}
		op.logCommandFailed(cmd, requestID, start, err)
		return nil, err
	}

	res, err := conn.ReadWireMessage(ctx, wm[:0])
	if err != nil {
		err = Error{Message: err.Error(), Labels: []string{NetworkErrorLabel, TransientTransactionLabel}, Wrapped: err}
		op.logCommandFailed(cmd, requestID, start, err)
		return nil, err
	}

	reply, err := decodeReply(res)
	if err != nil {
		op.logCommandFailed(cmd, requestID, start, err)
		return nil, err
	}

	if uerr := updateClusterTimes(op.Session, op.Clock, reply); uerr != nil {
		return nil, uerr
	}
	if uerr := updateOperationTime(op.Session, reply); uerr != nil {
		return nil, uerr
	}

	if cmdErr := extractError(reply); cmdErr != nil {
		op.logCommandFailed(cmd, requestID, start, cmdErr)
		return reply, cmdErr
	}
	op.logCommandSucceeded(cmd, reply, requestID, start)
	return reply, nil
}

// assemble builds the full command document: the operation's own fields, then $db, lsid,
// txnNumber, $clusterTime, the read-preference hint, and the read/write concerns, in that fixed
// order.
func (op *Operation) assemble(ctx context.Context, desc description.SelectedServer) (bsoncore.Document, error) {
	builder := bsoncore.NewDocumentBuilder()

	if err := op.CommandFn(builder); err != nil {
		return nil, err
	}

	builder.AppendString("$db", op.Database)

	if err := addSession(builder, op.Session, desc); err != nil {
		return nil, err
	}
	if op.txnNumber != 0 && retryWritesSupported(desc) {
		builder.AppendInt64("txnNumber", op.txnNumber)
		op.retrySupported = true
	}
	addClusterTime(builder, op.Session, op.Clock, desc)

	inTransaction := op.Session != nil && op.Session.TransactionInProgress()
	if op.Type == Read {
		if inTransaction && op.ReadPref != nil && op.ReadPref.Mode() != readpref.PrimaryMode {
			return nil, Error{Message: "read preference in a transaction must be primary"}
		}
		addReadPreference(builder, op.ReadPref, desc)
		// A transaction's read concern travels only on its first command; per-operation read
		// concerns inside one are rejected server-side, so they are never sent.
		if !inTransaction || op.Session.TransactionStarting() {
			if err := addReadConcern(builder, op.ReadConcern, op.Session, desc); err != nil {
				return nil, err
			}
		}
	}
	if op.Type == Write && !inTransaction {
		if err := addWriteConcern(builder, op.WriteConcern); err != nil {
			return nil, err
		}
	}

	if api := op.ServerAPI; api != nil && api.ServerAPIVersion != "" {
		builder.AppendString("apiVersion", api.ServerAPIVersion)
		if api.Strict != nil {
			builder.AppendBoolean("apiStrict", *api.Strict)
		}
		if api.DeprecationErrors != nil {
			builder.AppendBoolean("apiDeprecationErrors", *api.DeprecationErrors)
		}
	}

	if deadline, ok := ctx.Deadline(); ok && csot.IsTimeoutContext(ctx) && !csot.IsSkipMaxTimeContext(ctx) {
		if ms := int64(time.Until(deadline) / time.Millisecond); ms > 0 {
			builder.AppendInt64("maxTimeMS", ms)
		}
	}

	doc, ok := builder.Finish()
	if !ok {
		return nil, errors.New("driver: failed to build command document")
	}
	return doc, nil
}

// retryWritesSupported reports whether the selected server can honor a txnNumber on a write:
// it must support sessions and be part of a deployment with an oplog (anything but a bare
// standalone).
func retryWritesSupported(desc description.SelectedServer) bool {
	return description.SessionsSupported(desc.WireVersion) &&
		desc.SessionTimeoutMinutes != 0 &&
		desc.Server.Kind != description.Standalone
}

func (op *Operation) encode(cmd bsoncore.Document) ([]byte, int32) {
	requestID := wiremessage.NextRequestID()
	var dst []byte
	idx, dst := wiremessage.AppendHeaderStart(dst, requestID, 0, wiremessage.OpMsg)
	dst = wiremessage.AppendMsgFlags(dst, 0)
	dst = wiremessage.AppendMsgSectionType(dst, wiremessage.SingleDocument)
	dst = append(dst, cmd...)
	if op.Sequence != nil && len(op.Sequence.Documents) > 0 {
		docs := make([][]byte, len(op.Sequence.Documents))
		for i, doc := range op.Sequence.Documents {
			docs[i] = doc
		}
		dst = wiremessage.AppendMsgSectionDocumentSequence(dst, op.Sequence.Identifier, docs)
	}
	dst = wiremessage.UpdateLength(dst, idx, int32(len(dst)-int(idx)))
	return dst, requestID
}

func (op *Operation) logCommandStarted(cmd bsoncore.Document, desc description.SelectedServer, requestID int32) {
	if op.Logger == nil || !op.Logger.Is(logger.LevelDebug, logger.ComponentCommand) {
		return
	}
	op.Logger.Print(logger.LevelDebug, &logger.CommandStartedMessage{
		Name:         commandName(cmd),
		DatabaseName: op.Database,
		RequestID:    int64(requestID),
		ServerHost:   desc.Addr.String(),
		Command:      cmd.String(),
	})
}

func (op *Operation) logCommandSucceeded(cmd, reply bsoncore.Document, requestID int32, start time.Time) {
	if op.Logger == nil || !op.Logger.Is(logger.LevelDebug, logger.ComponentCommand) {
		return
	}
	op.Logger.Print(logger.LevelDebug, &logger.CommandSucceededMessage{
		Name:       commandName(cmd),
		RequestID:  int64(requestID),
		DurationMS: int64(time.Since(start) / time.Millisecond),
		Reply:      reply.String(),
	})
}

func (op *Operation) logCommandFailed(cmd bsoncore.Document, requestID int32, start time.Time, err error) {
	if op.Logger == nil || !op.Logger.Is(logger.LevelDebug, logger.ComponentCommand) {
		return
	}
	op.Logger.Print(logger.LevelDebug, &logger.CommandFailedMessage{
		Name:       commandName(cmd),
		RequestID:  int64(requestID),
		DurationMS: int64(time.Since(start) / time.Millisecond),
		Failure:    err.Error(),
	})
}

// commandName returns a command document's first key, which the wire protocol defines as the
// command's name.
func commandName(cmd bsoncore.Document) string {
	elem, err := cmd.Index(0)
	if err != nil {
		return ""
	}
	return elem.Key()
}

func decodeReply(wm []byte) (bsoncore.Document, error) {
	_, _, _, opcode, rem, ok := wiremessage.ReadHeader(wm)
	if !ok {
		return nil, Error{Message: "malformed wire message: missing header"}
	}
	if opcode != wiremessage.OpMsg {
		return nil, Error{Message: "unsupported opcode in reply"}
	}

	_, rem, ok = wiremessage.ReadMsgFlags(rem)
	if !ok {
		return nil, Error{Message: "malformed OP_MSG: missing flagBits"}
	}

	var reply bsoncore.Document
	for len(rem) > 0 {
		var stype wiremessage.SectionType
		stype, rem, ok = wiremessage.ReadMsgSectionType(rem)
		if !ok {
			return nil, Error{Message: "malformed OP_MSG: missing section type"}
		}
		switch stype {
		case wiremessage.SingleDocument:
			var doc []byte
			doc, rem, ok = wiremessage.ReadMsgSectionSingleDocument(rem)
			if !ok {
				return nil, Error{Message: "malformed OP_MSG: invalid section"}
			}
			reply = bsoncore.Document(doc)
		case wiremessage.DocumentSequence:
			_, _, rem, ok = wiremessage.ReadMsgSectionDocumentSequence(rem)
			if !ok {
				return nil, Error{Message: "malformed OP_MSG: invalid document sequence"}
			}
		default:
			return nil, Error{Message: "malformed OP_MSG: unknown section type"}
		}
	}

	if reply == nil {
		return nil, Error{Message: "OP_MSG reply carried no document"}
	}
	if err := reply.Validate(); err != nil {
		return nil, Error{Message: "malformed reply document", Wrapped: err}
	}
	return reply, nil
}
