// Copyright (C) MongoDB, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"errors"

	"github.com/mongocore/driver/mongo/writeconcern"
	"github.com/mongocore/driver/x/bsonx/bsoncore"
	"github.com/mongocore/driver/x/mongo/driver"
	"github.com/mongocore/driver/x/mongo/driver/description"
	"github.com/mongocore/driver/x/mongo/driver/session"
)

// Update performs an update command. Each statement is a complete update document
// (`{q: <filter>, u: <update>, multi?, upsert?}`, see NewUpdateStatement) and the statements
// travel in an OP_MSG document-sequence section identified as "updates".
//
// An update is only eligible for retryable writes when none of its statements set multi, since
// a multi-update that partially applied cannot be replayed safely; the server rejects the
// txnNumber in that case.
type Update struct {
	collection               string
	statements               []bsoncore.Document
	ordered                  *bool
	bypassDocumentValidation *bool
	let                      bsoncore.Document
	comment                  bsoncore.Value

	session      *session.Client
	clock        *session.ClusterClock
	database     string
	deployment   driver.Deployment
	selector     description.ServerSelector
	writeConcern *writeconcern.WriteConcern
	retry        driver.RetryMode

	result UpdateResult
}

// UpdateResult is the decoded reply of an update command.
type UpdateResult struct {
	// N is the number of documents matched.
	N int64
	// NModified is the number of documents actually changed.
	NModified int64
}

func buildUpdateResult(response bsoncore.Document) (UpdateResult, error) {
	elements, err := response.Elements()
	if err != nil {
		return UpdateResult{}, err
	}
	var ur UpdateResult
	for _, element := range elements {
		switch element.Key() {
		case "n":
			ur.N = numericValue(element.Value())
		case "nModified":
			ur.NModified = numericValue(element.Value())
		}
	}
	return ur, nil
}

// NewUpdateStatement builds one `{q, u, multi?, upsert?}` statement for an update command.
func NewUpdateStatement(filter, update bsoncore.Document, multi, upsert bool) bsoncore.Document {
	b := bsoncore.NewDocumentBuilder()
	b.AppendDocument("q", filter)
	b.AppendDocument("u", update)
	if multi {
		b.AppendBoolean("multi", true)
	}
	if upsert {
		b.AppendBoolean("upsert", true)
	}
	doc, _ := b.Finish()
	return doc
}

// NewUpdate constructs a new Update operation against collection.
func NewUpdate(collection string, statements ...bsoncore.Document) *Update {
	return &Update{collection: collection, statements: statements}
}

// Result returns the result of executing this operation.
func (u *Update) Result() UpdateResult { return u.result }

// Execute runs the operation.
func (u *Update) Execute(ctx context.Context) error {
	if u.deployment == nil {
		return errors.New("operation: Update must have a Deployment set before Execute can be called")
	}

	op := &driver.Operation{
		CommandFn:    u.command,
		Sequence:     &driver.DocumentSequence{Identifier: "updates", Documents: u.statements},
		Database:     u.database,
		Deployment:   u.deployment,
		Selector:     u.selector,
		Session:      u.session,
		Clock:        u.clock,
		WriteConcern: u.writeConcern,
		Type:         driver.Write,
		RetryMode:    u.retry,
	}

	res, err := op.Execute(ctx)
	if err != nil {
		return err
	}
	u.result, err = buildUpdateResult(res)
	return err
}

func (u *Update) command(dst *bsoncore.DocumentBuilder) error {
	dst.AppendString("update", u.collection)
	if u.ordered != nil {
		dst.AppendBoolean("ordered", *u.ordered)
	}
	if u.bypassDocumentValidation != nil {
		dst.AppendBoolean("bypassDocumentValidation", *u.bypassDocumentValidation)
	}
	if u.let != nil {
		dst.AppendDocument("let", u.let)
	}
	if u.comment.Type == bsoncore.TypeEmbeddedDocument {
		dst.AppendValue("comment", u.comment)
	}
	return nil
}

// Statements replaces the update statements.
func (u *Update) Statements(statements ...bsoncore.Document) *Update {
	u.statements = statements
	return u
}

// Ordered sets whether the server stops on the first failing statement.
func (u *Update) Ordered(ordered bool) *Update { u.ordered = &ordered; return u }

// BypassDocumentValidation allows the write to opt out of document-level validation.
func (u *Update) BypassDocumentValidation(bypass bool) *Update {
	u.bypassDocumentValidation = &bypass
	return u
}

// Let attaches a document of variables usable from the statements' filters and updates.
func (u *Update) Let(let bsoncore.Document) *Update { u.let = let; return u }

// Comment attaches a comment document to the command.
func (u *Update) Comment(comment bsoncore.Value) *Update { u.comment = comment; return u }

// Session sets the session for this operation.
func (u *Update) Session(sess *session.Client) *Update { u.session = sess; return u }

// ClusterClock sets the cluster clock for this operation.
func (u *Update) ClusterClock(clock *session.ClusterClock) *Update { u.clock = clock; return u }

// Database sets the database to run this operation against.
func (u *Update) Database(database string) *Update { u.database = database; return u }

// Deployment sets the deployment to use for this operation.
func (u *Update) Deployment(deployment driver.Deployment) *Update {
	u.deployment = deployment
	return u
}

// ServerSelector sets the selector used to retrieve a server.
func (u *Update) ServerSelector(selector description.ServerSelector) *Update {
	u.selector = selector
	return u
}

// WriteConcern sets the write concern for this operation.
func (u *Update) WriteConcern(wc *writeconcern.WriteConcern) *Update {
	u.writeConcern = wc
	return u
}

// Retry enables a single replay of the command on a retryable write error, reusing the failed
// attempt's transaction number.
func (u *Update) Retry(mode driver.RetryMode) *Update { u.retry = mode; return u }
