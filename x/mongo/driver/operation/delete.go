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

// Delete performs a delete command. Each statement is a `{q: <filter>, limit: 0|1}` document
// (see NewDeleteStatement) and the statements travel in an OP_MSG document-sequence section
// identified as "deletes". Only single-document deletes (limit 1 throughout) are eligible for
// retryable writes.
type Delete struct {
	collection string
	statements []bsoncore.Document
	ordered    *bool
	let        bsoncore.Document
	comment    bsoncore.Value

	session      *session.Client
	clock        *session.ClusterClock
	database     string
	deployment   driver.Deployment
	selector     description.ServerSelector
	writeConcern *writeconcern.WriteConcern
	retry        driver.RetryMode

	result DeleteResult
}

// DeleteResult is the decoded reply of a delete command.
type DeleteResult struct {
	// N is the number of documents deleted.
	N int64
}

func buildDeleteResult(response bsoncore.Document) (DeleteResult, error) {
	elements, err := response.Elements()
	if err != nil {
		return DeleteResult{}, err
	}
	var dr DeleteResult
	for _, element := range elements {
		if element.Key() == "n" {
			dr.N = numericValue(element.Value())
		}
	}
	return dr, nil
}

// NewDeleteStatement builds one `{q, limit}` statement for a delete command. limit 1 removes at
// most one matching document; limit 0 removes every match.
func NewDeleteStatement(filter bsoncore.Document, limit int32) bsoncore.Document {
	b := bsoncore.NewDocumentBuilder()
	b.AppendDocument("q", filter)
	b.AppendInt32("limit", limit)
	doc, _ := b.Finish()
	return doc
}

// NewDelete constructs a new Delete operation against collection.
func NewDelete(collection string, statements ...bsoncore.Document) *Delete {
	return &Delete{collection: collection, statements: statements}
}

// Result returns the result of executing this operation.
func (d *Delete) Result() DeleteResult { return d.result }

// Execute runs the operation.
func (d *Delete) Execute(ctx context.Context) error {
	if d.deployment == nil {
		return errors.New("operation: Delete must have a Deployment set before Execute can be called")
	}

	op := &driver.Operation{
		CommandFn:    d.command,
		Sequence:     &driver.DocumentSequence{Identifier: "deletes", Documents: d.statements},
		Database:     d.database,
		Deployment:   d.deployment,
		Selector:     d.selector,
		Session:      d.session,
		Clock:        d.clock,
		WriteConcern: d.writeConcern,
		Type:         driver.Write,
		RetryMode:    d.retry,
	}

	res, err := op.Execute(ctx)
	if err != nil {
		return err
	}
	d.result, err = buildDeleteResult(res)
	return err
}

func (d *Delete) command(dst *bsoncore.DocumentBuilder) error {
	dst.AppendString("delete", d.collection)
	if d.ordered != nil {
		dst.AppendBoolean("ordered", *d.ordered)
	}
	if d.let != nil {
		dst.AppendDocument("let", d.let)
	}
	if d.comment.Type == bsoncore.TypeEmbeddedDocument {
		dst.AppendValue("comment", d.comment)
	}
	return nil
}

// Statements replaces the delete statements.
func (d *Delete) Statements(statements ...bsoncore.Document) *Delete {
	d.statements = statements
	return d
}

// Ordered sets whether the server stops on the first failing statement.
func (d *Delete) Ordered(ordered bool) *Delete { d.ordered = &ordered; return d }

// Let attaches a document of variables usable from the statements' filters.
func (d *Delete) Let(let bsoncore.Document) *Delete { d.let = let; return d }

// Comment attaches a comment document to the command.
func (d *Delete) Comment(comment bsoncore.Value) *Delete { d.comment = comment; return d }

// Session sets the session for this operation.
func (d *Delete) Session(sess *session.Client) *Delete { d.session = sess; return d }

// ClusterClock sets the cluster clock for this operation.
func (d *Delete) ClusterClock(clock *session.ClusterClock) *Delete { d.clock = clock; return d }

// Database sets the database to run this operation against.
func (d *Delete) Database(database string) *Delete { d.database = database; return d }

// Deployment sets the deployment to use for this operation.
func (d *Delete) Deployment(deployment driver.Deployment) *Delete {
	d.deployment = deployment
	return d
}

// ServerSelector sets the selector used to retrieve a server.
func (d *Delete) ServerSelector(selector description.ServerSelector) *Delete {
	d.selector = selector
	return d
}

// WriteConcern sets the write concern for this operation.
func (d *Delete) WriteConcern(wc *writeconcern.WriteConcern) *Delete {
	d.writeConcern = wc
	return d
}

// Retry enables a single replay of the command on a retryable write error, reusing the failed
// attempt's transaction number.
func (d *Delete) Retry(mode driver.RetryMode) *Delete { d.retry = mode; return d }
