// Copyright (C) MongoDB, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"errors"

	"github.com/mongocore/driver/internal/logger"
	"github.com/mongocore/driver/mongo/writeconcern"
	"github.com/mongocore/driver/x/bsonx/bsoncore"
	"github.com/mongocore/driver/x/mongo/driver"
	"github.com/mongocore/driver/x/mongo/driver/description"
	"github.com/mongocore/driver/x/mongo/driver/session"
)

// Insert performs an insert command. The documents travel in an OP_MSG document-sequence
// section identified as "documents" rather than inside the command body, so a large batch never
// has to fit inside the command document's own size limit.
type Insert struct {
	collection               string
	documents                []bsoncore.Document
	ordered                  *bool
	bypassDocumentValidation *bool
	comment                  bsoncore.Value

	session      *session.Client
	clock        *session.ClusterClock
	database     string
	deployment   driver.Deployment
	logger       *logger.Logger
	selector     description.ServerSelector
	writeConcern *writeconcern.WriteConcern
	retry        driver.RetryMode

	result InsertResult
}

// InsertResult is the decoded reply of an insert command.
type InsertResult struct {
	// N is the number of documents inserted.
	N int64
}

func buildInsertResult(response bsoncore.Document) (InsertResult, error) {
	elements, err := response.Elements()
	if err != nil {
		return InsertResult{}, err
	}
	var ir InsertResult
	for _, element := range elements {
		if element.Key() == "n" {
			ir.N = numericValue(element.Value())
		}
	}
	return ir, nil
}

// numericValue coerces any BSON numeric type to int64; write-command replies report counts as
// int32, int64, or double depending on server version.
func numericValue(v bsoncore.Value) int64 {
	switch v.Type {
	case bsoncore.TypeInt32:
		i, _ := v.Int32()
		return int64(i)
	case bsoncore.TypeInt64:
		i, _ := v.Int64()
		return i
	case bsoncore.TypeDouble:
		f, _ := v.Double()
		return int64(f)
	}
	return 0
}

// NewInsert constructs a new Insert operation inserting documents into collection.
func NewInsert(collection string, documents ...bsoncore.Document) *Insert {
	return &Insert{collection: collection, documents: documents}
}

// Result returns the result of executing this operation.
func (i *Insert) Result() InsertResult { return i.result }

// Execute runs the operation.
func (i *Insert) Execute(ctx context.Context) error {
	if i.deployment == nil {
		return errors.New("operation: Insert must have a Deployment set before Execute can be called")
	}

	op := &driver.Operation{
		CommandFn:    i.command,
		Sequence:     &driver.DocumentSequence{Identifier: "documents", Documents: i.documents},
		Database:     i.database,
		Deployment:   i.deployment,
		Logger:       i.logger,
		Selector:     i.selector,
		Session:      i.session,
		Clock:        i.clock,
		WriteConcern: i.writeConcern,
		Type:         driver.Write,
		RetryMode:    i.retry,
	}

	res, err := op.Execute(ctx)
	if err != nil {
		return err
	}
	i.result, err = buildInsertResult(res)
	return err
}

func (i *Insert) command(dst *bsoncore.DocumentBuilder) error {
	dst.AppendString("insert", i.collection)
	if i.ordered != nil {
		dst.AppendBoolean("ordered", *i.ordered)
	}
	if i.bypassDocumentValidation != nil {
		dst.AppendBoolean("bypassDocumentValidation", *i.bypassDocumentValidation)
	}
	if i.comment.Type == bsoncore.TypeEmbeddedDocument {
		dst.AppendValue("comment", i.comment)
	}
	return nil
}

// Documents replaces the documents to insert.
func (i *Insert) Documents(documents ...bsoncore.Document) *Insert {
	i.documents = documents
	return i
}

// Ordered sets whether the server stops inserting on the first error (true) or attempts every
// document regardless (false).
func (i *Insert) Ordered(ordered bool) *Insert { i.ordered = &ordered; return i }

// BypassDocumentValidation allows the write to opt out of document-level validation.
func (i *Insert) BypassDocumentValidation(bypass bool) *Insert {
	i.bypassDocumentValidation = &bypass
	return i
}

// Comment attaches a comment document to the command.
func (i *Insert) Comment(comment bsoncore.Value) *Insert { i.comment = comment; return i }

// Session sets the session for this operation.
func (i *Insert) Session(sess *session.Client) *Insert { i.session = sess; return i }

// ClusterClock sets the cluster clock for this operation.
func (i *Insert) ClusterClock(clock *session.ClusterClock) *Insert { i.clock = clock; return i }

// Database sets the database to run this operation against.
func (i *Insert) Database(database string) *Insert { i.database = database; return i }

// Logger attaches the structured logger used for command monitoring messages.
func (i *Insert) Logger(log *logger.Logger) *Insert { i.logger = log; return i }

// Deployment sets the deployment to use for this operation.
func (i *Insert) Deployment(deployment driver.Deployment) *Insert {
	i.deployment = deployment
	return i
}

// ServerSelector sets the selector used to retrieve a server.
func (i *Insert) ServerSelector(selector description.ServerSelector) *Insert {
	i.selector = selector
	return i
}

// WriteConcern sets the write concern for this operation.
func (i *Insert) WriteConcern(wc *writeconcern.WriteConcern) *Insert {
	i.writeConcern = wc
	return i
}

// Retry enables a single replay of the command on a retryable write error. The replay reuses
// the transaction number of the failed attempt, so the server can deduplicate a write that
// actually applied before the connection broke.
func (i *Insert) Retry(mode driver.RetryMode) *Insert { i.retry = mode; return i }
