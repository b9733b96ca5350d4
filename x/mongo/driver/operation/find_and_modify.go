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

// FindAndModify performs a findAndModify command: atomically select one document and update,
// replace, or remove it, returning either the pre- or post-image. It is in the retryable-write
// command set, since it touches at most one document.
type FindAndModify struct {
	collection string
	query      bsoncore.Document
	update     bsoncore.Document
	sort       bsoncore.Document
	fields     bsoncore.Document
	remove     *bool
	upsert     *bool
	returnNew  *bool
	comment    bsoncore.Value

	session      *session.Client
	clock        *session.ClusterClock
	database     string
	deployment   driver.Deployment
	selector     description.ServerSelector
	writeConcern *writeconcern.WriteConcern
	retry        driver.RetryMode

	result FindAndModifyResult
}

// FindAndModifyResult is the decoded reply of a findAndModify command.
type FindAndModifyResult struct {
	// Value is the selected document (pre- or post-image per the ReturnNew option), or nil if no
	// document matched.
	Value bsoncore.Document
	// MatchedCount is 1 when a document matched the query.
	MatchedCount int64
}

func buildFindAndModifyResult(response bsoncore.Document) (FindAndModifyResult, error) {
	elements, err := response.Elements()
	if err != nil {
		return FindAndModifyResult{}, err
	}
	var fmr FindAndModifyResult
	for _, element := range elements {
		switch element.Key() {
		case "value":
			if doc, ok := element.Value().Document(); ok {
				fmr.Value = doc
			}
		case "lastErrorObject":
			if doc, ok := element.Value().Document(); ok {
				if v, err := doc.LookupErr("n"); err == nil {
					fmr.MatchedCount = numericValue(v)
				}
			}
		}
	}
	return fmr, nil
}

// NewFindAndModify constructs a new FindAndModify selecting by query in collection.
func NewFindAndModify(collection string, query bsoncore.Document) *FindAndModify {
	return &FindAndModify{collection: collection, query: query}
}

// Result returns the result of executing this operation.
func (fam *FindAndModify) Result() FindAndModifyResult { return fam.result }

// Execute runs the operation.
func (fam *FindAndModify) Execute(ctx context.Context) error {
	if fam.deployment == nil {
		return errors.New("operation: FindAndModify must have a Deployment set before Execute can be called")
	}

	op := &driver.Operation{
		CommandFn:    fam.command,
		Database:     fam.database,
		Deployment:   fam.deployment,
		Selector:     fam.selector,
		Session:      fam.session,
		Clock:        fam.clock,
		WriteConcern: fam.writeConcern,
		Type:         driver.Write,
		RetryMode:    fam.retry,
	}

	res, err := op.Execute(ctx)
	if err != nil {
		return err
	}
	fam.result, err = buildFindAndModifyResult(res)
	return err
}

func (fam *FindAndModify) command(dst *bsoncore.DocumentBuilder) error {
	dst.AppendString("findAndModify", fam.collection)
	dst.AppendDocument("query", fam.query)
	if fam.sort != nil {
		dst.AppendDocument("sort", fam.sort)
	}
	if fam.remove != nil && *fam.remove {
		dst.AppendBoolean("remove", true)
	} else if fam.update != nil {
		dst.AppendDocument("update", fam.update)
	}
	if fam.returnNew != nil {
		dst.AppendBoolean("new", *fam.returnNew)
	}
	if fam.fields != nil {
		dst.AppendDocument("fields", fam.fields)
	}
	if fam.upsert != nil {
		dst.AppendBoolean("upsert", *fam.upsert)
	}
	if fam.comment.Type == bsoncore.TypeEmbeddedDocument {
		dst.AppendValue("comment", fam.comment)
	}
	return nil
}

// Update sets the update or replacement document to apply to the matched document.
func (fam *FindAndModify) Update(update bsoncore.Document) *FindAndModify {
	fam.update = update
	return fam
}

// Sort sets the order used to pick among multiple matches.
func (fam *FindAndModify) Sort(sort bsoncore.Document) *FindAndModify { fam.sort = sort; return fam }

// Fields sets the projection applied to the returned document.
func (fam *FindAndModify) Fields(fields bsoncore.Document) *FindAndModify {
	fam.fields = fields
	return fam
}

// Remove deletes the matched document instead of updating it; mutually exclusive with Update.
func (fam *FindAndModify) Remove(remove bool) *FindAndModify { fam.remove = &remove; return fam }

// Upsert inserts the update document when nothing matched the query.
func (fam *FindAndModify) Upsert(upsert bool) *FindAndModify { fam.upsert = &upsert; return fam }

// ReturnNew returns the post-image instead of the pre-image.
func (fam *FindAndModify) ReturnNew(returnNew bool) *FindAndModify {
	fam.returnNew = &returnNew
	return fam
}

// Comment attaches a comment document to the command.
func (fam *FindAndModify) Comment(comment bsoncore.Value) *FindAndModify {
	fam.comment = comment
	return fam
}

// Session sets the session for this operation.
func (fam *FindAndModify) Session(sess *session.Client) *FindAndModify {
	fam.session = sess
	return fam
}

// ClusterClock sets the cluster clock for this operation.
func (fam *FindAndModify) ClusterClock(clock *session.ClusterClock) *FindAndModify {
	fam.clock = clock
	return fam
}

// Database sets the database to run this operation against.
func (fam *FindAndModify) Database(database string) *FindAndModify {
	fam.database = database
	return fam
}

// Deployment sets the deployment to use for this operation.
func (fam *FindAndModify) Deployment(deployment driver.Deployment) *FindAndModify {
	fam.deployment = deployment
	return fam
}

// ServerSelector sets the selector used to retrieve a server.
func (fam *FindAndModify) ServerSelector(selector description.ServerSelector) *FindAndModify {
	fam.selector = selector
	return fam
}

// WriteConcern sets the write concern for this operation.
func (fam *FindAndModify) WriteConcern(wc *writeconcern.WriteConcern) *FindAndModify {
	fam.writeConcern = wc
	return fam
}

// Retry enables a single replay of the command on a retryable write error, reusing the failed
// attempt's transaction number.
func (fam *FindAndModify) Retry(mode driver.RetryMode) *FindAndModify { fam.retry = mode; return fam }
