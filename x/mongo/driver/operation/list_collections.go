// Copyright (C) MongoDB, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"errors"

	"github.com/mongocore/driver/mongo/readpref"
	"github.com/mongocore/driver/x/bsonx/bsoncore"
	"github.com/mongocore/driver/x/mongo/driver"
	"github.com/mongocore/driver/x/mongo/driver/description"
	"github.com/mongocore/driver/x/mongo/driver/session"
)

// ListCollections performs a listCollections command. Like find and aggregate, it returns a
// cursor: the reply's "cursor" sub-document is decoded into a driver.CursorResponse that the
// caller hands to driver.NewBatchCursor.
type ListCollections struct {
	filter         bsoncore.Document
	nameOnly       *bool
	batchSize      *int32
	session        *session.Client
	clock          *session.ClusterClock
	database       string
	deployment     driver.Deployment
	readPreference *readpref.ReadPref
	selector       description.ServerSelector

	result driver.CursorResponse
}

// NewListCollections constructs a new ListCollections.
func NewListCollections(filter bsoncore.Document) *ListCollections {
	return &ListCollections{filter: filter}
}

// Result returns the decoded cursor response from the last Execute call.
func (lc *ListCollections) Result() driver.CursorResponse { return lc.result }

// Execute runs the operation.
func (lc *ListCollections) Execute(ctx context.Context) error {
	if lc.deployment == nil {
		return errors.New("operation: ListCollections must have a Deployment set before Execute can be called")
	}

	op := &driver.Operation{
		CommandFn:  lc.command,
		Database:   lc.database,
		Deployment: lc.deployment,
		ReadPref:   lc.readPreference,
		Selector:   lc.selector,
		Session:    lc.session,
		Clock:      lc.clock,
		Type:       driver.Read,
		RetryMode:  driver.RetryOnce,
	}

	res, err := op.Execute(ctx)
	if err != nil {
		return err
	}
	lc.result, err = driver.NewCursorResponse(res, op.SelectedServer().Addr)
	return err
}

func (lc *ListCollections) command(dst *bsoncore.DocumentBuilder) error {
	dst.AppendInt32("listCollections", 1)
	if lc.filter != nil {
		dst.AppendDocument("filter", lc.filter)
	}
	if lc.nameOnly != nil {
		dst.AppendBoolean("nameOnly", *lc.nameOnly)
	}
	if cursorDoc, ok := dst.AppendDocumentBegin("cursor"); ok {
		if lc.batchSize != nil {
			cursorDoc.AppendInt32("batchSize", *lc.batchSize)
		}
		dst.AppendDocumentEnd(cursorDoc)
	}
	return nil
}

// BatchSize sets the initial batch size requested in the "cursor" sub-document.
func (lc *ListCollections) BatchSize(batchSize int32) *ListCollections {
	lc.batchSize = &batchSize
	return lc
}

// Filter determines what results are returned from listCollections.
func (lc *ListCollections) Filter(filter bsoncore.Document) *ListCollections {
	lc.filter = filter
	return lc
}

// NameOnly specifies whether to only return collection names.
func (lc *ListCollections) NameOnly(nameOnly bool) *ListCollections {
	lc.nameOnly = &nameOnly
	return lc
}

// Session sets the session for this operation.
func (lc *ListCollections) Session(sess *session.Client) *ListCollections {
	lc.session = sess
	return lc
}

// ClusterClock sets the cluster clock for this operation.
func (lc *ListCollections) ClusterClock(clock *session.ClusterClock) *ListCollections {
	lc.clock = clock
	return lc
}

// Database sets the database to run this operation against.
func (lc *ListCollections) Database(database string) *ListCollections {
	lc.database = database
	return lc
}

// Deployment sets the deployment to use for this operation.
func (lc *ListCollections) Deployment(deployment driver.Deployment) *ListCollections {
	lc.deployment = deployment
	return lc
}

// ReadPreference sets the read preference used with this operation.
func (lc *ListCollections) ReadPreference(rp *readpref.ReadPref) *ListCollections {
	lc.readPreference = rp
	return lc
}

// ServerSelector sets the selector used to retrieve a server.
func (lc *ListCollections) ServerSelector(selector description.ServerSelector) *ListCollections {
	lc.selector = selector
	return lc
}
