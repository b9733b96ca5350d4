// Copyright (C) MongoDB, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"errors"
	"time"

	"github.com/mongocore/driver/internal/logger"
	"github.com/mongocore/driver/mongo/readconcern"
	"github.com/mongocore/driver/mongo/readpref"
	"github.com/mongocore/driver/x/bsonx/bsoncore"
	"github.com/mongocore/driver/x/mongo/driver"
	"github.com/mongocore/driver/x/mongo/driver/description"
	"github.com/mongocore/driver/x/mongo/driver/session"
)

// Find performs a find command. A positive Limit is passed through to the server as-is, a
// negative Limit is sent as {singleBatch: true, limit: -n}, and batchSize always travels inside
// a "cursor" sub-document.
type Find struct {
	collection string
	filter     bsoncore.Document
	sort       bsoncore.Document
	projection bsoncore.Document
	batchSize  *int32
	limit      *int32
	skip       *int64
	comment    bsoncore.Value
	maxTimeMS  *int64
	tailable   bool
	awaitData  bool
	timeout    time.Duration

	session        *session.Client
	clock          *session.ClusterClock
	database       string
	deployment     driver.Deployment
	logger         *logger.Logger
	serverAPI      *driver.ServerAPIOptions
	readPreference *readpref.ReadPref
	readConcern    *readconcern.ReadConcern
	selector       description.ServerSelector

	result driver.CursorResponse
}

// NewFind constructs a new Find operation against collection.
func NewFind(collection string) *Find { return &Find{collection: collection} }

// Result returns the decoded cursor response from the last Execute call.
func (f *Find) Result() driver.CursorResponse { return f.result }

// SingleBatch reports whether this find was configured with a negative limit, meaning the
// resulting cursor should never issue a getMore.
func (f *Find) SingleBatch() bool { return f.limit != nil && *f.limit < 0 }

// BatchSizeValue returns the batch size configured on this find, or 0 if none was set.
func (f *Find) BatchSizeValue() int32 {
	if f.batchSize == nil {
		return 0
	}
	return *f.batchSize
}

// LimitValue returns the absolute limit configured on this find, or 0 if none was set.
func (f *Find) LimitValue() int32 {
	if f.limit == nil {
		return 0
	}
	if *f.limit < 0 {
		return -*f.limit
	}
	return *f.limit
}

// Execute runs the operation.
func (f *Find) Execute(ctx context.Context) error {
	if f.deployment == nil {
		return errors.New("operation: Find must have a Deployment set before Execute can be called")
	}

	op := &driver.Operation{
		CommandFn:   f.command,
		Database:    f.database,
		Deployment:  f.deployment,
		Logger:      f.logger,
		ServerAPI:   f.serverAPI,
		ReadPref:    f.readPreference,
		ReadConcern: f.readConcern,
		Selector:    f.selector,
		Session:     f.session,
		Clock:       f.clock,
		Type:        driver.Read,
		RetryMode:   driver.RetryOnce,
		Timeout:     f.timeout,
	}

	res, err := op.Execute(ctx)
	if err != nil {
		return err
	}
	f.result, err = driver.NewCursorResponse(res, op.SelectedServer().Addr)
	return err
}

func (f *Find) command(dst *bsoncore.DocumentBuilder) error {
	dst.AppendString("find", f.collection)
	if f.filter != nil {
		dst.AppendDocument("filter", f.filter)
	}
	if f.sort != nil {
		dst.AppendDocument("sort", f.sort)
	}
	if f.projection != nil {
		dst.AppendDocument("projection", f.projection)
	}
	if f.skip != nil {
		dst.AppendInt64("skip", *f.skip)
	}
	if f.limit != nil {
		if *f.limit < 0 {
			dst.AppendBoolean("singleBatch", true)
			dst.AppendInt64("limit", int64(-*f.limit))
		} else {
			dst.AppendInt64("limit", int64(*f.limit))
		}
	}
	if f.batchSize != nil {
		if cursorDoc, ok := dst.AppendDocumentBegin("cursor"); ok {
			cursorDoc.AppendInt32("batchSize", *f.batchSize)
			dst.AppendDocumentEnd(cursorDoc)
		}
	}
	if f.maxTimeMS != nil {
		dst.AppendInt64("maxTimeMS", *f.maxTimeMS)
	}
	if f.tailable {
		dst.AppendBoolean("tailable", true)
	}
	if f.awaitData {
		dst.AppendBoolean("awaitData", true)
	}
	if f.comment.Type == bsoncore.TypeEmbeddedDocument {
		dst.AppendValue("comment", f.comment)
	}
	return nil
}

// Filter sets the query filter.
func (f *Find) Filter(filter bsoncore.Document) *Find { f.filter = filter; return f }

// Sort sets the sort order.
func (f *Find) Sort(sort bsoncore.Document) *Find { f.sort = sort; return f }

// Projection sets the field projection.
func (f *Find) Projection(projection bsoncore.Document) *Find { f.projection = projection; return f }

// BatchSize sets the batch size requested in the initial command's "cursor" sub-document.
func (f *Find) BatchSize(batchSize int32) *Find { f.batchSize = &batchSize; return f }

// Limit sets the limit: positive values are passed through, negative values request a single
// batch of up to -limit documents.
func (f *Find) Limit(limit int32) *Find { f.limit = &limit; return f }

// Skip sets the number of matching documents to skip.
func (f *Find) Skip(skip int64) *Find { f.skip = &skip; return f }

// Comment attaches a comment document to the command.
func (f *Find) Comment(comment bsoncore.Value) *Find { f.comment = comment; return f }

// MaxTime sets maxTimeMS, bounding server-side work for this command.
func (f *Find) MaxTime(maxTimeMS int64) *Find { f.maxTimeMS = &maxTimeMS; return f }

// Timeout bounds the whole Execute call, client side included; the remaining budget is also
// sent as maxTimeMS. Mutually exclusive with MaxTime.
func (f *Find) Timeout(d time.Duration) *Find { f.timeout = d; return f }

// Tailable marks the cursor tailable, for a capped collection.
func (f *Find) Tailable(tailable bool) *Find { f.tailable = tailable; return f }

// AwaitData marks a tailable cursor as blocking briefly for new data (requires Tailable).
func (f *Find) AwaitData(awaitData bool) *Find { f.awaitData = awaitData; return f }

// Session sets the session for this operation.
func (f *Find) Session(sess *session.Client) *Find { f.session = sess; return f }

// ClusterClock sets the cluster clock for this operation.
func (f *Find) ClusterClock(clock *session.ClusterClock) *Find { f.clock = clock; return f }

// Database sets the database to run this operation against.
func (f *Find) Database(database string) *Find { f.database = database; return f }

// Logger attaches the structured logger used for command monitoring messages.
func (f *Find) Logger(log *logger.Logger) *Find { f.logger = log; return f }

// ServerAPI pins this command to a declared stable server API version.
func (f *Find) ServerAPI(api *driver.ServerAPIOptions) *Find { f.serverAPI = api; return f }

// Deployment sets the deployment to use for this operation.
func (f *Find) Deployment(deployment driver.Deployment) *Find { f.deployment = deployment; return f }

// ReadPreference sets the read preference used with this operation.
func (f *Find) ReadPreference(rp *readpref.ReadPref) *Find { f.readPreference = rp; return f }

// ReadConcern sets the read concern used with this operation.
func (f *Find) ReadConcern(rc *readconcern.ReadConcern) *Find { f.readConcern = rc; return f }

// ServerSelector sets the selector used to retrieve a server.
func (f *Find) ServerSelector(selector description.ServerSelector) *Find {
	f.selector = selector
	return f
}
