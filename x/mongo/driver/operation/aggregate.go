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
	"github.com/mongocore/driver/mongo/readconcern"
	"github.com/mongocore/driver/mongo/readpref"
	"github.com/mongocore/driver/mongo/writeconcern"
	"github.com/mongocore/driver/x/bsonx/bsoncore"
	"github.com/mongocore/driver/x/mongo/driver"
	"github.com/mongocore/driver/x/mongo/driver/description"
	"github.com/mongocore/driver/x/mongo/driver/session"
)

// secondaryWriteWireVersion is the first wire version (MongoDB 5.0) whose secondaries can run
// the writing aggregation stages ($out, $merge).
const secondaryWriteWireVersion = 13

// Aggregate performs an aggregate command. A pipeline whose last stage writes (e.g. $out,
// $merge) is dispatched as a write, and its read preference is silently overridden to primary
// when any known server predates secondary-writes support.
type Aggregate struct {
	collection string // "" for a database-level (collectionless) aggregate, e.g. $currentOp
	pipeline   bsoncore.Array
	batchSize  *int32
	maxTimeMS  *int64
	collation  bsoncore.Document
	comment    bsoncore.Value
	hasWrite   bool

	readPrefOverridden bool

	session        *session.Client
	clock          *session.ClusterClock
	database       string
	deployment     driver.Deployment
	logger         *logger.Logger
	serverAPI      *driver.ServerAPIOptions
	readPreference *readpref.ReadPref
	readConcern    *readconcern.ReadConcern
	writeConcern   *writeconcern.WriteConcern
	selector       description.ServerSelector

	result driver.CursorResponse
}

// NewAggregate constructs a new Aggregate operation. collection may be "" for a
// database-level pipeline.
func NewAggregate(collection string, pipeline bsoncore.Array) *Aggregate {
	return &Aggregate{collection: collection, pipeline: pipeline}
}

// Result returns the decoded cursor response from the last Execute call.
func (a *Aggregate) Result() driver.CursorResponse { return a.result }

// Execute runs the operation.
func (a *Aggregate) Execute(ctx context.Context) error {
	if a.deployment == nil {
		return errors.New("operation: Aggregate must have a Deployment set before Execute can be called")
	}

	opType := driver.Read
	rp := a.readPreference
	selector := a.selector
	a.readPrefOverridden = false
	if a.hasWrite {
		opType = driver.Write
		if rp != nil && rp.Mode() != readpref.PrimaryMode && a.anyServerPredatesSecondaryWrites() {
			rp = readpref.Primary()
			a.readPrefOverridden = true
		}
		if selector == nil {
			// A writing pipeline still routes by read preference (unlike a plain write) on
			// deployments new enough to run $out/$merge on a secondary.
			selector = readpref.Selector(rp)
		}
	}

	op := &driver.Operation{
		CommandFn:    a.command,
		Database:     a.database,
		Deployment:   a.deployment,
		Logger:       a.logger,
		ServerAPI:    a.serverAPI,
		ReadPref:     rp,
		ReadConcern:  a.readConcern,
		WriteConcern: a.writeConcern,
		Selector:     selector,
		Session:      a.session,
		Clock:        a.clock,
		Type:         opType,
		RetryMode:    driver.RetryOnce,
	}

	res, err := op.Execute(ctx)
	if err != nil {
		return err
	}
	a.result, err = driver.NewCursorResponse(res, op.SelectedServer().Addr)
	return err
}

func (a *Aggregate) command(dst *bsoncore.DocumentBuilder) error {
	if a.collection != "" {
		dst.AppendString("aggregate", a.collection)
	} else {
		dst.AppendInt32("aggregate", 1)
	}
	dst.AppendArray("pipeline", a.pipeline)
	if cursorDoc, ok := dst.AppendDocumentBegin("cursor"); ok {
		if a.batchSize != nil {
			cursorDoc.AppendInt32("batchSize", *a.batchSize)
		}
		dst.AppendDocumentEnd(cursorDoc)
	}
	if a.maxTimeMS != nil {
		dst.AppendInt64("maxTimeMS", *a.maxTimeMS)
	}
	if a.collation != nil {
		dst.AppendDocument("collation", a.collation)
	}
	if a.comment.Type == bsoncore.TypeEmbeddedDocument {
		dst.AppendValue("comment", a.comment)
	}
	return nil
}

// Pipeline replaces the aggregation pipeline.
func (a *Aggregate) Pipeline(pipeline bsoncore.Array) *Aggregate { a.pipeline = pipeline; return a }

// BatchSize sets the batch size requested in the initial command's "cursor" sub-document.
func (a *Aggregate) BatchSize(batchSize int32) *Aggregate { a.batchSize = &batchSize; return a }

// MaxTime sets maxTimeMS, bounding server-side work for this command.
func (a *Aggregate) MaxTime(maxTimeMS int64) *Aggregate { a.maxTimeMS = &maxTimeMS; return a }

// Collation sets the collation document applied to string comparisons in the pipeline.
func (a *Aggregate) Collation(collation bsoncore.Document) *Aggregate {
	a.collation = collation
	return a
}

// Comment attaches a comment document to the command.
func (a *Aggregate) Comment(comment bsoncore.Value) *Aggregate { a.comment = comment; return a }

// HasWriteStage marks the pipeline as ending in a write stage ($out/$merge), which dispatches
// the command as a write and makes it subject to the primary override above.
func (a *Aggregate) HasWriteStage(hasWrite bool) *Aggregate { a.hasWrite = hasWrite; return a }

// ReadPreferenceOverridden reports whether the last Execute call rewrote the caller's read
// preference to primary because a server in the topology is too old to run a writing pipeline
// stage on a secondary.
func (a *Aggregate) ReadPreferenceOverridden() bool { return a.readPrefOverridden }

// anyServerPredatesSecondaryWrites reports whether any known server's wire version is too old
// for $out/$merge on a secondary.
func (a *Aggregate) anyServerPredatesSecondaryWrites() bool {
	for _, s := range a.deployment.Description().Servers {
		if s.Kind == description.Unknown || s.WireVersion == nil {
			continue
		}
		if s.WireVersion.Max < secondaryWriteWireVersion {
			return true
		}
	}
	return false
}

// Session sets the session for this operation.
func (a *Aggregate) Session(sess *session.Client) *Aggregate { a.session = sess; return a }

// ClusterClock sets the cluster clock for this operation.
func (a *Aggregate) ClusterClock(clock *session.ClusterClock) *Aggregate { a.clock = clock; return a }

// Database sets the database to run this operation against.
func (a *Aggregate) Database(database string) *Aggregate { a.database = database; return a }

// Logger attaches the structured logger used for command monitoring messages.
func (a *Aggregate) Logger(log *logger.Logger) *Aggregate { a.logger = log; return a }

// ServerAPI pins this command to a declared stable server API version.
func (a *Aggregate) ServerAPI(api *driver.ServerAPIOptions) *Aggregate { a.serverAPI = api; return a }

// Deployment sets the deployment to use for this operation.
func (a *Aggregate) Deployment(deployment driver.Deployment) *Aggregate {
	a.deployment = deployment
	return a
}

// ReadPreference sets the read preference used with this operation.
func (a *Aggregate) ReadPreference(rp *readpref.ReadPref) *Aggregate { a.readPreference = rp; return a }

// ReadConcern sets the read concern used with this operation.
func (a *Aggregate) ReadConcern(rc *readconcern.ReadConcern) *Aggregate { a.readConcern = rc; return a }

// WriteConcern sets the write concern used with this operation.
func (a *Aggregate) WriteConcern(wc *writeconcern.WriteConcern) *Aggregate {
	a.writeConcern = wc
	return a
}

// ServerSelector sets the selector used to retrieve a server.
func (a *Aggregate) ServerSelector(selector description.ServerSelector) *Aggregate {
	a.selector = selector
	return a
}
