// Copyright (C) MongoDB, Inc. 2019-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"errors"
	"fmt"

	"github.com/mongocore/driver/mongo/writeconcern"
	"github.com/mongocore/driver/x/bsonx/bsoncore"
	"github.com/mongocore/driver/x/mongo/driver"
	"github.com/mongocore/driver/x/mongo/driver/description"
	"github.com/mongocore/driver/x/mongo/driver/session"
)

// DropDatabase performs a dropDatabase command.
type DropDatabase struct {
	session      *session.Client
	clock        *session.ClusterClock
	database     string
	deployment   driver.Deployment
	selector     description.ServerSelector
	writeConcern *writeconcern.WriteConcern

	result DropDatabaseResult
}

// DropDatabaseResult is the decoded reply of a dropDatabase command.
type DropDatabaseResult struct {
	Dropped string
}

func buildDropDatabaseResult(response bsoncore.Document) (DropDatabaseResult, error) {
	elements, err := response.Elements()
	if err != nil {
		return DropDatabaseResult{}, err
	}
	var ddr DropDatabaseResult
	for _, element := range elements {
		if element.Key() != "dropped" {
			continue
		}
		s, ok := element.Value().StringValue()
		if !ok {
			return ddr, fmt.Errorf("operation: response field 'dropped' is type string, but received BSON type %s", element.Value().Type)
		}
		ddr.Dropped = s
	}
	return ddr, nil
}

// NewDropDatabase constructs a new DropDatabase.
func NewDropDatabase() *DropDatabase { return &DropDatabase{} }

// Result returns the result of executing this operation.
func (dd *DropDatabase) Result() DropDatabaseResult { return dd.result }

// Execute runs the operation.
func (dd *DropDatabase) Execute(ctx context.Context) error {
	if dd.deployment == nil {
		return errors.New("operation: DropDatabase must have a Deployment set before Execute can be called")
	}

	op := &driver.Operation{
		CommandFn:    dd.command,
		Database:     dd.database,
		Deployment:   dd.deployment,
		Selector:     dd.selector,
		Session:      dd.session,
		Clock:        dd.clock,
		WriteConcern: dd.writeConcern,
		Type:         driver.Write,
	}

	res, err := op.Execute(ctx)
	if err != nil {
		return err
	}
	dd.result, err = buildDropDatabaseResult(res)
	return err
}

func (dd *DropDatabase) command(dst *bsoncore.DocumentBuilder) error {
	dst.AppendInt32("dropDatabase", 1)
	return nil
}

// Session sets the session for this operation.
func (dd *DropDatabase) Session(sess *session.Client) *DropDatabase {
	dd.session = sess
	return dd
}

// ClusterClock sets the cluster clock for this operation.
func (dd *DropDatabase) ClusterClock(clock *session.ClusterClock) *DropDatabase {
	dd.clock = clock
	return dd
}

// Database sets the database to run this operation against.
func (dd *DropDatabase) Database(database string) *DropDatabase {
	dd.database = database
	return dd
}

// Deployment sets the deployment to use for this operation.
func (dd *DropDatabase) Deployment(deployment driver.Deployment) *DropDatabase {
	dd.deployment = deployment
	return dd
}

// ServerSelector sets the selector used to retrieve a server.
func (dd *DropDatabase) ServerSelector(selector description.ServerSelector) *DropDatabase {
	dd.selector = selector
	return dd
}

// WriteConcern sets the write concern for this operation.
func (dd *DropDatabase) WriteConcern(wc *writeconcern.WriteConcern) *DropDatabase {
	dd.writeConcern = wc
	return dd
}
