// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package operation holds one AppendCommandFn builder per wire command this driver issues,
// keeping the command-document shape separate from the generic dispatch logic in package driver.
package operation

import (
	"context"
	"runtime"
	"strconv"

	"github.com/mongocore/driver/x/bsonx/bsoncore"
	"github.com/mongocore/driver/x/mongo/driver"
	"github.com/mongocore/driver/x/mongo/driver/address"
	"github.com/mongocore/driver/x/mongo/driver/description"
	"github.com/mongocore/driver/x/mongo/driver/session"
)

const driverName = "mongocore-driver"

// clientMetadata renders the `client` sub-document sent with every hello call,
// identifying this driver and its runtime to the server.
func clientMetadata(appName string) bsoncore.Document {
	builder := bsoncore.NewDocumentBuilder()
	if appName != "" {
		app, ok := builder.AppendDocumentBegin("application")
		if ok {
			app.AppendString("name", appName)
			builder.AppendDocumentEnd(app)
		}
	}
	if driverDoc, ok := builder.AppendDocumentBegin("driver"); ok {
		driverDoc.AppendString("name", driverName)
		driverDoc.AppendString("version", "0.1.0")
		builder.AppendDocumentEnd(driverDoc)
	}
	if osDoc, ok := builder.AppendDocumentBegin("os"); ok {
		osDoc.AppendString("type", runtime.GOOS)
		osDoc.AppendString("architecture", runtime.GOARCH)
		builder.AppendDocumentEnd(osDoc)
	}
	builder.AppendString("platform", runtime.Version())
	doc, _ := builder.Finish()
	return doc
}

// AppendHello builds the `hello` handshake command: server identity, supported compressors, and
// client metadata. When loadBalanced is true the command also requests loadBalanced:true per the
// load balancer spec.
func AppendHello(appName string, compressors []string, loadBalanced bool) func(*bsoncore.DocumentBuilder) error {
	return func(dst *bsoncore.DocumentBuilder) error {
		dst.AppendInt32("hello", 1)
		dst.AppendDocument("client", clientMetadata(appName))
		if len(compressors) > 0 {
			arr, ok := dst.AppendArrayBegin("compression")
			if ok {
				for i, c := range compressors {
					arr.AppendString(strconv.Itoa(i), c)
				}
				dst.AppendArrayEnd(arr)
			}
		}
		if loadBalanced {
			dst.AppendBoolean("loadBalanced", true)
		}
		return nil
	}
}

// Hello performs the monitoring handshake used by the topology package's heartbeat loop: it runs
// the hello command and converts the raw reply into a description.Server.
type Hello struct {
	appName      string
	compressors  []string
	loadBalanced bool
	clock        *session.ClusterClock
	deployment   driver.Deployment

	result bsoncore.Document
}

// NewHello constructs a Hello command.
func NewHello(appName string, compressors []string, loadBalanced bool) *Hello {
	return &Hello{appName: appName, compressors: compressors, loadBalanced: loadBalanced}
}

// ClusterClock sets the cluster clock advanced from the reply's $clusterTime.
func (h *Hello) ClusterClock(clock *session.ClusterClock) *Hello {
	h.clock = clock
	return h
}

// Deployment sets the deployment the command is executed against.
func (h *Hello) Deployment(deployment driver.Deployment) *Hello {
	h.deployment = deployment
	return h
}

// Execute runs the hello command.
func (h *Hello) Execute(ctx context.Context) error {
	op := &driver.Operation{
		CommandFn:  AppendHello(h.appName, h.compressors, h.loadBalanced),
		Database:   "admin",
		Deployment: h.deployment,
		Clock:      h.clock,
		Type:       driver.Read,
	}
	res, err := op.Execute(ctx)
	if err != nil {
		return err
	}
	h.result = res
	return nil
}

// Result converts the last reply into a description.Server for addr. The measured RTT is left
// zero; callers that care about latency (the topology monitor) time the call themselves and
// overwrite RTT/RTTSet on the returned value.
func (h *Hello) Result(addr address.Address) (description.Server, error) {
	return description.NewServer(addr, 0, false, h.result)
}
