// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"

	"github.com/mongocore/driver/x/mongo/driver/description"
)

// SingleConnectionDeployment adapts a single already-established Connection into a Deployment,
// so the generic Operation dispatcher can run a command (e.g. the monitoring hello) over it
// without going through server selection.
type SingleConnectionDeployment struct {
	Conn Connection
}

// SelectServer implements Deployment; it always returns the same wrapped connection regardless
// of selector.
func (d SingleConnectionDeployment) SelectServer(context.Context, description.ServerSelector) (Server, error) {
	return singleConnectionServer{conn: d.Conn}, nil
}

// Description implements Deployment with a minimal single-server topology snapshot.
func (d SingleConnectionDeployment) Description() description.Topology {
	return description.Topology{Kind: description.Single, Servers: []description.Server{d.Conn.Description()}}
}

type singleConnectionServer struct {
	conn Connection
}

func (s singleConnectionServer) Connection(context.Context) (Connection, error) {
	return noCloseConnection{s.conn}, nil
}

// noCloseConnection suppresses Close so Operation.Execute's `defer conn.Close()` doesn't tear
// down a connection the caller (e.g. the topology monitor's heartbeat loop) intends to reuse.
type noCloseConnection struct {
	Connection
}

func (noCloseConnection) Close() error { return nil }
