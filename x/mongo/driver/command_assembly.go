// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"strconv"
	"time"

	"github.com/mongocore/driver/bson/primitive"
	"github.com/mongocore/driver/mongo/readconcern"
	"github.com/mongocore/driver/mongo/readpref"
	"github.com/mongocore/driver/mongo/writeconcern"
	"github.com/mongocore/driver/x/bsonx/bsoncore"
	"github.com/mongocore/driver/x/mongo/driver/description"
	"github.com/mongocore/driver/x/mongo/driver/session"
)

// addSession appends the "lsid" (and, for a running/committing transaction, "txnNumber" /
// "autocommit" / "startTransaction") fields for client, if the server supports sessions at all.
func addSession(dst *bsoncore.DocumentBuilder, client *session.Client, desc description.SelectedServer) error {
	if client == nil || !description.SessionsSupported(desc.WireVersion) || desc.SessionTimeoutMinutes == 0 {
		return nil
	}
	if client.Terminated {
		return session.ErrSessionEnded
	}

	lsid, err := client.SessionID.MarshalBSON()
	if err != nil {
		return err
	}
	dst.AppendDocument("lsid", lsid)

	if client.TransactionInProgress() || client.TransactionStarting() {
		dst.AppendInt64("txnNumber", client.TxnNumber)
		if client.TransactionStarting() {
			dst.AppendBoolean("startTransaction", true)
		}
		dst.AppendBoolean("autocommit", false)
	}

	return nil
}

// addClusterTime appends the highest "$clusterTime" known to either the session or the shared
// cluster clock, whichever is newer.
func addClusterTime(dst *bsoncore.DocumentBuilder, client *session.Client, clock *session.ClusterClock, desc description.SelectedServer) {
	if !description.SessionsSupported(desc.WireVersion) {
		return
	}
	var clusterTime bsoncore.Document
	if clock != nil {
		clusterTime = clock.GetClusterTime()
	}
	if client != nil {
		clusterTime = session.MaxClusterTime(clusterTime, client.ClusterTime)
	}
	if clusterTime == nil {
		return
	}
	val, err := clusterTime.LookupErr("$clusterTime")
	if err != nil {
		return
	}
	dst.AppendValue("$clusterTime", val)
}

// addReadPreference appends the "$readPreference" hint for deployments where the server this
// command lands on routes it onward (mongos, load balancer) and therefore needs to know the
// caller's preference. Primary mode is the server default and is never sent explicitly.
func addReadPreference(dst *bsoncore.DocumentBuilder, rp *readpref.ReadPref, desc description.SelectedServer) {
	if rp == nil || rp.Mode() == readpref.PrimaryMode {
		return
	}
	if desc.Server.Kind != description.Mongos && desc.Kind != description.LoadBalanced {
		return
	}

	builder := bsoncore.NewDocumentBuilder()
	builder.AppendString("mode", rp.Mode().String())

	if sets := rp.TagSets(); len(sets) > 0 {
		arr, ok := builder.AppendArrayBegin("tags")
		if ok {
			for i, tags := range sets {
				set, setOK := arr.AppendDocumentBegin(strconv.Itoa(i))
				if !setOK {
					continue
				}
				for _, tag := range tags {
					set.AppendString(tag.Name, tag.Value)
				}
				arr.AppendDocumentEnd(set)
			}
			builder.AppendArrayEnd(arr)
		}
	}

	if d, ok := rp.MaxStaleness(); ok {
		builder.AppendInt32("maxStalenessSeconds", int32(d/time.Second))
	}

	doc, ok := builder.Finish()
	if !ok {
		return
	}
	dst.AppendDocument("$readPreference", doc)
}

// addReadConcern appends "readConcern", folding in the session's start-transaction read concern
// and causally-consistent afterClusterTime rules.
func addReadConcern(dst *bsoncore.DocumentBuilder, rc *readconcern.ReadConcern, client *session.Client, desc description.SelectedServer) error {
	if rc == nil && client != nil && client.TransactionStarting() {
		rc = readconcern.New()
	}
	if rc == nil {
		return nil
	}

	_, data, err := rc.MarshalBSONValue()
	if err != nil {
		return err
	}

	if description.SessionsSupported(desc.WireVersion) && client != nil && client.Consistent && client.OperationTime != nil {
		fields, _ := bsoncore.Document(data).Elements()
		merged := bsoncore.NewDocumentBuilder()
		for _, f := range fields {
			merged.AppendValue(f.Key(), f.Value())
		}
		merged.AppendTimestamp("afterClusterTime", client.OperationTime.T, client.OperationTime.I)
		data, _ = merged.Finish()
	}

	dst.AppendDocument("readConcern", bsoncore.Document(data))
	return nil
}

// addWriteConcern appends "writeConcern" unless wc carries nothing worth sending.
func addWriteConcern(dst *bsoncore.DocumentBuilder, wc *writeconcern.WriteConcern) error {
	if wc == nil {
		return nil
	}
	_, data, err := wc.MarshalBSONValue()
	if err == writeconcern.ErrEmptyWriteConcern {
		return nil
	}
	if err != nil {
		return err
	}
	dst.AppendDocument("writeConcern", bsoncore.Document(data))
	return nil
}

// responseClusterTime extracts the "$clusterTime" sub-document from a command reply, or nil if
// absent.
func responseClusterTime(reply bsoncore.Document) bsoncore.Document {
	val, err := reply.LookupErr("$clusterTime")
	if err != nil {
		return nil
	}
	doc, ok := val.Document()
	if !ok {
		return nil
	}
	builder := bsoncore.NewDocumentBuilder()
	builder.AppendDocument("$clusterTime", doc)
	out, _ := builder.Finish()
	return out
}

func updateClusterTimes(sess *session.Client, clock *session.ClusterClock, reply bsoncore.Document) error {
	ct := responseClusterTime(reply)
	if ct == nil {
		return nil
	}
	if sess != nil {
		if err := sess.AdvanceClusterTime(ct); err != nil {
			return err
		}
	}
	if clock != nil {
		clock.AdvanceClusterTime(ct)
	}
	return nil
}

func updateOperationTime(sess *session.Client, reply bsoncore.Document) error {
	if sess == nil {
		return nil
	}
	val, err := reply.LookupErr("operationTime")
	if err != nil {
		return nil
	}
	t, i, ok := val.Timestamp()
	if !ok {
		return nil
	}
	return sess.AdvanceOperationTime(&primitive.Timestamp{T: t, I: i})
}
