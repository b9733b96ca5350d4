// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"github.com/mongocore/driver/x/bsonx/bsoncore"
	"github.com/mongocore/driver/x/mongo/driver/description"
)

// extractError inspects a decoded command reply for ok:0, write errors, or a write concern
// error, returning the appropriate typed error, or nil if the command succeeded cleanly.
func extractError(reply bsoncore.Document) error {
	elems, err := reply.Elements()
	if err != nil {
		return err
	}

	var ok bool
	var errmsg, codeName string
	var code int32
	var labels []string
	var wcErr WriteCommandError
	var topologyVer *description.TopologyVersion

	for _, elem := range elems {
		val := elem.Value()
		switch elem.Key() {
		case "ok":
			ok = isOKValue(val)
		case "errmsg":
			errmsg, _ = val.StringValue()
		case "codeName":
			codeName, _ = val.StringValue()
		case "code":
			code = asInt32Value(val)
		case "topologyVersion":
			if doc, isDoc := val.Document(); isDoc {
				topologyVer = description.ParseTopologyVersion(doc)
			}
		case "errorLabels":
			if arr, isArr := val.Array(); isArr {
				vals, verr := arr.Values()
				if verr == nil {
					for _, v := range vals {
						if s, isStr := v.StringValue(); isStr {
							labels = append(labels, s)
						}
					}
				}
			}
		case "writeErrors":
			if arr, isArr := val.Array(); isArr {
				vals, verr := arr.Values()
				if verr == nil {
					for _, v := range vals {
						if doc, isDoc := v.Document(); isDoc {
							wcErr.WriteErrors = append(wcErr.WriteErrors, parseWriteError(doc))
						}
					}
				}
			}
		case "writeConcernError":
			if doc, isDoc := val.Document(); isDoc {
				wce := parseWriteConcernError(doc)
				wcErr.WriteConcernError = &wce
			}
		}
	}

	if !ok {
		if errmsg == "" {
			errmsg = "command failed"
		}
		return Error{Code: code, Message: errmsg, Name: codeName, Labels: labels, Raw: reply, TopologyVer: topologyVer}
	}

	if len(wcErr.WriteErrors) > 0 || wcErr.WriteConcernError != nil {
		wcErr.Labels = labels
		return wcErr
	}

	return nil
}

func parseWriteError(doc bsoncore.Document) WriteError {
	var we WriteError
	if v, err := doc.LookupErr("index"); err == nil {
		we.Index = asInt64Value(v)
	}
	if v, err := doc.LookupErr("code"); err == nil {
		we.Code = asInt64Value(v)
	}
	if v, err := doc.LookupErr("errmsg"); err == nil {
		we.Message, _ = v.StringValue()
	}
	return we
}

func parseWriteConcernError(doc bsoncore.Document) WriteConcernError {
	var wce WriteConcernError
	if v, err := doc.LookupErr("code"); err == nil {
		wce.Code = asInt64Value(v)
	}
	if v, err := doc.LookupErr("codeName"); err == nil {
		wce.Name, _ = v.StringValue()
	}
	if v, err := doc.LookupErr("errmsg"); err == nil {
		wce.Message, _ = v.StringValue()
	}
	if v, err := doc.LookupErr("errInfo"); err == nil {
		if d, ok := v.Document(); ok {
			wce.Details = d
		}
	}
	return wce
}

func isOKValue(v bsoncore.Value) bool {
	switch v.Type {
	case bsoncore.TypeInt32:
		i, _ := v.Int32()
		return i == 1
	case bsoncore.TypeInt64:
		i, _ := v.Int64()
		return i == 1
	case bsoncore.TypeDouble:
		f, _ := v.Double()
		return f == 1
	}
	return false
}

func asInt32Value(v bsoncore.Value) int32 {
	switch v.Type {
	case bsoncore.TypeInt32:
		i, _ := v.Int32()
		return i
	case bsoncore.TypeInt64:
		i, _ := v.Int64()
		return int32(i)
	case bsoncore.TypeDouble:
		f, _ := v.Double()
		return int32(f)
	}
	return 0
}

func asInt64Value(v bsoncore.Value) int64 {
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
