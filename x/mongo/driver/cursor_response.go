// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"fmt"
	"strings"

	"github.com/mongocore/driver/x/bsonx/bsoncore"
	"github.com/mongocore/driver/x/mongo/driver/address"
)

// CursorResponse is the decoded shape of any cursor-returning reply (find, aggregate,
// listCollections, listIndexes, ...): the server-assigned cursor id, the namespace it reads
// from, the first batch of documents, and -- for change streams -- the post-batch resume token.
type CursorResponse struct {
	Server               address.Address
	ID                   int64
	Namespace            Namespace
	FirstBatch           []bsoncore.Document
	PostBatchResumeToken bsoncore.Document
	OperationTime        bsoncore.Value
}

// NewCursorResponse parses the "cursor" sub-document out of a command reply, recording which
// server it came from so the caller can bind a follow-up getMore/killCursors to it.
func NewCursorResponse(reply bsoncore.Document, server address.Address) (CursorResponse, error) {
	val, err := reply.LookupErr("cursor")
	if err != nil {
		return CursorResponse{}, fmt.Errorf("driver: reply carried no cursor field: %w", err)
	}
	cursorDoc, ok := val.Document()
	if !ok {
		return CursorResponse{}, fmt.Errorf("driver: cursor field is not a document")
	}

	resp := CursorResponse{Server: server}
	if v, err := reply.LookupErr("operationTime"); err == nil {
		resp.OperationTime = v
	}

	elems, err := cursorDoc.Elements()
	if err != nil {
		return CursorResponse{}, err
	}
	for _, elem := range elems {
		switch elem.Key() {
		case "id":
			resp.ID = asInt64Value(elem.Value())
		case "ns":
			ns, _ := elem.Value().StringValue()
			resp.Namespace = parseNamespace(ns)
		case "firstBatch", "nextBatch":
			arr, isArr := elem.Value().Array()
			if !isArr {
				continue
			}
			vals, verr := arr.Values()
			if verr != nil {
				return CursorResponse{}, verr
			}
			for _, v := range vals {
				doc, isDoc := v.Document()
				if !isDoc {
					return CursorResponse{}, fmt.Errorf("driver: batch element is not a document")
				}
				resp.FirstBatch = append(resp.FirstBatch, doc)
			}
		case "postBatchResumeToken":
			if doc, isDoc := elem.Value().Document(); isDoc {
				resp.PostBatchResumeToken = doc
			}
		}
	}
	return resp, nil
}

func parseNamespace(ns string) Namespace {
	idx := strings.Index(ns, ".")
	if idx < 0 {
		return Namespace{DB: ns}
	}
	return Namespace{DB: ns[:idx], Collection: ns[idx+1:]}
}
