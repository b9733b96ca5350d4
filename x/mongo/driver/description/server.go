// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description holds the immutable server and topology description types produced by
// the SDAM monitoring loop, plus the comparisons (topology version, election) that decide
// whether a new description supersedes an old one.
package description

import (
	"fmt"
	"time"

	"github.com/mongocore/driver/bson/primitive"
	"github.com/mongocore/driver/x/bsonx/bsoncore"
	"github.com/mongocore/driver/x/mongo/driver/address"
)

// ServerKind represents the type of a single server, as determined from its hello reply.
type ServerKind uint32

// ServerKind constants.
const (
	Unknown ServerKind = iota
	Standalone
	Mongos
	PossiblePrimary
	RSPrimary
	RSSecondary
	RSArbiter
	RSOther
	RSGhost
	LoadBalancer
)

// String implements fmt.Stringer.
func (kind ServerKind) String() string {
	switch kind {
	case Standalone:
		return "Standalone"
	case Mongos:
		return "Mongos"
	case PossiblePrimary:
		return "PossiblePrimary"
	case RSPrimary:
		return "RSPrimary"
	case RSSecondary:
		return "RSSecondary"
	case RSArbiter:
		return "RSArbiter"
	case RSOther:
		return "RSOther"
	case RSGhost:
		return "RSGhost"
	case LoadBalancer:
		return "LoadBalancer"
	default:
		return "Unknown"
	}
}

// TopologyVersion mirrors the server's topologyVersion field, used to suppress stale monitoring
// results: a new description is only applied if its topology version is at least as new as what
// is already known.
type TopologyVersion struct {
	ProcessID primitive.ObjectID
	Counter   int64
}

// CompareTopologyVersion compares two topology versions, returning -1, 0, or 1 the way a
// comparator function is expected to. A nil receiver and/or argument with a differing ProcessID
// is considered "newer" (returns 1), matching the server's own suppression rule: a topology
// version with a different process id can never be stale, because the server process restarted.
func CompareTopologyVersion(v1, v2 *TopologyVersion) int {
	if v1 == nil || v2 == nil {
		return 1
	}
	if v1.ProcessID != v2.ProcessID {
		return 1
	}
	switch {
	case v1.Counter < v2.Counter:
		return -1
	case v1.Counter > v2.Counter:
		return 1
	default:
		return 0
	}
}

// VersionRange is an inclusive [Min, Max] range of supported wire protocol versions.
type VersionRange struct {
	Min int32
	Max int32
}

// NewVersionRange constructs a VersionRange from the given bounds.
func NewVersionRange(min, max int32) VersionRange { return VersionRange{Min: min, Max: max} }

// Includes reports whether v is within the range.
func (vr VersionRange) Includes(v int32) bool { return v >= vr.Min && v <= vr.Max }

// Server is an immutable snapshot of a single server's state, as last reported by a hello (or
// legacy isMaster) call. A fresh Server value replaces the old one atomically; nothing here is
// ever mutated in place.
type Server struct {
	Addr address.Address

	Kind    ServerKind
	Error   error
	Members []address.Address

	CanonicalAddr address.Address
	Hosts         []address.Address
	Passives      []address.Address
	Arbiters      []address.Address
	Tags          Tags

	SetName    string
	SetVersion uint64
	ElectionID primitive.ObjectID
	Primary    address.Address
	Me         address.Address

	WireVersion       *VersionRange
	HeartbeatInterval time.Duration
	LastWriteTime     time.Time
	LastUpdateTime    time.Time
	RTT               time.Duration
	RTTSet            bool

	Compressors           []string
	SessionTimeoutMinutes uint32

	TopologyVersion *TopologyVersion
	ServiceID       *primitive.ObjectID // set only behind a load balancer

	ReadOnly bool
}

// NewDefaultServer returns the zero-value Server description for addr: Kind Unknown, no error,
// used to seed a topology before the first monitoring round-trip completes.
func NewDefaultServer(addr address.Address) Server {
	return Server{Addr: addr, Kind: Unknown, LastUpdateTime: time.Now()}
}

// NewServerFromError returns a Server description representing a failed check: Kind Unknown,
// Error set, and the last-known topology version carried forward so CompareTopologyVersion can
// still suppress a stale retry of the same failure.
func NewServerFromError(addr address.Address, err error, tv *TopologyVersion) Server {
	return Server{
		Addr:            addr,
		Kind:            Unknown,
		Error:           err,
		TopologyVersion: tv,
		LastUpdateTime:  time.Now(),
	}
}

// NewServer parses a hello reply document into a Server description for addr. rtt is the
// measured round-trip time of the hello call.
func NewServer(addr address.Address, rtt time.Duration, rttSet bool, reply bsoncore.Document) (Server, error) {
	desc := Server{
		Addr:           addr,
		Kind:           Standalone,
		LastUpdateTime: time.Now(),
		RTT:            rtt,
		RTTSet:         rttSet,
		CanonicalAddr:  addr,
	}

	elems, err := reply.Elements()
	if err != nil {
		return Server{}, fmt.Errorf("description: invalid hello reply: %w", err)
	}

	var isReplicaSet, isWritablePrimary, hidden, secondary, arbiterOnly bool
	var minWireVersion, maxWireVersion int32

	for _, elem := range elems {
		key := elem.Key()
		val := elem.Value()
		switch key {
		case "ok":
			if f, ok := val.Double(); ok && f != 1 {
				return Server{}, fmt.Errorf("description: hello reply not ok")
			}
		case "ismaster", "isWritablePrimary":
			b, _ := val.Boolean()
			isWritablePrimary = isWritablePrimary || b
		case "secondary":
			secondary, _ = val.Boolean()
		case "hidden":
			hidden, _ = val.Boolean()
		case "setName":
			desc.SetName, _ = val.StringValue()
			isReplicaSet = true
		case "setVersion":
			desc.SetVersion = asUint64(val)
		case "electionId":
			if oid, ok := val.ObjectID(); ok {
				desc.ElectionID = oid
			}
		case "primary":
			if s, ok := val.StringValue(); ok {
				desc.Primary = address.Address(s)
			}
		case "me":
			if s, ok := val.StringValue(); ok {
				desc.Me = address.Address(s)
			}
		case "arbiterOnly":
			arbiterOnly, _ = val.Boolean()
		case "isreplicaset":
			b, _ := val.Boolean()
			if b {
				desc.Kind = RSGhost
			}
		case "msg":
			if s, ok := val.StringValue(); ok && s == "isdbgrid" {
				desc.Kind = Mongos
			}
		case "hosts":
			desc.Hosts = parseAddressArray(val)
		case "passives":
			desc.Passives = parseAddressArray(val)
		case "arbiters":
			desc.Arbiters = parseAddressArray(val)
		case "tags":
			desc.Tags = parseTags(val)
		case "minWireVersion":
			minWireVersion = asInt32(val)
		case "maxWireVersion":
			maxWireVersion = asInt32(val)
		case "compression":
			desc.Compressors = parseStringArray(val)
		case "logicalSessionTimeoutMinutes":
			desc.SessionTimeoutMinutes = uint32(asUint64(val))
		case "lastWrite":
			if sub, ok := val.Document(); ok {
				if lw, err := sub.LookupErr("lastWriteDate"); err == nil {
					if dt, ok := lw.DateTime(); ok {
						desc.LastWriteTime = time.UnixMilli(dt)
					}
				}
			}
		case "topologyVersion":
			if sub, ok := val.Document(); ok {
				desc.TopologyVersion = ParseTopologyVersion(sub)
			}
		case "serviceId":
			if oid, ok := val.ObjectID(); ok {
				desc.ServiceID = &oid
			}
		case "readOnly":
			desc.ReadOnly, _ = val.Boolean()
		}
	}

	desc.WireVersion = &VersionRange{Min: minWireVersion, Max: maxWireVersion}

	switch {
	case desc.ServiceID != nil:
		// A serviceId is only reported behind a load balancer; the "server" we dialed is the
		// balancer itself.
		desc.Kind = LoadBalancer
	case desc.Kind == Mongos:
		// already set above
	case isReplicaSet:
		switch {
		case isWritablePrimary:
			desc.Kind = RSPrimary
		case hidden:
			desc.Kind = RSOther
		case secondary:
			desc.Kind = RSSecondary
		case arbiterOnly:
			desc.Kind = RSArbiter
		default:
			desc.Kind = RSOther
		}
	case desc.Kind == RSGhost:
		// leave as-is, set above from isreplicaset without setName
	default:
		desc.Kind = Standalone
	}

	return desc, nil
}

// ParseTopologyVersion decodes a topologyVersion sub-document, as found on hello replies and on
// not-primary/node-is-recovering error responses alike.
func ParseTopologyVersion(doc bsoncore.Document) *TopologyVersion {
	tv := &TopologyVersion{}
	if v, err := doc.LookupErr("processId"); err == nil {
		if oid, ok := v.ObjectID(); ok {
			tv.ProcessID = oid
		}
	}
	if v, err := doc.LookupErr("counter"); err == nil {
		tv.Counter = int64(asUint64(v))
	}
	return tv
}

func parseAddressArray(val bsoncore.Value) []address.Address {
	arr, ok := val.Array()
	if !ok {
		return nil
	}
	values, err := arr.Values()
	if err != nil {
		return nil
	}
	out := make([]address.Address, 0, len(values))
	for _, v := range values {
		if s, ok := v.StringValue(); ok {
			out = append(out, address.Address(s).Canonicalize())
		}
	}
	return out
}

func parseStringArray(val bsoncore.Value) []string {
	arr, ok := val.Array()
	if !ok {
		return nil
	}
	values, err := arr.Values()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.StringValue(); ok {
			out = append(out, s)
		}
	}
	return out
}

func parseTags(val bsoncore.Value) Tags {
	doc, ok := val.Document()
	if !ok {
		return nil
	}
	elems, err := doc.Elements()
	if err != nil {
		return nil
	}
	tags := make(Tags, 0, len(elems))
	for _, elem := range elems {
		if s, ok := elem.Value().StringValue(); ok {
			tags = append(tags, Tag{Name: elem.Key(), Value: s})
		}
	}
	return tags
}

func asInt32(v bsoncore.Value) int32 {
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

func asUint64(v bsoncore.Value) uint64 {
	switch v.Type {
	case bsoncore.TypeInt32:
		i, _ := v.Int32()
		return uint64(i)
	case bsoncore.TypeInt64:
		i, _ := v.Int64()
		return uint64(i)
	case bsoncore.TypeDouble:
		f, _ := v.Double()
		return uint64(f)
	}
	return 0
}
