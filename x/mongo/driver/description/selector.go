// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"errors"
	"time"

	"github.com/mongocore/driver/x/mongo/driver/address"
)

// ErrServerSelectionTimeout is returned by a selection loop when no server matches within the
// configured timeout.
var ErrServerSelectionTimeout = errors.New("description: server selection timeout")

// smallestMaxStaleness is the lowest maxStalenessSeconds value a caller may configure, in
// seconds. Below this the staleness estimate is dominated by measurement noise.
const smallestMaxStaleness = 90

// idleWritePeriod is how often an idle primary writes a no-op to its oplog, which bounds how
// precise any staleness estimate can be.
const idleWritePeriod = 10 * time.Second

// ErrMaxStalenessTooSmall is returned when a configured max staleness is below the smallest
// value the estimate supports.
var ErrMaxStalenessTooSmall = errors.New("description: maxStalenessSeconds is below the minimum supported value")

// ServerSelector filters a Topology's servers down to the set eligible for a given operation.
// A selector that returns an empty slice with a nil error means "no eligible server yet, keep
// waiting for the topology to change" -- it is not itself an error.
type ServerSelector interface {
	SelectServer(Topology, []Server) ([]Server, error)
}

// ServerSelectorFunc adapts a plain function to the ServerSelector interface.
type ServerSelectorFunc func(Topology, []Server) ([]Server, error)

// SelectServer implements ServerSelector.
func (f ServerSelectorFunc) SelectServer(t Topology, svrs []Server) ([]Server, error) {
	return f(t, svrs)
}

// CompositeSelector chains selectors, feeding each one's output into the next. It is used to
// combine, e.g., a read-preference filter with a latency filter.
type CompositeSelector struct {
	Selectors []ServerSelector
}

// SelectServer implements ServerSelector.
func (cs *CompositeSelector) SelectServer(t Topology, svrs []Server) ([]Server, error) {
	var err error
	for _, sel := range cs.Selectors {
		svrs, err = sel.SelectServer(t, svrs)
		if err != nil {
			return nil, err
		}
	}
	return svrs, nil
}

// WriteSelector selects the servers eligible to receive a write: the primary in a replica set,
// or any known server for standalone/sharded/load-balanced deployments.
type WriteSelector struct{}

// SelectServer implements ServerSelector.
func (WriteSelector) SelectServer(t Topology, svrs []Server) ([]Server, error) {
	switch t.Kind {
	case Sharded, Single, LoadBalanced:
		return svrs, nil
	default:
		out := make([]Server, 0, 1)
		for _, s := range svrs {
			if s.Kind == RSPrimary {
				out = append(out, s)
			}
		}
		return out, nil
	}
}

// AddressSelector pins selection to the single known server at Addr, regardless of read
// preference or latency. A cursor uses this to bind its getMore and killCursors commands to
// whichever server returned the cursor id -- the cursor cannot resume against a different
// server.
type AddressSelector struct {
	Addr address.Address
}

// SelectServer implements ServerSelector. It returns no candidates (not an error) if addr is no
// longer present in the topology, e.g. because the server went Unknown and was dropped.
func (as AddressSelector) SelectServer(_ Topology, svrs []Server) ([]Server, error) {
	for _, s := range svrs {
		if s.Addr == as.Addr {
			return []Server{s}, nil
		}
	}
	return nil, nil
}

// LatencySelector narrows candidates to those within Window of the fastest candidate's round
// trip time, implementing the "local threshold" rule from server selection.
type LatencySelector struct {
	Window time.Duration
}

// NewLatencySelector constructs a LatencySelector with the given window.
func NewLatencySelector(window time.Duration) *LatencySelector {
	return &LatencySelector{Window: window}
}

// SelectServer implements ServerSelector.
func (ls *LatencySelector) SelectServer(_ Topology, svrs []Server) ([]Server, error) {
	if len(svrs) < 2 {
		return svrs, nil
	}
	min := svrs[0].RTT
	for _, s := range svrs[1:] {
		if s.RTTSet && (min == 0 || s.RTT < min) {
			min = s.RTT
		}
	}
	threshold := min + ls.Window
	out := make([]Server, 0, len(svrs))
	for _, s := range svrs {
		if s.RTT <= threshold {
			out = append(out, s)
		}
	}
	return out, nil
}

// TagSetSelector narrows candidates to those matching at least one Tags alternative in Sets, in
// order; an empty Sets always matches everything.
type TagSetSelector struct {
	Sets TagSet
}

// SelectServer implements ServerSelector.
func (ts TagSetSelector) SelectServer(_ Topology, svrs []Server) ([]Server, error) {
	if len(ts.Sets) == 0 {
		return svrs, nil
	}
	for _, want := range ts.Sets {
		out := make([]Server, 0, len(svrs))
		for _, s := range svrs {
			if s.Tags.ContainsAll(want) {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out, nil
		}
	}
	return nil, nil
}

// DeprioritizedSelector moves the listed servers to the back of the line: candidates not in
// Deprioritized are preferred, but if filtering would leave nothing, the full candidate list is
// restored, since deprioritization is best-effort only. It applies only to sharded topologies;
// for every other shape the deprioritized set is ignored, because there is no equivalent server
// to fail over to.
type DeprioritizedSelector struct {
	Deprioritized []address.Address
}

// SelectServer implements ServerSelector.
func (ds DeprioritizedSelector) SelectServer(t Topology, svrs []Server) ([]Server, error) {
	if t.Kind != Sharded || len(ds.Deprioritized) == 0 {
		return svrs, nil
	}

	skip := make(map[address.Address]bool, len(ds.Deprioritized))
	for _, addr := range ds.Deprioritized {
		skip[addr] = true
	}

	preferred := make([]Server, 0, len(svrs))
	for _, s := range svrs {
		if !skip[s.Addr] {
			preferred = append(preferred, s)
		}
	}
	if len(preferred) == 0 {
		return svrs, nil
	}
	return preferred, nil
}

// StalenessSelector drops secondaries whose estimated replication lag, relative to the
// freshest secondary (or the primary, if one is known), exceeds MaxStaleness.
type StalenessSelector struct {
	MaxStaleness       time.Duration
	HeartbeatFrequency time.Duration
}

// SelectServer implements ServerSelector.
func (ss StalenessSelector) SelectServer(t Topology, svrs []Server) ([]Server, error) {
	if ss.MaxStaleness == 0 {
		return svrs, nil
	}
	if ss.MaxStaleness < smallestMaxStaleness*time.Second ||
		ss.MaxStaleness < ss.HeartbeatFrequency+idleWritePeriod {
		return nil, ErrMaxStalenessTooSmall
	}

	var primary *Server
	for i := range t.Servers {
		if t.Servers[i].Kind == RSPrimary {
			primary = &t.Servers[i]
			break
		}
	}

	var freshestSecondaryWrite time.Time
	for _, s := range t.Servers {
		if s.Kind == RSSecondary && s.LastWriteTime.After(freshestSecondaryWrite) {
			freshestSecondaryWrite = s.LastWriteTime
		}
	}

	out := make([]Server, 0, len(svrs))
	for _, s := range svrs {
		if s.Kind != RSSecondary {
			out = append(out, s)
			continue
		}
		var staleness time.Duration
		if primary != nil {
			staleness = s.LastUpdateTime.Sub(s.LastWriteTime) -
				primary.LastUpdateTime.Sub(primary.LastWriteTime) + ss.HeartbeatFrequency
		} else {
			staleness = freshestSecondaryWrite.Sub(s.LastWriteTime) + ss.HeartbeatFrequency
		}
		if staleness <= ss.MaxStaleness {
			out = append(out, s)
		}
	}
	return out, nil
}
