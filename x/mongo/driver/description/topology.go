// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"fmt"
	"time"

	"github.com/mongocore/driver/bson/primitive"
	"github.com/mongocore/driver/x/mongo/driver/address"
)

// TopologyKind represents the overall shape of a deployment, as inferred from the servers
// discovered within it.
type TopologyKind uint32

// TopologyKind constants.
const (
	Unset TopologyKind = iota
	Single
	ReplicaSet
	ReplicaSetNoPrimary
	ReplicaSetWithPrimary
	Sharded
	LoadBalanced
)

// String implements fmt.Stringer.
func (kind TopologyKind) String() string {
	switch kind {
	case Single:
		return "Single"
	case ReplicaSet:
		return "ReplicaSet"
	case ReplicaSetNoPrimary:
		return "ReplicaSetNoPrimary"
	case ReplicaSetWithPrimary:
		return "ReplicaSetWithPrimary"
	case Sharded:
		return "Sharded"
	case LoadBalanced:
		return "LoadBalanced"
	default:
		return "Unset"
	}
}

// SelectedServer pairs a chosen Server description with the TopologyKind it was selected out
// of, since some selection rules (e.g. read preference enforcement) depend on topology shape.
type SelectedServer struct {
	Server
	Kind TopologyKind
}

// Wire versions this client can speak. A server whose advertised range does not overlap
// [MinSupportedWireVersion, MaxSupportedWireVersion] renders the whole topology incompatible
// until it goes away.
const (
	MinSupportedWireVersion = 6
	MaxSupportedWireVersion = 21
)

// electionIDFirstWireVersion is the wire version (MongoDB 6.0) at which primaries started
// guaranteeing monotonic election ids, flipping the primary-acceptance comparison from
// (setVersion, electionId) ordering to (electionId, setVersion).
const electionIDFirstWireVersion = 17

// Topology is an immutable snapshot of the discovered state of an entire deployment: every
// known server, the inferred TopologyKind, and the replica set metadata (set name, max election
// id/version seen so far) needed to evaluate subsequent updates.
type Topology struct {
	Kind                  TopologyKind
	Servers               []Server
	SetName               string
	MaxElectionID         primitive.ObjectID
	MaxSetVersion         uint64
	SessionTimeoutMinutes uint32
	CompatibilityErr      error
	Stale                 bool
}

// Server looks up the description for addr, returning ok=false if addr is not known.
func (t Topology) Server(addr address.Address) (Server, bool) {
	for _, s := range t.Servers {
		if s.Addr == addr {
			return s, true
		}
	}
	return Server{}, false
}

// Apply computes the new Topology that results from observing a fresh server description,
// implementing the SDAM state-transition table: it updates the member list, reconciles replica
// set metadata, and derives the resulting TopologyKind. The receiver is never mutated; Apply
// always returns a new value.
func (t Topology) Apply(s Server) Topology {
	if t.Kind == Single {
		// A Single topology never changes shape; it always has exactly one server, and that
		// server's description is simply replaced.
		t.Servers = []Server{s}
		return t.finalize()
	}

	existing, ok := t.Server(s.Addr)
	if !ok {
		// The server was already removed (e.g. by a prior "me" mismatch) or was never part of
		// this topology; ignore stray updates from a monitor that hasn't been stopped yet.
		return t
	}

	// Suppress the update entirely when the server already reported a strictly newer
	// topologyVersion: the incoming hello raced a fresher one and lost.
	if CompareTopologyVersion(s.TopologyVersion, existing.TopologyVersion) < 0 {
		return t
	}

	switch t.Kind {
	case Sharded:
		return t.applySharded(s).finalize()
	case Unset, ReplicaSetNoPrimary, ReplicaSetWithPrimary, ReplicaSet:
		return t.applyReplicaSet(s).finalize()
	case LoadBalanced:
		return t.replace(s).finalize()
	default:
		return t
	}
}

// finalize recomputes the derived fields every update may perturb: the topology-wide session
// timeout and the wire-version compatibility error.
func (t Topology) finalize() Topology {
	t = t.aggregateSessionTimeout()
	t.CompatibilityErr = t.checkCompatibility()
	return t
}

// checkCompatibility verifies every known (non-Unknown) server overlaps this client's supported
// wire version range; server selection refuses to run while this returns non-nil.
func (t Topology) checkCompatibility() error {
	for _, s := range t.Servers {
		if s.Kind == Unknown || s.WireVersion == nil {
			continue
		}
		if s.WireVersion.Min > MaxSupportedWireVersion {
			return fmt.Errorf(
				"description: server at %s requires wire version %d, but this client only supports up to %d",
				s.Addr, s.WireVersion.Min, MaxSupportedWireVersion)
		}
		if s.WireVersion.Max < MinSupportedWireVersion {
			return fmt.Errorf(
				"description: server at %s reports wire version %d, but this client requires at least %d",
				s.Addr, s.WireVersion.Max, MinSupportedWireVersion)
		}
	}
	return nil
}

func (t Topology) replace(s Server) Topology {
	servers := make([]Server, len(t.Servers))
	copy(servers, t.Servers)
	for i := range servers {
		if servers[i].Addr == s.Addr {
			servers[i] = s
		}
	}
	t.Servers = servers
	return t
}

func (t Topology) applySharded(s Server) Topology {
	if s.Kind != Unknown && s.Kind != Mongos {
		// A non-mongos, non-unknown server showing up in a sharded cluster is a misconfiguration;
		// drop it rather than letting it corrupt the topology kind.
		return t.removeServer(s.Addr)
	}
	t = t.replace(s)
	t.Kind = Sharded
	return t
}

// applyReplicaSet implements the bulk of the replica-set transition table: primary discovery,
// "me" mismatch handling, and stale election/config rejection.
func (t Topology) applyReplicaSet(s Server) Topology {
	switch s.Kind {
	case RSPrimary:
		return t.applyPrimary(s)
	case RSSecondary, RSArbiter, RSOther:
		return t.applyNonPrimaryMember(s)
	case RSGhost:
		t = t.replace(s)
		return t.recomputeKind()
	case Mongos:
		if t.Kind == Unset {
			// A mongos showing up before we've seen anything else means this deployment is a
			// sharded cluster, not a replica set; adopt its shape rather than discarding the
			// sighting.
			t = t.replace(s)
			t.Kind = Sharded
			return t
		}
		return t.removeServer(s.Addr)
	case Standalone:
		if t.Kind == Unset && len(t.Servers) == 1 {
			t = t.replace(s)
			t.Kind = Single
			return t
		}
		return t.removeServer(s.Addr)
	default:
		// Unknown (a failed check) or a kind this topology can't host; just record it.
		t = t.replace(s)
		return t.recomputeKind()
	}
}

func (t Topology) applyPrimary(s Server) Topology {
	if t.SetName != "" && t.SetName != s.SetName {
		// The server's set name doesn't match ours; it belongs to a different deployment.
		return t.removeServer(s.Addr)
	}

	if !electionSupersedes(t, s) {
		// A stale primary report from an old election; ignore it entirely rather than risk
		// demoting the current primary based on outdated information.
		return t
	}

	// Demote any other server we currently believe is primary: only one RSPrimary may exist.
	servers := make([]Server, 0, len(t.Servers))
	for _, existing := range t.Servers {
		if existing.Addr != s.Addr && existing.Kind == RSPrimary {
			existing.Kind = Unknown
		}
		servers = append(servers, existing)
	}
	t.Servers = servers
	t = t.replace(s)

	t.SetName = s.SetName
	if !s.ElectionID.IsZero() && s.ElectionID.Hex() > t.MaxElectionID.Hex() {
		t.MaxElectionID = s.ElectionID
	}
	if s.SetVersion > t.MaxSetVersion {
		t.MaxSetVersion = s.SetVersion
	}

	t = t.reconcileMembership(s)
	return t.recomputeKind()
}

func (t Topology) applyNonPrimaryMember(s Server) Topology {
	if t.SetName != "" && t.SetName != s.SetName {
		return t.removeServer(s.Addr)
	}
	if s.Me != "" && s.Me != s.Addr {
		// The "me" field disagrees with the address we dialed; the member is misconfigured or
		// we reached it via a stale alias. Drop it rather than trust its self-reported identity.
		return t.removeServer(s.Addr)
	}
	t = t.replace(s)
	return t.recomputeKind()
}

// electionSupersedes reports whether a primary claim from s is at least as new as the
// topology's current (electionId, setVersion) maxima. Servers at wire version 17+ guarantee
// monotonic election ids, so the election id is the primary sort key there; older servers only
// guarantee monotonic set versions, so those compare setVersion first with electionId as the
// tiebreak.
func electionSupersedes(t Topology, s Server) bool {
	if t.MaxSetVersion == 0 && t.MaxElectionID.IsZero() {
		return true
	}

	if s.WireVersion != nil && s.WireVersion.Max >= electionIDFirstWireVersion {
		switch {
		case s.ElectionID.Hex() < t.MaxElectionID.Hex():
			return false
		case s.ElectionID.Hex() > t.MaxElectionID.Hex():
			return true
		default:
			return s.SetVersion >= t.MaxSetVersion
		}
	}

	switch {
	case s.SetVersion < t.MaxSetVersion:
		return false
	case s.SetVersion > t.MaxSetVersion:
		return true
	default:
		return s.ElectionID.Hex() >= t.MaxElectionID.Hex()
	}
}

// reconcileMembership adds any host the primary reports that we don't yet know about, and drops
// any server we know about that the primary no longer lists as a member.
func (t Topology) reconcileMembership(primary Server) Topology {
	members := map[address.Address]bool{}
	for _, h := range primary.Hosts {
		members[h] = true
	}
	for _, h := range primary.Passives {
		members[h] = true
	}
	for _, h := range primary.Arbiters {
		members[h] = true
	}

	kept := make([]Server, 0, len(t.Servers))
	for _, existing := range t.Servers {
		if members[existing.Addr] || existing.Addr == primary.Addr {
			kept = append(kept, existing)
		}
	}
	for addr := range members {
		found := false
		for _, existing := range kept {
			if existing.Addr == addr {
				found = true
				break
			}
		}
		if !found {
			kept = append(kept, NewDefaultServer(addr))
		}
	}
	t.Servers = kept
	return t
}

func (t Topology) removeServer(addr address.Address) Topology {
	servers := make([]Server, 0, len(t.Servers))
	for _, s := range t.Servers {
		if s.Addr != addr {
			servers = append(servers, s)
		}
	}
	t.Servers = servers
	return t.recomputeKind()
}

func (t Topology) recomputeKind() Topology {
	var rsMember bool
	for _, s := range t.Servers {
		switch s.Kind {
		case RSPrimary:
			t.Kind = ReplicaSetWithPrimary
			return t
		case RSSecondary, RSArbiter, RSOther:
			rsMember = true
		}
	}
	switch {
	case t.Kind == ReplicaSetWithPrimary || t.Kind == ReplicaSetNoPrimary || t.Kind == ReplicaSet:
		t.Kind = ReplicaSetNoPrimary
	case t.Kind == Unset && rsMember:
		// The first replica set member sighting on a fresh topology decides its shape.
		t.Kind = ReplicaSetNoPrimary
	}
	return t
}

// isDataBearing reports whether a server of this kind can hold application data; arbiters,
// ghosts, and servers that haven't completed a handshake cannot.
func isDataBearing(kind ServerKind) bool {
	switch kind {
	case Standalone, Mongos, RSPrimary, RSSecondary, LoadBalancer:
		return true
	default:
		return false
	}
}

// aggregateSessionTimeout sets the topology-wide logical session timeout to the minimum
// reported by any data-bearing server, or 0 (disabled) if any data-bearing server doesn't
// report one at all.
func (t Topology) aggregateSessionTimeout() Topology {
	var min uint32
	first := true
	for _, s := range t.Servers {
		if !isDataBearing(s.Kind) {
			continue
		}
		if s.SessionTimeoutMinutes == 0 {
			t.SessionTimeoutMinutes = 0
			return t
		}
		if first || s.SessionTimeoutMinutes < min {
			min = s.SessionTimeoutMinutes
			first = false
		}
	}
	t.SessionTimeoutMinutes = min
	return t
}

// LastUpdateTime returns the most recent LastUpdateTime across all known servers.
func (t Topology) LastUpdateTime() time.Time {
	var latest time.Time
	for _, s := range t.Servers {
		if s.LastUpdateTime.After(latest) {
			latest = s.LastUpdateTime
		}
	}
	return latest
}
