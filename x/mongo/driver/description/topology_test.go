// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"errors"
	"testing"

	"github.com/mongocore/driver/bson/primitive"
	"github.com/mongocore/driver/internal/assert"
	"github.com/mongocore/driver/x/mongo/driver/address"
)

func freshTopology(addrs ...address.Address) Topology {
	servers := make([]Server, len(addrs))
	for i, a := range addrs {
		servers[i] = NewDefaultServer(a)
	}
	return Topology{Kind: Unset, Servers: servers}
}

func TestApplyMongosFromUnsetBecomesSharded(t *testing.T) {
	t.Parallel()

	addr := address.Address("mongos1:27017")
	top := freshTopology(addr)

	s := NewDefaultServer(addr)
	s.Kind = Mongos

	top = top.Apply(s)

	assert.Equal(t, Sharded, top.Kind, "expected Unset+Mongos to transition to Sharded, got %v", top.Kind)
	got, ok := top.Server(addr)
	assert.True(t, ok, "expected server to remain known")
	assert.Equal(t, Mongos, got.Kind, "expected the server's own kind to be recorded as Mongos")
}

func TestApplyStandaloneFromUnsetWithSingleSeedBecomesSingle(t *testing.T) {
	t.Parallel()

	addr := address.Address("host1:27017")
	top := freshTopology(addr)

	s := NewDefaultServer(addr)
	s.Kind = Standalone

	top = top.Apply(s)

	assert.Equal(t, Single, top.Kind, "expected Unset+Standalone with one seed to transition to Single, got %v", top.Kind)
}

func TestApplyStandaloneFromUnsetWithMultipleSeedsIsDropped(t *testing.T) {
	t.Parallel()

	addr1 := address.Address("host1:27017")
	addr2 := address.Address("host2:27017")
	top := freshTopology(addr1, addr2)

	s := NewDefaultServer(addr1)
	s.Kind = Standalone

	top = top.Apply(s)

	assert.True(t, top.Kind != Single, "expected a standalone sighting among multiple seeds not to force Single, got %v", top.Kind)
	_, ok := top.Server(addr1)
	assert.True(t, !ok, "expected the misconfigured standalone to be removed from the topology")
}

func TestApplyRSSecondaryFromUnsetBecomesReplicaSetNoPrimary(t *testing.T) {
	t.Parallel()

	addr := address.Address("rs1:27017")
	top := freshTopology(addr)

	s := NewDefaultServer(addr)
	s.Kind = RSSecondary
	s.SetName = "rs0"

	top = top.Apply(s)

	assert.Equal(t, ReplicaSetNoPrimary, top.Kind,
		"expected the first RSSecondary sighting on a fresh topology to become ReplicaSetNoPrimary, got %v", top.Kind)
}

func TestApplyRSPrimaryFromNoPrimaryBecomesReplicaSetWithPrimary(t *testing.T) {
	t.Parallel()

	addr1 := address.Address("rs1:27017")
	addr2 := address.Address("rs2:27017")
	top := freshTopology(addr1, addr2)

	sec := NewDefaultServer(addr2)
	sec.Kind = RSSecondary
	sec.SetName = "rs0"
	top = top.Apply(sec)
	assert.Equal(t, ReplicaSetNoPrimary, top.Kind, "setup: expected ReplicaSetNoPrimary before the primary is seen")

	prim := NewDefaultServer(addr1)
	prim.Kind = RSPrimary
	prim.SetName = "rs0"
	prim.Hosts = []address.Address{addr1, addr2}
	top = top.Apply(prim)

	assert.Equal(t, ReplicaSetWithPrimary, top.Kind, "expected a primary sighting to transition to ReplicaSetWithPrimary, got %v", top.Kind)
}

func TestApplySecondPrimaryWithStaleElectionIsIgnored(t *testing.T) {
	t.Parallel()

	addr1 := address.Address("rs1:27017")
	addr2 := address.Address("rs2:27017")
	top := freshTopology(addr1, addr2)

	prim := NewDefaultServer(addr1)
	prim.Kind = RSPrimary
	prim.SetName = "rs0"
	prim.SetVersion = 2
	prim.Hosts = []address.Address{addr1, addr2}
	top = top.Apply(prim)
	assert.Equal(t, ReplicaSetWithPrimary, top.Kind, "setup: expected ReplicaSetWithPrimary")

	stale := NewDefaultServer(addr2)
	stale.Kind = RSPrimary
	stale.SetName = "rs0"
	stale.SetVersion = 1
	stale.Hosts = []address.Address{addr1, addr2}
	top = top.Apply(stale)

	got, _ := top.Server(addr1)
	assert.Equal(t, RSPrimary, got.Kind, "expected the stale election to leave the existing primary in place")
	other, _ := top.Server(addr2)
	assert.True(t, other.Kind != RSPrimary, "expected the stale challenger not to be recorded as primary")
}

func TestApplySetNameMismatchRemovesServer(t *testing.T) {
	t.Parallel()

	addr := address.Address("rs1:27017")
	top := freshTopology(addr)
	top.SetName = "rs0"

	s := NewDefaultServer(addr)
	s.Kind = RSSecondary
	s.SetName = "rs1" // different set

	top = top.Apply(s)

	_, ok := top.Server(addr)
	assert.True(t, !ok, "expected a set-name mismatch to remove the server")
}

func TestApplyLoadBalancedAlwaysReplaces(t *testing.T) {
	t.Parallel()

	addr := address.Address("lb1:27017")
	top := Topology{Kind: LoadBalanced, Servers: []Server{NewDefaultServer(addr)}}

	s := NewDefaultServer(addr)
	s.Kind = LoadBalancer
	top = top.Apply(s)

	assert.Equal(t, LoadBalanced, top.Kind, "expected LoadBalanced topology kind to be sticky")
	got, _ := top.Server(addr)
	assert.Equal(t, LoadBalancer, got.Kind, "expected the server's kind to be updated in place")
}

func TestApplySingleNeverChangesShape(t *testing.T) {
	t.Parallel()

	addr := address.Address("solo:27017")
	top := Topology{Kind: Single, Servers: []Server{NewDefaultServer(addr)}}

	s := NewDefaultServer(addr)
	s.Kind = RSPrimary // even a surprising report can't change a Single topology's shape
	top = top.Apply(s)

	assert.Equal(t, Single, top.Kind, "expected a Single topology to remain Single regardless of what's reported")
	assert.Equal(t, 1, len(top.Servers), "expected a Single topology to always have exactly one server")
}

func TestApplyUnknownSightingLeavesUnsetTopologyUnset(t *testing.T) {
	t.Parallel()

	addr := address.Address("host1:27017")
	top := freshTopology(addr)

	s := NewServerFromError(addr, errors.New("dial refused"), nil)
	top = top.Apply(s)

	assert.Equal(t, Unset, top.Kind, "expected a failed check on a fresh topology to leave its kind undecided, got %v", top.Kind)
}

func TestApplySuppressesStaleTopologyVersion(t *testing.T) {
	t.Parallel()

	addr := address.Address("rs1:27017")
	top := freshTopology(addr)

	processID := primitive.NewObjectID()
	fresh := NewDefaultServer(addr)
	fresh.Kind = RSSecondary
	fresh.SetName = "rs0"
	fresh.TopologyVersion = &TopologyVersion{ProcessID: processID, Counter: 5}
	top = top.Apply(fresh)

	stale := NewDefaultServer(addr)
	stale.Kind = RSPrimary
	stale.SetName = "rs0"
	stale.TopologyVersion = &TopologyVersion{ProcessID: processID, Counter: 4}
	top = top.Apply(stale)

	got, _ := top.Server(addr)
	assert.Equal(t, RSSecondary, got.Kind, "expected the stale topologyVersion update to be suppressed")
}

func TestApplySetsCompatibilityErrForOutOfRangeServer(t *testing.T) {
	t.Parallel()

	addr := address.Address("old:27017")
	top := freshTopology(addr)

	ancient := NewDefaultServer(addr)
	ancient.Kind = RSSecondary
	ancient.SetName = "rs0"
	ancient.WireVersion = &VersionRange{Min: 0, Max: 3}
	top = top.Apply(ancient)

	assert.True(t, top.CompatibilityErr != nil, "expected an out-of-range wire version to set a compatibility error")

	recovered := NewDefaultServer(addr)
	recovered.Kind = RSSecondary
	recovered.SetName = "rs0"
	recovered.WireVersion = &VersionRange{Min: 6, Max: 17}
	top = top.Apply(recovered)

	assert.NoError(t, top.CompatibilityErr, "expected the compatibility error to clear once every server is in range")
}

func TestSessionTimeoutIgnoresNonDataBearingMembers(t *testing.T) {
	t.Parallel()

	addr1 := address.Address("rs1:27017")
	addr2 := address.Address("rs2:27017")
	top := freshTopology(addr1, addr2)

	prim := NewDefaultServer(addr1)
	prim.Kind = RSPrimary
	prim.SetName = "rs0"
	prim.SessionTimeoutMinutes = 30
	prim.Hosts = []address.Address{addr1, addr2}
	top = top.Apply(prim)

	arb := NewDefaultServer(addr2)
	arb.Kind = RSArbiter
	arb.SetName = "rs0"
	// Arbiters don't report logicalSessionTimeoutMinutes; that must not disable sessions.
	top = top.Apply(arb)

	assert.Equal(t, uint32(30), top.SessionTimeoutMinutes,
		"expected the arbiter's missing session timeout to be ignored")
}

func TestApplyNewerElectionIDWinsOnModernServers(t *testing.T) {
	t.Parallel()

	addr1 := address.Address("rs1:27017")
	addr2 := address.Address("rs2:27017")
	top := freshTopology(addr1, addr2)

	lowID, _ := primitive.ObjectIDFromHex("000000000000000000000001")
	highID, _ := primitive.ObjectIDFromHex("000000000000000000000002")
	modern := &VersionRange{Min: 6, Max: 21}

	first := NewDefaultServer(addr1)
	first.Kind = RSPrimary
	first.SetName = "rs0"
	first.SetVersion = 2
	first.ElectionID = lowID
	first.WireVersion = modern
	first.Hosts = []address.Address{addr1, addr2}
	top = top.Apply(first)

	// A later election: higher electionId supersedes even with a lower setVersion.
	second := NewDefaultServer(addr2)
	second.Kind = RSPrimary
	second.SetName = "rs0"
	second.SetVersion = 1
	second.ElectionID = highID
	second.WireVersion = modern
	second.Hosts = []address.Address{addr1, addr2}
	top = top.Apply(second)

	got, _ := top.Server(addr2)
	assert.Equal(t, RSPrimary, got.Kind, "expected the higher electionId to win on servers with monotonic election ids")
	demoted, _ := top.Server(addr1)
	assert.True(t, demoted.Kind != RSPrimary, "expected the previous primary to be demoted")
}
