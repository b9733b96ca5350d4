// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

import (
	"testing"
	"time"

	"github.com/mongocore/driver/internal/assert"
	"github.com/mongocore/driver/x/mongo/driver/address"
)

func TestWriteSelector(t *testing.T) {
	t.Parallel()

	primary := Server{Addr: "rs1:27017", Kind: RSPrimary}
	secondary := Server{Addr: "rs2:27017", Kind: RSSecondary}

	top := Topology{Kind: ReplicaSetWithPrimary, Servers: []Server{primary, secondary}}
	out, err := WriteSelector{}.SelectServer(top, top.Servers)
	assert.NoError(t, err, "expected no error")
	assert.Equal(t, 1, len(out), "expected only the primary to be eligible for a write")
	assert.Equal(t, RSPrimary, out[0].Kind, "expected the sole candidate to be the primary")

	single := Server{Addr: "solo:27017", Kind: Standalone}
	topSingle := Topology{Kind: Single, Servers: []Server{single}}
	out, err = WriteSelector{}.SelectServer(topSingle, topSingle.Servers)
	assert.NoError(t, err, "expected no error")
	assert.Equal(t, 1, len(out), "expected the lone standalone to be write-eligible")
}

func TestAddressSelector(t *testing.T) {
	t.Parallel()

	s1 := Server{Addr: "a:27017"}
	s2 := Server{Addr: "b:27017"}
	svrs := []Server{s1, s2}

	out, err := AddressSelector{Addr: "b:27017"}.SelectServer(Topology{}, svrs)
	assert.NoError(t, err, "expected no error")
	assert.Equal(t, 1, len(out), "expected exactly one match")
	assert.Equal(t, address.Address("b:27017"), out[0].Addr, "expected the matched server's address to be b:27017")

	out, err = AddressSelector{Addr: "missing:27017"}.SelectServer(Topology{}, svrs)
	assert.NoError(t, err, "expected a missing address not to be an error")
	assert.Equal(t, 0, len(out), "expected no candidates for an address no longer in the topology")
}

func TestLatencySelector(t *testing.T) {
	t.Parallel()

	fast := Server{Addr: "fast:27017", RTT: 5 * time.Millisecond, RTTSet: true}
	mid := Server{Addr: "mid:27017", RTT: 10 * time.Millisecond, RTTSet: true}
	slow := Server{Addr: "slow:27017", RTT: 50 * time.Millisecond, RTTSet: true}

	sel := NewLatencySelector(15 * time.Millisecond)
	out, err := sel.SelectServer(Topology{}, []Server{fast, mid, slow})
	assert.NoError(t, err, "expected no error")
	assert.Equal(t, 2, len(out), "expected fast and mid within the latency window, slow excluded")
}

func TestTagSetSelector(t *testing.T) {
	t.Parallel()

	nyc := Server{Addr: "nyc:27017", Tags: Tags{{Name: "dc", Value: "nyc"}}}
	sfo := Server{Addr: "sfo:27017", Tags: Tags{{Name: "dc", Value: "sfo"}}}
	svrs := []Server{nyc, sfo}

	sel := TagSetSelector{Sets: TagSet{Tags{{Name: "dc", Value: "sfo"}}}}
	out, err := sel.SelectServer(Topology{}, svrs)
	assert.NoError(t, err, "expected no error")
	assert.Equal(t, 1, len(out), "expected only the sfo-tagged server to match")
	assert.Equal(t, address.Address("sfo:27017"), out[0].Addr, "expected the sfo server to be selected")

	sel = TagSetSelector{Sets: TagSet{Tags{{Name: "dc", Value: "lon"}}, {}}}
	out, err = sel.SelectServer(Topology{}, svrs)
	assert.NoError(t, err, "expected no error")
	assert.Equal(t, 2, len(out), "expected the fallback empty tag set alternative to match everything")
}

func TestStalenessSelectorDropsLaggingSecondary(t *testing.T) {
	t.Parallel()

	now := time.Now()
	primary := Server{
		Addr: "p:27017", Kind: RSPrimary,
		LastUpdateTime: now, LastWriteTime: now,
	}
	fresh := Server{
		Addr: "fresh:27017", Kind: RSSecondary,
		LastUpdateTime: now, LastWriteTime: now,
	}
	lagging := Server{
		Addr: "lagging:27017", Kind: RSSecondary,
		LastUpdateTime: now, LastWriteTime: now.Add(-time.Hour),
	}

	top := Topology{Kind: ReplicaSetWithPrimary, Servers: []Server{primary, fresh, lagging}}
	sel := StalenessSelector{MaxStaleness: 90 * time.Second, HeartbeatFrequency: 10 * time.Second}
	out, err := sel.SelectServer(top, top.Servers)
	assert.NoError(t, err, "expected no error")

	found := map[address.Address]bool{}
	for _, s := range out {
		found[s.Addr] = true
	}
	assert.True(t, found["p:27017"], "expected the primary to always be included")
	assert.True(t, found["fresh:27017"], "expected the fresh secondary to pass the staleness window")
	assert.True(t, !found["lagging:27017"], "expected the lagging secondary to be dropped")
}

func TestCompositeSelectorChains(t *testing.T) {
	t.Parallel()

	primary := Server{Addr: "p:27017", Kind: RSPrimary}
	secondary := Server{Addr: "s:27017", Kind: RSSecondary}
	top := Topology{Kind: ReplicaSetWithPrimary, Servers: []Server{primary, secondary}}

	cs := &CompositeSelector{Selectors: []ServerSelector{WriteSelector{}, NewLatencySelector(time.Second)}}
	out, err := cs.SelectServer(top, top.Servers)
	assert.NoError(t, err, "expected no error")
	assert.Equal(t, 1, len(out), "expected the write selector's filtering to carry through the chain")
}

func TestStalenessSelectorRejectsTooSmallMaxStaleness(t *testing.T) {
	t.Parallel()

	sel := StalenessSelector{MaxStaleness: 30 * time.Second, HeartbeatFrequency: 10 * time.Second}
	_, err := sel.SelectServer(Topology{}, nil)
	assert.True(t, err == ErrMaxStalenessTooSmall, "expected a sub-minimum max staleness to be rejected, got %v", err)

	sel = StalenessSelector{MaxStaleness: 95 * time.Second, HeartbeatFrequency: 90 * time.Second}
	_, err = sel.SelectServer(Topology{}, nil)
	assert.True(t, err == ErrMaxStalenessTooSmall,
		"expected max staleness below heartbeat + idle write period to be rejected, got %v", err)
}

func TestDeprioritizedSelector(t *testing.T) {
	t.Parallel()

	a := Server{Addr: "a:27017", Kind: Mongos}
	b := Server{Addr: "b:27017", Kind: Mongos}
	c := Server{Addr: "c:27017", Kind: Mongos}
	sharded := Topology{Kind: Sharded, Servers: []Server{a, b, c}}

	sel := DeprioritizedSelector{Deprioritized: []address.Address{"a:27017"}}
	out, err := sel.SelectServer(sharded, sharded.Servers)
	assert.NoError(t, err, "expected no error")
	assert.Equal(t, 2, len(out), "expected the deprioritized server to be filtered out")
	for _, s := range out {
		assert.True(t, s.Addr != address.Address("a:27017"), "expected a:27017 to be excluded")
	}

	// Deprioritizing every candidate restores the full list: best-effort only.
	sel = DeprioritizedSelector{Deprioritized: []address.Address{"a:27017", "b:27017", "c:27017"}}
	out, err = sel.SelectServer(sharded, sharded.Servers)
	assert.NoError(t, err, "expected no error")
	assert.Equal(t, 3, len(out), "expected the full candidate list back when filtering would empty it")

	// Outside a sharded topology the deprioritized set is ignored.
	rs := Topology{Kind: ReplicaSetWithPrimary, Servers: []Server{a, b}}
	sel = DeprioritizedSelector{Deprioritized: []address.Address{"a:27017"}}
	out, err = sel.SelectServer(rs, rs.Servers)
	assert.NoError(t, err, "expected no error")
	assert.Equal(t, 2, len(out), "expected deprioritization to be a no-op outside sharded topologies")
}
