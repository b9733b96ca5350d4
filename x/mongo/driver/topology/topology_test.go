// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/mongocore/driver/internal/assert"
	"github.com/mongocore/driver/x/mongo/driver/address"
	"github.com/mongocore/driver/x/mongo/driver/description"
)

// newTestTopology builds a Topology whose description and server set are populated directly,
// without calling Connect, so no heartbeat goroutine ever dials out.
func newTestTopology(t *testing.T, kind description.TopologyKind, addrs ...address.Address) *Topology {
	t.Helper()

	cfg, err := NewConfig(WithSeedList(addrs...), WithServerSelectionTimeout(200*time.Millisecond))
	assert.NoError(t, err, "expected NewConfig to succeed")

	top, err := NewTopology(cfg)
	assert.NoError(t, err, "expected NewTopology to succeed")
	top.desc.Kind = kind

	for _, addr := range addrs {
		sd := description.NewDefaultServer(addr)
		top.desc.Servers = append(top.desc.Servers, sd)

		srv, err := NewServer(addr)
		assert.NoError(t, err, "expected NewServer to succeed")
		top.servers[addr] = srv
	}
	return top
}

func TestSelectServerReturnsAnEligibleCandidate(t *testing.T) {
	t.Parallel()

	addr := address.Address("host1:27017")
	top := newTestTopology(t, description.Single, addr)

	srv, err := top.SelectServer(context.Background(), description.AddressSelector{Addr: addr})
	assert.NoError(t, err, "expected a matching candidate to be selected")
	assert.True(t, srv != nil, "expected a non-nil Server")
}

func TestSelectServerTimesOutWithNoEligibleCandidate(t *testing.T) {
	t.Parallel()

	addr := address.Address("host1:27017")
	top := newTestTopology(t, description.Single, addr)

	_, err := top.SelectServer(context.Background(), description.AddressSelector{Addr: "nowhere:27017"})
	assert.True(t, err == description.ErrServerSelectionTimeout,
		"expected ErrServerSelectionTimeout, got %v", err)
}

func TestSelectServerRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	addr := address.Address("host1:27017")
	top := newTestTopology(t, description.Single, addr)
	// No server will ever match, so SelectServer blocks until ctx is done rather than the timer.
	top.cfg.serverSelectionTimeout = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := top.SelectServer(ctx, description.AddressSelector{Addr: "nowhere:27017"})
	assert.True(t, err == context.Canceled, "expected context.Canceled, got %v", err)
}

func TestPickIsDeterministicForAFixedSeed(t *testing.T) {
	t.Parallel()

	addr1 := address.Address("a:27017")
	addr2 := address.Address("b:27017")
	addr3 := address.Address("c:27017")

	pickSequence := func() []address.Address {
		top := newTestTopology(t, description.Sharded, addr1, addr2, addr3)
		top.rnd = rand.New(rand.NewSource(42))
		var picks []address.Address
		for i := 0; i < 8; i++ {
			srv, ok := top.pick(top.desc.Servers)
			assert.True(t, ok, "expected a candidate on pick %d", i)
			picks = append(picks, srv.address)
		}
		return picks
	}

	assert.Equal(t, pickSequence(), pickSequence(),
		"expected identical pick sequences from identically seeded topologies")
}

func TestPickSkipsCandidatesWithNoRunningServer(t *testing.T) {
	t.Parallel()

	addr := address.Address("known:27017")
	unknown := address.Address("unmonitored:27017")
	top := newTestTopology(t, description.Sharded, addr)

	candidates := []description.Server{
		description.NewDefaultServer(unknown),
		description.NewDefaultServer(addr),
	}
	srv, ok := top.pick(candidates)
	assert.True(t, ok, "expected the known candidate to be picked despite the unmonitored one")
	assert.Equal(t, addr, srv.address, "expected the only monitored candidate to be returned")
}

func TestUpdateCallbackAppliesAndWakesSelectServer(t *testing.T) {
	t.Parallel()

	addr := address.Address("rs1:27017")
	top := newTestTopology(t, description.Unset, addr)

	waiting := top.changed

	sd := description.NewDefaultServer(addr)
	sd.Kind = description.RSSecondary
	sd.SetName = "rs0"
	got := top.updateCallback(sd)

	assert.Equal(t, description.RSSecondary, got.Kind, "expected the callback to return the applied description")
	assert.Equal(t, description.ReplicaSetNoPrimary, top.desc.Kind,
		"expected the topology kind to move to ReplicaSetNoPrimary after the callback folds it in")

	select {
	case <-waiting:
	default:
		t.Fatal("expected the previous changed channel to be closed by updateCallback")
	}
}

func TestDisconnectClearsServers(t *testing.T) {
	t.Parallel()

	addr := address.Address("host1:27017")
	top := newTestTopology(t, description.Single, addr)

	// Disconnect clears the tracked-server map unconditionally; the per-server error returned
	// here (the test server was never Connect-ed) is not what this test is about.
	_ = top.Disconnect(context.Background())

	top.mu.RLock()
	n := len(top.servers)
	top.mu.RUnlock()
	assert.Equal(t, 0, n, "expected Disconnect to clear every tracked server")
}
