// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"math/rand"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mongocore/driver/internal/csot"
	"github.com/mongocore/driver/internal/logger"
	"github.com/mongocore/driver/x/auth"
	"github.com/mongocore/driver/x/mongo/driver"
	"github.com/mongocore/driver/x/mongo/driver/address"
	"github.com/mongocore/driver/x/mongo/driver/description"
)

// Topology monitors every server in a deployment's seed list (and whatever members replica set
// primaries report beyond it), folding their hello replies into a single description.Topology,
// and implements driver.Deployment by running that description through a caller's
// description.ServerSelector.
type Topology struct {
	cfg *Config

	mu      sync.RWMutex
	desc    description.Topology
	servers map[address.Address]*Server
	changed chan struct{}

	rndMu sync.Mutex
	rnd   *rand.Rand

	checkGroup singleflight.Group
}

// NewTopology constructs a Topology from cfg. The returned Topology is inert until Connect is
// called.
func NewTopology(cfg *Config) (*Topology, error) {
	kind := description.Unset
	if cfg.mode == SingleMode {
		kind = description.Single
	}
	if cfg.loadBalanced {
		kind = description.LoadBalanced
	}
	return &Topology{
		cfg:     cfg,
		desc:    description.Topology{Kind: kind, SetName: cfg.setName},
		servers: make(map[address.Address]*Server),
		changed: make(chan struct{}),
		rnd:     rand.New(rand.NewSource(cfg.selectionSeed)),
	}, nil
}

// Connect seeds the topology with a Server per address in the configured seed list and starts
// their heartbeat loops. Further members discovered from a primary's host list (reconcileMembership)
// are started automatically as they're observed.
func (t *Topology) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cfg.loadBalanced {
		t.cfg.serverOpts = append(t.cfg.serverOpts, WithServerLoadBalanced(true))
	}
	if cred := t.cfg.credential; cred != nil {
		a, err := auth.NewScramAuthenticator(cred.mechanism, cred.source, cred.username, cred.password)
		if err != nil {
			return err
		}
		t.cfg.serverOpts = append(t.cfg.serverOpts, WithServerConnectionOptions(WithAuthenticator(a)))
	}

	for _, addr := range t.cfg.seedList {
		t.desc.Servers = append(t.desc.Servers, description.NewDefaultServer(addr))
	}
	for _, addr := range t.cfg.seedList {
		t.startServerLocked(addr)
	}
	return nil
}

// Disconnect stops every monitored server's heartbeat loop and closes its connection pool.
func (t *Topology) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	servers := make([]*Server, 0, len(t.servers))
	for _, s := range t.servers {
		servers = append(servers, s)
	}
	t.servers = make(map[address.Address]*Server)
	t.mu.Unlock()

	var firstErr error
	for _, s := range servers {
		if err := s.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Description implements driver.Deployment, returning the most recently computed topology
// snapshot.
func (t *Topology) Description() description.Topology {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.desc
}

// SelectServer implements driver.Deployment: it runs selector against the current topology
// description, blocking and re-evaluating every time the topology changes until a candidate
// appears or the configured server selection timeout elapses.
func (t *Topology) SelectServer(ctx context.Context, selector description.ServerSelector) (driver.Server, error) {
	if selector == nil {
		selector = description.ServerSelectorFunc(
			func(_ description.Topology, svrs []description.Server) ([]description.Server, error) {
				return svrs, nil
			})
	}

	selectionCtx, cancel := csot.WithServerSelectionTimeout(ctx, t.cfg.serverSelectionTimeout)
	defer cancel()

	for {
		t.mu.RLock()
		desc := t.desc
		changed := t.changed
		t.mu.RUnlock()

		if desc.CompatibilityErr != nil {
			return nil, desc.CompatibilityErr
		}

		candidates, err := selector.SelectServer(desc, desc.Servers)
		if err != nil {
			return nil, err
		}
		if len(candidates) > 1 && t.cfg.localThreshold > 0 {
			latency := description.NewLatencySelector(t.cfg.localThreshold)
			candidates, err = latency.SelectServer(desc, candidates)
			if err != nil {
				return nil, err
			}
		}
		if srv, ok := t.pick(candidates); ok {
			return srv, nil
		}

		t.requestImmediateChecks()

		select {
		case <-changed:
		case <-selectionCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, description.ErrServerSelectionTimeout
		}
	}
}

// pick chooses uniformly at random (from the topology-owned PRNG, so a fixed seed makes the
// choice reproducible) among the candidates that still have a running Server behind them.
func (t *Topology) pick(candidates []description.Server) (*Server, bool) {
	if len(candidates) == 0 {
		return nil, false
	}

	t.mu.RLock()
	live := make([]*Server, 0, len(candidates))
	for _, c := range candidates {
		if srv, ok := t.servers[c.Addr]; ok {
			live = append(live, srv)
		}
	}
	t.mu.RUnlock()
	if len(live) == 0 {
		return nil, false
	}

	t.rndMu.Lock()
	i := t.rnd.Intn(len(live))
	t.rndMu.Unlock()
	return live[i], true
}

// requestImmediateChecks wakes every monitored server's heartbeat loop, so a blocked SelectServer
// doesn't have to wait out a full heartbeat interval before re-evaluating. Concurrent callers
// blocked on the same stale topology (the common case: a burst of operations all missing the same
// selector at once) coalesce into a single fan-out round via singleflight, rather than each
// re-triggering every server's heartbeat independently.
func (t *Topology) requestImmediateChecks() {
	t.checkGroup.Do("check", func() (interface{}, error) {
		t.mu.RLock()
		defer t.mu.RUnlock()
		for _, s := range t.servers {
			s.RequestImmediateCheck()
		}
		return nil, nil
	})
}

// startServerLocked creates and connects a Server for addr. Callers must hold t.mu.
func (t *Topology) startServerLocked(addr address.Address) {
	if _, ok := t.servers[addr]; ok {
		return
	}
	srv, err := NewServer(addr, t.cfg.serverOpts...)
	if err != nil {
		return
	}
	if err := srv.Connect(t.updateCallback); err != nil {
		return
	}
	t.servers[addr] = srv
}

// updateCallback folds a freshly observed description.Server into the topology and starts or
// stops monitoring whichever servers the resulting member list adds or drops, then wakes every
// SelectServer call currently blocked on a topology change. It is passed to every Server as its
// updateTopologyCallback.
func (t *Topology) updateCallback(desc description.Server) description.Server {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.desc
	t.desc = t.desc.Apply(desc)
	t.syncServersLocked()

	t.logTopologyChangedLocked(prev)

	close(t.changed)
	t.changed = make(chan struct{})

	return desc
}

// logTopologyChangedLocked emits a topology-changed log entry when topology logging is enabled.
// Callers must hold t.mu.
func (t *Topology) logTopologyChangedLocked(prev description.Topology) {
	log := t.cfg.logger
	if log == nil || !log.Is(logger.LevelDebug, logger.ComponentTopology) {
		return
	}
	log.Print(logger.LevelDebug, &logger.TopologyDescriptionChangedMessage{
		PreviousDescription: describeTopology(prev),
		NewDescription:      describeTopology(t.desc),
	})
}

func describeTopology(desc description.Topology) string {
	out := desc.Kind.String() + "["
	for i, s := range desc.Servers {
		if i > 0 {
			out += ", "
		}
		out += s.Addr.String() + ":" + s.Kind.String()
	}
	return out + "]"
}

// syncServersLocked starts a Server for any address newly present in t.desc.Servers (e.g. a host
// reconcileMembership added from a primary's hosts list) and disconnects any Server whose address
// Apply has since dropped. Callers must hold t.mu.
func (t *Topology) syncServersLocked() {
	seen := make(map[address.Address]bool, len(t.desc.Servers))
	for _, sd := range t.desc.Servers {
		seen[sd.Addr] = true
		t.startServerLocked(sd.Addr)
	}
	for addr, srv := range t.servers {
		if !seen[addr] {
			delete(t.servers, addr)
			go srv.Disconnect(context.Background())
		}
	}
}
