// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mongocore/driver/x/mongo/driver/address"
)

// ErrPoolClosed is returned by get once the pool has been disconnected.
var ErrPoolClosed = errors.New("topology: connection pool is closed")

type poolConfig struct {
	Address        address.Address
	MinPoolSize    uint64
	MaxPoolSize    uint64
	MaxIdleTime    time.Duration
	ConnectionOpts []ConnectionOption
}

// pool is a semaphore-bounded set of connections to a single server. Idle connections are kept
// in a LIFO stack so the most recently used (and therefore least likely to have gone stale) is
// handed out first; the generation counter lets the owning Server invalidate every outstanding
// and idle connection at once after a network error, per SDAM's "clear the pool" rule.
type pool struct {
	address address.Address
	opts    []ConnectionOption
	maxIdle time.Duration

	sem *semaphore.Weighted

	mu         sync.Mutex
	idle       []*connection
	generation uint64
	connected  int32
}

func newPool(cfg poolConfig) (*pool, error) {
	max := cfg.MaxPoolSize
	if max == 0 {
		max = defaultMaxConns
	}
	return &pool{
		address: cfg.Address,
		opts:    cfg.ConnectionOpts,
		maxIdle: cfg.MaxIdleTime,
		sem:     semaphore.NewWeighted(int64(max)),
	}, nil
}

func (p *pool) connect() error {
	atomic.StoreInt32(&p.connected, 1)
	return nil
}

func (p *pool) disconnect(ctx context.Context) error {
	atomic.StoreInt32(&p.connected, 0)
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, conn := range idle {
		conn.Close()
	}
	return nil
}

func (p *pool) getGeneration() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// clear bumps the generation counter and drops every idle connection, implementing SDAM's "clear
// the pool" corrective action after a network error or a not-primary/node-is-recovering response
// from an old-enough server.
func (p *pool) clear() {
	p.mu.Lock()
	p.generation++
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, conn := range idle {
		conn.Close()
	}
}

// get returns a ready-to-use connection: an idle one from the pool if available and not stale,
// otherwise a freshly dialed one.
func (p *pool) get(ctx context.Context) (*connection, error) {
	if atomic.LoadInt32(&p.connected) != 1 {
		return nil, ErrPoolClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	gen := p.getGeneration()

	p.mu.Lock()
	for len(p.idle) > 0 {
		conn := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()
		if conn.generation != gen || conn.expired() {
			conn.Close()
			p.mu.Lock()
			continue
		}
		return conn, nil
	}
	p.mu.Unlock()

	conn := newConnection(p.address, gen, p.opts...)
	if err := conn.connect(ctx); err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return conn, nil
}

// put returns conn to the idle stack, or closes it if the pool has since been cleared or closed.
func (p *pool) put(conn *connection) {
	defer p.sem.Release(1)

	if atomic.LoadInt32(&p.connected) != 1 {
		conn.Close()
		return
	}

	p.mu.Lock()
	stale := conn.generation != p.generation
	if !stale && p.maxIdle > 0 {
		conn.idleDeadline = time.Now().Add(p.maxIdle)
	}
	if !stale {
		p.idle = append(p.idle, conn)
	}
	p.mu.Unlock()

	if stale {
		conn.Close()
	}
}

// discard releases conn's semaphore slot without returning it to the idle stack, for connections
// known to be broken.
func (p *pool) discard(conn *connection) {
	conn.Close()
	p.sem.Release(1)
}
