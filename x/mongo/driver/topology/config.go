// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"time"

	"github.com/mongocore/driver/internal/logger"
	"github.com/mongocore/driver/x/mongo/driver/address"
	"github.com/mongocore/driver/x/mongo/driver/session"
)

const defaultHeartbeatInterval = 10 * time.Second
const defaultHeartbeatTimeout = 10 * time.Second
const defaultMaxConns = 100

// serverConfig holds the resolved options for a single monitored Server.
type serverConfig struct {
	appname                   string
	compressionOpts           []string
	connectionOpts            []ConnectionOption
	heartbeatInterval         time.Duration
	heartbeatTimeout          time.Duration
	maxConns                  uint64
	minConns                  uint64
	connectionPoolMaxIdleTime time.Duration
	clock                     *session.ClusterClock
	loadBalanced              bool
}

// ServerOption configures a Server at construction time.
type ServerOption func(*serverConfig)

func newServerConfig(opts ...ServerOption) (*serverConfig, error) {
	cfg := &serverConfig{
		heartbeatInterval: defaultHeartbeatInterval,
		heartbeatTimeout:  defaultHeartbeatTimeout,
		maxConns:          defaultMaxConns,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(cfg)
	}
	return cfg, nil
}

// WithHeartbeatInterval sets how often the server is polled with a hello command.
func WithHeartbeatInterval(d time.Duration) ServerOption {
	return func(cfg *serverConfig) { cfg.heartbeatInterval = d }
}

// WithHeartbeatTimeout bounds how long a single heartbeat round trip may take.
func WithHeartbeatTimeout(d time.Duration) ServerOption {
	return func(cfg *serverConfig) { cfg.heartbeatTimeout = d }
}

// WithMaxConnections bounds the number of connections the server's pool will hand out.
func WithMaxConnections(n uint64) ServerOption {
	return func(cfg *serverConfig) { cfg.maxConns = n }
}

// WithMinConnections sets the pool's minimum size. The pool does not dial connections ahead of
// demand to reach it; it only holds connections that were checked out and returned.
func WithMinConnections(n uint64) ServerOption {
	return func(cfg *serverConfig) { cfg.minConns = n }
}

// WithConnectionPoolMaxIdleTime sets how long an idle connection may sit in the pool before
// being closed in favor of a fresh one.
func WithConnectionPoolMaxIdleTime(d time.Duration) ServerOption {
	return func(cfg *serverConfig) { cfg.connectionPoolMaxIdleTime = d }
}

// WithServerAppName sets the application name reported in the client handshake metadata.
func WithServerAppName(name string) ServerOption {
	return func(cfg *serverConfig) { cfg.appname = name }
}

// WithServerCompressors sets the compressors offered during the handshake.
func WithServerCompressors(compressors []string) ServerOption {
	return func(cfg *serverConfig) { cfg.compressionOpts = compressors }
}

// WithServerLoadBalanced marks every handshake as load-balanced, so the backing server pins the
// connection to one backend and reports its serviceId.
func WithServerLoadBalanced(loadBalanced bool) ServerOption {
	return func(cfg *serverConfig) { cfg.loadBalanced = loadBalanced }
}

// WithServerClusterClock attaches the shared cluster clock so heartbeats advance it.
func WithServerClusterClock(clock *session.ClusterClock) ServerOption {
	return func(cfg *serverConfig) { cfg.clock = clock }
}

// WithServerConnectionOptions appends ConnectionOptions applied to every connection the server's
// pool dials, in addition to the ones the heartbeat loop adds for its own short-lived connection.
func WithServerConnectionOptions(opts ...ConnectionOption) ServerOption {
	return func(cfg *serverConfig) { cfg.connectionOpts = append(cfg.connectionOpts, opts...) }
}

// Config holds the resolved options for an entire Topology.
type Config struct {
	mode                   TopologyMode
	seedList               []address.Address
	setName                string
	serverOpts             []ServerOption
	serverSelectionTimeout time.Duration
	localThreshold         time.Duration
	uri                    string
	credential             *credential
	logger                 *logger.Logger
	selectionSeed          int64
	loadBalanced           bool
}

// credential holds the SCRAM credential a Topology authenticates every connection with, if any.
type credential struct {
	mechanism string
	source    string
	username  string
	password  string
}

// TopologyMode selects how a Topology discovers and classifies its members.
type TopologyMode uint8

// Topology discovery modes.
const (
	// AutomaticMode lets SDAM classify the deployment (single server, replica set, or sharded
	// cluster) from what the seeds report.
	AutomaticMode TopologyMode = iota
	// SingleMode pins the topology to exactly one server regardless of what it reports.
	SingleMode
)

// Option configures a Topology at construction time.
type Option func(*Config)

// NewConfig resolves opts into a Config, defaulting to automatic discovery against localhost.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		mode:                   AutomaticMode,
		seedList:               []address.Address{address.Address("localhost:27017")},
		serverSelectionTimeout: 30 * time.Second,
		localThreshold:         15 * time.Millisecond,
		selectionSeed:          time.Now().UnixNano(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(cfg)
	}
	return cfg, nil
}

// WithSeedList sets the initial set of servers to discover the deployment from.
func WithSeedList(addrs ...address.Address) Option {
	return func(cfg *Config) { cfg.seedList = addrs }
}

// WithReplicaSetName pins the expected replica set name; servers reporting a different setName
// are dropped per SDAM's set-name-mismatch rule.
func WithReplicaSetName(name string) Option {
	return func(cfg *Config) { cfg.setName = name }
}

// WithTopologyMode selects automatic discovery or single-server mode.
func WithTopologyMode(mode TopologyMode) Option {
	return func(cfg *Config) { cfg.mode = mode }
}

// WithServerSelectionTimeout bounds how long SelectServer blocks waiting for a matching server.
func WithServerSelectionTimeout(d time.Duration) Option {
	return func(cfg *Config) { cfg.serverSelectionTimeout = d }
}

// WithLocalThreshold sets the latency window: servers within this much of the fastest eligible
// candidate's round-trip time are treated as equally preferable.
func WithLocalThreshold(d time.Duration) Option {
	return func(cfg *Config) { cfg.localThreshold = d }
}

// WithServerOptions appends ServerOptions applied to every Server the Topology creates.
func WithServerOptions(opts ...ServerOption) Option {
	return func(cfg *Config) { cfg.serverOpts = append(cfg.serverOpts, opts...) }
}

// WithLoadBalanced forces the topology into load-balanced mode: the single configured address
// is a load balancer fronting the real deployment, SDAM monitoring is skipped, and every
// handshake requests a pinned backend.
func WithLoadBalanced(loadBalanced bool) Option {
	return func(cfg *Config) { cfg.loadBalanced = loadBalanced }
}

// WithLogger attaches the structured logger used for topology-changed events. The same logger
// may be shared with the operation layer.
func WithLogger(log *logger.Logger) Option {
	return func(cfg *Config) { cfg.logger = log }
}

// WithSelectionSeed seeds the PRNG behind the random pick among equally eligible servers, making
// selection reproducible for a fixed seed and topology.
func WithSelectionSeed(seed int64) Option {
	return func(cfg *Config) { cfg.selectionSeed = seed }
}

// WithConnString records the origin connection string on the Config; nothing in this package
// reads it back.
func WithConnString(uri string) Option {
	return func(cfg *Config) { cfg.uri = uri }
}

// WithCredential configures SCRAM-SHA-1/SCRAM-SHA-256 authentication, run as part of connecting
// every connection any Server built from this Config dials. mechanism must be "SCRAM-SHA-1" or
// "SCRAM-SHA-256"; source is the authentication database ("admin" if empty).
func WithCredential(mechanism, source, username, password string) Option {
	return func(cfg *Config) {
		cfg.credential = &credential{mechanism: mechanism, source: source, username: username, password: password}
	}
}
