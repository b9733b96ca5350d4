// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mongocore/driver/internal/csot"
	"github.com/mongocore/driver/x/mongo/driver"
	"github.com/mongocore/driver/x/mongo/driver/address"
	"github.com/mongocore/driver/x/mongo/driver/description"
	"github.com/mongocore/driver/x/mongo/driver/operation"
)

const minHeartbeatInterval = 500 * time.Millisecond

// ErrServerClosed occurs when an attempt to get a connection is made after the server has been
// closed.
var ErrServerClosed = errors.New("topology: server is closed")

// ErrServerConnected occurs when Connect is called on a server that is already connected.
var ErrServerConnected = errors.New("topology: server is already connected")

// ErrSubscribeAfterClosed occurs when Subscribe is called on a server after it has been closed.
var ErrSubscribeAfterClosed = errors.New("topology: subscribe called after close")

// server connection states.
const (
	disconnected int32 = iota
	disconnecting
	connected
	connecting
)

// updateTopologyCallback lets the parent Topology fold a fresh description.Server into its
// overall description.Topology; it returns the (possibly adjusted) description the Server
// should cache and hand to subscribers.
type updateTopologyCallback func(description.Server) description.Server

// Server monitors a single mongod/mongos: it runs a background heartbeat loop maintaining an
// up-to-date description.Server, hands out pooled connections, and classifies command/network
// errors observed by callers back into SDAM state transitions.
type Server struct {
	cfg             *serverConfig
	address         address.Address
	connectionstate int32

	pool *pool

	done          chan struct{}
	checkNow      chan struct{}
	disconnecting chan struct{}
	closewg       sync.WaitGroup

	desc                   atomic.Value // description.Server
	updateTopologyCallback atomic.Value // updateTopologyCallback
	averageRTTSet          bool
	averageRTT             time.Duration

	subLock             sync.Mutex
	subscribers         map[uint64]chan description.Server
	currentSubscriberID uint64
	subscriptionsClosed bool

	processErrorLock sync.Mutex
}

// NewServer creates a Server for addr. The server is inert until Connect is called.
func NewServer(addr address.Address, opts ...ServerOption) (*Server, error) {
	cfg, err := newServerConfig(opts...)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		address: addr,

		done:          make(chan struct{}),
		checkNow:      make(chan struct{}, 1),
		disconnecting: make(chan struct{}),

		subscribers: make(map[uint64]chan description.Server),
	}
	s.desc.Store(description.NewDefaultServer(addr))

	connOpts := append([]ConnectionOption{WithCompressors(cfg.compressionOpts), WithHandshaker(s.handshake)}, cfg.connectionOpts...)
	pool, err := newPool(poolConfig{
		Address:        addr,
		MinPoolSize:    cfg.minConns,
		MaxPoolSize:    cfg.maxConns,
		MaxIdleTime:    cfg.connectionPoolMaxIdleTime,
		ConnectionOpts: connOpts,
	})
	if err != nil {
		return nil, err
	}
	s.pool = pool
	return s, nil
}

// ConnectServer creates a Server and immediately connects it.
func ConnectServer(addr address.Address, updateCallback updateTopologyCallback, opts ...ServerOption) (*Server, error) {
	s, err := NewServer(addr, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Connect(updateCallback); err != nil {
		return nil, err
	}
	return s, nil
}

// Connect starts the background monitoring goroutine. Must be called before Connection.
func (s *Server) Connect(updateCallback updateTopologyCallback) error {
	if !atomic.CompareAndSwapInt32(&s.connectionstate, disconnected, connected) {
		return ErrServerConnected
	}
	s.updateTopologyCallback.Store(updateCallback)
	if err := s.pool.connect(); err != nil {
		return err
	}
	go s.update()
	s.closewg.Add(1)
	return nil
}

// Disconnect stops the monitoring goroutine and closes the connection pool.
func (s *Server) Disconnect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connectionstate, connected, disconnecting) {
		return ErrServerClosed
	}
	s.updateTopologyCallback.Store(updateTopologyCallback(nil))

	select {
	case <-ctx.Done():
		close(s.disconnecting)
		s.done <- struct{}{}
	case s.done <- struct{}{}:
	}

	err := s.pool.disconnect(ctx)
	s.closewg.Wait()
	atomic.StoreInt32(&s.connectionstate, disconnected)
	return err
}

// Description returns the most recently observed description of the server.
func (s *Server) Description() description.Server {
	return s.desc.Load().(description.Server)
}

// SelectedDescription wraps Description as a description.SelectedServer of Kind Single, for
// callers that want to run a one-off command directly against this server.
func (s *Server) SelectedDescription() description.SelectedServer {
	return description.SelectedServer{Server: s.Description(), Kind: description.Single}
}

// Subscribe returns a subscription whose channel receives every updated description.Server,
// pre-populated with the current one.
func (s *Server) Subscribe() (*ServerSubscription, error) {
	if atomic.LoadInt32(&s.connectionstate) != connected {
		return nil, ErrSubscribeAfterClosed
	}
	ch := make(chan description.Server, 1)
	ch <- s.Description()

	s.subLock.Lock()
	defer s.subLock.Unlock()
	if s.subscriptionsClosed {
		return nil, ErrSubscribeAfterClosed
	}
	id := s.currentSubscriberID
	s.subscribers[id] = ch
	s.currentSubscriberID++
	return &ServerSubscription{C: ch, s: s, id: id}, nil
}

// RequestImmediateCheck wakes the heartbeat loop instead of waiting for the next tick.
func (s *Server) RequestImmediateCheck() {
	select {
	case s.checkNow <- struct{}{}:
	default:
	}
}

// Connection checks out a pooled connection to the server, wrapped so that read/write failures
// are reported back through ProcessError.
func (s *Server) Connection(ctx context.Context) (driver.Connection, error) {
	if atomic.LoadInt32(&s.connectionstate) != connected {
		return nil, ErrServerClosed
	}
	conn, err := s.pool.get(ctx)
	if err != nil {
		if cerr, ok := err.(ConnectionError); ok && cerr.Init {
			s.ProcessHandshakeError(err)
		}
		return nil, err
	}
	return &pooledConnection{connection: conn, server: s}, nil
}

// ProcessHandshakeError implements SDAM error handling for failures that occur before a
// connection finishes handshaking: the server description is set to Unknown and the pool is
// invalidated, since every other connection dialed under the same bad conditions is suspect too.
func (s *Server) ProcessHandshakeError(err error) {
	if err == nil {
		return
	}
	wrapped := unwrapConnectionError(err)
	if wrapped == nil {
		return
	}
	s.updateDescription(description.NewServerFromError(s.address, wrapped, s.Description().TopologyVersion))
	s.pool.clear()
}

// ProcessError implements SDAM error handling for errors observed while using an established
// connection: network errors, and not-primary / node-is-recovering responses.
func (s *Server) ProcessError(err error, conn driver.Connection) {
	s.processErrorLock.Lock()
	defer s.processErrorLock.Unlock()

	if err == nil {
		return
	}
	if pc, ok := conn.(*pooledConnection); ok && pc.connection.generation != s.pool.getGeneration() {
		return // stale connection, already superseded
	}

	desc := conn.Description()

	if derr, ok := err.(driver.Error); ok && (derr.NodeIsRecovering() || derr.NotPrimary()) {
		if description.CompareTopologyVersion(desc.TopologyVersion, derr.TopologyVersion()) >= 0 {
			return
		}
		s.updateDescription(description.NewServerFromError(s.address, err, derr.TopologyVersion()))
		s.RequestImmediateCheck()
		if derr.NodeIsShuttingDown() || desc.WireVersion == nil || desc.WireVersion.Max < 8 {
			s.pool.clear()
		}
		return
	}

	wrapped := unwrapConnectionError(err)
	if wrapped == nil {
		return
	}
	if netErr, ok := wrapped.(net.Error); ok && netErr.Timeout() {
		return
	}
	if wrapped == context.Canceled || wrapped == context.DeadlineExceeded {
		return
	}

	s.updateDescription(description.NewServerFromError(s.address, err, desc.TopologyVersion))
	s.pool.clear()
}

// update runs the heartbeat loop for the server's lifetime.
func (s *Server) update() {
	defer s.closewg.Done()
	heartbeatTicker := time.NewTicker(s.cfg.heartbeatInterval)
	rateLimiter := time.NewTicker(minHeartbeatInterval)
	defer heartbeatTicker.Stop()
	defer rateLimiter.Stop()
	checkNow := s.checkNow
	done := s.done

	var conn *connection
	desc := s.heartbeat(nil, &conn)
	s.updateDescription(desc)

	closeServer := func() {
		s.subLock.Lock()
		for id, c := range s.subscribers {
			close(c)
			delete(s.subscribers, id)
		}
		s.subscriptionsClosed = true
		s.subLock.Unlock()
		if conn != nil {
			conn.Close()
		}
	}

	for {
		select {
		case <-done:
			closeServer()
			return
		default:
		}

		select {
		case <-heartbeatTicker.C:
		case <-checkNow:
		case <-done:
			closeServer()
			return
		}

		select {
		case <-rateLimiter.C:
		case <-done:
			closeServer()
			return
		}

		desc = s.heartbeat(conn, &conn)
		s.updateDescription(desc)
	}
}

// updateDescription folds desc through the topology callback (if any), caches it, and notifies
// subscribers.
func (s *Server) updateDescription(desc description.Server) {
	defer func() { _ = recover() }()

	if cb, ok := s.updateTopologyCallback.Load().(updateTopologyCallback); ok && cb != nil {
		desc = cb(desc)
	}
	s.desc.Store(desc)

	s.subLock.Lock()
	for _, c := range s.subscribers {
		select {
		case <-c:
		default:
		}
		c <- desc
	}
	s.subLock.Unlock()
}

// heartbeat sends a hello over conn (dialing a fresh one if conn is nil or expired) and returns
// the description.Server it observed. *connOut is updated to the connection used, so the caller
// can reuse it on the next tick.
func (s *Server) heartbeat(conn *connection, connOut **connection) description.Server {
	const maxRetry = 2
	var saved error
	var desc description.Server
	var set bool

	// Monitoring hellos must never carry a maxTimeMS derived from a surrounding deadline.
	ctx, cancel := context.WithCancel(csot.NewSkipMaxTimeContext(context.Background()))
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-s.disconnecting:
			cancel()
		}
	}()

	for attempt := 1; attempt <= maxRetry; attempt++ {
		if conn != nil && conn.expired() {
			conn.Close()
			conn = nil
		}

		var start time.Time
		if conn == nil {
			opts := []ConnectionOption{
				WithConnectTimeout(s.cfg.heartbeatTimeout),
				WithSocketTimeout(s.cfg.heartbeatTimeout),
				WithCompressors(s.cfg.compressionOpts),
			}
			opts = append(opts, s.cfg.connectionOpts...)
			opts = append(opts, WithHandshaker(s.handshake))

			start = time.Now()
			conn = newConnection(s.address, s.pool.getGeneration(), opts...)
			if err := conn.connect(ctx); err != nil {
				saved = err
				conn.Close()
				conn = nil
				s.pool.clear()
				if s.Description().Kind == description.Unknown {
					break
				}
				continue
			}
			desc = conn.desc
		} else {
			start = time.Now()
			op := operation.NewHello(s.cfg.appname, s.cfg.compressionOpts, s.cfg.loadBalanced).
				ClusterClock(s.cfg.clock).
				Deployment(driver.SingleConnectionDeployment{Conn: conn})
			if err := op.Execute(ctx); err != nil {
				saved = err
				conn.Close()
				conn = nil
				s.pool.clear()
				if s.Description().Kind == description.Unknown {
					break
				}
				continue
			}
			result, err := op.Result(s.address)
			if err != nil {
				saved = err
				continue
			}
			desc = result
		}

		delay := time.Since(start)
		desc.RTT = s.updateAverageRTT(delay)
		desc.RTTSet = true
		desc.HeartbeatInterval = s.cfg.heartbeatInterval
		set = true
		break
	}

	*connOut = conn
	if !set {
		return description.NewServerFromError(s.address, saved, s.Description().TopologyVersion)
	}
	return desc
}

// handshake is the Handshaker used for every freshly dialed connection, the heartbeat's and the
// pool's: it performs the hello command and reports the resulting description directly, with no
// auth step of its own.
func (s *Server) handshake(ctx context.Context, conn *connection) (description.Server, error) {
	op := operation.NewHello(s.cfg.appname, s.cfg.compressionOpts, s.cfg.loadBalanced).
		ClusterClock(s.cfg.clock).
		Deployment(driver.SingleConnectionDeployment{Conn: conn})
	if err := op.Execute(ctx); err != nil {
		return description.Server{}, err
	}
	return op.Result(s.address)
}

func (s *Server) updateAverageRTT(delay time.Duration) time.Duration {
	if !s.averageRTTSet {
		s.averageRTT = delay
		s.averageRTTSet = true
	} else {
		const alpha = 0.2
		s.averageRTT = time.Duration(alpha*float64(delay) + (1-alpha)*float64(s.averageRTT))
	}
	return s.averageRTT
}

// String implements fmt.Stringer.
func (s *Server) String() string {
	desc := s.Description()
	return fmt.Sprintf("Addr: %s, Type: %s, RTT: %s", s.address, desc.Kind, desc.RTT)
}

// ServerSubscription is a subscription to a Server's description.Server updates.
type ServerSubscription struct {
	C  <-chan description.Server
	s  *Server
	id uint64
}

// Unsubscribe cancels the subscription.
func (ss *ServerSubscription) Unsubscribe() error {
	ss.s.subLock.Lock()
	defer ss.s.subLock.Unlock()
	if ss.s.subscriptionsClosed {
		return nil
	}
	if ch, ok := ss.s.subscribers[ss.id]; ok {
		close(ch)
		delete(ss.s.subscribers, ss.id)
	}
	return nil
}

// pooledConnection wraps a pool-owned *connection so that Close returns it to the pool (or
// discards it, if it broke) instead of hard-closing the socket, and so read/write failures are
// reported to the owning Server's SDAM error classification.
type pooledConnection struct {
	*connection
	server  *Server
	broken  bool
	closeMu sync.Mutex
	closed  bool
}

func (pc *pooledConnection) WriteWireMessage(ctx context.Context, wm []byte) error {
	err := pc.connection.WriteWireMessage(ctx, wm)
	if err != nil {
		pc.broken = true
		pc.server.ProcessError(err, pc)
	}
	return err
}

func (pc *pooledConnection) ReadWireMessage(ctx context.Context, dst []byte) ([]byte, error) {
	out, err := pc.connection.ReadWireMessage(ctx, dst)
	if err != nil {
		pc.broken = true
		pc.server.ProcessError(err, pc)
	}
	return out, err
}

func (pc *pooledConnection) Close() error {
	pc.closeMu.Lock()
	defer pc.closeMu.Unlock()
	if pc.closed {
		return nil
	}
	pc.closed = true
	if pc.broken {
		pc.server.pool.discard(pc.connection)
	} else {
		pc.server.pool.put(pc.connection)
	}
	return nil
}

// unwrapConnectionError returns the underlying error wrapped by a ConnectionError or a network
// driver.Error, or nil if err does not wrap one.
func unwrapConnectionError(err error) error {
	var connErr ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Wrapped
	}
	var driverErr driver.Error
	if errors.As(err, &driverErr) && driverErr.NetworkError() {
		if errors.As(driverErr.Wrapped, &connErr) {
			return connErr.Wrapped
		}
	}
	return nil
}
