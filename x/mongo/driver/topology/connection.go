// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mongocore/driver/x/compression"
	"github.com/mongocore/driver/x/mongo/driver"
	"github.com/mongocore/driver/x/mongo/driver/address"
	"github.com/mongocore/driver/x/mongo/driver/description"
)

// Authenticator runs a credential handshake (e.g. a SCRAM saslStart/saslContinue conversation)
// over a freshly connected connection before it's handed out as usable.
type Authenticator interface {
	Authenticate(ctx context.Context, conn driver.Connection) error
}

var globalConnectionID uint64

func nextConnectionID() uint64 { return atomic.AddUint64(&globalConnectionID, 1) }

// ConnectionError is returned for any failure establishing, handshaking, or using a connection.
// Init is true when the failure occurred before the connection was usable (dial or handshake),
// which tells the caller the server's pool should be invalidated rather than just this socket.
type ConnectionError struct {
	ConnectionID string
	Wrapped      error
	Init         bool
}

func (e ConnectionError) Error() string {
	return fmt.Sprintf("connection(%s): %s", e.ConnectionID, e.Wrapped)
}

// Unwrap implements the errors.Unwrap interface.
func (e ConnectionError) Unwrap() error { return e.Wrapped }

// Dialer opens a network connection, matching net.Dialer.DialContext's signature so a
// net.Dialer can be used directly.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// Handshaker negotiates the initial hello/isMaster exchange over a freshly dialed connection and
// reports the server description it observed.
type Handshaker func(ctx context.Context, conn *connection) (description.Server, error)

// ConnectionOption configures a connection at dial time.
type ConnectionOption func(*connectionConfig)

type connectionConfig struct {
	connectTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	tlsConfig      *tls.Config
	handshaker     Handshaker
	dialer         Dialer
	compressors    []string
	authenticator  Authenticator
}

func newConnectionConfig(opts ...ConnectionOption) *connectionConfig {
	cfg := &connectionConfig{
		connectTimeout: 30 * time.Second,
		readTimeout:    30 * time.Second,
		writeTimeout:   30 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}

// WithConnectTimeout bounds the initial dial.
func WithConnectTimeout(d time.Duration) ConnectionOption {
	return func(cfg *connectionConfig) { cfg.connectTimeout = d }
}

// WithSocketTimeout bounds every read and write performed over the connection.
func WithSocketTimeout(d time.Duration) ConnectionOption {
	return func(cfg *connectionConfig) { cfg.readTimeout, cfg.writeTimeout = d, d }
}

// WithTLSConfig enables TLS using cfg for connections established with this option.
func WithTLSConfig(cfg *tls.Config) ConnectionOption {
	return func(c *connectionConfig) { c.tlsConfig = cfg }
}

// WithHandshaker sets the function used to perform the connection's initial handshake.
func WithHandshaker(h Handshaker) ConnectionOption {
	return func(cfg *connectionConfig) { cfg.handshaker = h }
}

// WithDialer overrides how the underlying net.Conn is established, primarily for tests.
func WithDialer(d Dialer) ConnectionOption {
	return func(cfg *connectionConfig) { cfg.dialer = d }
}

// WithCompressors sets the compressors this connection offers during its handshake, in
// preference order. The compressor negotiateCompressor picks from the server's reply (the first
// one the server lists that this connection also offered and supports) is the one CompressMessage/DecompressMessage use for every subsequent wire message.
func WithCompressors(names []string) ConnectionOption {
	return func(cfg *connectionConfig) { cfg.compressors = names }
}

// WithAuthenticator sets the credential handshake run immediately after a successful hello
// handshake, before the connection is returned from connect.
func WithAuthenticator(a Authenticator) ConnectionOption {
	return func(cfg *connectionConfig) { cfg.authenticator = a }
}

// connection is a single TCP (or Unix domain socket) connection to a mongod/mongos, implementing
// driver.Connection.
type connection struct {
	id           string
	addr         address.Address
	nc           net.Conn
	desc         description.Server
	cfg          *connectionConfig
	generation   uint64
	idleDeadline time.Time
	compressor   compression.ID
}

func newConnection(addr address.Address, generation uint64, opts ...ConnectionOption) *connection {
	cfg := newConnectionConfig(opts...)
	return &connection{
		id:         fmt.Sprintf("%s[-%d]", addr, nextConnectionID()),
		addr:       addr,
		cfg:        cfg,
		generation: generation,
		desc:       description.NewDefaultServer(addr),
	}
}

// connect dials the socket and, if a handshaker is configured, performs the handshake. The
// resulting description.Server (if any) becomes this connection's Description().
func (c *connection) connect(ctx context.Context) error {
	dialer := c.cfg.dialer
	if dialer == nil {
		d := &net.Dialer{Timeout: c.cfg.connectTimeout}
		dialer = d.DialContext
	}

	network := "tcp"
	if strings.Contains(string(c.addr), "/") {
		network = "unix"
	}

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok && c.cfg.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.connectTimeout)
		defer cancel()
	}

	nc, err := dialer(dialCtx, network, c.addr.String())
	if err != nil {
		return ConnectionError{ConnectionID: c.id, Wrapped: err, Init: true}
	}
	if c.cfg.tlsConfig != nil {
		nc = tls.Client(nc, c.cfg.tlsConfig.Clone())
	}
	c.nc = nc

	if c.cfg.handshaker != nil {
		desc, err := c.cfg.handshaker(ctx, c)
		if err != nil {
			nc.Close()
			c.nc = nil
			return ConnectionError{ConnectionID: c.id, Wrapped: err, Init: true}
		}
		c.desc = desc
		c.compressor = c.negotiateCompressor()

		if c.cfg.authenticator != nil {
			if err := c.cfg.authenticator.Authenticate(ctx, c); err != nil {
				nc.Close()
				c.nc = nil
				return ConnectionError{ConnectionID: c.id, Wrapped: err, Init: true}
			}
		}
	}
	return nil
}

// negotiateCompressor picks the first compressor the server reported (in its preference order)
// that this connection also offered and knows how to speak.
func (c *connection) negotiateCompressor() compression.ID {
	mutual := make([]string, 0, len(c.desc.Compressors))
	for _, name := range c.desc.Compressors {
		if containsString(c.cfg.compressors, name) {
			mutual = append(mutual, name)
		}
	}
	return compression.Negotiate(mutual)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// WriteWireMessage implements driver.Connection.
func (c *connection) WriteWireMessage(ctx context.Context, wm []byte) error {
	if c.nc == nil {
		return ConnectionError{ConnectionID: c.id, Wrapped: fmt.Errorf("connection is closed")}
	}
	if err := c.setWriteDeadline(ctx); err != nil {
		return err
	}
	out, err := compression.CompressMessage(wm, c.compressor)
	if err != nil {
		return ConnectionError{ConnectionID: c.id, Wrapped: err}
	}
	if _, err := c.nc.Write(out); err != nil {
		return ConnectionError{ConnectionID: c.id, Wrapped: err}
	}
	return nil
}

// ReadWireMessage implements driver.Connection. The wire protocol's 4-byte little-endian length
// prefix tells us exactly how many more bytes to read.
func (c *connection) ReadWireMessage(ctx context.Context, dst []byte) ([]byte, error) {
	if c.nc == nil {
		return nil, ConnectionError{ConnectionID: c.id, Wrapped: fmt.Errorf("connection is closed")}
	}
	if err := c.setReadDeadline(ctx); err != nil {
		return nil, err
	}

	var sizeBuf [4]byte
	if _, err := io.ReadFull(c.nc, sizeBuf[:]); err != nil {
		return nil, ConnectionError{ConnectionID: c.id, Wrapped: err}
	}
	size := int32(binary.LittleEndian.Uint32(sizeBuf[:]))
	if size < 16 {
		return nil, ConnectionError{ConnectionID: c.id, Wrapped: fmt.Errorf("invalid wire message length %d", size)}
	}

	buf := make([]byte, size)
	copy(buf, sizeBuf[:])
	if _, err := io.ReadFull(c.nc, buf[4:]); err != nil {
		return nil, ConnectionError{ConnectionID: c.id, Wrapped: err}
	}
	raw, err := compression.DecompressMessage(buf)
	if err != nil {
		return nil, ConnectionError{ConnectionID: c.id, Wrapped: err}
	}
	return append(dst, raw...), nil
}

func (c *connection) setWriteDeadline(ctx context.Context) error {
	if dl, ok := ctx.Deadline(); ok {
		return c.nc.SetWriteDeadline(dl)
	}
	if c.cfg.writeTimeout > 0 {
		return c.nc.SetWriteDeadline(time.Now().Add(c.cfg.writeTimeout))
	}
	return c.nc.SetWriteDeadline(time.Time{})
}

func (c *connection) setReadDeadline(ctx context.Context) error {
	if dl, ok := ctx.Deadline(); ok {
		return c.nc.SetReadDeadline(dl)
	}
	if c.cfg.readTimeout > 0 {
		return c.nc.SetReadDeadline(time.Now().Add(c.cfg.readTimeout))
	}
	return c.nc.SetReadDeadline(time.Time{})
}

// Description implements driver.Connection.
func (c *connection) Description() description.Server { return c.desc }

// Close implements driver.Connection.
func (c *connection) Close() error {
	if c.nc == nil {
		return nil
	}
	return c.nc.Close()
}

// ID implements driver.Connection.
func (c *connection) ID() string { return c.id }

// DriverConnectionID implements driver.Connection, reporting the pool generation this connection
// was created under so a caller can detect it has since been cleared.
func (c *connection) DriverConnectionID() uint64 { return c.generation }

// expired reports whether the connection has sat idle past its pool's max idle time.
func (c *connection) expired() bool {
	return !c.idleDeadline.IsZero() && time.Now().After(c.idleDeadline)
}
