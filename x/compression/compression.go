// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package compression implements OP_COMPRESSED wrapping and unwrapping for the compressors
// negotiated during the hello handshake.
package compression

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"

	"github.com/mongocore/driver/x/mongo/driver/wiremessage"
)

// ID identifies a wire-protocol compressor; its value is the compressor id byte carried in an
// OP_COMPRESSED message header.
type ID uint8

// Compressor ids this driver implements.
const (
	Noop ID = iota
	Snappy
	ZLib
)

// Name returns the string a hello command's `compression` array negotiates for id.
func (id ID) Name() string {
	switch id {
	case Snappy:
		return "snappy"
	case ZLib:
		return "zlib"
	default:
		return "noop"
	}
}

// IDForName parses a negotiated compressor name back into an ID. ok is false for a name this
// driver doesn't implement (zstd is advertised by no one here, since no pack dependency offers
// it); callers should treat that the same as "not negotiated".
func IDForName(name string) (id ID, ok bool) {
	switch name {
	case "snappy":
		return Snappy, true
	case "zlib":
		return ZLib, true
	case "", "noop":
		return Noop, true
	default:
		return Noop, false
	}
}

// Negotiate picks the first name in offered (the server's negotiated compressors, in its
// preference order) that this driver implements.
func Negotiate(offered []string) ID {
	for _, name := range offered {
		if id, ok := IDForName(name); ok && id != Noop {
			return id
		}
	}
	return Noop
}

// CompressMessage wraps a fully assembled wire message (header included) as OP_COMPRESSED using
// id. It is a no-op for Noop, so callers can call it unconditionally.
func CompressMessage(wm []byte, id ID) ([]byte, error) {
	if id == Noop {
		return wm, nil
	}
	_, requestID, responseTo, opcode, body, ok := wiremessage.ReadHeader(wm)
	if !ok {
		return nil, fmt.Errorf("compression: malformed message")
	}

	payload, err := compress(id, body)
	if err != nil {
		return nil, err
	}

	var dst []byte
	idx, dst := wiremessage.AppendHeaderStart(dst, requestID, responseTo, wiremessage.OpCompressed)
	dst = appendInt32(dst, int32(opcode))
	dst = appendInt32(dst, int32(len(body)))
	dst = append(dst, byte(id))
	dst = append(dst, payload...)
	dst = wiremessage.UpdateLength(dst, idx, int32(len(dst)-int(idx)))
	return dst, nil
}

// DecompressMessage unwraps wm if it's OP_COMPRESSED, restoring the original opcode and body; any
// other opcode is returned unchanged.
func DecompressMessage(wm []byte) ([]byte, error) {
	_, requestID, responseTo, opcode, body, ok := wiremessage.ReadHeader(wm)
	if !ok {
		return nil, fmt.Errorf("compression: malformed message")
	}
	if opcode != wiremessage.OpCompressed {
		return wm, nil
	}
	if len(body) < 9 {
		return nil, fmt.Errorf("compression: truncated OP_COMPRESSED body")
	}

	originalOpcode := wiremessage.OpCode(int32(binary.LittleEndian.Uint32(body[0:4])))
	uncompressedSize := int(binary.LittleEndian.Uint32(body[4:8]))
	id := ID(body[8])
	payload := body[9:]

	raw, err := decompress(id, payload, uncompressedSize)
	if err != nil {
		return nil, err
	}

	var dst []byte
	idx, dst := wiremessage.AppendHeaderStart(dst, requestID, responseTo, originalOpcode)
	dst = append(dst, raw...)
	dst = wiremessage.UpdateLength(dst, idx, int32(len(dst)-int(idx)))
	return dst, nil
}

func compress(id ID, src []byte) ([]byte, error) {
	switch id {
	case Snappy:
		return snappy.Encode(nil, src), nil
	case ZLib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(src); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("compression: unsupported compressor id %d", id)
	}
}

func decompress(id ID, src []byte, uncompressedSize int) ([]byte, error) {
	switch id {
	case Snappy:
		return snappy.Decode(make([]byte, 0, uncompressedSize), src)
	case ZLib:
		r, err := zlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		buf := bytes.NewBuffer(make([]byte, 0, uncompressedSize))
		if _, err := io.Copy(buf, r); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("compression: unsupported compressor id %d", id)
	}
}

func appendInt32(dst []byte, v int32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return append(dst, b[:]...)
}
