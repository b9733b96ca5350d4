// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package wiremessage implements the subset of the MongoDB wire protocol this driver speaks:
// OP_MSG framing (the only opcode used against wire version >= 6 servers) and OP_COMPRESSED
// wrapping for negotiated compressors.
package wiremessage

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
)

// OpCode identifies the wire protocol message type.
type OpCode int32

// Opcodes this driver sends or understands.
const (
	OpCompressed OpCode = 2012
	OpMsg        OpCode = 2013
)

var globalRequestID int32

// NextRequestID returns the next requestID to use when building a message header. Request IDs
// only need to be unique per connection in practice; a process-wide atomic counter satisfies
// that trivially.
func NextRequestID() int32 {
	return atomic.AddInt32(&globalRequestID, 1)
}

// MsgFlag is the OP_MSG flagBits bitmask.
type MsgFlag uint32

// OP_MSG flag bits.
const (
	ChecksumPresent MsgFlag = 1 << 0
	MoreToCome      MsgFlag = 1 << 1
	ExhaustAllowed  MsgFlag = 1 << 16
)

// SectionType identifies an OP_MSG section's kind.
type SectionType byte

// OP_MSG section types.
const (
	SingleDocument   SectionType = 0
	DocumentSequence SectionType = 1
)

// ErrMalformedMessage is returned when a wire message is truncated or otherwise doesn't parse.
var ErrMalformedMessage = errors.New("wiremessage: malformed message")

const headerLen = 16

// AppendHeaderStart appends a 16-byte message header (messageLength placeholder, requestID,
// responseTo, opCode) to dst and returns the index the length field will later be written at.
func AppendHeaderStart(dst []byte, requestID, responseTo int32, opcode OpCode) (int32, []byte) {
	idx := int32(len(dst))
	var b [headerLen]byte
	binary.LittleEndian.PutUint32(b[4:8], uint32(requestID))
	binary.LittleEndian.PutUint32(b[8:12], uint32(responseTo))
	binary.LittleEndian.PutUint32(b[12:16], uint32(opcode))
	return idx, append(dst, b[:]...)
}

// UpdateLength patches the 4-byte length field of the header starting at idx with length.
func UpdateLength(dst []byte, idx, length int32) []byte {
	binary.LittleEndian.PutUint32(dst[idx:idx+4], uint32(length))
	return dst
}

// AppendMsgFlags appends the OP_MSG flagBits field.
func AppendMsgFlags(dst []byte, flags MsgFlag) []byte {
	return appendu32(dst, uint32(flags))
}

// AppendMsgSectionType appends a single section-type byte.
func AppendMsgSectionType(dst []byte, t SectionType) []byte {
	return append(dst, byte(t))
}

func appendu32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func readu32(src []byte) (uint32, []byte, bool) {
	if len(src) < 4 {
		return 0, src, false
	}
	return binary.LittleEndian.Uint32(src), src[4:], true
}

func readi32(src []byte) (int32, []byte, bool) {
	v, rem, ok := readu32(src)
	return int32(v), rem, ok
}

// AppendMsgSectionDocumentSequence appends a type-1 OP_MSG section: the section-type byte, a
// length-prefixed block holding the NUL-terminated identifier, and the concatenated documents.
func AppendMsgSectionDocumentSequence(dst []byte, identifier string, docs [][]byte) []byte {
	dst = append(dst, byte(DocumentSequence))
	idx := int32(len(dst))
	dst = appendu32(dst, 0) // section size, patched below
	dst = append(dst, identifier...)
	dst = append(dst, 0x00)
	for _, doc := range docs {
		dst = append(dst, doc...)
	}
	return UpdateLength(dst, idx, int32(len(dst))-idx)
}

// ReadHeader reads the 16-byte message header from the front of src.
func ReadHeader(src []byte) (length, requestID, responseTo int32, opcode OpCode, rem []byte, ok bool) {
	if len(src) < headerLen {
		return 0, 0, 0, 0, src, false
	}
	length, rem, ok = readi32(src)
	if !ok {
		return
	}
	requestID, rem, ok = readi32(rem)
	if !ok {
		return
	}
	responseTo, rem, ok = readi32(rem)
	if !ok {
		return
	}
	var code int32
	code, rem, ok = readi32(rem)
	opcode = OpCode(code)
	return
}

// ReadMsgFlags reads the OP_MSG flagBits field.
func ReadMsgFlags(src []byte) (MsgFlag, []byte, bool) {
	v, rem, ok := readu32(src)
	return MsgFlag(v), rem, ok
}

// ReadMsgSectionType reads a single section-type byte.
func ReadMsgSectionType(src []byte) (SectionType, []byte, bool) {
	if len(src) < 1 {
		return 0, src, false
	}
	return SectionType(src[0]), src[1:], true
}

// ReadMsgSectionSingleDocument reads a type-0 OP_MSG section: exactly one BSON document.
func ReadMsgSectionSingleDocument(src []byte) (doc []byte, rem []byte, ok bool) {
	length, _, ok := readi32(src)
	if !ok || int(length) < 5 || int(length) > len(src) {
		return nil, src, false
	}
	return src[:length], src[length:], true
}

// ReadMsgSectionDocumentSequence reads a type-1 OP_MSG section: an identifier string followed
// by zero or more concatenated BSON documents.
func ReadMsgSectionDocumentSequence(src []byte) (identifier string, docs [][]byte, rem []byte, ok bool) {
	size, after, ok := readi32(src)
	if !ok || int(size) > len(src) {
		return "", nil, src, false
	}
	section := src[4:size]
	rem = src[size:]

	nullIdx := -1
	for i, b := range section {
		if b == 0x00 {
			nullIdx = i
			break
		}
	}
	if nullIdx < 0 {
		return "", nil, src, false
	}
	identifier = string(section[:nullIdx])
	remaining := section[nullIdx+1:]
	for len(remaining) > 0 {
		dlen, _, ok := readi32(remaining)
		if !ok || int(dlen) > len(remaining) {
			return "", nil, src, false
		}
		docs = append(docs, remaining[:dlen])
		remaining = remaining[dlen:]
	}
	_ = after
	return identifier, docs, rem, true
}
