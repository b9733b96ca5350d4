// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package bsoncore is the wire-level BSON document model: a length-prefixed, little-endian
// byte encoding, a growable document builder with inline and heap storage modes, and a
// read-only iterator over encoded documents and arrays. It deliberately has no knowledge of Go
// struct tags or reflection; that lives one layer up, outside this core.
package bsoncore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/mongocore/driver/bson/primitive"
)

// Type identifies the wire type of a BSON value.
type Type byte

// The BSON value types, identified by their wire type byte.
const (
	TypeDouble           Type = 0x01
	TypeString           Type = 0x02
	TypeEmbeddedDocument Type = 0x03
	TypeArray            Type = 0x04
	TypeBinary           Type = 0x05
	TypeUndefined        Type = 0x06
	TypeObjectID         Type = 0x07
	TypeBoolean          Type = 0x08
	TypeDateTime         Type = 0x09
	TypeNull             Type = 0x0A
	TypeRegex            Type = 0x0B
	TypeDBPointer        Type = 0x0C
	TypeJavaScript       Type = 0x0D
	TypeSymbol           Type = 0x0E
	TypeCodeWithScope    Type = 0x0F
	TypeInt32            Type = 0x10
	TypeTimestamp        Type = 0x11
	TypeInt64            Type = 0x12
	TypeDecimal128       Type = 0x13
	TypeMinKey           Type = 0xFF
	TypeMaxKey           Type = 0x7F
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeEmbeddedDocument:
		return "embedded document"
	case TypeArray:
		return "array"
	case TypeBinary:
		return "binary"
	case TypeUndefined:
		return "undefined"
	case TypeObjectID:
		return "objectID"
	case TypeBoolean:
		return "boolean"
	case TypeDateTime:
		return "UTC datetime"
	case TypeNull:
		return "null"
	case TypeRegex:
		return "regex"
	case TypeDBPointer:
		return "dbPointer"
	case TypeJavaScript:
		return "javascript"
	case TypeSymbol:
		return "symbol"
	case TypeCodeWithScope:
		return "code with scope"
	case TypeInt32:
		return "32-bit integer"
	case TypeTimestamp:
		return "timestamp"
	case TypeInt64:
		return "64-bit integer"
	case TypeDecimal128:
		return "128-bit decimal"
	case TypeMinKey:
		return "min key"
	case TypeMaxKey:
		return "max key"
	default:
		return fmt.Sprintf("<unknown bson type %v>", byte(t))
	}
}

// MaxDocumentSize is the maximum number of bytes a single document (including its own length
// prefix and terminator) may occupy.
const MaxDocumentSize = 16 * 1024 * 1024

// Errors returned while reading or validating BSON bytes.
var (
	ErrMissingNull       = errors.New("bsoncore: document does not end with a null byte")
	ErrInvalidLength     = errors.New("bsoncore: invalid document length")
	ErrInteriorNull      = errors.New("bsoncore: key contains an interior null byte")
	ErrDocumentTooLarge  = errors.New("bsoncore: document would exceed the maximum BSON document size")
	ErrNilReader         = errors.New("bsoncore: cannot read from a nil source")
	ErrEmptyKey          = errors.New("bsoncore: key must not be empty")
	ErrElementNotFound   = errors.New("bsoncore: element not found")
	ErrUninitializedType = errors.New("bsoncore: value has an uninitialized type")
)

// InsufficientBytesError is returned when a buffer does not contain enough bytes to decode the
// value being read.
type InsufficientBytesError struct {
	Source []byte
	Remain []byte
}

// NewInsufficientBytesError constructs an InsufficientBytesError for the given source and
// remaining unread bytes.
func NewInsufficientBytesError(src, remain []byte) InsufficientBytesError {
	return InsufficientBytesError{Source: src, Remain: remain}
}

func (e InsufficientBytesError) Error() string {
	return "bsoncore: insufficient bytes to read a complete value"
}

type lengthErr struct {
	name     string
	declared int
	actual   int
}

func lengthError(name string, declared, actual int) error {
	return lengthErr{name: name, declared: declared, actual: actual}
}

func (e lengthErr) Error() string {
	return "bsoncore: " + e.name + " length read as " + strconv.Itoa(e.declared) +
		" but buffer has " + strconv.Itoa(e.actual) + " bytes"
}

// Document is a BSON document as raw, wire-format bytes: an int32 length prefix, the element
// sequence, and a terminating 0x00 byte. It supports reading only; use DocumentBuilder to
// construct one.
type Document []byte

// NewDocumentFromReader reads a length-prefixed BSON document from the front of src.
func NewDocumentFromReader(src []byte) (Document, []byte, error) {
	length, _, ok := ReadLength(src)
	if !ok {
		return nil, src, NewInsufficientBytesError(src, src)
	}
	if int(length) > len(src) || length < 5 {
		return nil, src, lengthError("document", int(length), len(src))
	}
	return Document(src[:length]), src[length:], nil
}

// Len returns the declared length of d (the int32 prefix value), not len(d).
func (d Document) Len() int32 {
	if len(d) < 4 {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(d[0:4]))
}

// Validate checks that d's declared length matches its buffer length, that it is
// null-terminated, and that every element within it is individually well-formed.
func (d Document) Validate() error {
	length, rem, ok := ReadLength(d)
	if !ok {
		return NewInsufficientBytesError(d, rem)
	}
	if int(length) != len(d) {
		return lengthError("document", int(length), len(d))
	}
	if d[len(d)-1] != 0x00 {
		return ErrMissingNull
	}

	length -= 4
	var elem Element
	for length > 1 {
		elem, rem, ok = ReadElement(rem)
		if !ok {
			return NewInsufficientBytesError(d, rem)
		}
		length -= int32(len(elem))
		if err := elem.Validate(); err != nil {
			return err
		}
	}
	if len(rem) < 1 || rem[0] != 0x00 {
		return ErrMissingNull
	}
	return nil
}

// Elements returns the top-level elements of d in encoded order.
func (d Document) Elements() ([]Element, error) {
	length, rem, ok := ReadLength(d)
	if !ok {
		return nil, NewInsufficientBytesError(d, rem)
	}
	length -= 4

	var elems []Element
	for length > 1 {
		elem, r, ok := ReadElement(rem)
		if !ok {
			return nil, NewInsufficientBytesError(d, rem)
		}
		length -= int32(len(elem))
		rem = r
		elems = append(elems, elem)
	}
	return elems, nil
}

// Lookup finds the element with the given top-level key, returning a zero Value if not present.
func (d Document) Lookup(key string) Value {
	v, _ := d.LookupErr(key)
	return v
}

// LookupErr finds the element with the given top-level key.
func (d Document) LookupErr(key string) (Value, error) {
	elems, err := d.Elements()
	if err != nil {
		return Value{}, err
	}
	for _, elem := range elems {
		if elem.Key() == key {
			return elem.Value(), nil
		}
	}
	return Value{}, ErrElementNotFound
}

// Index returns the i'th top-level element of d.
func (d Document) Index(i uint) (Element, error) {
	elems, err := d.Elements()
	if err != nil {
		return nil, err
	}
	if int(i) >= len(elems) {
		return nil, ErrElementNotFound
	}
	return elems[i], nil
}

// String returns an extended-JSON-ish debug rendering; it is for diagnostics only and is not
// the canonical extended-JSON format.
func (d Document) String() string {
	elems, err := d.Elements()
	if err != nil {
		return "<malformed>"
	}
	out := "{"
	for i, elem := range elems {
		if i > 0 {
			out += ", "
		}
		out += elem.String()
	}
	return out + "}"
}

// ReadLength reads a 4-byte little-endian length prefix from the front of src.
func ReadLength(src []byte) (int32, []byte, bool) {
	return readi32(src)
}

func readi32(src []byte) (int32, []byte, bool) {
	if len(src) < 4 {
		return 0, src, false
	}
	return int32(binary.LittleEndian.Uint32(src[0:4])), src[4:], true
}

func readi64(src []byte) (int64, []byte, bool) {
	if len(src) < 8 {
		return 0, src, false
	}
	return int64(binary.LittleEndian.Uint64(src[0:8])), src[8:], true
}

func readu32(src []byte) (uint32, []byte, bool) {
	if len(src) < 4 {
		return 0, src, false
	}
	return binary.LittleEndian.Uint32(src[0:4]), src[4:], true
}

func readu64(src []byte) (uint64, []byte, bool) {
	if len(src) < 8 {
		return 0, src, false
	}
	return binary.LittleEndian.Uint64(src[0:8]), src[8:], true
}

func readf64(src []byte) (float64, []byte, bool) {
	i, rem, ok := readu64(src)
	if !ok {
		return 0, src, false
	}
	return math.Float64frombits(i), rem, true
}

// readcstring reads a NUL-terminated string (no length prefix).
func readcstring(src []byte) (string, []byte, bool) {
	idx := indexNull(src)
	if idx < 0 {
		return "", src, false
	}
	return string(src[:idx]), src[idx+1:], true
}

func indexNull(b []byte) int {
	for i, c := range b {
		if c == 0x00 {
			return i
		}
	}
	return -1
}

// readLengthPrefixedString reads a `int32 length_including_nul · bytes · 0x00` string value.
func readLengthPrefixedString(src []byte) (string, []byte, bool) {
	length, rem, ok := readi32(src)
	if !ok || length < 1 || int(length) > len(rem) {
		return "", src, false
	}
	b := rem[:length]
	if b[length-1] != 0x00 {
		return "", src, false
	}
	return string(b[:length-1]), rem[length:], true
}

// ObjectIDFromBytes reads a 12-byte ObjectID from the front of src.
func objectIDFromBytes(src []byte) (primitive.ObjectID, []byte, bool) {
	var id primitive.ObjectID
	if len(src) < 12 {
		return id, src, false
	}
	copy(id[:], src[:12])
	return id, src[12:], true
}
