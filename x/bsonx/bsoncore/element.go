// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bsoncore

import (
	"fmt"

	"github.com/mongocore/driver/bson/primitive"
)

// Element is a single `type_byte · cstring_key · type_specific_payload` encoded field, as a
// contiguous slice of the document that contains it.
type Element []byte

// ReadElement reads a single element from the front of src, returning the element bytes and
// whatever remains of src after it.
func ReadElement(src []byte) (Element, []byte, bool) {
	if len(src) < 2 {
		return nil, src, false
	}
	t := Type(src[0])
	_, rem, ok := readcstring(src[1:])
	if !ok {
		return nil, src, false
	}
	valLen, ok := valueLength(t, rem)
	if !ok {
		return nil, src, false
	}
	total := len(src) - len(rem) + valLen
	if total > len(src) {
		return nil, src, false
	}
	return Element(src[:total]), src[total:], true
}

// Type returns the element's value type.
func (e Element) Type() Type {
	if len(e) == 0 {
		return 0
	}
	return Type(e[0])
}

// Key returns the element's key.
func (e Element) Key() string {
	if len(e) < 2 {
		return ""
	}
	k, _, ok := readcstring(e[1:])
	if !ok {
		return ""
	}
	return k
}

// Value returns the element's value as a typed Value view.
func (e Element) Value() Value {
	if len(e) < 2 {
		return Value{}
	}
	_, rem, ok := readcstring(e[1:])
	if !ok {
		return Value{}
	}
	return Value{Type: e.Type(), Data: rem}
}

// Validate checks that the element is internally well-formed (its key has no interior NUL and
// its value decodes without running off the end of the element).
func (e Element) Validate() error {
	if len(e) < 2 {
		return NewInsufficientBytesError(e, e)
	}
	_, rem, ok := readcstring(e[1:])
	if !ok {
		return ErrInteriorNull
	}
	return Value{Type: e.Type(), Data: rem}.Validate()
}

// String renders the element as `"key": value`.
func (e Element) String() string {
	return fmt.Sprintf("%q: %s", e.Key(), e.Value().String())
}

// DebugString is an alias for String kept for parity with Array/Document's debug helpers.
func (e Element) DebugString() string { return e.String() }

// Value is a typed, read-only view over a single BSON value's encoded bytes. Data holds exactly
// the type-specific payload (the bytes after the type byte and key); it must not be retained
// past the next mutation of the buffer it was read from.
type Value struct {
	Type Type
	Data []byte
}

// valueLength returns the number of payload bytes (not including the type byte or key) that a
// value of type t occupies at the front of src.
func valueLength(t Type, src []byte) (int, bool) {
	switch t {
	case TypeDouble, TypeDateTime, TypeTimestamp, TypeInt64:
		return 8, len(src) >= 8
	case TypeDecimal128:
		return 16, len(src) >= 16
	case TypeInt32:
		return 4, len(src) >= 4
	case TypeBoolean:
		return 1, len(src) >= 1
	case TypeNull, TypeUndefined, TypeMinKey, TypeMaxKey:
		return 0, true
	case TypeObjectID:
		return 12, len(src) >= 12
	case TypeString, TypeJavaScript, TypeSymbol:
		l, _, ok := readi32(src)
		if !ok {
			return 0, false
		}
		return 4 + int(l), int(l) >= 0 && 4+int(l) <= len(src)
	case TypeEmbeddedDocument, TypeArray:
		l, _, ok := readi32(src)
		if !ok {
			return 0, false
		}
		return int(l), int(l) >= 5 && int(l) <= len(src)
	case TypeCodeWithScope:
		l, _, ok := readi32(src)
		if !ok {
			return 0, false
		}
		return int(l), int(l) >= 9 && int(l) <= len(src)
	case TypeBinary:
		l, rem, ok := readi32(src)
		if !ok || l < 0 {
			return 0, false
		}
		total := 4 + 1 + int(l)
		if len(rem) < 1 {
			return 0, false
		}
		return total, total <= len(src)
	case TypeRegex:
		_, rem, ok := readcstring(src)
		if !ok {
			return 0, false
		}
		_, rem2, ok := readcstring(rem)
		if !ok {
			return 0, false
		}
		return len(src) - len(rem2), true
	case TypeDBPointer:
		l, rem, ok := readi32(src)
		if !ok {
			return 0, false
		}
		total := 4 + int(l) + 12
		return total, total <= len(src) && len(rem) >= int(l)+12
	default:
		return 0, false
	}
}

// Validate checks that v's Data is exactly the length its type requires and, for container
// types, that the contained document/array/scope is itself valid.
func (v Value) Validate() error {
	n, ok := valueLength(v.Type, v.Data)
	if !ok {
		return NewInsufficientBytesError(v.Data, v.Data)
	}
	if n != len(v.Data) {
		return lengthError("value", n, len(v.Data))
	}
	switch v.Type {
	case TypeEmbeddedDocument:
		return Document(v.Data).Validate()
	case TypeArray:
		return Array(v.Data).Validate()
	case TypeCodeWithScope:
		_, _, scope, ok := v.CodeWithScope()
		if !ok {
			return NewInsufficientBytesError(v.Data, v.Data)
		}
		return Document(scope).Validate()
	}
	return nil
}

// Double returns v as a float64; ok is false if v is not TypeDouble.
func (v Value) Double() (float64, bool) {
	if v.Type != TypeDouble {
		return 0, false
	}
	f, _, ok := readf64(v.Data)
	return f, ok
}

// StringValue returns v as a string; ok is false if v is not TypeString.
func (v Value) StringValue() (string, bool) {
	if v.Type != TypeString {
		return "", false
	}
	s, _, ok := readLengthPrefixedString(v.Data)
	return s, ok
}

// Document returns v as a Document; ok is false if v is not TypeEmbeddedDocument.
func (v Value) Document() (Document, bool) {
	if v.Type != TypeEmbeddedDocument {
		return nil, false
	}
	return Document(v.Data), true
}

// Array returns v as an Array; ok is false if v is not TypeArray.
func (v Value) Array() (Array, bool) {
	if v.Type != TypeArray {
		return nil, false
	}
	return Array(v.Data), true
}

// Binary returns v's subtype and payload; ok is false if v is not TypeBinary.
func (v Value) Binary() (subtype byte, data []byte, ok bool) {
	if v.Type != TypeBinary {
		return 0, nil, false
	}
	l, rem, readOK := readi32(v.Data)
	if !readOK || l < 0 {
		return 0, nil, false
	}
	subtype = rem[0]
	rem = rem[1:]
	if subtype == 0x02 {
		// binary-deprecated: a second length field precedes the bytes.
		l2, rem2, ok2 := readi32(rem)
		if !ok2 || int(l2) != len(rem2) {
			return 0, nil, false
		}
		return subtype, rem2, true
	}
	if int(l) > len(rem) {
		return 0, nil, false
	}
	return subtype, rem[:l], true
}

// ObjectID returns v as a primitive.ObjectID; ok is false if v is not TypeObjectID.
func (v Value) ObjectID() (primitive.ObjectID, bool) {
	if v.Type != TypeObjectID {
		return primitive.ObjectID{}, false
	}
	id, _, ok := objectIDFromBytes(v.Data)
	return id, ok
}

// Boolean returns v as a bool; ok is false if v is not TypeBoolean.
func (v Value) Boolean() (bool, bool) {
	if v.Type != TypeBoolean || len(v.Data) < 1 {
		return false, false
	}
	return v.Data[0] != 0x00, true
}

// DateTime returns v as milliseconds since the Unix epoch; ok is false if v is not TypeDateTime.
func (v Value) DateTime() (int64, bool) {
	if v.Type != TypeDateTime {
		return 0, false
	}
	i, _, ok := readi64(v.Data)
	return i, ok
}

// Regex returns v's pattern and options; ok is false if v is not TypeRegex.
func (v Value) Regex() (pattern, options string, ok bool) {
	if v.Type != TypeRegex {
		return "", "", false
	}
	p, rem, readOK := readcstring(v.Data)
	if !readOK {
		return "", "", false
	}
	o, _, readOK := readcstring(rem)
	return p, o, readOK
}

// DBPointer returns v's namespace and referenced ObjectID; ok is false if v is not TypeDBPointer.
func (v Value) DBPointer() (ns string, id primitive.ObjectID, ok bool) {
	if v.Type != TypeDBPointer {
		return "", id, false
	}
	s, rem, readOK := readLengthPrefixedString(v.Data)
	if !readOK {
		return "", id, false
	}
	oid, _, readOK := objectIDFromBytes(rem)
	return s, oid, readOK
}

// JavaScript returns v as a code string; ok is false if v is not TypeJavaScript.
func (v Value) JavaScript() (string, bool) {
	if v.Type != TypeJavaScript {
		return "", false
	}
	s, _, ok := readLengthPrefixedString(v.Data)
	return s, ok
}

// Symbol returns v as a symbol string; ok is false if v is not TypeSymbol.
func (v Value) Symbol() (string, bool) {
	if v.Type != TypeSymbol {
		return "", false
	}
	s, _, ok := readLengthPrefixedString(v.Data)
	return s, ok
}

// CodeWithScope returns v's total length, code, and scope document.
func (v Value) CodeWithScope() (total int32, code string, scope Document, ok bool) {
	if v.Type != TypeCodeWithScope {
		return 0, "", nil, false
	}
	l, rem, readOK := readi32(v.Data)
	if !readOK {
		return 0, "", nil, false
	}
	c, rem, readOK := readLengthPrefixedString(rem)
	if !readOK {
		return 0, "", nil, false
	}
	return l, c, Document(rem), true
}

// Int32 returns v as an int32; ok is false if v is not TypeInt32.
func (v Value) Int32() (int32, bool) {
	if v.Type != TypeInt32 {
		return 0, false
	}
	i, _, ok := readi32(v.Data)
	return i, ok
}

// Timestamp returns v's (t, i) pair; ok is false if v is not TypeTimestamp.
func (v Value) Timestamp() (t, i uint32, ok bool) {
	if v.Type != TypeTimestamp {
		return 0, 0, false
	}
	iVal, rem, readOK := readu32(v.Data)
	if !readOK {
		return 0, 0, false
	}
	tVal, _, readOK := readu32(rem)
	return tVal, iVal, readOK
}

// Int64 returns v as an int64; ok is false if v is not TypeInt64.
func (v Value) Int64() (int64, bool) {
	if v.Type != TypeInt64 {
		return 0, false
	}
	i, _, ok := readi64(v.Data)
	return i, ok
}

// Decimal128 returns v as a primitive.Decimal128; ok is false if v is not TypeDecimal128.
func (v Value) Decimal128() (primitive.Decimal128, bool) {
	if v.Type != TypeDecimal128 || len(v.Data) < 16 {
		return primitive.Decimal128{}, false
	}
	l, _, _ := readu64(v.Data)
	h, _, _ := readu64(v.Data[8:])
	return primitive.NewDecimal128(h, l), true
}

// String renders v for diagnostics.
func (v Value) String() string {
	switch v.Type {
	case TypeDouble:
		f, _ := v.Double()
		return fmt.Sprintf("%v", f)
	case TypeString:
		s, _ := v.StringValue()
		return fmt.Sprintf("%q", s)
	case TypeEmbeddedDocument:
		d, _ := v.Document()
		return d.String()
	case TypeArray:
		a, _ := v.Array()
		return a.String()
	case TypeBinary:
		st, data, _ := v.Binary()
		return fmt.Sprintf("Binary(subtype=%d, %d bytes)", st, len(data))
	case TypeObjectID:
		id, _ := v.ObjectID()
		return id.String()
	case TypeBoolean:
		b, _ := v.Boolean()
		return fmt.Sprintf("%v", b)
	case TypeDateTime:
		d, _ := v.DateTime()
		return fmt.Sprintf("DateTime(%d)", d)
	case TypeNull:
		return "null"
	case TypeUndefined:
		return "undefined"
	case TypeRegex:
		p, o, _ := v.Regex()
		return fmt.Sprintf("/%s/%s", p, o)
	case TypeInt32:
		i, _ := v.Int32()
		return fmt.Sprintf("%d", i)
	case TypeInt64:
		i, _ := v.Int64()
		return fmt.Sprintf("%d", i)
	case TypeTimestamp:
		t, i, _ := v.Timestamp()
		return fmt.Sprintf("Timestamp(%d, %d)", t, i)
	case TypeDecimal128:
		d, _ := v.Decimal128()
		return d.String()
	case TypeMinKey:
		return "MinKey"
	case TypeMaxKey:
		return "MaxKey"
	default:
		return fmt.Sprintf("<%s>", v.Type)
	}
}

// IsZero reports whether v is the zero Value (no type set).
func (v Value) IsZero() bool { return v.Type == 0 && v.Data == nil }
