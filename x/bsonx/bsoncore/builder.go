// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bsoncore

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/mongocore/driver/bson/primitive"
)

// inlineCapacity is the number of usable bytes in a DocumentBuilder's stack-allocated buffer
// before it transitions to a heap allocation.
const inlineCapacity = 120

// storage is the growable byte buffer shared by a DocumentBuilder and every CHILD builder
// opened from it. Sharing one storage (rather than copying bytes per level) is what lets a
// child's growth be visible to its ancestors without any of them holding a stale buffer.
type storage struct {
	heap   []byte
	inline [inlineCapacity]byte
	onHeap bool
	length int32 // number of meaningful bytes currently in the buffer
	rdonly bool
}

func newInlineStorage() *storage {
	s := &storage{}
	// An empty document is already valid BSON: int32 length (5) + terminator.
	binary.LittleEndian.PutUint32(s.inline[0:4], 5)
	s.inline[4] = 0x00
	s.length = 5
	return s
}

func (s *storage) bytes() []byte {
	if s.onHeap {
		return s.heap[:s.length]
	}
	return s.inline[:s.length]
}

// ensureCapacity grows the underlying allocation so that it can hold at least `need` bytes,
// transitioning from inline to heap storage on first overflow. It never shrinks, and caps
// growth at MaxDocumentSize.
func (s *storage) ensureCapacity(need int32) bool {
	if need > MaxDocumentSize {
		return false
	}
	if !s.onHeap {
		if int(need) <= len(s.inline) {
			return true
		}
		newCap := nextPowerOfTwo(need, 128)
		buf := make([]byte, newCap)
		copy(buf, s.inline[:s.length])
		s.heap = buf
		s.onHeap = true
		return true
	}
	if int(need) <= cap(s.heap) {
		if int(need) > len(s.heap) {
			s.heap = s.heap[:cap(s.heap)]
		}
		return true
	}
	newCap := nextPowerOfTwo(need, int32(cap(s.heap)))
	buf := make([]byte, newCap)
	copy(buf, s.heap[:s.length])
	s.heap = buf
	return true
}

// nextPowerOfTwo rounds need up to the next power of two, never returning less than floor.
func nextPowerOfTwo(need, floor int32) int32 {
	n := floor
	if n < 1 {
		n = 1
	}
	for n < need {
		if n >= MaxDocumentSize {
			return MaxDocumentSize
		}
		n *= 2
	}
	return n
}

// replaceTail drops the storage's last `drop` bytes (the innermost open frame's terminating
// 0x00 plus one trailing terminator per enclosing ancestor) and appends newTail in their place.
// This is how every append grows the document: the innermost frame's content always ends `drop`
// bytes before the end of the buffer, so "insert a field" is "replace those trailing
// terminators with (new field bytes + a fresh terminator per level)".
func (s *storage) replaceTail(drop int32, newTail []byte) bool {
	if s.rdonly {
		return false
	}
	newLength := s.length - drop + int32(len(newTail))
	if newLength > MaxDocumentSize {
		return false
	}
	if !s.ensureCapacity(newLength) {
		return false
	}
	buf := s.raw()
	copy(buf[s.length-drop:], newTail)
	s.length = newLength
	return true
}

func (s *storage) raw() []byte {
	if s.onHeap {
		return s.heap
	}
	return s.inline[:]
}

// DocumentBuilder incrementally constructs a BSON document (or, opened as a child, a nested
// subdocument/array) with append-only writes and strict size bounds. The zero value is not
// usable; construct one with NewDocumentBuilder.
type DocumentBuilder struct {
	store    *storage
	start    int32 // offset within store of this frame's int32 length prefix
	parent   *DocumentBuilder
	hasChild bool
	closed   bool
	readOnly bool
}

// NewDocumentBuilder returns an empty DocumentBuilder in inline storage mode.
func NewDocumentBuilder() *DocumentBuilder {
	return &DocumentBuilder{store: newInlineStorage(), start: 0}
}

// NewDocumentBuilderFromBytes wraps a borrowed, read-only byte slice. Any mutation attempt
// fails; the builder never reallocates.
func NewDocumentBuilderFromBytes(b []byte) *DocumentBuilder {
	s := &storage{heap: b, onHeap: true, length: int32(len(b)), rdonly: true}
	return &DocumentBuilder{store: s, start: 0, readOnly: true}
}

func (b *DocumentBuilder) frameLen() int32 {
	return int32(binary.LittleEndian.Uint32(b.store.raw()[b.start : b.start+4]))
}

func (b *DocumentBuilder) setFrameLen(n int32) {
	binary.LittleEndian.PutUint32(b.store.raw()[b.start:b.start+4], uint32(n))
}

// canMutate reports whether this frame may currently accept an append: it must not be
// read-only, not closed, and must not have an open child.
func (b *DocumentBuilder) canMutate() bool {
	return !b.readOnly && !b.store.rdonly && !b.closed && !b.hasChild
}

func validKey(key string) bool {
	return !strings.ContainsRune(key, 0)
}

// appendRaw performs the core append: replace the buffer's trailing terminators (this frame's
// plus one per enclosing ancestor) with `type_byte · key · NUL · payload` followed by fresh
// terminators, then patch the length prefix of this frame and every ancestor, since a child's
// bytes are counted by each level above it. On any failure the document is left exactly as it
// was.
func (b *DocumentBuilder) appendRaw(key string, t Type, payload []byte) bool {
	if !b.canMutate() {
		return false
	}
	if !validKey(key) {
		return false
	}
	if uint64(len(key)) > uint64(^uint32(0)) {
		return false
	}

	terms := b.depth() + 1
	tail := make([]byte, 0, 2+len(key)+len(payload)+int(terms))
	tail = append(tail, byte(t))
	tail = append(tail, key...)
	tail = append(tail, 0x00)
	tail = append(tail, payload...)
	for i := int32(0); i < terms; i++ {
		tail = append(tail, 0x00)
	}

	if !b.store.replaceTail(terms, tail) {
		return false
	}
	b.growFrames(int32(len(tail)) - terms)
	return true
}

// depth returns the number of ancestor frames enclosing b; 0 for a top-level builder.
func (b *DocumentBuilder) depth() int32 {
	var d int32
	for f := b.parent; f != nil; f = f.parent {
		d++
	}
	return d
}

// growFrames adds delta to this frame's declared length and to every ancestor's, keeping all
// enclosing length prefixes in sync with the bytes just written at the tail.
func (b *DocumentBuilder) growFrames(delta int32) {
	for f := b; f != nil; f = f.parent {
		f.setFrameLen(f.frameLen() + delta)
	}
}

// AppendDouble appends a double field.
func (b *DocumentBuilder) AppendDouble(key string, v float64) bool {
	return b.appendRaw(key, TypeDouble, appendFloat64(nil, v))
}

// AppendString appends a UTF-8 string field.
func (b *DocumentBuilder) AppendString(key string, v string) bool {
	return b.appendRaw(key, TypeString, appendLengthPrefixedString(nil, v))
}

// AppendBoolean appends a boolean field.
func (b *DocumentBuilder) AppendBoolean(key string, v bool) bool {
	var x byte
	if v {
		x = 1
	}
	return b.appendRaw(key, TypeBoolean, []byte{x})
}

// AppendInt32 appends an int32 field.
func (b *DocumentBuilder) AppendInt32(key string, v int32) bool {
	return b.appendRaw(key, TypeInt32, appendInt32(nil, v))
}

// AppendInt64 appends an int64 field.
func (b *DocumentBuilder) AppendInt64(key string, v int64) bool {
	return b.appendRaw(key, TypeInt64, appendInt64(nil, v))
}

// AppendDateTime appends a UTC datetime field (milliseconds since the Unix epoch).
func (b *DocumentBuilder) AppendDateTime(key string, v int64) bool {
	return b.appendRaw(key, TypeDateTime, appendInt64(nil, v))
}

// AppendTimestamp appends a timestamp field.
func (b *DocumentBuilder) AppendTimestamp(key string, t, i uint32) bool {
	payload := appendUint32(nil, i)
	payload = appendUint32(payload, t)
	return b.appendRaw(key, TypeTimestamp, payload)
}

// AppendNull appends a null field.
func (b *DocumentBuilder) AppendNull(key string) bool {
	return b.appendRaw(key, TypeNull, nil)
}

// AppendUndefined appends an undefined field.
func (b *DocumentBuilder) AppendUndefined(key string) bool {
	return b.appendRaw(key, TypeUndefined, nil)
}

// AppendMinKey appends a minkey field.
func (b *DocumentBuilder) AppendMinKey(key string) bool {
	return b.appendRaw(key, TypeMinKey, nil)
}

// AppendMaxKey appends a maxkey field.
func (b *DocumentBuilder) AppendMaxKey(key string) bool {
	return b.appendRaw(key, TypeMaxKey, nil)
}

// AppendObjectID appends an ObjectID field.
func (b *DocumentBuilder) AppendObjectID(key string, id primitive.ObjectID) bool {
	return b.appendRaw(key, TypeObjectID, append([]byte{}, id[:]...))
}

// AppendBinary appends a binary field. Subtype 0x02 ("binary-deprecated") is written with the
// extra length field the legacy encoding requires.
func (b *DocumentBuilder) AppendBinary(key string, subtype byte, data []byte) bool {
	var payload []byte
	if subtype == 0x02 {
		payload = appendInt32(nil, int32(len(data)+4))
		payload = append(payload, subtype)
		payload = appendInt32(payload, int32(len(data)))
		payload = append(payload, data...)
	} else {
		payload = appendInt32(nil, int32(len(data)))
		payload = append(payload, subtype)
		payload = append(payload, data...)
	}
	return b.appendRaw(key, TypeBinary, payload)
}

// regexOptionOrder is the canonical ascending order for regex option flags.
const regexOptionOrder = "ilmsux"

// canonicalRegexOptions deterministically reorders caller-supplied option flags into the
// canonical ascending order, dropping duplicates and unrecognized characters.
func canonicalRegexOptions(opts string) string {
	seen := map[byte]bool{}
	for i := 0; i < len(opts); i++ {
		seen[opts[i]] = true
	}
	out := make([]byte, 0, len(regexOptionOrder))
	for i := 0; i < len(regexOptionOrder); i++ {
		if seen[regexOptionOrder[i]] {
			out = append(out, regexOptionOrder[i])
		}
	}
	return string(out)
}

// AppendRegex appends a regular expression field, writing options in canonical order.
func (b *DocumentBuilder) AppendRegex(key, pattern, options string) bool {
	if !validKey(pattern) || !validKey(options) {
		return false
	}
	payload := append([]byte(pattern), 0x00)
	payload = append(payload, canonicalRegexOptions(options)...)
	payload = append(payload, 0x00)
	return b.appendRaw(key, TypeRegex, payload)
}

// AppendJavaScript appends a JavaScript-code field.
func (b *DocumentBuilder) AppendJavaScript(key, code string) bool {
	return b.appendRaw(key, TypeJavaScript, appendLengthPrefixedString(nil, code))
}

// AppendSymbol appends a (deprecated) symbol field.
func (b *DocumentBuilder) AppendSymbol(key, symbol string) bool {
	return b.appendRaw(key, TypeSymbol, appendLengthPrefixedString(nil, symbol))
}

// AppendDBPointer appends a (deprecated) DBPointer field.
func (b *DocumentBuilder) AppendDBPointer(key, ns string, id primitive.ObjectID) bool {
	payload := appendLengthPrefixedString(nil, ns)
	payload = append(payload, id[:]...)
	return b.appendRaw(key, TypeDBPointer, payload)
}

// AppendDecimal128 appends a decimal128 field.
func (b *DocumentBuilder) AppendDecimal128(key string, d primitive.Decimal128) bool {
	h, l := d.GetBytes()
	payload := appendUint64(nil, l)
	payload = appendUint64(payload, h)
	return b.appendRaw(key, TypeDecimal128, payload)
}

// AppendCodeWithScope appends a code-with-scope field. scope must be a finished document's
// bytes (e.g. from DocumentBuilder.Finish or Steal).
func (b *DocumentBuilder) AppendCodeWithScope(key, code string, scope []byte) bool {
	inner := appendLengthPrefixedString(nil, code)
	inner = append(inner, scope...)
	total := int32(4 + len(inner))
	payload := appendInt32(nil, total)
	payload = append(payload, inner...)
	return b.appendRaw(key, TypeCodeWithScope, payload)
}

// AppendDocument appends an already-built document as a field's value, e.g. for splicing a
// command reply's sub-document or a caller-supplied filter straight into the buffer.
func (b *DocumentBuilder) AppendDocument(key string, doc Document) bool {
	return b.appendRaw(key, TypeEmbeddedDocument, doc)
}

// AppendArray appends an already-built array as a field's value.
func (b *DocumentBuilder) AppendArray(key string, arr Array) bool {
	return b.appendRaw(key, TypeArray, arr)
}

// AppendValue appends v under key unchanged, preserving its original BSON type. This is used to
// pass a value through from one document to another, e.g. re-gossiping a $clusterTime payload.
func (b *DocumentBuilder) AppendValue(key string, v Value) bool {
	return b.appendRaw(key, v.Type, v.Data)
}

// AppendDocumentBegin opens a child DocumentBuilder for a nested document field. Exactly one
// child may be open on b at a time; mutating b in any way before the child is closed with
// AppendDocumentEnd/AppendArrayEnd is rejected.
func (b *DocumentBuilder) AppendDocumentBegin(key string) (*DocumentBuilder, bool) {
	return b.appendChildBegin(key, TypeEmbeddedDocument)
}

// AppendArrayBegin opens a child DocumentBuilder for a nested array field.
func (b *DocumentBuilder) AppendArrayBegin(key string) (*DocumentBuilder, bool) {
	return b.appendChildBegin(key, TypeArray)
}

func (b *DocumentBuilder) appendChildBegin(key string, kind Type) (*DocumentBuilder, bool) {
	if !b.canMutate() || !validKey(key) {
		return nil, false
	}

	placeholder := []byte{5, 0, 0, 0, 0} // an already-valid empty document/array
	terms := b.depth() + 1
	before := b.frameLen()
	tail := make([]byte, 0, 2+len(key)+len(placeholder)+int(terms))
	tail = append(tail, byte(kind))
	tail = append(tail, key...)
	tail = append(tail, 0x00)
	childStart := b.start + before - 1 + int32(len(tail))
	tail = append(tail, placeholder...)
	for i := int32(0); i < terms; i++ {
		tail = append(tail, 0x00)
	}

	if !b.store.replaceTail(terms, tail) {
		return nil, false
	}
	b.growFrames(int32(len(tail)) - terms)
	b.hasChild = true

	child := &DocumentBuilder{store: b.store, start: childStart, parent: b}
	return child, true
}

// AppendDocumentEnd closes a child opened with AppendDocumentBegin or AppendArrayBegin,
// returning control to the parent. The child must itself have no open child of its own.
func (b *DocumentBuilder) AppendDocumentEnd(child *DocumentBuilder) bool {
	if child == nil || child.parent != b || child.hasChild || child.closed {
		return false
	}
	child.closed = true
	b.hasChild = false
	return true
}

// AppendArrayEnd is an alias of AppendDocumentEnd kept for call-site clarity.
func (b *DocumentBuilder) AppendArrayEnd(child *DocumentBuilder) bool {
	return b.AppendDocumentEnd(child)
}

// IsOpen reports whether b currently has an open child.
func (b *DocumentBuilder) IsOpen() bool { return b.hasChild }

// Len returns the current declared length of this frame's document.
func (b *DocumentBuilder) Len() int32 { return b.frameLen() }

// Bytes returns this frame's current encoded bytes. It is only a well-formed, readable document
// when this frame has no open child; calling it mid-construction-of-a-child returns whatever
// placeholder bytes are currently reserved for that child.
func (b *DocumentBuilder) Bytes() []byte {
	raw := b.store.raw()
	return raw[b.start : b.start+b.frameLen()]
}

// Finish returns the completed top-level document as a Document. It is an error to call Finish
// while any child remains open.
func (b *DocumentBuilder) Finish() (Document, bool) {
	if b.parent != nil || b.hasChild {
		return nil, false
	}
	out := make([]byte, b.frameLen())
	copy(out, b.Bytes())
	return Document(out), true
}

// Steal transfers ownership of the builder's heap buffer out to the caller, leaving the
// builder itself invalid for further use. If the builder is still in inline storage mode (too
// small to have ever grown to the heap), a fresh copy is returned instead since there is no
// heap allocation to steal.
func (b *DocumentBuilder) Steal() (Document, bool) {
	if b.parent != nil || b.hasChild || b.store.rdonly {
		return nil, false
	}
	n := b.frameLen()
	var out Document
	if b.store.onHeap {
		out = Document(b.store.heap[:n])
	} else {
		cp := make([]byte, n)
		copy(cp, b.store.inline[:n])
		out = Document(cp)
	}
	b.closed = true
	b.store = &storage{rdonly: true}
	return out, true
}

func appendInt32(dst []byte, v int32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return append(dst, b[:]...)
}

func appendUint32(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendInt64(dst []byte, v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return append(dst, b[:]...)
}

func appendUint64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func appendFloat64(dst []byte, v float64) []byte {
	return appendUint64(dst, math.Float64bits(v))
}

func appendLengthPrefixedString(dst []byte, s string) []byte {
	dst = appendInt32(dst, int32(len(s)+1))
	dst = append(dst, s...)
	return append(dst, 0x00)
}
