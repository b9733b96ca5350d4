// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package bsoncore

import "strconv"

// Array is a BSON array: a document whose keys are "0", "1", "2", ... in order.
type Array []byte

// NewArrayFromReader reads a length-prefixed BSON array from the front of src.
func NewArrayFromReader(src []byte) (Array, []byte, error) {
	d, rem, err := NewDocumentFromReader(src)
	return Array(d), rem, err
}

// Len returns the declared length of a.
func (a Array) Len() int32 { return Document(a).Len() }

// Index retrieves the element at the given index. It panics if the array is malformed or the
// index is out of bounds; callers that can't guarantee either should use IndexErr.
func (a Array) Index(index uint) Element {
	elem, err := a.IndexErr(index)
	if err != nil {
		panic(err)
	}
	return elem
}

// IndexErr retrieves the element at the given index.
func (a Array) IndexErr(index uint) (Element, error) {
	elems, err := Document(a).Elements()
	if err != nil {
		return nil, err
	}
	if index >= uint(len(elems)) {
		return nil, ErrElementNotFound
	}
	return elems[index], nil
}

// Values returns a's elements as a slice of Values, in index order.
func (a Array) Values() ([]Value, error) {
	elems, err := Document(a).Elements()
	if err != nil {
		return nil, err
	}
	vals := make([]Value, len(elems))
	for i, elem := range elems {
		vals[i] = elem.Value()
	}
	return vals, nil
}

// Validate validates a the same way Document.Validate does, additionally checking that keys are
// the expected "0", "1", "2", ... sequence.
func (a Array) Validate() error {
	elems, err := Document(a).Elements()
	if err != nil {
		return err
	}
	if len(a) < 5 || a[len(a)-1] != 0x00 {
		return ErrMissingNull
	}
	if int(a.Len()) != len(a) {
		return lengthError("array", int(a.Len()), len(a))
	}
	for i, elem := range elems {
		if elem.Key() != strconv.Itoa(i) {
			return lengthError("array index key", i, -1)
		}
		if err := elem.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// String outputs a debug rendering of a, e.g. `[1, "two", 3]`.
func (a Array) String() string {
	elems, err := Document(a).Elements()
	if err != nil {
		return ""
	}
	out := "["
	for i, elem := range elems {
		if i > 0 {
			out += ", "
		}
		out += elem.Value().String()
	}
	return out + "]"
}

// DebugString is an alias for String kept for parity with Document's debug helper.
func (a Array) DebugString() string { return a.String() }
