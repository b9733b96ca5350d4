// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package readpref defines read preference modes and the ReadPref value used to configure
// server selection for read operations.
package readpref

import (
	"errors"
	"time"

	"github.com/mongocore/driver/x/mongo/driver/description"
)

// Mode indicates which kind(s) of replica set member a read may target.
type Mode uint8

// Read preference modes.
const (
	PrimaryMode Mode = iota
	PrimaryPreferredMode
	SecondaryMode
	SecondaryPreferredMode
	NearestMode
)

// ErrInvalidTagSet is returned when a tag set contains an invalid combination of options, or
// when MaxStaleness / tag sets are combined with PrimaryMode, which have no meaning there.
var ErrInvalidTagSet = errors.New("readpref: primary mode cannot be combined with tag sets or max staleness")

// ReadPref describes the read preference for an operation: the preferred Mode, an ordered list
// of tag set alternatives, and an optional max staleness bound.
type ReadPref struct {
	mode         Mode
	tagSets      description.TagSet
	maxStaleness time.Duration
	hasMaxStale  bool
}

// Option configures a ReadPref at construction time.
type Option func(*ReadPref) error

// WithTagSets sets the ordered tag set alternatives to filter candidate servers by.
func WithTagSets(tagSets ...description.Tags) Option {
	return func(rp *ReadPref) error {
		rp.tagSets = description.TagSet(tagSets)
		return nil
	}
}

// WithMaxStaleness sets the maximum replication lag, relative to the most up-to-date secondary,
// that a secondary may have and still be considered eligible.
func WithMaxStaleness(d time.Duration) Option {
	return func(rp *ReadPref) error {
		rp.maxStaleness = d
		rp.hasMaxStale = true
		return nil
	}
}

func new_(mode Mode, opts ...Option) (*ReadPref, error) {
	rp := &ReadPref{mode: mode}
	for _, opt := range opts {
		if err := opt(rp); err != nil {
			return nil, err
		}
	}
	if mode == PrimaryMode && (len(rp.tagSets) > 0 || rp.hasMaxStale) {
		return nil, ErrInvalidTagSet
	}
	return rp, nil
}

// Primary returns the Primary read preference: reads are only ever routed to the primary.
func Primary() *ReadPref { rp, _ := new_(PrimaryMode); return rp }

// PrimaryPreferred returns a read preference that prefers the primary, falling back to a
// secondary if no primary is available.
func PrimaryPreferred(opts ...Option) (*ReadPref, error) { return new_(PrimaryPreferredMode, opts...) }

// Secondary returns a read preference that only routes to secondaries.
func Secondary(opts ...Option) (*ReadPref, error) { return new_(SecondaryMode, opts...) }

// SecondaryPreferred returns a read preference that prefers a secondary, falling back to the
// primary if no secondary is available.
func SecondaryPreferred(opts ...Option) (*ReadPref, error) { return new_(SecondaryPreferredMode, opts...) }

// Nearest returns a read preference that selects from any data-bearing member based on latency
// alone, ignoring primary/secondary status.
func Nearest(opts ...Option) (*ReadPref, error) { return new_(NearestMode, opts...) }

// Mode returns rp's mode.
func (rp *ReadPref) Mode() Mode { return rp.mode }

// TagSets returns rp's tag set alternatives.
func (rp *ReadPref) TagSets() description.TagSet { return rp.tagSets }

// MaxStaleness returns rp's max staleness bound and whether one was set.
func (rp *ReadPref) MaxStaleness() (time.Duration, bool) { return rp.maxStaleness, rp.hasMaxStale }

// String renders the mode as the wire-protocol string used in a $readPreference document.
func (m Mode) String() string {
	switch m {
	case PrimaryMode:
		return "primary"
	case PrimaryPreferredMode:
		return "primaryPreferred"
	case SecondaryMode:
		return "secondary"
	case SecondaryPreferredMode:
		return "secondaryPreferred"
	case NearestMode:
		return "nearest"
	default:
		return "unknown"
	}
}
