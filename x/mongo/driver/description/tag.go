// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

// Tag is a single name/value pair from a server's replica set tag configuration.
type Tag struct {
	Name  string
	Value string
}

// Tags is an ordered set of Tag values describing a replica set member, e.g. {dc: "ny", rack: "1"}.
type Tags []Tag

// ContainsAll reports whether t has a matching Name/Value pair for every tag in other. An empty
// other always matches.
func (t Tags) ContainsAll(other Tags) bool {
	for _, want := range other {
		found := false
		for _, have := range t {
			if have.Name == want.Name && have.Value == want.Value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// TagSet is a list of alternative Tags sets; a server matches a TagSet if it matches any one of
// the sets within it (logical OR). TagSetSelector tries the sets in order, first to last, and
// keeps the candidates matching the first set that any candidate matches.
type TagSet []Tags
