// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package readpref

import (
	"time"

	"github.com/mongocore/driver/x/mongo/driver/description"
)

// Selector returns a description.ServerSelector implementing rp's mode, tag set, and max
// staleness rules.
func Selector(rp *ReadPref) description.ServerSelector {
	if rp == nil {
		rp = Primary()
	}
	return description.ServerSelectorFunc(func(t description.Topology, svrs []description.Server) ([]description.Server, error) {
		candidates := modeFilter(rp.mode, t, svrs)

		if d, ok := rp.MaxStaleness(); ok {
			ss := description.StalenessSelector{MaxStaleness: d, HeartbeatFrequency: heartbeatFrequency(t)}
			var err error
			candidates, err = ss.SelectServer(t, candidates)
			if err != nil {
				return nil, err
			}
		}

		if rp.mode != PrimaryMode {
			tss := description.TagSetSelector{Sets: rp.TagSets()}
			var err error
			candidates, err = tss.SelectServer(t, candidates)
			if err != nil {
				return nil, err
			}
		}

		return candidates, nil
	})
}

// heartbeatFrequency returns the heartbeat interval configured on any known server, used as the
// staleness estimate's correction term; all servers in a deployment share the same interval.
func heartbeatFrequency(t description.Topology) (d time.Duration) {
	for _, s := range t.Servers {
		if s.HeartbeatInterval > 0 {
			return s.HeartbeatInterval
		}
	}
	return 10 * time.Second
}

// modeFilter narrows svrs to the kinds eligible under mode, given the topology's overall shape.
// Non-replica-set topologies (standalone, sharded, load balanced) ignore mode entirely: any
// known server is eligible, since there's no secondary/primary distinction to apply.
func modeFilter(mode Mode, t description.Topology, svrs []description.Server) []description.Server {
	if t.Kind == description.Single || t.Kind == description.Sharded || t.Kind == description.LoadBalanced {
		return svrs
	}

	var primaries, secondaries []description.Server
	for _, s := range svrs {
		switch s.Kind {
		case description.RSPrimary:
			primaries = append(primaries, s)
		case description.RSSecondary:
			secondaries = append(secondaries, s)
		}
	}

	switch mode {
	case PrimaryMode:
		return primaries
	case PrimaryPreferredMode:
		if len(primaries) > 0 {
			return primaries
		}
		return secondaries
	case SecondaryMode:
		return secondaries
	case SecondaryPreferredMode:
		if len(secondaries) > 0 {
			return secondaries
		}
		return primaries
	case NearestMode:
		return append(primaries, secondaries...)
	default:
		return nil
	}
}
