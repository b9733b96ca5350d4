// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

// sessionsWireVersion is the minimum wire version a server must report to support logical
// sessions (MongoDB 3.6+).
const sessionsWireVersion = 6

// SessionsSupported reports whether a server with the given wire version range supports
// logical sessions.
func SessionsSupported(wv *VersionRange) bool {
	return wv != nil && wv.Max >= sessionsWireVersion
}
