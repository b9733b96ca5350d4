// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import (
	"fmt"
	"os"
	"time"
)

// osSink is the fallback LogSink used when the caller supplies none: line-oriented output to an
// *os.File (stderr by default).
type osSink struct {
	out *os.File
}

func newOSSink(out *os.File) *osSink {
	return &osSink{out: out}
}

// Info implements LogSink.
func (s *osSink) Info(_ int, msg string, keysAndValues ...interface{}) {
	fmt.Fprintf(s.out, "%s %s", time.Now().UTC().Format(time.RFC3339), msg)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fmt.Fprintf(s.out, " %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	fmt.Fprintln(s.out)
}
