/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ratelog gates noisy log lines -- malformed packets, protocol
// version mismatches, transient I/O errors -- so a packet storm cannot
// flood the daemon's own logs. One Gate tracks one category of message.
package ratelog

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Gate suppresses repeats of the same category of log line closer
// than Every apart: protocol version mismatches, malformed packets and
// transient I/O errors are logged at most once per window.
type Gate struct {
	Every time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewGate returns a Gate that allows at most one message every d.
func NewGate(d time.Duration) *Gate {
	return &Gate{Every: d}
}

// Allow reports whether a message in this category may be logged now,
// and if so records the instant so the next call is gated.
func (g *Gate) Allow(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if now.Sub(g.last) < g.Every {
		return false
	}
	g.last = now
	return true
}

// Warnf logs at Warning level through logrus iff the gate allows it.
func (g *Gate) Warnf(format string, args ...any) {
	if g.Allow(time.Now()) {
		log.Warnf(format, args...)
	}
}
