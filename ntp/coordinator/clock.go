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

package coordinator

import (
	"sync"

	"github.com/timewarden/ntpd/ntp/protocol"
)

// LocalClock is the narrow, exported view of the clock subsystem that
// both ntp/source and ntp/server need (RootDelay, RootDispersion,
// PrecisionLog2, LocalRefID, plus the server path's Leap/Stratum). The
// real PLL/FLL discipline is out of scope (ntp/discipline is itself a
// stand-in), so LocalClock just tracks the advertised stratum/leap/root
// distance derived from whichever source last produced an accumulated
// sample -- it does not steer a system clock.
type LocalClock struct {
	mu sync.RWMutex

	precisionLog2 int8
	refID         uint32

	stratum        uint8
	leap           protocol.Leap
	rootDelay      protocol.Seconds
	rootDispersion protocol.Seconds
}

// NewLocalClock returns a LocalClock starting unsynchronised at
// stratum 16, so replies sent before the first accumulated sample
// advertise no synchronisation.
func NewLocalClock(precisionLog2 int8, refID uint32) *LocalClock {
	return &LocalClock{
		precisionLog2: precisionLog2,
		refID:         refID,
		stratum:       protocol.MaxStratum,
		leap:          protocol.LeapUnsynchronised,
	}
}

// RootDelay implements source.ClockInfo and server.ClockInfo.
func (c *LocalClock) RootDelay() protocol.Seconds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rootDelay
}

// RootDispersion implements source.ClockInfo and server.ClockInfo.
func (c *LocalClock) RootDispersion() protocol.Seconds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rootDispersion
}

// PrecisionLog2 implements source.ClockInfo and server.ClockInfo.
func (c *LocalClock) PrecisionLog2() int8 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.precisionLog2
}

// LocalRefID implements source.ClockInfo and server.ClockInfo.
func (c *LocalClock) LocalRefID() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refID
}

// Leap implements server.ClockInfo.
func (c *LocalClock) Leap() protocol.Leap {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leap
}

// Stratum implements server.ClockInfo.
func (c *LocalClock) Stratum() uint8 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stratum
}

// UpdateFromSource advances the advertised stratum/root distance after
// an accumulated sample from a source at remoteStratum, with the
// source's own delay/dispersion folded into the root figures the way
// discipline.Sample.RootDelay/RootDispersion already compute them.
func (c *LocalClock) UpdateFromSource(remoteStratum uint8, rootDelay, rootDispersion protocol.Seconds) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stratum := remoteStratum + 1
	if stratum == 0 || stratum > protocol.MaxStratum {
		stratum = protocol.MaxStratum
	}
	c.stratum = stratum
	c.leap = protocol.LeapNone
	c.rootDelay = rootDelay
	c.rootDispersion = rootDispersion
}

// SetUnsynchronized reverts to the unreachable/unsynchronised state,
// called when the selected source is lost and no other is available.
func (c *LocalClock) SetUnsynchronized() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stratum = protocol.MaxStratum
	c.leap = protocol.LeapUnsynchronised
}
