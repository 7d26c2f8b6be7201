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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timewarden/ntpd/ntp/protocol"
)

func TestLocalClockStartsUnsynchronised(t *testing.T) {
	c := NewLocalClock(-20, 0xc0000201)
	require.Equal(t, protocol.MaxStratum, int(c.Stratum()))
	require.Equal(t, protocol.LeapUnsynchronised, c.Leap())
	require.Equal(t, int8(-20), c.PrecisionLog2())
	require.Equal(t, uint32(0xc0000201), c.LocalRefID())
}

func TestLocalClockUpdateFromSource(t *testing.T) {
	c := NewLocalClock(-20, 0)
	c.UpdateFromSource(2, 0.001, 0.002)
	require.Equal(t, uint8(3), c.Stratum())
	require.Equal(t, protocol.LeapNone, c.Leap())
	require.Equal(t, protocol.Seconds(0.001), c.RootDelay())
	require.Equal(t, protocol.Seconds(0.002), c.RootDispersion())

	// A source already at the stratum ceiling cannot push us past it.
	c.UpdateFromSource(255, 0, 0)
	require.Equal(t, uint8(protocol.MaxStratum), c.Stratum())

	c.SetUnsynchronized()
	require.Equal(t, uint8(protocol.MaxStratum), c.Stratum())
	require.Equal(t, protocol.LeapUnsynchronised, c.Leap())
}
