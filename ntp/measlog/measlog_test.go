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

package measlog

import (
	"bytes"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timewarden/ntpd/ntp/protocol"
)

func TestLogWritesOneLinePerEntry(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.Log(Entry{
		Time:    protocol.LocalInstant{Sec: 100, Nsec: 0},
		Remote:  netip.MustParseAddr("192.0.2.1"),
		Stratum: 2,
		Poll:    6,
		Offset:  0.001,
		Delay:   0.002,
	}))
	require.NoError(t, w.Log(Entry{
		Time:    protocol.LocalInstant{Sec: 101, Nsec: 0},
		Remote:  netip.MustParseAddr("192.0.2.1"),
		Stratum: 2,
		Poll:    6,
	}))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "192.0.2.1")
}
