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

package accesslog

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timewarden/ntpd/ntp/protocol"
)

func TestRateEstimatorConverges(t *testing.T) {
	l := New(4, 1e9, 0) // effectively no rate limiting while converging
	ip := netip.MustParseAddr("192.0.2.1")
	now := time.Now()
	interval := 250 * time.Millisecond
	var idx Index
	for i := 0; i < 40; i++ {
		idx = l.LogNtpAccess(ip, now)
		now = now.Add(interval)
	}
	rec := l.recordAt(idx)
	want := scaledLog2(interval)
	require.InDelta(t, int(want), int(rec.rate[CategoryNTP]), 1)
	require.LessOrEqual(t, rec.rate[CategoryNTP], int32(MaxRate))
	require.GreaterOrEqual(t, rec.rate[CategoryNTP], int32(MinRate))
}

func TestRateLimitMonotone(t *testing.T) {
	l := New(4, 2.0, 0)
	slow := netip.MustParseAddr("192.0.2.2")
	fast := netip.MustParseAddr("192.0.2.3")
	now := time.Now()

	var idxSlow, idxFast Index
	for i := 0; i < 20; i++ {
		idxSlow = l.LogNtpAccess(slow, now)
		now = now.Add(time.Second)
	}
	now = time.Now()
	for i := 0; i < 20; i++ {
		idxFast = l.LogNtpAccess(fast, now)
		now = now.Add(time.Millisecond)
	}

	require.False(t, l.LimitNtpResponseRate(idxSlow))
	require.True(t, l.LimitNtpResponseRate(idxFast))
}

func TestEvictionPicksOldestByLastHit(t *testing.T) {
	l := New(1, 1000, SlotSize) // one slot, budget blocks growth, forcing collisions
	now := time.Now()
	ips := make([]netip.Addr, SlotSize)
	for i := range ips {
		ips[i] = netip.AddrFrom4([4]byte{192, 0, 2, byte(10 + i)})
		l.LogNtpAccess(ips[i], now.Add(time.Duration(i)*time.Second))
	}
	// ips[0] is the oldest touched; inserting one more record should
	// evict it.
	newIP := netip.MustParseAddr("203.0.113.9")
	l.LogNtpAccess(newIP, now.Add(10*time.Second))

	_, ok := l.Lookup(ips[0])
	require.False(t, ok, "oldest record should have been evicted")
	for _, ip := range ips[1:] {
		_, ok := l.Lookup(ip)
		require.True(t, ok)
	}
}

func TestGrowthKeepsRecordsAddressable(t *testing.T) {
	l := New(1, 1000, 0) // unlimited budget, so the table doubles as it fills
	now := time.Now()
	for i := 0; i < 4*SlotSize; i++ {
		ip := netip.AddrFrom4([4]byte{198, 51, 100, byte(i)})
		idx := l.LogNtpAccess(ip, now)
		// The returned index must address the inserted record even when
		// this insert triggered a rehash.
		l.SetNtpTimestamps(idx, protocol.NtpTimestamp(1000+i), protocol.NtpTimestamp(2000+i))
		rx, tx := l.GetNtpTimestamps(idx)
		require.EqualValues(t, 1000+i, *rx)
		require.EqualValues(t, 2000+i, *tx)
	}
	for i := 0; i < 4*SlotSize; i++ {
		ip := netip.AddrFrom4([4]byte{198, 51, 100, byte(i)})
		_, ok := l.Lookup(ip)
		require.True(t, ok)
	}
}

func TestInterleavedTimestampBookkeeping(t *testing.T) {
	l := New(4, 1000, 0)
	ip := netip.MustParseAddr("198.51.100.1")
	idx := l.LogNtpAccess(ip, time.Now())
	l.SetNtpTimestamps(idx, 111, 222)
	rx, tx := l.GetNtpTimestamps(idx)
	require.EqualValues(t, 111, *rx)
	require.EqualValues(t, 222, *tx)
}
