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

package source

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timewarden/ntpd/ntp/discipline"
	"github.com/timewarden/ntpd/ntp/protocol"
	"github.com/timewarden/ntpd/ntp/scheduler"
)

type fakeTransport struct {
	sent [][]byte
}

func (f *fakeTransport) Reopen(netip.AddrPort) error { return nil }
func (f *fakeTransport) Close()                      {}
func (f *fakeTransport) Send(pkt []byte) error {
	f.sent = append(f.sent, pkt)
	return nil
}

type fakeClock struct{}

func (fakeClock) RootDelay() protocol.Seconds      { return 0.001 }
func (fakeClock) RootDispersion() protocol.Seconds { return 0.001 }
func (fakeClock) PrecisionLog2() int8              { return -20 }
func (fakeClock) LocalRefID() uint32               { return 0 }
func (fakeClock) Stratum() uint8                   { return 3 }

func TestCreateClampsPoll(t *testing.T) {
	remote := netip.MustParseAddrPort("192.0.2.1:123")
	s := Create(remote, KindServer, Params{MinPoll: -5, MaxPoll: 99}, nil, 0)
	require.Equal(t, MinPoll, s.minpoll)
	require.Equal(t, MaxPoll, s.maxpoll)
	require.Equal(t, Offline, s.Mode)
}

func TestOperatingModeFSM(t *testing.T) {
	remote := netip.MustParseAddrPort("192.0.2.1:123")
	s := Create(remote, KindServer, Params{MinPoll: 6, MaxPoll: 10}, nil, 0)
	sched := scheduler.New(nil)

	fired := false
	s.TakeOnline(sched, func() { fired = true })
	require.Equal(t, Online, s.Mode)
	_ = fired

	s.InitiateBurst(sched, 2, 4, func() {})
	require.Equal(t, BurstWasOnline, s.Mode)

	s.TakeOffline(sched)
	require.Equal(t, BurstWasOffline, s.Mode)

	s.TakeOnline(sched, func() {})
	require.Equal(t, BurstWasOnline, s.Mode)
}

func TestSlewTimesReprojectsLocalStamps(t *testing.T) {
	remote := netip.MustParseAddrPort("192.0.2.1:123")
	s := Create(remote, KindServer, Params{MinPoll: 6, MaxPoll: 10}, nil, 0)

	s.LocalRx = protocol.LocalInstant{Sec: 100}
	s.LocalTx = protocol.LocalInstant{Sec: 110}
	when := protocol.LocalInstant{Sec: 90}

	// A pure negative offset shifts both stamps back by half a second.
	s.SlewTimes(when, 0, -0.5)
	require.Equal(t, protocol.LocalInstant{Sec: 99, Nsec: 500000000}, s.LocalRx)
	require.Equal(t, protocol.LocalInstant{Sec: 109, Nsec: 500000000}, s.LocalTx)

	// An unset stamp stays unset rather than picking up the correction.
	s.LocalRx = protocol.LocalInstant{}
	s.SlewTimes(when, 0, 1.0)
	require.Equal(t, protocol.LocalInstant{}, s.LocalRx)
}

func TestTransmitThenReceiveRoundTrip(t *testing.T) {
	remote := netip.MustParseAddrPort("192.0.2.1:123")
	disc := discipline.New()
	handle := disc.NewSource()
	s := Create(remote, KindServer, Params{
		MinPoll: 6, MaxPoll: 10,
		Thresholds: Thresholds{MaxDelay: 1, MaxDelayRatio: 0, MaxDelayDevRatio: 10},
	}, nil, handle)
	sched := scheduler.New(nil)
	transport := &fakeTransport{}
	clock := fakeClock{}

	s.Mode = Online
	err := s.Transmit(sched, transport, clock, nil, false, func() {}, func() {})
	require.NoError(t, err)
	require.Len(t, transport.sent, 1)

	sentHdr, err := protocol.HeaderFromBytes(transport.sent[0])
	require.NoError(t, err)

	// Build a server reply that echoes our transmit timestamp as
	// originate, as a compliant server would.
	now := protocol.Now()
	reply := &protocol.Header{
		Leap:           protocol.LeapNone,
		Version:        4,
		Mode:           protocol.ModeServer,
		Stratum:        2,
		Poll:           6,
		Precision:      -20,
		RootDelay:      protocol.SecondsToShort(0.001),
		RootDispersion: protocol.SecondsToShort(0.001),
		RefTime:        sentHdr.TxTime,
		OriginTime:     sentHdr.TxTime,
		RxTime:         protocol.LocalToNTP(now, 0),
		TxTime:         protocol.LocalToNTP(now, 0),
	}
	body, err := reply.Bytes()
	require.NoError(t, err)

	rr := s.ProcessRxKnown(sched, transport, disc, nil, clock, ClockModeNormal, 3, reply, &protocol.Trailer{}, body, now, 0, func() {})
	require.True(t, rr.Tests.Valid(), "reply echoing our transmit timestamp should be valid")
	require.True(t, rr.Tests.Synced())
}
