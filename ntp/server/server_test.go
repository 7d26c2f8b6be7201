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

package server

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timewarden/ntpd/ntp/accessfilter"
	"github.com/timewarden/ntpd/ntp/accesslog"
	"github.com/timewarden/ntpd/ntp/cookie"
	"github.com/timewarden/ntpd/ntp/protocol"
)

type fakeClock struct{}

func (fakeClock) RootDelay() protocol.Seconds      { return 0 }
func (fakeClock) RootDispersion() protocol.Seconds { return 0 }
func (fakeClock) PrecisionLog2() int8              { return -20 }
func (fakeClock) LocalRefID() uint32               { return 0x7f000001 }
func (fakeClock) Leap() protocol.Leap              { return protocol.LeapNone }
func (fakeClock) Stratum() uint8                   { return 2 }

func basicRequest(now protocol.LocalInstant) *protocol.Header {
	return &protocol.Header{
		Leap:       protocol.LeapNone,
		Version:    4,
		Mode:       protocol.ModeClient,
		Stratum:    0,
		Poll:       6,
		Precision:  -20,
		TxTime:     protocol.LocalToNTP(now, 0),
		OriginTime: 0,
		RxTime:     0,
	}
}

func allowingHandler() *Handler {
	filter := accessfilter.New()
	filter.AddRule(netip.MustParsePrefix("203.0.113.0/24"), accessfilter.Allow)
	return NewHandler(filter, accesslog.New(4, 1000, 0), nil, nil, fakeClock{})
}

func TestHandleDropsWhenFiltered(t *testing.T) {
	filter := accessfilter.New() // default deny
	h := NewHandler(filter, accesslog.New(4, 1000, 0), nil, nil, fakeClock{})

	ip := netip.MustParseAddr("203.0.113.5")
	now := protocol.Now()
	reply := h.Handle(ip, basicRequest(now), &protocol.Trailer{}, nil, now)
	require.Nil(t, reply)
}

func TestHandleDropsUnknownMode(t *testing.T) {
	h := allowingHandler()
	ip := netip.MustParseAddr("203.0.113.5")
	now := protocol.Now()
	req := basicRequest(now)
	req.Mode = protocol.ModeBroadcast
	require.Nil(t, h.Handle(ip, req, &protocol.Trailer{}, nil, now))
}

func TestHandleRepliesToAllowedClient(t *testing.T) {
	h := allowingHandler()
	ip := netip.MustParseAddr("203.0.113.5")
	now := protocol.Now()
	req := basicRequest(now)
	reply := h.Handle(ip, req, &protocol.Trailer{}, nil, now)
	require.NotNil(t, reply)
	require.False(t, reply.Interleaved)

	parsed, err := protocol.HeaderFromBytes(reply.Bytes)
	require.NoError(t, err)
	require.Equal(t, protocol.ModeServer, parsed.Mode)
	require.Equal(t, req.TxTime, parsed.OriginTime)
	require.Equal(t, uint8(2), parsed.Stratum)
	require.Equal(t, reply.RxStamp, parsed.RxTime)
	require.Equal(t, reply.TxStamp, parsed.TxTime)
}

func TestHandlePeerRequestGetsPassiveReply(t *testing.T) {
	h := allowingHandler()
	ip := netip.MustParseAddr("203.0.113.5")
	now := protocol.Now()
	req := basicRequest(now)
	req.Mode = protocol.ModeSymmetricActive
	reply := h.Handle(ip, req, &protocol.Trailer{}, nil, now)
	require.NotNil(t, reply)

	parsed, err := protocol.HeaderFromBytes(reply.Bytes)
	require.NoError(t, err)
	require.Equal(t, protocol.ModeSymmetricPassive, parsed.Mode)
}

func TestHandleInterleavedEcho(t *testing.T) {
	h := allowingHandler()
	ip := netip.MustParseAddr("203.0.113.7")

	// First, a basic exchange to seed the log slot.
	now1 := protocol.Now()
	reply1 := h.Handle(ip, basicRequest(now1), &protocol.Trailer{}, nil, now1)
	require.NotNil(t, reply1)
	require.False(t, reply1.Interleaved)

	// The client now echoes our receive stamp as its origin.
	now2 := now1.Add(1_000_000) // +1ms
	req2 := basicRequest(now2)
	req2.OriginTime = reply1.RxStamp
	reply2 := h.Handle(ip, req2, &protocol.Trailer{}, nil, now2)
	require.NotNil(t, reply2)
	require.True(t, reply2.Interleaved)

	parsed2, err := protocol.HeaderFromBytes(reply2.Bytes)
	require.NoError(t, err)
	// Interleaved form: origin echoes the client's origin, transmit is
	// the previous exchange's actual send stamp.
	require.Equal(t, req2.OriginTime, parsed2.OriginTime)
	require.Equal(t, reply1.TxStamp, parsed2.TxTime)

	// The log slot holds this exchange's own receive/send stamps, ready
	// for the next interleaved round.
	rx, tx := h.Log.GetNtpTimestamps(reply2.LogIndex)
	require.Equal(t, reply2.RxStamp, *rx)
	require.Equal(t, reply2.TxStamp, *tx)
}

func ntsHandler(t *testing.T) (*Handler, *cookie.Ring) {
	t.Helper()
	filter := accessfilter.New()
	filter.AddRule(netip.MustParsePrefix("203.0.113.0/24"), accessfilter.Allow)
	ring := cookie.NewRing()
	require.NoError(t, ring.Bootstrap())
	return NewHandler(filter, accesslog.New(4, 1000, 0), nil, ring, fakeClock{}), ring
}

// ntsRequest serialises a client request carrying a unique identifier,
// one cookie, and n placeholders, returning the header, parsed trailer
// and full wire bytes the handler expects.
func ntsRequest(t *testing.T, ck, uniqueID []byte, placeholders int, now protocol.LocalInstant) (*protocol.Header, *protocol.Trailer, []byte) {
	t.Helper()
	hdr := basicRequest(now)
	body, err := hdr.Bytes()
	require.NoError(t, err)
	body = protocol.AppendExtension(body, protocol.ExtUniqueIdentifier, uniqueID)
	body = protocol.AppendExtension(body, protocol.ExtNtsCookie, ck)
	for i := 0; i < placeholders; i++ {
		body = protocol.AppendExtension(body, protocol.ExtNtsCookiePlaceholder, make([]byte, len(ck)))
	}
	trailer, err := protocol.ParseTrailer(body)
	require.NoError(t, err)
	require.Len(t, trailer.Extensions, 2+placeholders)
	return hdr, trailer, body
}

func TestHandleNtsCookieRequest(t *testing.T) {
	h, ring := ntsHandler(t)
	ip := netip.MustParseAddr("203.0.113.5")
	ctx := cookie.Context{C2S: []byte("0123456789abcdef"), S2C: []byte("fedcba9876543210")}
	ck, err := cookie.Generate(ring, ctx)
	require.NoError(t, err)

	uniqueID := []byte("0123456789abcdef0123456789abcdef")
	now := protocol.Now()
	hdr, trailer, body := ntsRequest(t, ck, uniqueID, 1, now)

	reply := h.Handle(ip, hdr, trailer, body, now)
	require.NotNil(t, reply)

	// The reply echoes the unique identifier and re-issues one cookie
	// per cookie spent or placeholder sent, each decodable to the same
	// session keys.
	replyTrailer, err := protocol.ParseTrailer(reply.Bytes)
	require.NoError(t, err)
	var gotID []byte
	var fresh [][]byte
	for _, ef := range replyTrailer.Extensions {
		switch ef.Type {
		case protocol.ExtUniqueIdentifier:
			gotID = ef.Body
		case protocol.ExtNtsCookie:
			fresh = append(fresh, ef.Body)
		}
	}
	require.Equal(t, uniqueID, gotID)
	require.Len(t, fresh, 2)
	for _, f := range fresh {
		got, err := cookie.Decode(ring, f)
		require.NoError(t, err)
		require.Equal(t, ctx.C2S, got.C2S)
		require.Equal(t, ctx.S2C, got.S2C)
	}
}

func TestHandleNtsCookieRejectsBadCookie(t *testing.T) {
	h, ring := ntsHandler(t)
	ip := netip.MustParseAddr("203.0.113.5")
	ctx := cookie.Context{C2S: []byte("0123456789abcdef"), S2C: []byte("fedcba9876543210")}
	ck, err := cookie.Generate(ring, ctx)
	require.NoError(t, err)

	// A tampered cookie fails the engine's decode and drops the request.
	ck[len(ck)-1] ^= 0x01
	now := protocol.Now()
	hdr, trailer, body := ntsRequest(t, ck, []byte("0123456789abcdef"), 0, now)
	require.Nil(t, h.Handle(ip, hdr, trailer, body, now))

	// So does a cookie whose key has rotated out of the ring.
	ck2, err := cookie.Generate(ring, ctx)
	require.NoError(t, err)
	for i := 0; i < cookie.MaxServerKeys; i++ {
		require.NoError(t, ring.Rotate())
	}
	hdr2, trailer2, body2 := ntsRequest(t, ck2, []byte("0123456789abcdef"), 0, now)
	require.Nil(t, h.Handle(ip, hdr2, trailer2, body2, now))
}

func TestProcessTxUnknownUpdatesLogSlot(t *testing.T) {
	h := allowingHandler()
	ip := netip.MustParseAddr("203.0.113.9")

	now := protocol.Now()
	reply := h.Handle(ip, basicRequest(now), &protocol.Trailer{}, nil, now)
	require.NotNil(t, reply)

	// A kernel stamp 1ms after the recorded send is accepted.
	require.True(t, h.ProcessTxUnknown(reply, now.Add(1_000_000)))

	// A second correction against the stale stamps is rejected: the
	// slot no longer holds the pair the reply recorded.
	require.False(t, h.ProcessTxUnknown(reply, now.Add(2_000_000)))
}

func TestProcessTxUnknownRejectsLateStamp(t *testing.T) {
	h := allowingHandler()
	ip := netip.MustParseAddr("203.0.113.10")

	now := protocol.Now()
	reply := h.Handle(ip, basicRequest(now), &protocol.Trailer{}, nil, now)
	require.NotNil(t, reply)

	// 50ms is beyond the correction window.
	require.False(t, h.ProcessTxUnknown(reply, now.Add(50_000_000)))
	// So is a stamp before the recorded send.
	require.False(t, h.ProcessTxUnknown(reply, now.Add(-1_000_000)))
}
