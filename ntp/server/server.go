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

// Package server implements the unsolicited-request (unknown-source)
// server path: access filtering, rate limiting, authentication, and
// the interleaved-mode reply construction.
package server

import (
	"math"
	"net/netip"
	"time"

	"github.com/timewarden/ntpd/ntp/accessfilter"
	"github.com/timewarden/ntpd/ntp/accesslog"
	"github.com/timewarden/ntpd/ntp/cookie"
	"github.com/timewarden/ntpd/ntp/keys"
	"github.com/timewarden/ntpd/ntp/protocol"
	"github.com/timewarden/ntpd/ntp/ratelog"
)

// ClockInfo is the narrow clock-subsystem view the server path needs
// to stamp replies.
type ClockInfo interface {
	RootDelay() protocol.Seconds
	RootDispersion() protocol.Seconds
	PrecisionLog2() int8
	LocalRefID() uint32
	Leap() protocol.Leap
	Stratum() uint8
}

// Handler owns the collaborators the server path reads and mutates on
// every unsolicited request.
type Handler struct {
	Filter  *accessfilter.Filter
	Log     *accesslog.Log
	Keys    *keys.Store
	Cookies *cookie.Ring
	Clock   ClockInfo
	Drops   *ratelog.Gate
}

func NewHandler(filter *accessfilter.Filter, log *accesslog.Log, store *keys.Store, ring *cookie.Ring, clock ClockInfo) *Handler {
	return &Handler{Filter: filter, Log: log, Keys: store, Cookies: ring, Clock: clock, Drops: ratelog.NewGate(10 * time.Second)}
}

func responseMode(m protocol.Mode) (protocol.Mode, bool) {
	switch m {
	case protocol.ModeClient:
		return protocol.ModeServer, true
	case protocol.ModeSymmetricActive:
		return protocol.ModeSymmetricPassive, true
	default:
		return 0, false
	}
}

// Reply is the outcome of a handled request: the wire bytes plus the
// log-slot bookkeeping a later transmit-timestamp correction needs.
type Reply struct {
	Bytes       []byte
	LogIndex    accesslog.Index
	RxStamp     protocol.NtpTimestamp
	TxStamp     protocol.NtpTimestamp
	Interleaved bool
}

// maxTxDelay bounds how far a kernel-reported transmit timestamp may
// trail the recorded send instant and still replace it.
const maxTxDelay = protocol.Seconds(0.010)

// Handle processes a packet that arrived on a server socket and matched
// no configured Source: access filter, rate limit, authentication echo,
// interleaved-or-basic reply construction. It returns nil to drop
// silently.
func (h *Handler) Handle(remoteIP netip.Addr, pkt *protocol.Header, trailer *protocol.Trailer, body []byte, now protocol.LocalInstant) *Reply {
	if !h.Filter.IsAllowed(remoteIP) {
		return nil
	}

	replyMode, ok := responseMode(pkt.Mode)
	if !ok {
		return nil
	}

	idx := h.Log.LogNtpAccess(remoteIP, now.Time())

	if h.Log.LimitNtpResponseRate(idx) {
		return nil
	}

	authOK, echoKeyID, unauthenticated := h.checkAuth(trailer, body)
	if !authOK {
		return nil
	}

	// NTS: a request carrying a cookie extension field authenticates
	// through the cookie engine instead of a symmetric MAC. The decoded
	// session keys prove the client completed key establishment; the
	// reply re-issues one cookie per cookie spent or placeholder sent.
	ntsCtx, uniqueID, reissue, ntsOK := h.checkNtsCookie(trailer)
	if !ntsOK {
		return nil
	}

	// Interleaved echo: the client put our previous receive stamp in
	// its origin field, and we still remember the matching send stamp.
	// The reply then carries the previous exchange's actual transmit
	// time instead of a fresh read, letting the client use the
	// kernel-corrected stamp for the preceding packet.
	prevRx, prevTx := h.Log.GetNtpTimestamps(idx)
	precision := h.Clock.PrecisionLog2()
	receive := protocol.LocalToNTP(now, math.Exp2(float64(precision)))
	actualTx := protocol.LocalToNTP(now, 0)

	var origin, transmit protocol.NtpTimestamp
	interleaved := prevRx != nil && *prevRx == pkt.OriginTime && prevTx != nil && !prevTx.IsZero()
	if interleaved {
		origin = pkt.OriginTime
		transmit = *prevTx
	} else {
		origin = pkt.TxTime
		transmit = actualTx
	}

	reply := &protocol.Header{
		Leap:           h.Clock.Leap(),
		Version:        pkt.Version,
		Mode:           replyMode,
		Stratum:        h.Clock.Stratum(),
		Poll:           pkt.Poll,
		Precision:      precision,
		RootDelay:      protocol.SecondsToShort(h.Clock.RootDelay()),
		RootDispersion: protocol.SecondsToShort(h.Clock.RootDispersion()),
		ReferenceID:    h.Clock.LocalRefID(),
		RefTime:        protocol.LocalToNTP(now, 0),
		OriginTime:     origin,
		RxTime:         receive,
		TxTime:         transmit,
	}
	out, err := reply.Bytes()
	if err != nil {
		h.Drops.Warnf("server: building reply for %s: %v", remoteIP, err)
		return nil
	}

	if ntsCtx != nil {
		if len(uniqueID) > 0 {
			out = protocol.AppendExtension(out, protocol.ExtUniqueIdentifier, uniqueID)
		}
		for i := 0; i < reissue; i++ {
			ck, err := cookie.Generate(h.Cookies, *ntsCtx)
			if err != nil {
				h.Drops.Warnf("server: issuing cookie for %s: %v", remoteIP, err)
				return nil
			}
			out = protocol.AppendExtension(out, protocol.ExtNtsCookie, ck)
		}
	}

	if !unauthenticated && echoKeyID != 0 && h.Keys != nil {
		var idBuf [4]byte
		idBuf[0] = byte(echoKeyID >> 24)
		idBuf[1] = byte(echoKeyID >> 16)
		idBuf[2] = byte(echoKeyID >> 8)
		idBuf[3] = byte(echoKeyID)
		signed := append(out, idBuf[:]...)
		mac, err := h.Keys.Generate(echoKeyID, signed)
		if err == nil {
			out = append(signed, mac...)
		}
	}

	// Remember this exchange's receive stamp and actual send stamp for
	// the client's next (possibly interleaved) request.
	h.Log.SetNtpTimestamps(idx, receive, actualTx)

	return &Reply{
		Bytes:       out,
		LogIndex:    idx,
		RxStamp:     receive,
		TxStamp:     actualTx,
		Interleaved: interleaved,
	}
}

// ProcessTxUnknown folds a better (kernel/NIC) transmit timestamp,
// reported after the reply left the socket, into the client's log slot
// so the next interleaved response carries the corrected stamp. The
// update is dropped if the new stamp does not trail the recorded one by
// [0, maxTxDelay], or if the slot has since been overwritten by another
// exchange.
func (h *Handler) ProcessTxUnknown(r *Reply, ts protocol.LocalInstant) bool {
	newTx := protocol.LocalToNTP(ts, 0)
	d := protocol.Diff(newTx, r.TxStamp)
	if d < 0 || d > maxTxDelay {
		return false
	}
	return h.Log.UpdateNtpTxTimestamp(r.LogIndex, r.RxStamp, r.TxStamp, newTx)
}

// checkNtsCookie runs the cookie-engine side of an NTS request: the
// first cookie extension field is decoded under the server key ring,
// recovering the session-key pair the reply's fresh cookies are bound
// to. A request without a cookie field passes through untouched; a
// cookie that fails to decode (rotated-out key, tampering) means the
// client must re-establish, so the request is dropped. reissue counts
// the spent cookie plus any placeholders, keeping the client's cookie
// pool level.
func (h *Handler) checkNtsCookie(trailer *protocol.Trailer) (ctx *cookie.Context, uniqueID []byte, reissue int, ok bool) {
	if trailer == nil {
		return nil, nil, 0, true
	}
	placeholders := 0
	for _, ef := range trailer.Extensions {
		switch ef.Type {
		case protocol.ExtUniqueIdentifier:
			uniqueID = ef.Body
		case protocol.ExtNtsCookie:
			if ctx != nil {
				continue
			}
			if h.Cookies == nil {
				return nil, nil, 0, false
			}
			decoded, err := cookie.Decode(h.Cookies, ef.Body)
			if err != nil {
				return nil, nil, 0, false
			}
			ctx = &decoded
		case protocol.ExtNtsCookiePlaceholder:
			placeholders++
		}
	}
	if ctx == nil {
		return nil, nil, 0, true
	}
	return ctx, uniqueID, 1 + placeholders, true
}

// checkAuth decides the authentication echo: a valid MAC echoes the
// same mode and key id, no authenticator replies unauthenticated,
// MS-SNTP replies unauthenticated without checking the client's MAC,
// and anything else is dropped.
func (h *Handler) checkAuth(trailer *protocol.Trailer, body []byte) (ok bool, keyID uint32, unauthenticated bool) {
	if trailer == nil || !trailer.HasMAC {
		return true, 0, true
	}
	if trailer.MsSntp || trailer.MsSntpExtended {
		return true, 0, true
	}
	if h.Keys == nil {
		return false, 0, false
	}
	signed := body[:len(body)-len(trailer.MAC)]
	if !h.Keys.Verify(trailer.KeyID, signed, trailer.MAC) {
		return false, 0, false
	}
	return true, trailer.KeyID, false
}
