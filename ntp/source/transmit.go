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
	"math"
	"net/netip"

	log "github.com/sirupsen/logrus"

	"github.com/timewarden/ntpd/ntp/keys"
	"github.com/timewarden/ntpd/ntp/protocol"
	"github.com/timewarden/ntpd/ntp/scheduler"
)

// ClockInfo is the narrow view into the clock subsystem the transmit
// path needs to stamp outgoing packets and schedule against a peer's
// stratum.
type ClockInfo interface {
	RootDelay() protocol.Seconds
	RootDispersion() protocol.Seconds
	PrecisionLog2() int8
	LocalRefID() uint32
	Stratum() uint8
}

// Transport abstracts the client/peer socket so the engine does not
// depend on a concrete net.Conn in tests.
type Transport interface {
	Reopen(remote netip.AddrPort) error
	Close()
	Send(pkt []byte) error
}

// Transmit builds and sends one poll, updates burst and poll state,
// and schedules the next transmit. isSyncPeer reports whether this
// source is the one the clock discipline currently synchronises to,
// which softens the unanswered-transmit poll backoff.
func (s *Source) Transmit(sched *scheduler.Scheduler, transport Transport, clock ClockInfo, store *keys.Store, isSyncPeer bool, onTransmit, onReceiveTimeout func()) error {
	// Advance the FSM on the transmit edge: an online burst rejoins the
	// regular schedule before its last packet, an offline one stops
	// after it. Bail if the transition left us offline.
	if s.Mode == BurstWasOnline && s.burstTotal <= 1 {
		s.Mode = Online
	} else if s.Mode == BurstWasOffline && s.burstTotal <= 0 {
		s.Mode = Offline
	}
	if s.Mode == Offline {
		return nil
	}

	// Client mode opens a fresh ephemeral socket each exchange, so the
	// kernel picks a new source port the reply must land on.
	if s.Kind == KindServer {
		transport.Close()
		if err := transport.Reopen(s.Remote); err != nil {
			return err
		}
	}

	// Presend bookkeeping.
	presend := s.presendMinpoll > 0 && s.presendMinpoll <= s.LocalPoll && !s.presendDone
	if presend {
		s.presendDone = true
		s.presendEcho = true
	}

	now := protocol.Now()
	hdr := s.buildHeader(now, clock)
	body, err := hdr.Bytes()
	if err != nil {
		return err
	}

	// Remember the exact origin/receive stamps put on the wire: a basic
	// reply echoes the transmit field, an interleaved one the receive
	// field, and T2 must compare against the fuzzed values as sent.
	s.LocalNtpRx = hdr.RxTime
	s.LocalNtpTx = hdr.TxTime

	// Authentication trailer.
	if s.AuthMode == AuthSymmetric && store != nil {
		var idBuf [4]byte
		idBuf[0] = byte(s.KeyID >> 24)
		idBuf[1] = byte(s.KeyID >> 16)
		idBuf[2] = byte(s.KeyID >> 8)
		idBuf[3] = byte(s.KeyID)
		signed := append(append([]byte(nil), body...), idBuf[:]...)
		mac, err := store.Generate(s.KeyID, signed)
		if err != nil {
			log.Warnf("source %s: MAC generation failed: %v", s.Remote, err)
		} else {
			body = append(signed, mac...)
		}
	}

	if err := transport.Send(body); err != nil {
		return err
	}

	// Record local_tx, bump counters.
	s.LocalTx = now
	s.TxProvenance = protocol.Daemon
	s.lastTxAt = now
	s.TxCount++
	s.ValidRx = false
	s.UpdatedTimestamps = false

	// Back off poll and mark the exchange missed after repeated
	// unanswered transmits; the sync source backs off more gently so a
	// short loss doesn't immediately slow the one source steering the
	// clock.
	if s.TxCount >= 2 {
		if isSyncPeer {
			s.AdjustPoll(0.1)
		} else {
			s.AdjustPoll(0.25)
		}
		s.UpdateReachability(false)
	}

	// Burst counter; the exit transition runs at the top of the next
	// transmit.
	if s.Mode == BurstWasOnline || s.Mode == BurstWasOffline {
		s.burstTotal--
	}

	// Schedule the next transmit.
	delay := s.GetTransmitDelay(true, 0, clock.Stratum())
	s.scheduleTransmit(sched, delay, onTransmit)

	// Client-mode receive timeout: close the ephemeral socket if no
	// acceptable reply arrives.
	if s.Kind == KindServer {
		rxTimeout := timeDuration(s.Thresholds.MaxDelay) + MaxServerInterval
		if s.rxTimeout != 0 {
			sched.RemoveTimeout(s.rxTimeout)
		}
		s.rxTimeout = sched.AddTimeoutByDelay(rxTimeout, onReceiveTimeout)
	}

	return nil
}

func (s *Source) buildHeader(now protocol.LocalInstant, clock ClockInfo) *protocol.Header {
	stratum := s.RemoteStratum
	if stratum == 0 || stratum > NtpMaxStratum {
		stratum = NtpMaxStratum
	}

	var originate, transmit protocol.NtpTimestamp
	if s.Interleaved && !(s.LocalTx.Sec == 0 && s.LocalTx.Nsec == 0) {
		originate = s.RemoteNtpRx
		transmit = protocol.LocalToNTP(s.LocalTx, 0)
	} else {
		originate = s.RemoteNtpTx
		transmit = protocol.LocalToNTP(now, 0)
	}

	// The receive field carries the time the last packet from this
	// source arrived, fuzzed below the clock-reading precision.
	precision := clock.PrecisionLog2()
	fuzz := math.Exp2(float64(precision))
	receive := protocol.LocalToNTP(s.LocalRx, fuzz)
	if s.LocalRx.Sec == 0 && s.LocalRx.Nsec == 0 {
		receive = 0
	}

	return &protocol.Header{
		Leap:            protocol.LeapNone,
		Version:         4,
		Mode:            s.wireMode(),
		Stratum:         stratum,
		Poll:            int8(s.LocalPoll),
		Precision:       precision,
		RootDelay:       protocol.SecondsToShort(clock.RootDelay()),
		RootDispersion:  protocol.SecondsToShort(clock.RootDispersion()),
		ReferenceID:     clock.LocalRefID(),
		RefTime:         protocol.LocalToNTP(now, 0),
		OriginTime:      originate,
		RxTime:          receive,
		TxTime:          transmit,
	}
}

func (s *Source) wireMode() protocol.Mode {
	if s.Kind == KindPeer {
		return protocol.ModeSymmetricActive
	}
	return protocol.ModeClient
}

// GetTransmitDelay returns the delay before the next transmit for the
// current mode and poll state. ourStratum is the local clock's
// advertised stratum, which decides whether the peer's cadence is worth
// locking onto.
func (s *Source) GetTransmitDelay(onTx bool, lastTx protocol.Seconds, ourStratum uint8) protocol.Seconds {
	var delay protocol.Seconds

	switch s.Mode {
	case BurstWasOnline, BurstWasOffline:
		if onTx {
			delay = secondsOf(BurstTimeout)
		} else {
			delay = secondsOf(BurstInterval)
		}
	default:
		if s.Kind == KindServer {
			delay = protocol.Seconds(math.Exp2(float64(s.LocalPoll)))
			if s.presendMinpoll > 0 && s.presendDone {
				delay = secondsOf(WarmUpDelay)
			}
		} else {
			poll := s.LocalPoll
			if s.RemotePoll < poll {
				poll = s.RemotePoll
			}
			if poll < s.minpoll {
				poll = s.minpoll
			}
			delay = protocol.Seconds(math.Exp2(float64(poll)))
			if s.RemoteStratum > ourStratum {
				// Delay the transmission a bit to lock the cadence onto a
				// peer that is further from a reference clock than we are.
				if lastTx*1.1 < delay {
					delay *= 1.1
				}
			} else if s.RemoteStratum == ourStratum {
				// With an equal-stratum peer the adjustment only applies
				// off the transmit edge, once most of the interval has
				// already passed.
				if !onTx && delay > 0 && float64(lastTx/delay) > 0.6 {
					delay *= 1.1
				}
			}
			delay -= lastTx
			if delay < 0 {
				delay = 0
			}
		}
	}

	if s.kodExtraDelay {
		delay += protocol.Seconds(4 * math.Exp2(float64(s.minpoll)))
		s.kodExtraDelay = false
	}
	return delay
}

// ProcessTxKnown replaces LocalTx with a better-provenance transmit
// timestamp the kernel reported after the send. The replacement is
// accepted only if it trails the recorded send instant by at most
// MaxTxDelay and the exchange's remote timestamps have not moved on
// (remoteRx/remoteTx are the values the caller snapshotted at send
// time).
func (s *Source) ProcessTxKnown(remoteRx, remoteTx protocol.NtpTimestamp, ts protocol.LocalInstant, prov protocol.Provenance) bool {
	if prov <= s.TxProvenance {
		return false
	}
	if s.RemoteNtpRx != remoteRx || s.RemoteNtpTx != remoteTx {
		return false
	}
	d := ts.Sub(s.LocalTx)
	if d < 0 || d > secondsOf(MaxTxDelay) {
		return false
	}
	s.LocalTx = ts
	s.TxProvenance = prov
	return true
}

// AdjustPoll shifts local_poll (clamped) by delta, tracked as a
// fractional poll_score so repeated small adjustments accumulate before
// the integer poll actually moves.
func (s *Source) AdjustPoll(delta float64) {
	s.PollScore += delta
	for s.PollScore >= 1.0 && s.LocalPoll < s.maxpoll {
		s.LocalPoll++
		s.PollScore -= 1.0
	}
	for s.PollScore <= -1.0 && s.LocalPoll > s.minpoll {
		s.LocalPoll--
		s.PollScore += 1.0
	}
	// At a poll bound the score cannot move the poll any further, so it
	// is held within one step of it instead of building up.
	if s.PollScore > 1.0 && s.LocalPoll >= s.maxpoll {
		s.PollScore = 1.0
	} else if s.PollScore < -1.0 && s.LocalPoll <= s.minpoll {
		s.PollScore = -1.0
	}
	s.LocalPoll = clampPoll(s.LocalPoll, s.minpoll, s.maxpoll)
}
