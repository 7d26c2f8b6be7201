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

	"github.com/timewarden/ntpd/ntp/discipline"
	"github.com/timewarden/ntpd/ntp/ipaddr"
	"github.com/timewarden/ntpd/ntp/keys"
	"github.com/timewarden/ntpd/ntp/protocol"
	"github.com/timewarden/ntpd/ntp/result"
	"github.com/timewarden/ntpd/ntp/scheduler"
)

var kissRate = ipaddr.KissCode("RATE")

// ClockMode distinguishes the "Normal" local clock mode from states
// (e.g. freerunning/stepping) where the TD anti-loop test is relaxed.
type ClockMode uint8

// Clock modes relevant to the TD test.
const (
	ClockModeNormal ClockMode = iota
	ClockModeOther
)

// RxResult is everything the caller needs after ProcessRxKnown: which
// conformance tests passed, and whether a sample was actually handed to
// the clock subsystem.
type RxResult struct {
	Tests       result.Tests
	Accumulated bool
	KissOfDeath bool

	// Interleaved reports whether this packet's origin matched via the
	// interleaved branch of the origin check.
	Interleaved bool

	// Offset, Delay and Dispersion are only meaningful when Accumulated
	// is true; they mirror the values handed to disc.AccumulateSample
	// so callers can append a measurements-log line without recomputing
	// step 3/4 themselves.
	Offset     protocol.Seconds
	Delay      protocol.Seconds
	Dispersion protocol.Seconds
}

// ProcessRxKnown runs the receive-path validation and bookkeeping for
// a packet that matched an existing Source.
func (s *Source) ProcessRxKnown(
	sched *scheduler.Scheduler,
	transport Transport,
	disc *discipline.Discipline,
	store *keys.Store,
	clock ClockInfo,
	clockMode ClockMode,
	ourStratum uint8,
	pkt *protocol.Header,
	trailer *protocol.Trailer,
	body []byte,
	rxTs protocol.LocalInstant,
	rxErr protocol.Seconds,
	onTransmit func(),
) RxResult {
	var tests result.Tests

	// T1: not a duplicate of the last transmit we've already seen echoed.
	t1 := pkt.TxTime != s.RemoteNtpTx
	tests = tests.Set(result.T1, t1)

	// T2: originate matches what we last put on the wire -- the transmit
	// field (basic) or the receive field (interleaved).
	interleaved := false
	t2 := pkt.OriginTime == s.LocalNtpTx
	if !t2 && s.Interleaved && !s.LocalNtpRx.IsZero() && pkt.OriginTime == s.LocalNtpRx {
		t2 = true
		interleaved = true
	}
	tests = tests.Set(result.T2, t2)

	// T3: none of originate/receive/transmit are zero.
	t3 := !pkt.OriginTime.IsZero() && !pkt.RxTime.IsZero() && !pkt.TxTime.IsZero()
	tests = tests.Set(result.T3, t3)

	// T5: authentication.
	t5 := s.checkAuth(store, trailer, body)
	tests = tests.Set(result.T5, t5)

	// valid_rx guard: demote a second valid packet in the same exchange.
	if s.ValidRx && tests.Valid() {
		tests = tests.Set(result.T2, false).Set(result.T3, false)
	}

	// Kiss-of-Death short-circuit: validity here only considers T1/T2/T5,
	// not the full valid_packet definition (T3 is irrelevant to a kiss).
	if pkt.Stratum == 0 && pkt.Leap == protocol.LeapUnsynchronised && pkt.ReferenceID == uint32(kissRate) {
		kodTests := result.Tests(0).Set(result.T1, t1).Set(result.T2, t2).Set(result.T5, t5)
		if t1 && t2 && t5 {
			s.applyKiss(pkt)
			if s.Kind == KindServer {
				s.cancelReceiveTimeout(sched)
				transport.Close()
			}
			delayNext := s.GetTransmitDelay(false, protocol.Now().Sub(s.lastTxAt), ourStratum)
			s.scheduleTransmit(sched, delayNext, onTransmit)
			return RxResult{Tests: kodTests, KissOfDeath: true}
		}
	}

	// T6: synchronisation.
	t6 := pkt.Leap != protocol.LeapUnsynchronised && pkt.Stratum < NtpMaxStratum && pkt.Stratum != 0
	tests = tests.Set(result.T6, t6)

	// T7: root distance.
	rootDist := protocol.Seconds(pkt.RootDelay.Seconds()/2) + pkt.RootDispersion.Seconds()
	t7 := float64(rootDist) < NtpMaxDispersion
	tests = tests.Set(result.T7, t7)

	valid := tests.Valid()
	synced := tests.Synced()

	freqLo, freqHi := disc.FrequencyBounds(s.Stats)
	offset, delay, dispersion := s.computeOffsetDelay(pkt, rxTs, rxErr, clock, interleaved, freqLo, freqHi)

	// TA: delay bound, plus the mode-specific interval bounds: a client
	// rejects replies the server sat on too long, and an interleaved
	// peer rejects delays longer than half the remote poll interval.
	ta := float64(delay) <= float64(s.Thresholds.MaxDelay)
	if s.Kind == KindServer {
		serverInterval := protocol.Diff(pkt.TxTime, pkt.RxTime)
		if float64(serverInterval) > MaxServerInterval.Seconds() {
			ta = false
		}
	}
	if interleaved && s.Kind == KindPeer {
		if float64(delay) > math.Exp2(float64(pkt.Poll))/2 {
			ta = false
		}
	}
	// A presend exists only to warm the ARP/ND path; its echo must not
	// become a sample.
	if s.presendEcho {
		ta = false
		s.presendEcho = false
	}
	tests = tests.Set(result.TA, ta)

	// TB: delay-ratio bound against the minimum observed round-trip
	// delay; a ratio of 1 or less disables the check.
	tb := true
	if s.Thresholds.MaxDelayRatio > 1 && s.minDelay > 0 {
		tb = float64(delay/s.minDelay) <= s.Thresholds.MaxDelayRatio
	}
	tests = tests.Set(result.TB, tb)

	// TC: clock subsystem's plausibility check.
	tc := disc.IsGoodSample(s.Stats, offset, delay, s.Thresholds.MaxDelayDevRatio)
	tests = tests.Set(result.TC, tc)

	// TD: anti-loop.
	td := ourStratum > 1 || clockMode != ClockModeNormal || pkt.ReferenceID != clock.LocalRefID()
	tests = tests.Set(result.TD, td)

	good := tests.Good()

	// Timestamp bookkeeping for interleaved mode.
	s.bookkeepTimestamps(pkt, rxTs, synced, valid, t5)

	if synced {
		s.RemotePoll = int(pkt.Poll)
		s.RemoteStratum = pkt.Stratum
		s.TxCount = 0
		s.UpdateReachability(true)
		if s.minDelay == 0 || delay < s.minDelay {
			s.minDelay = delay
		}
	}

	rr := RxResult{Tests: tests, Interleaved: interleaved}
	if good {
		estimated := disc.PredictOffset(s.Stats, rxTs)
		disc.AccumulateSample(s.Stats, discipline.Sample{
			Time:           rxTs,
			Offset:         offset,
			Delay:          delay,
			Dispersion:     dispersion,
			RootDelay:      pkt.RootDelay.Seconds() + delay,
			RootDispersion: pkt.RootDispersion.Seconds() + dispersion,
			Stratum:        maxUint8(pkt.Stratum, s.Thresholds.MinStratum),
			Leap:           uint8(pkt.Leap),
		})
		disc.SelectSource()
		s.adjustPollFromError(absSeconds(-offset-estimated), rootDist)
		rr.Accumulated = true
		rr.Offset = offset
		rr.Delay = delay
		rr.Dispersion = dispersion

		if s.Mode == BurstWasOnline || s.Mode == BurstWasOffline {
			s.burstGood--
			if s.burstGood <= 0 {
				if s.Mode == BurstWasOnline {
					s.Mode = Online
				} else {
					s.Mode = Offline
				}
			}
		}
	}

	if s.ValidRx {
		// already had a valid reply this exchange; nothing more to update.
	} else if valid {
		s.ValidRx = true
	}

	if s.Kind == KindServer {
		s.cancelReceiveTimeout(sched)
		transport.Close()
	}
	delayNext := s.GetTransmitDelay(false, protocol.Now().Sub(s.lastTxAt), ourStratum)
	s.scheduleTransmit(sched, delayNext, onTransmit)

	return rr
}

func (s *Source) cancelReceiveTimeout(sched *scheduler.Scheduler) {
	if s.rxTimeout != 0 {
		sched.RemoveTimeout(s.rxTimeout)
		s.rxTimeout = 0
	}
}

// ReceiveTimedOut clears the expired receive-timeout id, so a later
// cancel cannot remove an unrelated event reusing it. The caller closes
// the ephemeral socket.
func (s *Source) ReceiveTimedOut() {
	s.rxTimeout = 0
}

func maxUint8(a, b uint8) uint8 {
	if a > b {
		return a
	}
	return b
}

func (s *Source) checkAuth(store *keys.Store, trailer *protocol.Trailer, body []byte) bool {
	switch s.AuthMode {
	case AuthNone:
		return true
	case AuthMsSntp:
		return trailer != nil && trailer.HasMAC && trailer.MsSntp
	case AuthMsSntpExtended:
		return trailer != nil && trailer.HasMAC && trailer.MsSntpExtended
	case AuthSymmetric:
		if trailer == nil || !trailer.HasMAC || store == nil {
			return false
		}
		if trailer.KeyID != s.KeyID {
			return false
		}
		signed := body[:len(body)-len(trailer.MAC)]
		return store.Verify(trailer.KeyID, signed, trailer.MAC)
	default:
		return false
	}
}

// applyKiss reacts to a RATE kiss: raise minpoll toward the remote's
// advertised poll (capped), abort any running burst, and flag the next
// transmit delay for the backoff extension.
func (s *Source) applyKiss(pkt *protocol.Header) {
	if int(pkt.Poll) > s.minpoll {
		s.minpoll = int(pkt.Poll)
	}
	if s.minpoll > MaxKodRatePoll {
		s.minpoll = MaxKodRatePoll
	}
	if s.maxpoll < s.minpoll {
		s.maxpoll = s.minpoll
	}
	s.LocalPoll = clampPoll(s.LocalPoll, s.minpoll, s.maxpoll)
	switch s.Mode {
	case BurstWasOnline:
		s.Mode = Online
	case BurstWasOffline:
		s.Mode = Offline
	}
	s.burstGood = 0
	s.burstTotal = 0
	s.kodExtraDelay = true
}

// computeOffsetDelay computes the sample's offset and delay in basic
// or interleaved form, plus its dispersion. The remote interval is
// corrected by the lower frequency bound so a fast-running remote clock
// does not shrink the measured delay, and the dispersion accounts for
// the receive-timestamp error plus the skew accumulated over the local
// interval.
func (s *Source) computeOffsetDelay(pkt *protocol.Header, rxTs protocol.LocalInstant, rxErr protocol.Seconds, clock ClockInfo, interleaved bool, freqLo, freqHi protocol.Seconds) (offset, delay, dispersion protocol.Seconds) {
	var remoteAvg, localAvg protocol.NtpTimestamp
	var localInterval, remoteInterval protocol.Seconds

	if interleaved {
		remoteAvg = protocol.Avg(s.RemoteNtpRx, pkt.TxTime)
		localAvg = protocol.Avg(protocol.LocalToNTP(s.LocalRx, 0), protocol.LocalToNTP(s.LocalTx, 0))
		localInterval = s.LocalTx.Sub(s.LocalRx)
		remoteInterval = protocol.Diff(pkt.TxTime, s.RemoteNtpRx)
	} else {
		remoteAvg = protocol.Avg(pkt.RxTime, pkt.TxTime)
		localAvg = protocol.Avg(protocol.LocalToNTP(s.LocalTx, 0), protocol.LocalToNTP(rxTs, 0))
		localInterval = rxTs.Sub(s.LocalTx)
		remoteInterval = protocol.Diff(pkt.TxTime, pkt.RxTime)
	}

	delay = localInterval - remoteInterval*(1+freqLo)
	offset = protocol.Diff(remoteAvg, localAvg)

	precision := protocol.Seconds(math.Exp2(float64(clock.PrecisionLog2())))
	if delay < precision {
		delay = precision
	}
	skew := (freqHi - freqLo) / 2
	dispersion = precision + rxErr + skew*absSeconds(localInterval)
	return offset, delay, dispersion
}

// bookkeepTimestamps records the exchange's wire timestamps for the
// next interleaved round.
func (s *Source) bookkeepTimestamps(pkt *protocol.Header, rxTs protocol.LocalInstant, synced, valid, t5 bool) {
	switch s.Kind {
	case KindServer:
		if valid && !s.UpdatedTimestamps {
			s.RemoteNtpRx = pkt.RxTime
			s.RemoteNtpTx = pkt.TxTime
			s.LocalRx = rxTs
			s.ValidTimestamps = synced
			s.UpdatedTimestamps = true
		}
	case KindPeer:
		// Symmetric peers share poll intervals, so a replayed packet can
		// otherwise still look fresh; require the remote transmit stamp
		// to move strictly forward once timestamps have been taken.
		newer := s.RemoteNtpTx.IsZero() || protocol.Diff(pkt.TxTime, s.RemoteNtpTx) > 0
		if (valid || !s.ValidRx) && t5 && newer {
			s.RemoteNtpRx = pkt.RxTime
			s.RemoteNtpTx = pkt.TxTime
			s.LocalRx = rxTs
			s.UpdatedTimestamps = true
		}
	}
}

// adjustPollFromError shortens the poll when the prediction error
// exceeds the peer distance, and otherwise drifts toward the target
// samples-per-poll.
func (s *Source) adjustPollFromError(errAbs, distance protocol.Seconds) {
	if distance <= 0 {
		return
	}
	if errAbs > distance {
		shift := int(math.Ceil(math.Log2(float64(errAbs / distance))))
		s.LocalPoll = clampPoll(s.LocalPoll-shift, s.minpoll, s.maxpoll)
		s.PollScore = 0
		return
	}
	target := s.Thresholds.PollTarget
	if target <= 0 {
		target = 8
	}
	s.AdjustPoll(1.0 / float64(target))
}
