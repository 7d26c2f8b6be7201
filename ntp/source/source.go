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

// Package source implements the per-source association engine (NCR):
// the operating-mode state machine, the transmit and receive paths, and
// the interleaved-mode timestamp bookkeeping that keeps client/peer
// exchanges correct under packet loss, duplication and reordering.
package source

import (
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/timewarden/ntpd/ntp/discipline"
	"github.com/timewarden/ntpd/ntp/keys"
	"github.com/timewarden/ntpd/ntp/protocol"
	"github.com/timewarden/ntpd/ntp/scheduler"
)

// Kind distinguishes a client-style (we poll a server) from a
// symmetric-active peer association.
type Kind uint8

// Association kinds.
const (
	KindServer Kind = iota // we are the client
	KindPeer               // symmetric active
)

// OperatingMode is the per-source FSM state.
type OperatingMode uint8

// Operating-mode states.
const (
	Offline OperatingMode = iota
	Online
	BurstWasOnline
	BurstWasOffline
)

func (m OperatingMode) String() string {
	switch m {
	case Offline:
		return "offline"
	case Online:
		return "online"
	case BurstWasOnline:
		return "burst-was-online"
	case BurstWasOffline:
		return "burst-was-offline"
	default:
		return "unknown"
	}
}

// AuthMode selects how outgoing packets are authenticated and incoming
// ones are checked.
type AuthMode uint8

// Authentication modes.
const (
	AuthNone AuthMode = iota
	AuthSymmetric
	AuthMsSntp
	AuthMsSntpExtended
)

// Thresholds bundles the validation knobs modify_* adjusts.
type Thresholds struct {
	MaxDelay         protocol.Seconds
	MaxDelayRatio    float64
	MaxDelayDevRatio float64
	MinStratum       uint8
	PollTarget       int
}

// Params configures a newly created Source.
type Params struct {
	MinPoll        int
	MaxPoll        int
	PresendMinpoll int
	AuthMode       AuthMode
	KeyID          uint32
	AutoOffline    bool
	Interleaved    bool
	Thresholds     Thresholds
}

func clampPoll(p, lo, hi int) int {
	if p < lo {
		p = lo
	}
	if p > hi {
		p = hi
	}
	return p
}

// Source aggregates one association's state.
type Source struct {
	Remote netip.AddrPort
	Kind   Kind

	Mode OperatingMode

	minpoll, maxpoll int
	LocalPoll        int
	PollScore        float64

	RemotePoll    int
	RemoteStratum uint8

	Thresholds  Thresholds
	AuthMode    AuthMode
	KeyID       uint32
	AutoOffline bool

	Interleaved bool

	// Interleave bookkeeping: the wire timestamps of the last accepted
	// exchange.
	RemoteNtpRx protocol.NtpTimestamp
	RemoteNtpTx protocol.NtpTimestamp
	LocalNtpRx  protocol.NtpTimestamp
	LocalNtpTx  protocol.NtpTimestamp

	LocalRx      protocol.LocalInstant
	LocalTx      protocol.LocalInstant
	TxProvenance protocol.Provenance

	TxCount           int
	ValidRx           bool
	UpdatedTimestamps bool
	ValidTimestamps   bool

	// Burst state.
	burstGood  int
	burstTotal int

	presendMinpoll int
	presendDone    bool
	presendEcho    bool

	// minDelay is the smallest round-trip delay seen from this source,
	// the baseline for the delay-ratio check.
	minDelay protocol.Seconds

	// reachBits is the circular reach shift register.
	reachBits uint8

	// consecutive unanswered transmits, reset by any synced reply.
	unanswered int

	Stats discipline.SourceStatsHandle

	refid uint32

	// transmit/receive-timeout bookkeeping, owned by the scheduler.
	txTimeout     scheduler.EventID
	rxTimeout     scheduler.EventID
	lastTxAt      protocol.LocalInstant
	kodExtraDelay bool
}

// Create builds a new offline Source, clamping poll bounds to
// [MinPoll, MaxPoll] and warning when a symmetric auth key id is not in
// the key store.
func Create(remote netip.AddrPort, kind Kind, params Params, store *keys.Store, stats discipline.SourceStatsHandle) *Source {
	mn := clampPoll(params.MinPoll, MinPoll, MaxPoll)
	mx := clampPoll(params.MaxPoll, mn, MaxPoll)

	if params.AuthMode == AuthSymmetric && store != nil && !store.Has(params.KeyID) {
		log.Warnf("source %s: symmetric auth key %d not found in key store", remote, params.KeyID)
	}

	s := &Source{
		Remote:         remote,
		Kind:           kind,
		Mode:           Offline,
		minpoll:        mn,
		maxpoll:        mx,
		LocalPoll:      mn,
		presendMinpoll: params.PresendMinpoll,
		Thresholds:     params.Thresholds,
		AuthMode:       params.AuthMode,
		KeyID:          params.KeyID,
		AutoOffline:    params.AutoOffline,
		Interleaved:    params.Interleaved,
		Stats:          stats,
	}
	return s
}

// ResetInstance clears per-exchange state without touching
// configuration.
func (s *Source) ResetInstance() {
	s.TxCount = 0
	s.ValidRx = false
	s.UpdatedTimestamps = false
	s.ValidTimestamps = false
	s.RemoteNtpRx = 0
	s.RemoteNtpTx = 0
	s.LocalNtpRx = 0
	s.LocalNtpTx = 0
	s.unanswered = 0
	s.minDelay = 0
	s.presendEcho = false
	s.presendDone = false
}

// TakeOnline transitions Offline/BurstWasOffline toward their "online"
// counterpart.
func (s *Source) TakeOnline(sched *scheduler.Scheduler, onTransmit func()) {
	switch s.Mode {
	case Offline:
		s.Mode = Online
		s.armInitialTimer(sched, onTransmit)
	case BurstWasOffline:
		s.Mode = BurstWasOnline
	}
}

// TakeOffline transitions Online/BurstWasOnline toward their "offline"
// counterpart, cancelling timers and marking unreachable.
func (s *Source) TakeOffline(sched *scheduler.Scheduler) {
	switch s.Mode {
	case Online:
		s.Mode = Offline
	case BurstWasOnline:
		s.Mode = BurstWasOffline
	default:
		return
	}
	if s.txTimeout != 0 {
		sched.RemoveTimeout(s.txTimeout)
		s.txTimeout = 0
	}
	if s.rxTimeout != 0 {
		sched.RemoveTimeout(s.rxTimeout)
		s.rxTimeout = 0
	}
	s.reachBits = 0
}

// InitiateBurst is only valid for KindServer sources; it transitions
// Online->BurstWasOnline or Offline->BurstWasOffline, arms the burst
// counters, and schedules immediately.
func (s *Source) InitiateBurst(sched *scheduler.Scheduler, good, total int, onTransmit func()) {
	if s.Kind != KindServer {
		return
	}
	switch s.Mode {
	case Online:
		s.Mode = BurstWasOnline
	case Offline:
		s.Mode = BurstWasOffline
	default:
		return
	}
	s.burstGood = good
	s.burstTotal = total
	s.scheduleTransmit(sched, 0, onTransmit)
}

func (s *Source) armInitialTimer(sched *scheduler.Scheduler, onTransmit func()) {
	elapsed := protocol.Now().Sub(s.lastTxAt)
	expected := s.transmitInterval()
	delay := expected - elapsed
	if delay < protocol.Seconds(InitialDelay.Seconds()) {
		delay = protocol.Seconds(InitialDelay.Seconds())
	}
	s.scheduleTransmit(sched, delay, onTransmit)
}

func (s *Source) scheduleTransmit(sched *scheduler.Scheduler, delay protocol.Seconds, onTransmit func()) {
	if s.txTimeout != 0 {
		sched.RemoveTimeout(s.txTimeout)
	}
	d := timeDuration(delay)
	s.txTimeout = sched.AddTimeoutInClass(d, SamplingSeparation, SamplingRandomness, scheduler.ClassNtpSampling, onTransmit)
}

// ModifyThresholds adjusts validation thresholds, logging the change
// and re-clamping poll bounds.
func (s *Source) ModifyThresholds(t Thresholds) {
	log.Infof("source %s: thresholds updated: %+v", s.Remote, t)
	s.Thresholds = t
	s.LocalPoll = clampPoll(s.LocalPoll, s.minpoll, s.maxpoll)
}

// SlewTimes reprojects local_rx/local_tx into a new timescale after the
// system clock has been stepped or slewed by dfreq/doffset at instant
// when, so later offset calculations stay consistent.
func (s *Source) SlewTimes(when protocol.LocalInstant, dfreq, doffset protocol.Seconds) {
	s.LocalRx = slewInstant(s.LocalRx, when, dfreq, doffset)
	s.LocalTx = slewInstant(s.LocalTx, when, dfreq, doffset)
}

func slewInstant(t, when protocol.LocalInstant, dfreq, doffset protocol.Seconds) protocol.LocalInstant {
	if t.Sec == 0 && t.Nsec == 0 {
		return t
	}
	elapsed := t.Sub(when)
	correction := doffset + elapsed*dfreq
	return t.Add(time.Duration(float64(correction) * float64(time.Second)))
}

// ChangeRemoteAddress resets per-exchange state and updates the refid
// derived from the peer address.
func (s *Source) ChangeRemoteAddress(new netip.AddrPort, refid uint32) {
	s.Remote = new
	s.refid = refid
	s.ResetInstance()
}

// UpdateReachability records a good (true) or missed (false) exchange
// in the reach shift register, shifting in the new bit.
func (s *Source) UpdateReachability(good bool) {
	s.reachBits <<= 1
	if good {
		s.reachBits |= 1
		s.unanswered = 0
	} else {
		s.unanswered++
	}
}

// ShouldAutoOffline reports whether an auto_offline source has gone two
// consecutive exchanges without an answer and the caller should take it
// offline.
func (s *Source) ShouldAutoOffline() bool {
	return s.AutoOffline && s.unanswered >= 2
}

// Reachable reports whether any bit in the reach register is set.
func (s *Source) Reachable() bool {
	return s.reachBits != 0
}
