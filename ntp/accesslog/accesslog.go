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

// Package accesslog implements the per-client hit table that backs
// server-side rate limiting, NTS-cookie bookkeeping and the
// interleaved-mode timestamp memory for unsolicited (server-path)
// requests. It is a hash table keyed by IpAddress with a fixed-size
// slot discipline: collisions within a slot evict the least-recently
// touched record.
package accesslog

import (
	"math"
	"net/netip"
	"sync"
	"time"

	"github.com/timewarden/ntpd/ntp/protocol"
)

// SlotSize is the number of records held per hash slot before eviction
// kicks in.
const SlotSize = 4

// Scale and bounds of the log2 rate estimator: an 8-bit
// scaled-log2(rate) estimate, clamped to [MinRate, MaxRate].
const (
	RateScale = 4 // fixed-point bits: stored value is rate*RateScale
	MinRate   = -8 * RateScale
	MaxRate   = 16 * RateScale
)

// Category distinguishes the four hit counters/rate estimators a record
// tracks.
type Category uint8

// Hit categories.
const (
	CategoryNTP Category = iota
	CategoryCmdGood
	CategoryCmdAuth
	CategoryCmdBad
	numCategories
)

// Record is one client's bookkeeping slot.
type Record struct {
	IP netip.Addr

	hits [numCategories]uint32
	last [numCategories]time.Time
	rate [numCategories]int32 // scaled log2(rate), RateScale fixed point

	// Interleaved-mode timestamp memory for the server path.
	LocalNtpRx protocol.NtpTimestamp
	LocalNtpTx protocol.NtpTimestamp

	// RateLimitToken is an opaque per-client token a rate-limit policy
	// may use to hold leaky-bucket state.
	RateLimitToken float64
}

type slot struct {
	records [SlotSize]*Record
	used    int
}

// Log is the per-client hit table.
type Log struct {
	mu        sync.Mutex
	slots     []slot
	threshold float64 // requests/sec above which LimitNtpResponseRate returns true
	memBudget int     // max total records before doubling stops
}

// New returns a Log with the given initial slot count and a rate-limit
// threshold in requests/sec.
func New(initialSlots int, threshold float64, memBudget int) *Log {
	if initialSlots < 1 {
		initialSlots = 1
	}
	return &Log{
		slots:     make([]slot, initialSlots),
		threshold: threshold,
		memBudget: memBudget,
	}
}

func (l *Log) slotIndex(ip netip.Addr) int {
	h := ip.As16()
	var x uint64
	for _, b := range h {
		x = x*131 + uint64(b)
	}
	return int(x % uint64(len(l.slots)))
}

// scaledLog2 computes round(RateScale * -log2(interval)), clamped to
// [MinRate, MaxRate], the estimator used for the per-category rate.
func scaledLog2(interval time.Duration) int32 {
	secs := interval.Seconds()
	if secs <= 0 {
		secs = 1e-9
	}
	v := int32(math.Round(-math.Log2(secs) * RateScale))
	if v < MinRate {
		v = MinRate
	}
	if v > MaxRate {
		v = MaxRate
	}
	return v
}

// updateRate pulls the stored rate one step toward
// scaledLog2(interval), saturating on large jumps.
func updateRate(stored int32, interval time.Duration) int32 {
	target := scaledLog2(interval)
	// one step toward target; a "step" is defined as halving the gap,
	// which converges geometrically and saturates immediately when the
	// gap is already small.
	gap := target - stored
	step := gap / 2
	if step == 0 && gap != 0 {
		if gap > 0 {
			step = 1
		} else {
			step = -1
		}
	}
	next := stored + step
	if next < MinRate {
		next = MinRate
	}
	if next > MaxRate {
		next = MaxRate
	}
	return next
}

// oldestVictim picks the record in a full slot to evict: the one with
// the smallest max(last NTP hit, last command hit), ties broken by
// smallest total hit count.
func oldestVictim(s *slot) int {
	worst := 0
	worstTime := latestOf(s.records[0])
	worstHits := totalHits(s.records[0])
	for i := 1; i < len(s.records); i++ {
		t := latestOf(s.records[i])
		h := totalHits(s.records[i])
		if t.Before(worstTime) || (t.Equal(worstTime) && h < worstHits) {
			worst = i
			worstTime = t
			worstHits = h
		}
	}
	return worst
}

func latestOf(r *Record) time.Time {
	if r == nil {
		return time.Time{}
	}
	ntpLast := r.last[CategoryNTP]
	cmdLast := r.last[CategoryCmdGood]
	if r.last[CategoryCmdAuth].After(cmdLast) {
		cmdLast = r.last[CategoryCmdAuth]
	}
	if r.last[CategoryCmdBad].After(cmdLast) {
		cmdLast = r.last[CategoryCmdBad]
	}
	if ntpLast.After(cmdLast) {
		return ntpLast
	}
	return cmdLast
}

func totalHits(r *Record) uint32 {
	if r == nil {
		return 0
	}
	var total uint32
	for _, h := range r.hits {
		total += h
	}
	return total
}

// findOrInsert returns the record for ip, creating it (possibly evicting
// another record in the same slot) if absent. Returns the record and
// its slot/record index for later queries.
func (l *Log) findOrInsert(ip netip.Addr, now time.Time) (*Record, int, int) {
	si := l.slotIndex(ip)
	s := &l.slots[si]
	for i, r := range s.records {
		if r != nil && r.IP == ip {
			return r, si, i
		}
	}
	// not present: insert into a free slot entry, or evict.
	for i, r := range s.records {
		if r == nil {
			rec := &Record{IP: ip}
			s.records[i] = rec
			s.used++
			if l.maybeGrow() {
				// growing rehashed every record; find where ours landed.
				si = l.slotIndex(ip)
				for j, nr := range l.slots[si].records {
					if nr == rec {
						return rec, si, j
					}
				}
			}
			return rec, si, i
		}
	}
	victim := oldestVictim(s)
	rec := &Record{IP: ip}
	s.records[victim] = rec
	return rec, si, victim
}

func (l *Log) maybeGrow() bool {
	total := 0
	for i := range l.slots {
		total += l.slots[i].used
	}
	if total < len(l.slots)*SlotSize {
		return false
	}
	if l.memBudget > 0 && len(l.slots)*2*SlotSize > l.memBudget {
		return false
	}
	old := l.slots
	l.slots = make([]slot, len(old)*2)
	for _, s := range old {
		for _, r := range s.records {
			if r == nil {
				continue
			}
			si := l.slotIndex(r.IP)
			ns := &l.slots[si]
			for i := range ns.records {
				if ns.records[i] == nil {
					ns.records[i] = r
					ns.used++
					break
				}
			}
		}
	}
	return true
}

// Index identifies a record for later queries, avoiding a second hash
// lookup in the common log-then-query-timestamps sequence.
type Index struct {
	slot   int
	record int
}

// LogNtpAccess records an NTP request from ip at now, returning an Index
// for later timestamp/rate-limit queries.
func (l *Log) LogNtpAccess(ip netip.Addr, now time.Time) Index {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, si, ri := l.findOrInsert(ip, now)
	interval := now.Sub(rec.last[CategoryNTP])
	if !rec.last[CategoryNTP].IsZero() {
		rec.rate[CategoryNTP] = updateRate(rec.rate[CategoryNTP], interval)
	} else {
		rec.rate[CategoryNTP] = MinRate
	}
	rec.last[CategoryNTP] = now
	rec.hits[CategoryNTP]++
	return Index{slot: si, record: ri}
}

// LogCommandAccess is the command-channel analogue of LogNtpAccess,
// recording into the good/auth/bad category implied by cat.
func (l *Log) LogCommandAccess(ip netip.Addr, now time.Time, cat Category) Index {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, si, ri := l.findOrInsert(ip, now)
	interval := now.Sub(rec.last[cat])
	if !rec.last[cat].IsZero() {
		rec.rate[cat] = updateRate(rec.rate[cat], interval)
	} else {
		rec.rate[cat] = MinRate
	}
	rec.last[cat] = now
	rec.hits[cat]++
	return Index{slot: si, record: ri}
}

func (l *Log) recordAt(idx Index) *Record {
	if idx.slot < 0 || idx.slot >= len(l.slots) {
		return nil
	}
	s := &l.slots[idx.slot]
	if idx.record < 0 || idx.record >= len(s.records) {
		return nil
	}
	return s.records[idx.record]
}

// LimitNtpResponseRate reports whether the NTP-category request rate at
// idx exceeds the configured threshold. It is monotone in the stored
// rate estimate: a strictly higher estimated rate never returns false
// where a lower one returned true.
func (l *Log) LimitNtpResponseRate(idx Index) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.recordAt(idx)
	if rec == nil {
		return false
	}
	// rate[...] stores round(RateScale * -log2(interval)) == RateScale *
	// log2(rate_hz); undo the scale and the log to get requests/sec.
	rateLog2 := float64(rec.rate[CategoryNTP]) / RateScale
	rate := math.Exp2(rateLog2)
	return rate > l.threshold
}

// GetNtpTimestamps returns pointers to the stored server receive/send
// NTP timestamps for idx, for the interleaved-mode server path to read
// and update.
func (l *Log) GetNtpTimestamps(idx Index) (rx, tx *protocol.NtpTimestamp) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.recordAt(idx)
	if rec == nil {
		return nil, nil
	}
	return &rec.LocalNtpRx, &rec.LocalNtpTx
}

// SetNtpTimestamps stores the new server receive/send NTP timestamps at
// idx after a reply is sent.
func (l *Log) SetNtpTimestamps(idx Index, rx, tx protocol.NtpTimestamp) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.recordAt(idx)
	if rec == nil {
		return
	}
	rec.LocalNtpRx = rx
	rec.LocalNtpTx = tx
}

// UpdateNtpTxTimestamp replaces the stored server-send stamp with a
// corrected one, but only while the slot still holds exactly the
// (rx, tx) pair the correction was computed against; a slot already
// overwritten by a newer exchange is left alone.
func (l *Log) UpdateNtpTxTimestamp(idx Index, rx, tx, newTx protocol.NtpTimestamp) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.recordAt(idx)
	if rec == nil || rec.LocalNtpRx != rx || rec.LocalNtpTx != tx {
		return false
	}
	rec.LocalNtpTx = newTx
	return true
}

// Lookup returns a copy of the record for ip without recording a hit,
// for diagnostics.
func (l *Log) Lookup(ip netip.Addr) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	si := l.slotIndex(ip)
	for _, r := range l.slots[si].records {
		if r != nil && r.IP == ip {
			return *r, true
		}
	}
	return Record{}, false
}
