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

// Package discipline is the narrow collaborator the engine calls into
// for clock-discipline decisions: accumulating samples, predicting
// offsets, judging sample plausibility and selecting a source. The
// PLL/FLL controller that actually steers the system clock lives
// elsewhere; this package keeps only the per-source sample history
// those four questions need.
package discipline

import (
	"github.com/eclesh/welford"

	"github.com/timewarden/ntpd/ntp/protocol"
)

// SourceStatsHandle is an opaque reference to a source's entry in the
// clock subsystem's sample history, held by ntp/source.Source without
// either package knowing the other's internal layout.
type SourceStatsHandle int

// Sample is one accepted (offset, delay, dispersion) observation, with
// the packet's root-distance contribution already folded in by the
// caller per step 9 of the receive-path algorithm.
type Sample struct {
	Time           protocol.LocalInstant
	Offset         protocol.Seconds
	Delay          protocol.Seconds
	Dispersion     protocol.Seconds
	RootDelay      protocol.Seconds
	RootDispersion protocol.Seconds
	Stratum        uint8
	Leap           uint8
}

type sourceStats struct {
	samples      []Sample
	lastOffset   protocol.Seconds
	freqEstimate protocol.Seconds // drift rate, seconds per second
	freqHist     []protocol.Seconds
	lastSampleAt protocol.LocalInstant
	haveLast     bool
}

const maxHistory = 8

// Discipline tracks per-source sample history and answers the four
// narrow questions the engine needs. It does not steer the system
// clock.
type Discipline struct {
	stats   []sourceStats
	current SourceStatsHandle
}

// New returns an empty Discipline with no registered sources.
func New() *Discipline {
	return &Discipline{current: -1}
}

// NewSource allocates a SourceStatsHandle for a newly created Source.
func (d *Discipline) NewSource() SourceStatsHandle {
	d.stats = append(d.stats, sourceStats{})
	return SourceStatsHandle(len(d.stats) - 1)
}

func (d *Discipline) at(h SourceStatsHandle) *sourceStats {
	if int(h) < 0 || int(h) >= len(d.stats) {
		return nil
	}
	return &d.stats[h]
}

// PredictOffset returns the discipline's best estimate of the source's
// offset at sampleTime, extrapolating the last accepted sample by the
// current frequency estimate. Called before AccumulateSample, per the
// receive-path algorithm's step ordering.
func (d *Discipline) PredictOffset(h SourceStatsHandle, sampleTime protocol.LocalInstant) protocol.Seconds {
	s := d.at(h)
	if s == nil || !s.haveLast {
		return 0
	}
	elapsed := sampleTime.Sub(s.lastSampleAt)
	return s.lastOffset + protocol.Seconds(float64(elapsed)*float64(s.freqEstimate))
}

// AccumulateSample folds a new observation into the source's history
// and refreshes the frequency estimate from the last two samples.
func (d *Discipline) AccumulateSample(h SourceStatsHandle, sample Sample) {
	s := d.at(h)
	if s == nil {
		return
	}
	if s.haveLast {
		dt := sample.Time.Sub(s.lastSampleAt)
		if dt > 0 {
			s.freqEstimate = (sample.Offset - s.lastOffset) / dt
			s.freqHist = append(s.freqHist, s.freqEstimate)
			if len(s.freqHist) > maxHistory {
				s.freqHist = s.freqHist[len(s.freqHist)-maxHistory:]
			}
		}
	}
	s.lastOffset = sample.Offset
	s.lastSampleAt = sample.Time
	s.haveLast = true
	s.samples = append(s.samples, sample)
	if len(s.samples) > maxHistory {
		s.samples = s.samples[len(s.samples)-maxHistory:]
	}
}

// IsGoodSample reports whether offset/delay pass the clock subsystem's
// plausibility check against the caller-supplied max_delay_dev_ratio,
// the conformance test TC.
func (d *Discipline) IsGoodSample(h SourceStatsHandle, offset, delay protocol.Seconds, maxDelayDevRatio float64) bool {
	s := d.at(h)
	if s == nil || len(s.samples) < 2 {
		return true
	}
	w := welford.New()
	for _, samp := range s.samples {
		w.Add(float64(samp.Delay))
	}
	stddev := w.Stddev()
	if stddev == 0 {
		return true
	}
	dev := float64(delay) - w.Mean()
	if dev < 0 {
		dev = -dev
	}
	return dev/stddev <= maxDelayDevRatio
}

// FrequencyBounds returns the lower and upper bounds on the source's
// residual frequency error relative to the local clock, in seconds per
// second, taken as the spread of the recent inter-sample frequency
// estimates. Both bounds are zero until two estimates exist.
func (d *Discipline) FrequencyBounds(h SourceStatsHandle) (lo, hi protocol.Seconds) {
	s := d.at(h)
	if s == nil || len(s.freqHist) < 2 {
		return 0, 0
	}
	lo, hi = s.freqHist[0], s.freqHist[0]
	for _, f := range s.freqHist[1:] {
		if f < lo {
			lo = f
		}
		if f > hi {
			hi = f
		}
	}
	return lo, hi
}

// SelectSource re-runs source selection across all registered handles,
// records the winner as the sync source, and returns it (-1 if none
// qualify): the handle with the smallest last observed delay among
// sources with at least one sample. Clustering and marzullo-style
// intersection belong to the clock-discipline controller.
func (d *Discipline) SelectSource() SourceStatsHandle {
	best := SourceStatsHandle(-1)
	var bestDelay protocol.Seconds
	for i := range d.stats {
		s := &d.stats[i]
		if len(s.samples) == 0 {
			continue
		}
		last := s.samples[len(s.samples)-1]
		if best == -1 || last.Delay < bestDelay {
			best = SourceStatsHandle(i)
			bestDelay = last.Delay
		}
	}
	d.current = best
	return best
}

// Selected returns the handle chosen by the most recent SelectSource
// pass, or -1 before any selection.
func (d *Discipline) Selected() SourceStatsHandle {
	return d.current
}
