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

package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalNTPRoundTrip(t *testing.T) {
	now := FromTime(time.Date(2026, 7, 29, 12, 0, 0, 123456000, time.UTC))
	ts := LocalToNTP(now, 0)
	back := NTPToLocal(ts, now)
	require.Equal(t, now.Sec, back.Sec)
	require.InDelta(t, now.Nsec, back.Nsec, 2)
}

func TestDiffOrdering(t *testing.T) {
	now := FromTime(time.Now())
	a := LocalToNTP(now, 0)
	b := LocalToNTP(now.Add(5*time.Second), 0)
	require.InDelta(t, -5.0, float64(Diff(a, b)), 1e-6)
	require.InDelta(t, 5.0, float64(Diff(b, a)), 1e-6)
}

func TestEraSplitResolvesNearestEra(t *testing.T) {
	now := FromTime(time.Now())
	ts := LocalToNTP(now, 0)
	back := NTPToLocal(ts, now.Add(10*time.Second))
	require.InDelta(t, now.Sec, back.Sec, 1)
}
