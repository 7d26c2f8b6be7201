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
	"time"

	"github.com/timewarden/ntpd/ntp/protocol"
)

func timeDuration(s protocol.Seconds) time.Duration {
	if s < 0 {
		s = 0
	}
	return time.Duration(float64(s) * float64(time.Second))
}

func secondsOf(d time.Duration) protocol.Seconds {
	return protocol.Seconds(d.Seconds())
}

func absSeconds(s protocol.Seconds) protocol.Seconds {
	if s < 0 {
		return -s
	}
	return s
}

// transmitInterval reports the nominal 2^local_poll interval used by
// armInitialTimer to schedule the first transmit.
func (s *Source) transmitInterval() protocol.Seconds {
	return protocol.Seconds(math.Exp2(float64(s.LocalPoll)))
}

// Unreachable reports whether TxCount has reached the consecutive
// unanswered-transmit threshold.
func (s *Source) Unreachable() bool {
	return s.TxCount >= 9
}
