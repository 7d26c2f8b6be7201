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

import "time"

// Protocol-level bounds and timers.
const (
	MinPoll = 0
	MaxPoll = 24

	NtpMaxStratum     = 16
	NtpMaxDispersion  = 16.0
	MaxServerInterval = 16 * time.Second
	MaxTxDelay        = 10 * time.Millisecond

	InitialDelay  = 10 * time.Millisecond
	WarmUpDelay   = 2 * time.Second
	BurstTimeout  = 2 * time.Second
	BurstInterval = 2 * time.Second

	MaxKodRatePoll = 12

	// Spacing applied between transmit timers of different sources so
	// polls to many servers don't all fire at once.
	SamplingSeparation = 100 * time.Millisecond
	SamplingRandomness = 0.1

	// SourceReachBits is the width of the reach shift register each
	// Source keeps, per the glossary's "Reach register" entry.
	SourceReachBits = 8
)
