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

package ratelog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGateSuppressesWithinWindow(t *testing.T) {
	g := NewGate(10 * time.Second)
	base := time.Now()

	require.True(t, g.Allow(base))
	require.False(t, g.Allow(base.Add(time.Second)))
	require.False(t, g.Allow(base.Add(9*time.Second)))
	require.True(t, g.Allow(base.Add(10*time.Second)))
	require.False(t, g.Allow(base.Add(11*time.Second)))
}

func TestGateZeroWindowAllowsEverything(t *testing.T) {
	g := NewGate(0)
	now := time.Now()
	require.True(t, g.Allow(now))
	require.True(t, g.Allow(now))
}
