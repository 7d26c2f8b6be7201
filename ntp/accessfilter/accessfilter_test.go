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

package accessfilter

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLongestPrefixWins(t *testing.T) {
	f := New()
	f.AddRule(netip.MustParsePrefix("10.0.0.0/8"), Allow)
	f.AddRule(netip.MustParsePrefix("10.1.0.0/16"), Deny)

	require.True(t, f.IsAllowed(netip.MustParseAddr("10.2.3.4")))
	require.False(t, f.IsAllowed(netip.MustParseAddr("10.1.3.4")))
}

func TestDefaultDeny(t *testing.T) {
	f := New()
	require.False(t, f.IsAllowed(netip.MustParseAddr("8.8.8.8")))
}

func TestRemoveRule(t *testing.T) {
	f := New()
	p := netip.MustParsePrefix("192.168.0.0/16")
	f.AddRule(p, Allow)
	require.True(t, f.IsAllowed(netip.MustParseAddr("192.168.1.1")))
	f.RemoveRule(p)
	require.False(t, f.IsAllowed(netip.MustParseAddr("192.168.1.1")))
}
