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

package ipaddr

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFamily(t *testing.T) {
	require.Equal(t, V4, FromNetip(netip.MustParseAddr("192.0.2.1")).Family())
	require.Equal(t, V4, FromNetip(netip.MustParseAddr("::ffff:192.0.2.1")).Family())
	require.Equal(t, V6, FromNetip(netip.MustParseAddr("2001:db8::1")).Family())
	require.Equal(t, Unspec, FromNetip(netip.Addr{}).Family())
}

func TestDeriveRefIdV4IsRawAddress(t *testing.T) {
	id := DeriveRefId(FromNetip(netip.MustParseAddr("192.0.2.1")))
	require.Equal(t, RefId(0xc0000201), id)
}

func TestDeriveRefIdV6IsStableHash(t *testing.T) {
	a := FromNetip(netip.MustParseAddr("2001:db8::1"))
	b := FromNetip(netip.MustParseAddr("2001:db8::2"))

	idA := DeriveRefId(a)
	require.NotZero(t, idA)
	require.Equal(t, idA, DeriveRefId(a))
	require.NotEqual(t, idA, DeriveRefId(b))
}

func TestDeriveRefIdUnspec(t *testing.T) {
	require.Equal(t, RefId(0), DeriveRefId(FromNetip(netip.Addr{})))
}

func TestKissCode(t *testing.T) {
	rate := KissCode("RATE")
	require.Equal(t, "RATE", rate.String())

	deny := KissCode("DENY")
	require.NotEqual(t, rate, deny)

	// short codes pad with spaces
	require.Equal(t, "AB  ", KissCode("AB").String())

	// a numeric refid is not a printable kiss code
	require.Equal(t, "", RefId(0x00000001).String())
}
