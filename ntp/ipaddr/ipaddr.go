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

// Package ipaddr wraps net/netip.Addr with a v4/v6/unspec family tag,
// plus RefId derivation for outgoing packets.
package ipaddr

import (
	"encoding/binary"
	"net/netip"

	"github.com/cespare/xxhash/v2"
)

// Family distinguishes the three IpAddress variants.
type Family uint8

// Family values.
const (
	Unspec Family = iota
	V4
	V6
)

// Addr is the IpAddress variant: v4, v6, or unspec.
type Addr struct {
	netip.Addr
}

// FromNetip wraps a netip.Addr.
func FromNetip(a netip.Addr) Addr { return Addr{a} }

// Family reports which variant a holds.
func (a Addr) Family() Family {
	switch {
	case !a.IsValid():
		return Unspec
	case a.Is4() || a.Is4In6():
		return V4
	default:
		return V6
	}
}

// RefId is the 32-bit reference identifier derived from a peer's
// address: for v4, the raw address; for v6, the first 32 bits of a
// hash of the address.
type RefId uint32

// DeriveRefId computes the RefId advertised in outgoing packets for
// the given peer address.
func DeriveRefId(a Addr) RefId {
	switch a.Family() {
	case V4:
		b := a.As4()
		return RefId(binary.BigEndian.Uint32(b[:]))
	case V6:
		b := a.As16()
		h := xxhash.Sum64(b[:])
		return RefId(uint32(h >> 32))
	default:
		return 0
	}
}

// KissCode renders a 4-character ASCII kiss code as RefId, used for
// stratum-0 kiss packets such as "RATE".
func KissCode(code string) RefId {
	var b [4]byte
	copy(b[:], code)
	for i := len(code); i < 4; i++ {
		b[i] = ' '
	}
	return RefId(binary.BigEndian.Uint32(b[:]))
}

// String returns the 4-char code id decodes to, or "" if any of its
// bytes is not printable ASCII.
func (id RefId) String() string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(id))
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return ""
		}
	}
	return string(b[:])
}
