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
	"bytes"
	"encoding/binary"
	"fmt"
)

// HeaderSizeBytes is the size of the fixed NTP header.
const HeaderSizeBytes = 48

// Protocol version bounds this codec accepts on receive.
const (
	MinCompatVersion = 1
	MaxCompatVersion = 4
	MaxStratum       = 16
)

// Leap indicator values.
type Leap uint8

// Leap indicator values, matching the top two bits of the LVM byte.
const (
	LeapNone Leap = iota
	LeapAddSecond
	LeapDelSecond
	LeapUnsynchronised
)

// Mode is the NTP association mode, the low three bits of the LVM byte.
type Mode uint8

// Mode values as defined by the NTP wire format.
const (
	ModeReserved Mode = iota
	ModeSymmetricActive
	ModeSymmetricPassive
	ModeClient
	ModeServer
	ModeBroadcast
)

// NtpShort is a 16.16 fixed-point seconds value used for root delay and
// root dispersion.
type NtpShort uint32

// SecondsToShort converts a Seconds value into the 16.16 wire format.
func SecondsToShort(s Seconds) NtpShort {
	if s < 0 {
		s = 0
	}
	return NtpShort(uint32(float64(s) * 65536.0))
}

// Seconds converts a NtpShort back into floating seconds.
func (s NtpShort) Seconds() Seconds {
	return Seconds(float64(s) / 65536.0)
}

// Header is the fixed 48-byte NTP header.
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|LI | VN  |Mode |    Stratum    |     Poll      |   Precision   |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                         Root Delay                           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                         Root Dispersion                      |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                          Reference ID                        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                     Reference Timestamp (64)                 |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                      Origin Timestamp (64)                   |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                      Receive Timestamp (64)                  |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                     Transmit Timestamp (64)                  |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type Header struct {
	Leap           Leap
	Version        uint8
	Mode           Mode
	Stratum        uint8
	Poll           int8
	Precision      int8
	RootDelay      NtpShort
	RootDispersion NtpShort
	ReferenceID    uint32
	RefTime        NtpTimestamp
	OriginTime     NtpTimestamp
	RxTime         NtpTimestamp
	TxTime         NtpTimestamp
}

type wireHeader struct {
	LVM            uint8
	Stratum        uint8
	Poll           int8
	Precision      int8
	RootDelay      uint32
	RootDispersion uint32
	ReferenceID    uint32
	RefTime        uint64
	OriginTime     uint64
	RxTime         uint64
	TxTime         uint64
}

func (h *Header) toWire() wireHeader {
	lvm := uint8(h.Leap)<<6 | (h.Version&0x7)<<3 | uint8(h.Mode)&0x7
	return wireHeader{
		LVM:            lvm,
		Stratum:        h.Stratum,
		Poll:           h.Poll,
		Precision:      h.Precision,
		RootDelay:      uint32(h.RootDelay),
		RootDispersion: uint32(h.RootDispersion),
		ReferenceID:    h.ReferenceID,
		RefTime:        uint64(h.RefTime),
		OriginTime:     uint64(h.OriginTime),
		RxTime:         uint64(h.RxTime),
		TxTime:         uint64(h.TxTime),
	}
}

func (h *Header) fromWire(w wireHeader) {
	h.Leap = Leap(w.LVM >> 6)
	h.Version = (w.LVM >> 3) & 0x7
	h.Mode = Mode(w.LVM & 0x7)
	h.Stratum = w.Stratum
	h.Poll = w.Poll
	h.Precision = w.Precision
	h.RootDelay = NtpShort(w.RootDelay)
	h.RootDispersion = NtpShort(w.RootDispersion)
	h.ReferenceID = w.ReferenceID
	h.RefTime = NtpTimestamp(w.RefTime)
	h.OriginTime = NtpTimestamp(w.OriginTime)
	h.RxTime = NtpTimestamp(w.RxTime)
	h.TxTime = NtpTimestamp(w.TxTime)
}

// Bytes serialises the header to its 48-byte big-endian wire form.
func (h *Header) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, h.toWire()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HeaderFromBytes parses the fixed 48-byte header prefix of buf.
func HeaderFromBytes(buf []byte) (*Header, error) {
	if len(buf) < HeaderSizeBytes {
		return nil, fmt.Errorf("ntp: packet too short: %d bytes", len(buf))
	}
	var w wireHeader
	if err := binary.Read(bytes.NewReader(buf[:HeaderSizeBytes]), binary.BigEndian, &w); err != nil {
		return nil, err
	}
	h := &Header{}
	h.fromWire(w)
	return h, nil
}

// ExtensionField is a single NTPv4 extension field trailing the header.
type ExtensionField struct {
	Type uint16
	Body []byte
}

// NTPv4 extension-field types used by the NTS request/response path.
const (
	ExtUniqueIdentifier     uint16 = 0x0104
	ExtNtsCookie            uint16 = 0x0204
	ExtNtsCookiePlaceholder uint16 = 0x0304
)

// AppendExtension appends one extension field to buf: 16-bit type,
// 16-bit length covering header and body, body padded out to a 32-bit
// boundary and the 16-byte minimum field length.
func AppendExtension(buf []byte, typ uint16, body []byte) []byte {
	length := 4 + len(body)
	for length%4 != 0 || length < 16 {
		length++
	}
	field := make([]byte, length)
	binary.BigEndian.PutUint16(field[0:2], typ)
	binary.BigEndian.PutUint16(field[2:4], uint16(length))
	copy(field[4:], body)
	return append(buf, field...)
}

// recognised MAC digest sizes: a plain symmetric-key MAC is
// keyid(4)+digest, with the digest in one of these sizes.
var macDigestSizes = map[int]bool{16: true, 20: true, 24: true, 32: true, 40: true, 48: true, 64: true}

// Trailer is the parsed result of everything after the 48-byte header:
// zero or more extension fields, followed by at most one authenticator.
type Trailer struct {
	Extensions []ExtensionField
	KeyID      uint32
	MAC        []byte
	HasMAC     bool
	// MsSntp / MsSntpExtended record the all-zero-digest delegation
	// markers NTPv3 MS-SNTP clients send.
	MsSntp         bool
	MsSntpExtended bool
}

// ParseTrailer scans buf[HeaderSizeBytes:], skipping well-formed
// extension fields and resolving the MAC-vs-extension-field ambiguity by
// trying the MAC interpretation first, as required by T5.
func ParseTrailer(buf []byte) (*Trailer, error) {
	t := &Trailer{}
	rest := buf[HeaderSizeBytes:]
	if len(rest) == 0 {
		return t, nil
	}

	// MS-SNTP authenticators are fixed-size, zero-digest, and have no
	// extension-field framing; recognise them before anything else. A
	// same-sized trailer with a nonzero digest falls through to the
	// MAC/extension interpretations (a 72-byte NTS cookie field is one).
	if len(rest) == 20 && allZero(rest[4:]) {
		t.MsSntp = true
		t.KeyID = binary.BigEndian.Uint32(rest[0:4])
		t.MAC = rest[4:]
		t.HasMAC = true
		return t, nil
	}
	if len(rest) == 72 && allZero(rest[8:]) {
		t.MsSntpExtended = true
		t.KeyID = binary.BigEndian.Uint32(rest[0:4])
		t.MAC = rest[4:]
		t.HasMAC = true
		return t, nil
	}

	// Try the plain symmetric-key MAC interpretation: keyid + digest of
	// a recognised size occupying the entire remainder.
	if len(rest) >= 4 && macDigestSizes[len(rest)-4] {
		t.KeyID = binary.BigEndian.Uint32(rest[0:4])
		t.MAC = rest[4:]
		t.HasMAC = true
		return t, nil
	}

	// Otherwise scan NTPv4 extension fields, each padded to a 32-bit
	// boundary with length covering header+body and minimum 16 bytes.
	off := 0
	for off < len(rest) {
		remaining := len(rest) - off
		if remaining < 16 {
			// trailing MAC with no preceding recognised size; best effort.
			if macDigestSizes[remaining-4] && remaining > 4 {
				t.KeyID = binary.BigEndian.Uint32(rest[off : off+4])
				t.MAC = rest[off+4:]
				t.HasMAC = true
			}
			break
		}
		typ := binary.BigEndian.Uint16(rest[off : off+2])
		length := binary.BigEndian.Uint16(rest[off+2 : off+4])
		if length < 16 || int(length)%4 != 0 || off+int(length) > len(rest) {
			return nil, fmt.Errorf("ntp: malformed extension field at offset %d", off)
		}
		t.Extensions = append(t.Extensions, ExtensionField{Type: typ, Body: rest[off+4 : off+int(length)]})
		off += int(length)
		// A trailing MAC may still follow the last extension field.
		if off < len(rest) {
			tailLen := len(rest) - off
			if macDigestSizes[tailLen-4] && tailLen > 4 {
				t.KeyID = binary.BigEndian.Uint32(rest[off : off+4])
				t.MAC = rest[off+4:]
				t.HasMAC = true
				off = len(rest)
			}
		}
	}
	return t, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// ValidFormat checks coarse wire-format validity: version within the
// compatible range, total length at least HeaderSizeBytes and a
// multiple of 4.
func ValidFormat(buf []byte) bool {
	if len(buf) < HeaderSizeBytes || len(buf)%4 != 0 {
		return false
	}
	version := (buf[0] >> 3) & 0x7
	return version >= MinCompatVersion && version <= MaxCompatVersion
}
