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
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{
		Leap:           LeapNone,
		Version:        4,
		Mode:           ModeClient,
		Stratum:        2,
		Poll:           6,
		Precision:      -20,
		RootDelay:      SecondsToShort(0.01),
		RootDispersion: SecondsToShort(0.02),
		ReferenceID:    0x11223344,
		RefTime:        LocalToNTP(FromTime(time.Now()), 0),
		OriginTime:     LocalToNTP(FromTime(time.Now()), 0),
		RxTime:         LocalToNTP(FromTime(time.Now()), 0),
		TxTime:         LocalToNTP(FromTime(time.Now()), 0),
	}
	buf, err := h.Bytes()
	require.NoError(t, err)
	require.Len(t, buf, HeaderSizeBytes)

	back, err := HeaderFromBytes(buf)
	require.NoError(t, err)
	require.Equal(t, h, back)
}

func TestValidFormat(t *testing.T) {
	require.False(t, ValidFormat(make([]byte, 47)))
	require.False(t, ValidFormat(make([]byte, 50))) // not a multiple of 4
	buf := make([]byte, 48)
	buf[0] = 4 << 3 // version 4, mode 0
	require.True(t, ValidFormat(buf))
}

func TestParseTrailerPlainMAC(t *testing.T) {
	buf := make([]byte, HeaderSizeBytes+4+20)
	binary.BigEndian.PutUint32(buf[HeaderSizeBytes:], 42)
	tr, err := ParseTrailer(buf)
	require.NoError(t, err)
	require.True(t, tr.HasMAC)
	require.Equal(t, uint32(42), tr.KeyID)
	require.Len(t, tr.MAC, 20)
}

func TestParseTrailerMsSntp(t *testing.T) {
	buf := make([]byte, HeaderSizeBytes+20)
	binary.BigEndian.PutUint32(buf[HeaderSizeBytes:], 7)
	tr, err := ParseTrailer(buf)
	require.NoError(t, err)
	require.True(t, tr.MsSntp)
}

func TestParseTrailerExtensionField(t *testing.T) {
	ext := make([]byte, 16)
	binary.BigEndian.PutUint16(ext[0:2], 0x0104)
	binary.BigEndian.PutUint16(ext[2:4], 16)
	buf := append(make([]byte, HeaderSizeBytes), ext...)
	tr, err := ParseTrailer(buf)
	require.NoError(t, err)
	require.Len(t, tr.Extensions, 1)
	require.False(t, tr.HasMAC)
}
