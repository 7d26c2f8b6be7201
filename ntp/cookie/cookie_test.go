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

package cookie

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCookieRoundTrip(t *testing.T) {
	ring := NewRing()
	require.NoError(t, ring.Bootstrap())

	ctx := Context{
		C2S: []byte("0123456789abcdef"),
		S2C: []byte("fedcba9876543210"),
	}
	raw, err := Generate(ring, ctx)
	require.NoError(t, err)

	got, err := Decode(ring, raw)
	require.NoError(t, err)
	require.Equal(t, ctx.C2S, got.C2S)
	require.Equal(t, ctx.S2C, got.S2C)
}

func TestCookieDecodeFailsOnBitFlip(t *testing.T) {
	ring := NewRing()
	require.NoError(t, ring.Bootstrap())

	ctx := Context{C2S: []byte("0123456789abcdef"), S2C: []byte("fedcba9876543210")}
	raw, err := Generate(ring, ctx)
	require.NoError(t, err)

	flipped := append([]byte(nil), raw...)
	flipped[len(flipped)-1] ^= 0x01
	_, err = Decode(ring, flipped)
	require.Error(t, err)

	truncated := raw[:len(raw)-1]
	_, err = Decode(ring, truncated)
	require.Error(t, err)
}

func TestCookieRotation(t *testing.T) {
	ring := NewRing()
	require.NoError(t, ring.Bootstrap())

	ctx := Context{C2S: []byte("0123456789abcdef"), S2C: []byte("fedcba9876543210")}
	raw, err := Generate(ring, ctx)
	require.NoError(t, err)

	for i := 0; i < MaxServerKeys; i++ {
		require.NoError(t, ring.Rotate())
	}
	_, err = Decode(ring, raw)
	require.Error(t, err, "cookie should fail once its key has scrolled out of the ring")

	ring2 := NewRing()
	require.NoError(t, ring2.Bootstrap())
	raw2, err := Generate(ring2, ctx)
	require.NoError(t, err)
	for i := 0; i < MaxServerKeys-1; i++ {
		require.NoError(t, ring2.Rotate())
	}
	_, err = Decode(ring2, raw2)
	require.NoError(t, err, "cookie should still decode with MaxServerKeys-1 rotations")
}

func TestKeyRingPersistence(t *testing.T) {
	ring := NewRing()
	require.NoError(t, ring.Bootstrap())
	for i := 0; i < 3; i++ {
		require.NoError(t, ring.Rotate())
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "ntskeys")
	require.NoError(t, ring.Save(path))

	reloaded := NewRing()
	require.NoError(t, reloaded.Load(path))

	want, ok := ring.Current()
	require.True(t, ok)
	got, ok := reloaded.Current()
	require.True(t, ok)
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.Key, got.Key)

	for _, id := range []uint32{0, 1, 2, 3} {
		wantSlot, wantOK := ring.Lookup(id)
		gotSlot, gotOK := reloaded.Lookup(id)
		require.Equal(t, wantOK, gotOK)
		if wantOK {
			require.Equal(t, wantSlot.Key, gotSlot.Key)
		}
	}
}
