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

package keys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateVerifyRoundTrip(t *testing.T) {
	store := NewStore()
	store.Add(Key{ID: 1, Secret: []byte("0123456789abcdef"), Digest: SHA1})
	store.Add(Key{ID: 2, Secret: []byte("fedcba9876543210"), Digest: SHA256})

	body := []byte("some packet bytes plus keyid")
	for _, id := range []uint32{1, 2} {
		mac, err := store.Generate(id, body)
		require.NoError(t, err)
		require.True(t, store.Verify(id, body, mac))
	}

	mac, err := store.Generate(1, body)
	require.NoError(t, err)
	// wrong key id
	require.False(t, store.Verify(2, body, mac))
	// tampered body
	require.False(t, store.Verify(1, append([]byte(nil), body[1:]...), mac))
	// tampered digest
	mac[0] ^= 0x01
	require.False(t, store.Verify(1, body, mac))
}

func TestGenerateUnknownKey(t *testing.T) {
	store := NewStore()
	_, err := store.Generate(42, []byte("x"))
	require.Error(t, err)
	require.False(t, store.Verify(42, []byte("x"), []byte("y")))
}

func TestDigestLengths(t *testing.T) {
	store := NewStore()
	store.Add(Key{ID: 1, Secret: []byte("0123456789abcdef"), Digest: SHA1})
	store.Add(Key{ID: 2, Secret: []byte("0123456789abcdef"), Digest: SHA256})

	mac1, err := store.Generate(1, []byte("x"))
	require.NoError(t, err)
	require.Len(t, mac1, 20)

	mac2, err := store.Generate(2, []byte("x"))
	require.NoError(t, err)
	require.Len(t, mac2, 32)
}

func TestLoadKeyfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys")
	content := "1 = 30313233343536373839616263646566\n" +
		"20 = 6665646362613938\n" +
		"bogus = zz\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	store, err := LoadKeyfile(path)
	require.NoError(t, err)

	k1, ok := store.Lookup(1)
	require.True(t, ok)
	require.Equal(t, []byte("0123456789abcdef"), k1.Secret)

	k20, ok := store.Lookup(20)
	require.True(t, ok)
	require.Equal(t, []byte("fedcba98"), k20.Secret)

	require.Len(t, store.IDs(), 2)
}

func TestLoadKeyfileMissing(t *testing.T) {
	_, err := LoadKeyfile("/does/not/exist")
	require.Error(t, err)
}
