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
	"crypto/rand"
	"encoding/binary"
	"errors"
)

// nonceLen is the size of the random nonce carried in a cookie's
// header.
const nonceLen = 16

// headerLen is the fixed key_id+nonce prefix before the SIV ciphertext.
const headerLen = 4 + nonceLen

// Context is the pair of session keys a cookie binds.
type Context struct {
	C2S []byte
	S2C []byte
}

var (
	errCookieTooShort = errors.New("cookie: too short to contain a header")
	errUnknownKeyID   = errors.New("cookie: key id not present in ring")
	errOddPlaintext   = errors.New("cookie: decoded plaintext has odd length")
)

// Generate builds a cookie binding ctx.C2S and ctx.S2C under the
// ring's current key. C2S and S2C must be equal length (each 16-64
// bytes).
func Generate(ring *Ring, ctx Context) ([]byte, error) {
	slot, ok := ring.Current()
	if !ok {
		return nil, errors.New("cookie: server key ring is empty")
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	plaintext := make([]byte, 0, len(ctx.C2S)+len(ctx.S2C))
	plaintext = append(plaintext, ctx.C2S...)
	plaintext = append(plaintext, ctx.S2C...)

	sealed, err := sivEncrypt(slot.Key, [][]byte{nonce}, plaintext)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, headerLen+len(sealed))
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], slot.ID)
	out = append(out, idBuf[:]...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Decode extracts the header, looks up the exact key id in ring, and
// verifies+splits the plaintext. The half length is inferred from the
// total plaintext length, which must be even (each half is the same
// size a Generate call emitted).
func Decode(ring *Ring, raw []byte) (Context, error) {
	if len(raw) < headerLen {
		return Context{}, errCookieTooShort
	}
	id := binary.BigEndian.Uint32(raw[:4])
	nonce := raw[4:headerLen]
	sealed := raw[headerLen:]

	slot, ok := ring.Lookup(id)
	if !ok {
		return Context{}, errUnknownKeyID
	}

	plaintext, err := sivDecrypt(slot.Key, [][]byte{nonce}, sealed)
	if err != nil {
		return Context{}, err
	}
	if len(plaintext)%2 != 0 {
		return Context{}, errOddPlaintext
	}
	half := len(plaintext) / 2
	return Context{
		C2S: append([]byte(nil), plaintext[:half]...),
		S2C: append([]byte(nil), plaintext[half:]...),
	}, nil
}
