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

// Package keys implements the symmetric-key store used for NTP's
// classic MAC authentication (auth mode Symmetric): keys loaded from a
// keyfile, indexed by key id, with MAC generate/verify.
package keys

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/go-ini/ini"
	log "github.com/sirupsen/logrus"
)

// Digest selects the hash algorithm backing a key's MAC.
type Digest uint8

// Supported digest algorithms.
const (
	SHA1 Digest = iota
	SHA256
)

func (d Digest) newHash() func() hash.Hash {
	switch d {
	case SHA256:
		return sha256.New
	default:
		return sha1.New
	}
}

// MinKeyLenBytes is the recommended minimum key length; shorter keys are
// still accepted and used, but Add logs a warning for them.
const MinKeyLenBytes = 8

// Key is one symmetric key entry.
type Key struct {
	ID     uint32
	Secret []byte
	Digest Digest
}

// Store is a key-id indexed symmetric key table.
type Store struct {
	keys map[uint32]Key
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{keys: map[uint32]Key{}}
}

// Add inserts or replaces a key, warning if it is shorter than
// MinKeyLenBytes.
func (s *Store) Add(k Key) {
	if len(k.Secret) < MinKeyLenBytes {
		log.Warnf("keys: key %d is only %d bytes, shorter than recommended minimum %d", k.ID, len(k.Secret), MinKeyLenBytes)
	}
	s.keys[k.ID] = k
}

// Lookup returns the key for id, if present.
func (s *Store) Lookup(id uint32) (Key, bool) {
	k, ok := s.keys[id]
	return k, ok
}

// Has reports whether a key has been configured for id.
func (s *Store) Has(id uint32) bool {
	_, ok := s.keys[id]
	return ok
}

// IDs returns every configured key id, in no particular order.
func (s *Store) IDs() []uint32 {
	out := make([]uint32, 0, len(s.keys))
	for id := range s.keys {
		out = append(out, id)
	}
	return out
}

// Generate computes the MAC over body using the key identified by id.
// body is the header bytes followed by the key-id field, so the MAC
// spans both.
func (s *Store) Generate(id uint32, body []byte) ([]byte, error) {
	k, ok := s.keys[id]
	if !ok {
		return nil, fmt.Errorf("keys: unknown key id %d", id)
	}
	mac := hmac.New(k.Digest.newHash(), k.Secret)
	mac.Write(body)
	return mac.Sum(nil), nil
}

// Verify checks digest against the MAC computed over body with key id.
// It runs in constant time relative to a correct comparison via
// hmac.Equal, so MAC failures do not leak timing information about how
// many bytes matched.
func (s *Store) Verify(id uint32, body, digest []byte) bool {
	k, ok := s.keys[id]
	if !ok {
		return false
	}
	mac := hmac.New(k.Digest.newHash(), k.Secret)
	mac.Write(body)
	expected := mac.Sum(nil)
	if len(expected) != len(digest) {
		// MS-SNTP truncates/pads digests to a fixed wire size; accept a
		// common prefix comparison only when lengths were pre-agreed by
		// the caller (auth mode), never silently here.
		return false
	}
	return hmac.Equal(expected, digest)
}

// LoadKeyfile parses a keyfile of `<id> = <hex-secret>` records, one
// per line, read as an ini-style key/value file in the default section.
func LoadKeyfile(path string) (*Store, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, path)
	if err != nil {
		return nil, fmt.Errorf("keys: loading keyfile %s: %w", path, err)
	}
	store := NewStore()
	section := cfg.Section("")
	for _, k := range section.Keys() {
		var id uint32
		if _, err := fmt.Sscanf(k.Name(), "%d", &id); err != nil {
			log.Warnf("keys: ignoring malformed key id %q in %s", k.Name(), path)
			continue
		}
		secret, err := hex.DecodeString(k.Value())
		if err != nil {
			log.Warnf("keys: ignoring malformed key %d in %s: %v", id, path, err)
			continue
		}
		store.Add(Key{ID: id, Secret: secret, Digest: SHA1})
	}
	return store, nil
}
