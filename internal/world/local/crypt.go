// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package local

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

// sealedPrefix marks encrypted column values so plaintext databases stay
// readable after a key is configured.
const sealedPrefix = "v1:"

// argon2id parameters for key derivation from a passphrase.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// cipher seals and opens payload columns with a secretbox key derived from
// the configured passphrase. A nil *cipher passes values through.
type cipher struct {
	key [32]byte
}

// newCipher derives the column key from passphrase and the database salt.
func newCipher(passphrase string, salt []byte) *cipher {
	c := &cipher{}
	copy(c.key[:], argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, 32))
	return c
}

// seal encrypts a column value. Empty values stay empty so NULL semantics
// survive.
func (c *cipher) seal(plaintext []byte) (string, error) {
	if c == nil || len(plaintext) == 0 {
		return string(plaintext), nil
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &c.key)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// open decrypts a column value, passing unsealed values through.
func (c *cipher) open(value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	if c == nil || !strings.HasPrefix(value, sealedPrefix) {
		return []byte(value), nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return nil, fmt.Errorf("decode sealed column: %w", err)
	}
	if len(raw) < 24 {
		return nil, fmt.Errorf("sealed column too short")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plaintext, ok := secretbox.Open(nil, raw[24:], &nonce, &c.key)
	if !ok {
		return nil, fmt.Errorf("open sealed column: wrong key or corrupt data")
	}
	return plaintext, nil
}

// newSalt generates the per-database key derivation salt.
func newSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}
