// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyslot.
//
// go-keyslot is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package keyslot

import (
	"crypto/subtle"
)

const (
	// KeySize is the only supported key length in bytes.
	KeySize = 32

	// SaltSize is the only supported salt length in bytes.
	SaltSize = 32
)

// Material holds one key and salt in fixed buffers owned by a cache entry.
// The buffers are allocated once and overwritten in place; they are never
// handed out by reference.
type Material struct {
	key     [KeySize]byte
	keyLen  int
	salt    [SaltSize]byte
	saltLen int
	locked  bool
}

// validateMaterial checks the declared key and salt sizes.
func validateMaterial(key, salt []byte) error {
	if len(key) != KeySize {
		return ErrInvalidArgument
	}
	if len(salt) != SaltSize {
		return ErrInvalidArgument
	}
	return nil
}

// lock pins the buffers in RAM where the platform supports it.
func (m *Material) lock() {
	if m.locked {
		return
	}
	if err := pinnedPages.Pin(m.key[:]); err != nil {
		return
	}
	if err := pinnedPages.Pin(m.salt[:]); err != nil {
		_ = pinnedPages.Unpin(m.key[:])
		return
	}
	m.locked = true
}

// unlock releases the pinned buffers. Pages still shared with another
// entry's material stay locked.
func (m *Material) unlock() {
	if !m.locked {
		return
	}
	_ = pinnedPages.Unpin(m.key[:])
	_ = pinnedPages.Unpin(m.salt[:])
	m.locked = false
}

// set copies key and salt into the owned buffers.
func (m *Material) set(key, salt []byte) {
	copy(m.key[:], key)
	m.keyLen = len(key)
	copy(m.salt[:], salt)
	m.saltLen = len(salt)
}

// matches compares in constant time. An empty material never matches.
func (m *Material) matches(key, salt []byte) bool {
	if m.keyLen == 0 || m.keyLen != len(key) || m.saltLen != len(salt) {
		return false
	}
	k := subtle.ConstantTimeCompare(m.key[:m.keyLen], key)
	s := subtle.ConstantTimeCompare(m.salt[:m.saltLen], salt)
	return k&s == 1
}

// Empty reports whether no key is held.
func (m *Material) Empty() bool {
	return m.keyLen == 0 && m.saltLen == 0
}

// copyOut returns value copies for the hardware call.
func (m *Material) copyOut() (key, salt []byte) {
	key = make([]byte, m.keyLen)
	copy(key, m.key[:m.keyLen])
	salt = make([]byte, m.saltLen)
	copy(salt, m.salt[:m.saltLen])
	return key, salt
}

// IsZero reports whether every byte of both buffers is zero.
func (m *Material) IsZero() bool {
	var acc byte
	for _, b := range m.key {
		acc |= b
	}
	for _, b := range m.salt {
		acc |= b
	}
	return acc == 0
}

// Zeroize overwrites both buffers and resets the declared lengths.
func (m *Material) Zeroize() {
	zeroize(m.key[:])
	zeroize(m.salt[:])
	m.keyLen = 0
	m.saltLen = 0
}

// zeroize clears b in a way the compiler keeps.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}

// Wipe zeroes a caller-owned buffer. Callers use it on their own copies of
// key material once a request is complete.
func Wipe(b []byte) {
	zeroize(b)
}
