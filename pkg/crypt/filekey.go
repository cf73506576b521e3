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

package crypt

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/jeremyhahn/go-keyslot/pkg/keyslot"
)

// fileKeyInfo separates file key derivation from any other use of the
// master secret.
const fileKeyInfo = "keyslot-file-key-v1"

var (
	// ErrInvalidMaster is returned when the master secret is too short.
	ErrInvalidMaster = errors.New("crypt: master secret must be at least 32 bytes")

	// ErrInvalidNonce is returned when the per-file nonce is empty.
	ErrInvalidNonce = errors.New("crypt: file nonce is required")
)

// FileKey is the key and salt programmed into a slot for one file.
type FileKey struct {
	Key  []byte
	Salt []byte
}

// DeriveFileKey derives the per-file key and salt from a master secret and
// the file's nonce with HKDF-SHA256. The same inputs always produce the same
// FileKey, so every open of a file shares one cache entry.
func DeriveFileKey(master, nonce []byte) (*FileKey, error) {
	if len(master) < keyslot.KeySize {
		return nil, ErrInvalidMaster
	}
	if len(nonce) == 0 {
		return nil, ErrInvalidNonce
	}

	r := hkdf.New(sha256.New, master, nonce, []byte(fileKeyInfo))
	out := make([]byte, keyslot.KeySize+keyslot.SaltSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("crypt: derive file key: %w", err)
	}

	fk := &FileKey{
		Key:  make([]byte, keyslot.KeySize),
		Salt: make([]byte, keyslot.SaltSize),
	}
	copy(fk.Key, out[:keyslot.KeySize])
	copy(fk.Salt, out[keyslot.KeySize:])
	keyslot.Wipe(out)
	return fk, nil
}

// Zeroize wipes the key and salt.
func (fk *FileKey) Zeroize() {
	if fk == nil {
		return
	}
	keyslot.Wipe(fk.Key)
	keyslot.Wipe(fk.Salt)
}
