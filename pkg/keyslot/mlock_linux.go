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

//go:build linux

package keyslot

import "golang.org/x/sys/unix"

// lockMemory keeps b out of swap.
func lockMemory(b []byte) error {
	return unix.Mlock(b)
}

func unlockMemory(b []byte) error {
	return unix.Munlock(b)
}
