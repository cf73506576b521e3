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

import "context"

// Device identifies one inline crypto engine instance. Each device owns
// exactly one Table.
type Device struct {
	// Number is the controller number and the registry key.
	Number int

	// Name is a human-readable instance name such as "ufs0".
	Name string

	// Kind selects the borrower counting policy. It may be overridden by a
	// DeviceRegistry when the table is constructed.
	Kind StorageKind

	// ID is a unique instance identifier. When empty, the table's copy of
	// the device is assigned one on construction.
	ID string
}

// Programmer is the hardware collaborator that loads and clears keys in
// hardware slots. Implementations must not retain the key or salt slices
// after a call returns. Calls may block and may fail.
type Programmer interface {
	// ProgramKey loads key and salt into slot on dev.
	ProgramKey(ctx context.Context, slot int, key, salt []byte, dev *Device, dataUnitSize uint32) error

	// InvalidateKey clears a previously programmed slot on dev.
	InvalidateKey(ctx context.Context, slot int, dev *Device) error
}

// DeviceRegistry resolves the storage kind of a device. It is consulted once
// per device when its table is constructed.
type DeviceRegistry interface {
	StorageKind(dev *Device) StorageKind
}

// StaticRegistry resolves every device to the same storage kind, typically
// the one parsed from the boot command line.
type StaticRegistry StorageKind

// StorageKind implements DeviceRegistry.
func (r StaticRegistry) StorageKind(*Device) StorageKind {
	return StorageKind(r)
}
