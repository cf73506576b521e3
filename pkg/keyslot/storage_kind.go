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
	"fmt"
	"strings"
)

// StorageKind identifies the storage controller type behind a device. It is
// resolved once when the device's table is constructed.
type StorageKind int

const (
	// StorageSDCC is an SD/MMC host controller. This is the default.
	StorageSDCC StorageKind = iota
	// StorageEMMC is an embedded MMC device.
	StorageEMMC
	// StorageUFS is a UFS device.
	StorageUFS
	// StorageUFSCard is a removable UFS card.
	StorageUFSCard
)

// bootDeviceParam is the kernel command line parameter naming the boot device.
const bootDeviceParam = "androidboot.bootdevice="

// String returns the canonical lower-case name.
func (k StorageKind) String() string {
	switch k {
	case StorageSDCC:
		return "sdcc"
	case StorageEMMC:
		return "emmc"
	case StorageUFS:
		return "ufs"
	case StorageUFSCard:
		return "ufscard"
	default:
		return fmt.Sprintf("StorageKind(%d)", int(k))
	}
}

// CountsOnlyNonBlocking reports whether borrowers are counted only for
// admissions made from the non-blocking path. UFS controllers take this path;
// blocking admissions made from their work queue do not queue requests to the
// hardware themselves.
func (k StorageKind) CountsOnlyNonBlocking() bool {
	return k == StorageUFS || k == StorageUFSCard
}

// ParseStorageKind converts a name such as "ufs" into a StorageKind.
func ParseStorageKind(s string) (StorageKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sdcc":
		return StorageSDCC, nil
	case "emmc", "mmc":
		return StorageEMMC, nil
	case "ufs":
		return StorageUFS, nil
	case "ufscard":
		return StorageUFSCard, nil
	default:
		return StorageSDCC, fmt.Errorf("%w: unknown storage kind %q", ErrInvalidArgument, s)
	}
}

// StorageKindFromCmdline inspects a kernel command line for the boot device
// parameter. Any boot device containing "ufs" selects StorageUFS; every other
// boot device keeps the SDCC default. A command line without the parameter
// returns ErrInvalidArgument together with StorageSDCC.
func StorageKindFromCmdline(cmdline string) (StorageKind, error) {
	idx := strings.Index(cmdline, bootDeviceParam)
	if idx < 0 {
		return StorageSDCC, fmt.Errorf("%w: %s not present", ErrInvalidArgument, strings.TrimSuffix(bootDeviceParam, "="))
	}
	value := cmdline[idx+len(bootDeviceParam):]
	if end := strings.IndexAny(value, " \t\n"); end >= 0 {
		value = value[:end]
	}
	// The boot device value is bounded to 19 characters.
	if len(value) > 19 {
		value = value[:19]
	}
	if strings.Contains(value, "ufs") {
		return StorageUFS, nil
	}
	return StorageSDCC, nil
}
