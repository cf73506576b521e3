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

package health

import (
	"context"
	"fmt"
	"strings"

	"github.com/jeremyhahn/go-keyslot/pkg/keyslot"
)

// CacheSource is the view of a key cache needed by CacheCheck.
type CacheSource interface {
	IsReady() bool
	Snapshot() []keyslot.TableSnapshot
}

// CacheCheck reports the key cache unhealthy when it is closed or has no
// tables. A table whose entries are all borrowed or in transition, or that
// holds entries parked after a hardware failure, is reported degraded.
func CacheCheck(cache CacheSource) CheckFunc {
	return func(ctx context.Context) CheckResult {
		result := CheckResult{Name: "keycache", Status: StatusHealthy}

		if !cache.IsReady() {
			result.Status = StatusUnhealthy
			result.Message = "Key cache is not ready"
			return result
		}

		tables := cache.Snapshot()
		if len(tables) == 0 {
			result.Status = StatusUnhealthy
			result.Message = "No device tables registered"
			return result
		}

		var notes []string
		for _, ts := range tables {
			evictable := ts.Count(keyslot.StateFree) + ts.Count(keyslot.StateIdle)
			if evictable == 0 {
				notes = append(notes, fmt.Sprintf("device %d saturated", ts.Device))
			}
			if n := ts.Count(keyslot.StateHardwareError); n > 0 {
				notes = append(notes, fmt.Sprintf("device %d has %d failed slots", ts.Device, n))
			}
		}
		if len(notes) > 0 {
			result.Status = StatusDegraded
			result.Message = strings.Join(notes, "; ")
			return result
		}

		result.Message = fmt.Sprintf("%d device tables ready", len(tables))
		return result
	}
}
