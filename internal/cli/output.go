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

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jeremyhahn/go-keyslot/pkg/client"
	"github.com/jeremyhahn/go-keyslot/pkg/keyslot"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

var tableStates = []keyslot.State{
	keyslot.StateFree,
	keyslot.StateLoading,
	keyslot.StateLoaded,
	keyslot.StateIdle,
	keyslot.StateInvalidating,
	keyslot.StateHardwareError,
}

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer. Unknown formats print text.
func NewPrinter(format string, writer io.Writer) *Printer {
	f := OutputFormat(strings.ToLower(format))
	if f != OutputFormatJSON {
		f = OutputFormatText
	}
	return &Printer{format: f, writer: writer}
}

// PrintTables prints the cache counters and a summary line per table
func (p *Printer) PrintTables(resp *client.TablesResponse) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(resp)
	}
	fmt.Fprintf(p.writer, "Ready: %t\n", resp.Ready)
	p.printStats(resp.Stats)
	fmt.Fprintln(p.writer)
	p.printTableSummary(resp.Tables)
	return nil
}

// PrintTable prints every entry of one table
func (p *Printer) PrintTable(ts *keyslot.TableSnapshot) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(ts)
	}
	fmt.Fprintf(p.writer, "Device %d (%s) %s, id %s\n", ts.Device, ts.DeviceName, ts.StorageKind, ts.DeviceID)
	fmt.Fprintf(p.writer, "%-6s %-14s %-10s %-10s %s\n", "SLOT", "STATE", "BORROWERS", "LAST USED", "ERROR")
	fmt.Fprintln(p.writer, strings.Repeat("-", 56))
	for _, e := range ts.Entries {
		fmt.Fprintf(p.writer, "%-6d %-14s %-10d %-10d %s\n", e.Slot, e.State, e.Borrowers, e.LastUsed, e.Error)
	}
	return nil
}

// PrintSimulation prints the result of a simulated workload
func (p *Printer) PrintSimulation(res *SimulationResult) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(res)
	}
	rate := 0.0
	if res.Duration > 0 {
		rate = float64(res.Operations) / res.Duration.Seconds()
	}
	fmt.Fprintf(p.writer, "Operations: %d in %s (%.0f ops/s)\n", res.Operations, res.Duration.Round(time.Millisecond), rate)
	fmt.Fprintf(p.writer, "Removals:   %d\n", res.Removals)
	fmt.Fprintf(p.writer, "Engine:     %d programs, %d invalidates\n", res.EnginePrograms, res.EngineInvalidates)
	p.printStats(res.Stats)
	fmt.Fprintln(p.writer)
	p.printTableSummary(res.Tables)
	return nil
}

// PrintVersion prints build information
func (p *Printer) PrintVersion(info map[string]string) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(info)
	}
	fmt.Fprintf(p.writer, "keyslot version %s\n", info["version"])
	fmt.Fprintf(p.writer, "Git commit: %s\n", info["commit"])
	fmt.Fprintf(p.writer, "Build date: %s\n", info["build_date"])
	fmt.Fprintf(p.writer, "Go version: %s\n", info["go_version"])
	fmt.Fprintf(p.writer, "OS/Arch: %s/%s\n", info["os"], info["arch"])
	return nil
}

// PrintAudit prints audit events, newest first
func (p *Printer) PrintAudit(resp *client.AuditResponse) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(resp)
	}
	if len(resp.Events) == 0 {
		fmt.Fprintln(p.writer, "No audit events")
		return nil
	}
	fmt.Fprintf(p.writer, "%-25s %-20s %-8s %-7s %-16s %s\n", "TIME", "EVENT", "OUTCOME", "DEVICE", "PRINCIPAL", "RESULT")
	fmt.Fprintln(p.writer, strings.Repeat("-", 90))
	for _, e := range resp.Events {
		device := "all"
		if e.Device >= 0 {
			device = strconv.Itoa(e.Device)
		}
		fmt.Fprintf(p.writer, "%-25s %-20s %-8s %-7s %-16s %s\n",
			e.Timestamp.Format(time.RFC3339), e.EventType, e.Outcome, device, e.Principal, e.Result)
	}
	return nil
}

// PrintSuccess prints a success message
func (p *Printer) PrintSuccess(message string) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(map[string]string{"status": "success", "message": message})
	}
	fmt.Fprintln(p.writer, message)
	return nil
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(map[string]string{"status": "error", "error": err.Error()})
	}
	_, werr := fmt.Fprintf(p.writer, "Error: %v\n", err)
	return werr
}

func (p *Printer) printStats(s keyslot.Stats) {
	fmt.Fprintf(p.writer, "Hits: %d  Misses: %d  Evictions: %d  Waits: %d\n", s.Hits, s.Misses, s.Evictions, s.Waits)
	fmt.Fprintf(p.writer, "Programs: %d (%d failed)  Invalidations: %d (%d failed)\n",
		s.Programs, s.ProgramErrors, s.Invalidations, s.InvalidateErrors)
	fmt.Fprintf(p.writer, "Busy: %d  Would block: %d\n", s.Busy, s.WouldBlock)
}

func (p *Printer) printTableSummary(tables []keyslot.TableSnapshot) {
	if len(tables) == 0 {
		fmt.Fprintln(p.writer, "No device tables")
		return
	}
	fmt.Fprintf(p.writer, "%-7s %-10s %-8s", "DEVICE", "NAME", "KIND")
	for _, s := range tableStates {
		fmt.Fprintf(p.writer, " %-13s", strings.ToUpper(s.String()))
	}
	fmt.Fprintln(p.writer)
	for _, ts := range tables {
		fmt.Fprintf(p.writer, "%-7d %-10s %-8s", ts.Device, ts.DeviceName, ts.StorageKind)
		for _, s := range tableStates {
			fmt.Fprintf(p.writer, " %-13d", ts.Count(s))
		}
		fmt.Fprintln(p.writer)
	}
}

// printJSON prints data as indented JSON
func (p *Printer) printJSON(data interface{}) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
