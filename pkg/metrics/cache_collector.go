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

package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jeremyhahn/go-keyslot/pkg/keyslot"
)

// CacheSource is the read-only view of a key cache the collector scrapes.
type CacheSource interface {
	IsReady() bool
	Stats() keyslot.Stats
	Snapshot() []keyslot.TableSnapshot
}

var cacheStates = []keyslot.State{
	keyslot.StateFree,
	keyslot.StateLoading,
	keyslot.StateLoaded,
	keyslot.StateInvalidating,
	keyslot.StateIdle,
	keyslot.StateHardwareError,
}

// CacheCollector exports a cache's counters and per-table entry states on
// every scrape. The cache itself carries no Prometheus dependency.
type CacheCollector struct {
	source CacheSource

	ready         *prometheus.Desc
	hits          *prometheus.Desc
	misses        *prometheus.Desc
	evictions     *prometheus.Desc
	programs      *prometheus.Desc
	programErrors *prometheus.Desc
	invalidations *prometheus.Desc
	invalidateErr *prometheus.Desc
	busy          *prometheus.Desc
	wouldBlock    *prometheus.Desc
	waits         *prometheus.Desc
	entries       *prometheus.Desc
	borrowers     *prometheus.Desc
	inFlight      *prometheus.Desc
}

// NewCacheCollector creates a collector for source. Register it with
// prometheus.MustRegister or a custom registry.
func NewCacheCollector(source CacheSource) *CacheCollector {
	counter := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(Namespace, "cache", name), help, nil, nil)
	}
	return &CacheCollector{
		source:        source,
		ready:         counter("ready", "Whether the key cache accepts operations (1) or not (0)"),
		hits:          counter("hits_total", "Admissions served by a resident key"),
		misses:        counter("misses_total", "Admissions that programmed a key"),
		evictions:     counter("evictions_total", "Idle keys evicted to make room for a miss"),
		programs:      counter("programs_total", "Hardware program calls issued"),
		programErrors: counter("program_errors_total", "Hardware program calls that failed"),
		invalidations: counter("invalidations_total", "Hardware invalidate calls issued"),
		invalidateErr: counter("invalidate_errors_total", "Hardware invalidate calls that failed"),
		busy:          counter("busy_total", "Blocking admissions rejected because no entry was evictable"),
		wouldBlock:    counter("would_block_total", "Non-blocking admissions turned away"),
		waits:         counter("waits_total", "Times a caller waited on an entry in transition"),
		entries: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "table", "entries"),
			"Number of table entries in each state",
			[]string{LabelDevice, LabelState}, nil),
		borrowers: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "table", "borrowers"),
			"Active borrowers across all entries of a table",
			[]string{LabelDevice}, nil),
		inFlight: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "table", "in_flight"),
			"Entries with a hardware call in flight",
			[]string{LabelDevice}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.ready
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.programs
	ch <- c.programErrors
	ch <- c.invalidations
	ch <- c.invalidateErr
	ch <- c.busy
	ch <- c.wouldBlock
	ch <- c.waits
	ch <- c.entries
	ch <- c.borrowers
	ch <- c.inFlight
}

// Collect implements prometheus.Collector.
func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	ready := 0.0
	if c.source.IsReady() {
		ready = 1
	}
	ch <- prometheus.MustNewConstMetric(c.ready, prometheus.GaugeValue, ready)

	s := c.source.Stats()
	for _, m := range []struct {
		desc  *prometheus.Desc
		value uint64
	}{
		{c.hits, s.Hits},
		{c.misses, s.Misses},
		{c.evictions, s.Evictions},
		{c.programs, s.Programs},
		{c.programErrors, s.ProgramErrors},
		{c.invalidations, s.Invalidations},
		{c.invalidateErr, s.InvalidateErrors},
		{c.busy, s.Busy},
		{c.wouldBlock, s.WouldBlock},
		{c.waits, s.Waits},
	} {
		ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, float64(m.value))
	}

	for _, ts := range c.source.Snapshot() {
		device := strconv.Itoa(ts.Device)
		borrowers, inFlight := 0, 0
		for _, e := range ts.Entries {
			borrowers += e.Borrowers
		}
		for _, state := range cacheStates {
			n := ts.Count(state)
			if state.Busy() {
				inFlight += n
			}
			ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(n), device, state.String())
		}
		ch <- prometheus.MustNewConstMetric(c.borrowers, prometheus.GaugeValue, float64(borrowers), device)
		ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(inFlight), device)
	}
}

var _ prometheus.Collector = (*CacheCollector)(nil)
