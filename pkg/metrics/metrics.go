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

// Package metrics provides Prometheus instrumentation for go-keyslot.
// Request level counters and histograms are recorded by the crypt service
// and the REST layer; cache level counters are read from the cache on every
// scrape by CacheCollector.
package metrics

import (
	"errors"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jeremyhahn/go-keyslot/pkg/keyslot"
)

const (
	// Namespace is the Prometheus namespace for all keyslot metrics
	Namespace = "keyslot"

	// Label names
	LabelOperation  = "operation"
	LabelDevice     = "device"
	LabelStatus     = "status"
	LabelErrorType  = "error_type"
	LabelState      = "state"
	LabelMethod     = "method"
	LabelRoute      = "route"
	LabelStatusCode = "status_code"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Operation names
	OpBeginUse   = "begin_use"
	OpRemoveKey  = "remove_key"
	OpClearTable = "clear_table"
	OpEncrypt    = "encrypt"
	OpDecrypt    = "decrypt"
	OpSimulate   = "simulate"
)

var (
	// OperationsTotal tracks operations by type, device and status.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of key slot operations by type, device, and status",
		},
		[]string{LabelOperation, LabelDevice, LabelStatus},
	)

	// OperationDuration tracks operation latency including waits and retries.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of key slot operations in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{LabelOperation, LabelDevice},
	)

	// ErrorsTotal tracks errors by operation, device and error type.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by operation, device, and error type",
		},
		[]string{LabelOperation, LabelDevice, LabelErrorType},
	)

	// RetriesTotal tracks admissions retried after ErrWouldBlock or ErrBusy.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "admission_retries_total",
			Help:      "Total number of admission retries by device and error type",
		},
		[]string{LabelDevice, LabelErrorType},
	)

	// HTTPRequestsTotal tracks the total number of HTTP requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, route, and status code",
		},
		[]string{LabelMethod, LabelRoute, LabelStatusCode},
	)

	// HTTPRequestDuration tracks the duration of HTTP requests in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod, LabelRoute},
	)

	// Goroutines tracks the current number of goroutines.
	// Updated periodically by the resource collector.
	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	// MemoryAllocBytes tracks the current bytes of allocated heap objects.
	MemoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "memory_alloc_bytes",
			Help:      "Current bytes of allocated heap objects",
		},
	)

	// GCPauseTotalSeconds tracks the cumulative time spent in GC pauses.
	GCPauseTotalSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "gc_pause_total_seconds",
			Help:      "Cumulative time spent in GC stop-the-world pauses",
		},
	)

	// ServerUptime tracks the server uptime in seconds since startup.
	ServerUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "server_uptime_seconds",
			Help:      "Server uptime in seconds since startup",
		},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

// RecordOperation records an operation with its duration and status.
//
// Example:
//
//	start := time.Now()
//	err := svc.Encrypt(ctx, req)
//	metrics.RecordOperation(metrics.OpEncrypt, "0", metrics.Status(err), time.Since(start).Seconds())
func RecordOperation(operation, device, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(operation, device, status).Inc()
	OperationDuration.WithLabelValues(operation, device).Observe(duration)
}

// RecordError records an error classified with ErrorType.
func RecordError(operation, device string, err error) {
	if !enabled.Load() || err == nil {
		return
	}
	ErrorsTotal.WithLabelValues(operation, device, ErrorType(err)).Inc()
}

// RecordRetry records one admission retry caused by err.
func RecordRetry(device string, err error) {
	if !enabled.Load() {
		return
	}
	RetriesTotal.WithLabelValues(device, ErrorType(err)).Inc()
}

// RecordHTTPRequest records an HTTP request with its duration and status.
func RecordHTTPRequest(method, route, statusCode string, duration float64) {
	if !enabled.Load() {
		return
	}
	HTTPRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(duration)
}

// Status maps an operation result to StatusSuccess or StatusError.
func Status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// ErrorType returns a low cardinality label for a key cache error.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, keyslot.ErrWouldBlock):
		return "would_block"
	case errors.Is(err, keyslot.ErrBusy):
		return "busy"
	case errors.Is(err, keyslot.ErrHardware):
		return "hardware"
	case errors.Is(err, keyslot.ErrCancelled):
		return "cancelled"
	case errors.Is(err, keyslot.ErrNotReady):
		return "not_ready"
	case errors.Is(err, keyslot.ErrDeviceNotFound):
		return "device_not_found"
	case errors.Is(err, keyslot.ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "other"
	}
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
