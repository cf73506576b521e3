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

package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeremyhahn/go-keyslot/pkg/adapters/audit"
	"github.com/jeremyhahn/go-keyslot/pkg/adapters/auth"
	"github.com/jeremyhahn/go-keyslot/pkg/correlation"
	"github.com/jeremyhahn/go-keyslot/pkg/health"
	"github.com/jeremyhahn/go-keyslot/pkg/keyslot"
	"github.com/jeremyhahn/go-keyslot/pkg/metrics"
	"github.com/jeremyhahn/go-keyslot/pkg/ratelimit"
)

// adminTimeout bounds admin operations that wait on borrowers.
const adminTimeout = 30 * time.Second

// maxBodyBytes caps admin request bodies.
const maxBodyBytes = 4096

// Admin API errors
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidDevice  = errors.New("invalid device number")
	ErrKeyNotResident = errors.New("key not resident")
	ErrAuditDisabled  = errors.New("audit trail disabled")
)

// resetter is implemented by engines that can simulate a controller reset.
type resetter interface {
	Reset(dev *keyslot.Device)
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// SuccessResponse represents a generic success response.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HealthCheckResponse represents the response for health check endpoints.
type HealthCheckResponse struct {
	Status  health.Status        `json:"status"`
	Message string               `json:"message,omitempty"`
	Checks  []health.CheckResult `json:"checks,omitempty"`
}

// TablesResponse is returned by GET /v1/tables.
type TablesResponse struct {
	Ready  bool                    `json:"ready"`
	Stats  keyslot.Stats           `json:"stats"`
	Tables []keyslot.TableSnapshot `json:"tables"`
}

// VersionResponse is returned by GET /v1/version.
type VersionResponse struct {
	Version string `json:"version"`
	Engine  string `json:"engine"`
}

// RemoveKeyRequest names a key by its hex encoded key and salt.
type RemoveKeyRequest struct {
	Key  string `json:"key"`
	Salt string `json:"salt"`
}

// Handler returns the admin API router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// routes builds the admin API router. Health and metrics endpoints are
// unauthenticated; everything under /v1 is rate limited and authenticated.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(correlation.Middleware)
	r.Use(metrics.HTTPMiddleware)

	if s.config.Health.Enabled {
		r.Get(s.config.Health.Path+"/live", s.LivenessHandler)
		r.Get(s.config.Health.Path+"/ready", s.ReadinessHandler)
		r.Get(s.config.Health.Path+"/startup", s.StartupHandler)
	}
	if s.config.Metrics.Enabled {
		gatherers := prometheus.Gatherers{s.registry, prometheus.DefaultGatherer}
		r.Handle(s.config.Metrics.Path, promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(ratelimit.Middleware(s.limiter))
		r.Use(auth.Middleware(s.authenticator))

		r.Get("/version", s.VersionHandler)
		r.With(auth.RequirePermission(auth.PermTablesRead)).Get("/tables", s.ListTablesHandler)
		r.With(auth.RequirePermission(auth.PermTablesRead)).Get("/tables/{device}", s.GetTableHandler)
		r.With(auth.RequirePermission(auth.PermKeysRemove)).Post("/keys/remove", s.RemoveKeyHandler)
		r.With(auth.RequirePermission(auth.PermTablesClear)).Post("/tables/{device}/clear", s.ClearTableHandler)
		r.With(auth.RequirePermission(auth.PermTablesClear)).Post("/tables/{device}/reset", s.ResetTableHandler)
		r.With(auth.RequirePermission(auth.PermAuditRead)).Get("/audit", s.AuditHandler)
	})
	return r
}

// LivenessHandler handles GET /health/live requests.
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	result := s.healthChecker.Live(r.Context())
	writeJSON(w, HealthCheckResponse{Status: result.Status, Message: result.Message}, healthStatusCode(result.Status))
}

// ReadinessHandler handles GET /health/ready requests. A degraded cache
// still serves traffic.
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	results := s.healthChecker.Ready(r.Context())
	status := health.AggregateStatus(results)

	resp := HealthCheckResponse{Status: status, Checks: results}
	switch status {
	case health.StatusHealthy:
		resp.Message = "All checks passed"
	case health.StatusDegraded:
		resp.Message = "Service is degraded"
	case health.StatusUnhealthy:
		resp.Message = "One or more checks failed"
	}
	writeJSON(w, resp, healthStatusCode(status))
}

// StartupHandler handles GET /health/startup requests.
func (s *Server) StartupHandler(w http.ResponseWriter, r *http.Request) {
	result := s.healthChecker.Startup(r.Context())
	writeJSON(w, HealthCheckResponse{Status: result.Status, Message: result.Message}, healthStatusCode(result.Status))
}

func healthStatusCode(status health.Status) int {
	if status == health.StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// VersionHandler handles GET /v1/version requests.
func (s *Server) VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, VersionResponse{Version: getBuildVersion(), Engine: s.config.Engine.Type}, http.StatusOK)
}

// ListTablesHandler handles GET /v1/tables requests.
func (s *Server) ListTablesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, TablesResponse{
		Ready:  s.cache.IsReady(),
		Stats:  s.cache.Stats(),
		Tables: s.cache.Snapshot(),
	}, http.StatusOK)
}

// GetTableHandler handles GET /v1/tables/{device} requests.
func (s *Server) GetTableHandler(w http.ResponseWriter, r *http.Request) {
	dev, err := s.deviceParam(r)
	if err != nil {
		writeError(w, err, mapErrorToStatusCode(err))
		return
	}
	for _, ts := range s.cache.Snapshot() {
		if ts.Device == dev.Number {
			writeJSON(w, ts, http.StatusOK)
			return
		}
	}
	writeError(w, keyslot.ErrDeviceNotFound, http.StatusNotFound)
}

// RemoveKeyHandler handles POST /v1/keys/remove requests. The key is
// evicted from whichever table holds it once its borrowers finish.
func (s *Server) RemoveKeyHandler(w http.ResponseWriter, r *http.Request) {
	var req RemoveKeyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeErrorWithMessage(w, ErrInvalidRequest, "malformed JSON body", http.StatusBadRequest)
		return
	}
	key, salt, err := decodeMaterial(req)
	defer keyslot.Wipe(key)
	defer keyslot.Wipe(salt)
	if err != nil {
		writeErrorWithMessage(w, ErrInvalidRequest, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()

	start := time.Now()
	err = s.cache.RemoveKey(ctx, key, salt)
	s.observe(r.Context(), metrics.OpRemoveKey, "all", start, err)
	if errors.Is(err, keyslot.ErrInvalidArgument) {
		// Lengths were checked above, so the key is simply not resident.
		err = ErrKeyNotResident
	}
	s.auditRequest(r, audit.EventKeyRemove, -1, err)
	if err != nil {
		writeError(w, err, mapErrorToStatusCode(err))
		return
	}
	writeJSON(w, SuccessResponse{Success: true, Message: "key removed"}, http.StatusOK)
}

// ClearTableHandler handles POST /v1/tables/{device}/clear requests. Every
// slot of the device is invalidated through the hardware.
func (s *Server) ClearTableHandler(w http.ResponseWriter, r *http.Request) {
	dev, err := s.deviceParam(r)
	if err != nil {
		writeError(w, err, mapErrorToStatusCode(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()

	start := time.Now()
	err = s.cache.ClearTable(ctx, dev)
	s.observe(r.Context(), metrics.OpClearTable, strconv.Itoa(dev.Number), start, err)
	s.auditRequest(r, audit.EventTableClear, dev.Number, err)
	if err != nil {
		writeError(w, err, mapErrorToStatusCode(err))
		return
	}
	writeJSON(w, SuccessResponse{Success: true, Message: "table cleared"}, http.StatusOK)
}

// ResetTableHandler handles POST /v1/tables/{device}/reset requests. The
// caller asserts the controller was reset; engines that can simulate a reset
// are reset first, then the table is wiped without hardware calls.
func (s *Server) ResetTableHandler(w http.ResponseWriter, r *http.Request) {
	dev, err := s.deviceParam(r)
	if err != nil {
		writeError(w, err, mapErrorToStatusCode(err))
		return
	}
	if rs, ok := s.programmer.(resetter); ok {
		rs.Reset(dev)
	}
	s.cache.ClearTableAfterReset(dev)
	s.auditRequest(r, audit.EventTableReset, dev.Number, nil)
	s.logger.InfoContext(r.Context(), "Device table reset",
		slog.Int("device", dev.Number),
		slog.String("correlation_id", correlation.GetCorrelationID(r.Context())))
	writeJSON(w, SuccessResponse{Success: true, Message: "table reset"}, http.StatusOK)
}

// AuditResponse lists audit events, newest first.
type AuditResponse struct {
	Events []*audit.AuditEvent `json:"events"`
}

// AuditHandler handles GET /v1/audit requests. Optional query parameters:
// type and outcome (repeatable), principal and limit.
func (s *Server) AuditHandler(w http.ResponseWriter, r *http.Request) {
	if s.auditor == nil {
		writeError(w, ErrAuditDisabled, http.StatusNotFound)
		return
	}

	params := r.URL.Query()
	query := &audit.EventQuery{PrincipalID: params.Get("principal")}
	for _, t := range params["type"] {
		query.EventTypes = append(query.EventTypes, audit.EventType(t))
	}
	for _, o := range params["outcome"] {
		query.Outcomes = append(query.Outcomes, audit.EventOutcome(o))
	}
	if v := params.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeErrorWithMessage(w, ErrInvalidRequest, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		query.Limit = limit
	}

	events, err := s.auditor.GetEvents(r.Context(), query)
	if err != nil {
		writeError(w, err, mapErrorToStatusCode(err))
		return
	}
	writeJSON(w, AuditResponse{Events: events}, http.StatusOK)
}

// auditRequest records an admin action taken by the request's caller.
func (s *Server) auditRequest(r *http.Request, t audit.EventType, device int, err error) {
	event := audit.NewEvent(t, device, err)
	event.SourceIP = r.RemoteAddr
	s.recordAudit(r.Context(), event)
}

// recordAudit stores event with the caller's identity and correlation ID.
func (s *Server) recordAudit(ctx context.Context, event *audit.AuditEvent) {
	if s.auditor == nil {
		return
	}
	if id := auth.GetIdentity(ctx); id != nil {
		event.Principal = id.Subject
	}
	event.RequestID = correlation.GetCorrelationID(ctx)
	if err := s.auditor.LogEvent(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "Failed to record audit event",
			slog.String("event_type", string(event.EventType)),
			slog.Any("error", err))
	}
}

// deviceParam resolves the {device} URL parameter to a registered device.
func (s *Server) deviceParam(r *http.Request) (*keyslot.Device, error) {
	n, err := strconv.Atoi(chi.URLParam(r, "device"))
	if err != nil || n < 0 {
		return nil, ErrInvalidDevice
	}
	dev, ok := s.Device(n)
	if !ok {
		return nil, fmt.Errorf("%w: %d", keyslot.ErrDeviceNotFound, n)
	}
	return dev, nil
}

// observe records the outcome of an admin operation.
func (s *Server) observe(ctx context.Context, op, device string, start time.Time, err error) {
	metrics.RecordOperation(op, device, metrics.Status(err), time.Since(start).Seconds())
	metrics.RecordError(op, device, err)
	if err != nil {
		s.logger.WarnContext(ctx, "Admin operation failed",
			slog.String("operation", op),
			slog.String("device", device),
			slog.String("correlation_id", correlation.GetCorrelationID(ctx)),
			slog.Any("error", err))
	}
}

func decodeMaterial(req RemoveKeyRequest) (key, salt []byte, err error) {
	key, err = hex.DecodeString(req.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("key is not hex: %w", err)
	}
	salt, err = hex.DecodeString(req.Salt)
	if err != nil {
		return key, nil, fmt.Errorf("salt is not hex: %w", err)
	}
	if len(key) != keyslot.KeySize || len(salt) != keyslot.SaltSize {
		return key, salt, fmt.Errorf("key and salt must be %d bytes each", keyslot.KeySize)
	}
	return key, salt, nil
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, v any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", slog.Any("error", err))
	}
}

// writeError writes an error response to the client.
func writeError(w http.ResponseWriter, err error, statusCode int) {
	writeJSON(w, ErrorResponse{Error: err.Error(), Code: statusCode}, statusCode)
}

// writeErrorWithMessage writes an error response with a custom message.
func writeErrorWithMessage(w http.ResponseWriter, err error, message string, statusCode int) {
	writeJSON(w, ErrorResponse{Error: err.Error(), Message: message, Code: statusCode}, statusCode)
}

// mapErrorToStatusCode maps errors to HTTP status codes.
func mapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, ErrKeyNotResident),
		errors.Is(err, ErrAuditDisabled),
		errors.Is(err, keyslot.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInvalidDevice),
		errors.Is(err, keyslot.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, keyslot.ErrHardware):
		return http.StatusBadGateway
	case errors.Is(err, keyslot.ErrCancelled):
		return http.StatusGatewayTimeout
	case errors.Is(err, keyslot.ErrBusy),
		errors.Is(err, keyslot.ErrWouldBlock),
		errors.Is(err, keyslot.ErrNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
