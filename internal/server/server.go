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

// Package server runs the keyslot daemon: one key cache per configured
// engine, exposed through an HTTP admin API with health and metrics
// endpoints.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jeremyhahn/go-keyslot/internal/config"
	"github.com/jeremyhahn/go-keyslot/pkg/adapters/audit"
	"github.com/jeremyhahn/go-keyslot/pkg/adapters/auth"
	"github.com/jeremyhahn/go-keyslot/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyslot/pkg/hardware/soft"
	"github.com/jeremyhahn/go-keyslot/pkg/health"
	"github.com/jeremyhahn/go-keyslot/pkg/keyslot"
	"github.com/jeremyhahn/go-keyslot/pkg/metrics"
	"github.com/jeremyhahn/go-keyslot/pkg/ratelimit"
)

// resourceInterval is how often process metrics are sampled.
const resourceInterval = 15 * time.Second

// Server is the keyslot daemon
type Server struct {
	config *config.Config
	logger *slog.Logger
	level  *slog.LevelVar

	programmer keyslot.Programmer
	cache      *keyslot.Cache
	devices    map[int]*keyslot.Device
	order      []*keyslot.Device

	healthChecker *health.Checker
	registry      *prometheus.Registry
	resources     *metrics.ResourceCollector
	limiter       *ratelimit.Limiter
	engineLimiter *ratelimit.Limiter
	authenticator auth.Authenticator
	auditor       audit.AuditAdapter
	tlsConfig     *tls.Config

	router     http.Handler
	httpServer *http.Server
	listener   net.Listener

	mu           sync.RWMutex
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New creates a server from cfg. The engine is opened and a table is
// constructed for every configured device; nothing listens until Start.
func New(cfg *config.Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	level := new(slog.LevelVar)
	s := &Server{
		config:     cfg,
		logger:     setupLogger(cfg.Logging, level),
		level:      level,
		devices:    make(map[int]*keyslot.Device, len(cfg.Devices)),
		ctx:        ctx,
		cancel:     cancel,
		shutdownCh: make(chan struct{}),
	}

	s.logger.Info("Initializing keyslot server",
		slog.String("version", getBuildVersion()),
		slog.String("engine", cfg.Engine.Type),
		slog.Int("devices", len(cfg.Devices)))

	if !cfg.Metrics.Enabled {
		metrics.Disable()
	}

	if err := s.initializeEngine(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}
	if err := s.initializeCache(); err != nil {
		s.closeEngine()
		cancel()
		return nil, fmt.Errorf("failed to initialize key cache: %w", err)
	}
	if err := s.initializeAuth(); err != nil {
		s.closeCache()
		s.closeEngine()
		cancel()
		return nil, fmt.Errorf("failed to initialize authentication: %w", err)
	}

	s.initializeHealth()
	s.initializeMetrics()
	s.initializeAudit()

	s.limiter = ratelimit.New(&ratelimit.Config{
		Enabled:   cfg.RateLimit.Enabled,
		PerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:     cfg.RateLimit.Burst,
	})

	s.router = s.routes()
	s.httpServer = &http.Server{
		Handler:           s.router,
		TLSConfig:         s.tlsConfig,
		ReadHeaderTimeout: 10 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	return s, nil
}

// setupLogger creates a logger based on configuration. The level is held in
// level so it can be changed by Reload.
func setupLogger(cfg config.LoggingConfig, level *slog.LevelVar) *slog.Logger {
	level.Set(parseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// getBuildVersion returns the module version from build info, or "dev"
func getBuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "dev"
	}
	return info.Main.Version
}

// initializeEngine opens the configured hardware programmer
func (s *Server) initializeEngine() error {
	switch s.config.Engine.Type {
	case "soft":
		s.engineLimiter = ratelimit.New(&ratelimit.Config{
			Enabled:   s.config.Engine.CallsPerSecond > 0,
			PerSecond: s.config.Engine.CallsPerSecond,
			Burst:     s.config.Engine.Burst,
		})
		s.programmer = soft.New(&soft.Config{
			TotalSlots: s.config.Cache.TotalSlots,
			Latency:    s.config.Engine.ProgramLatency,
			Limiter:    s.engineLimiter,
			Logger:     s.adapter().With(logger.String("component", "soft-engine")),
		})
		s.logger.Info("Soft engine initialized",
			slog.Int("total_slots", s.config.Cache.TotalSlots),
			slog.Duration("latency", s.config.Engine.ProgramLatency))
		return nil
	case "pkcs11":
		return s.initPKCS11Engine()
	default:
		return fmt.Errorf("unknown engine type: %s", s.config.Engine.Type)
	}
}

// initializeCache creates the key cache and one table per device
func (s *Server) initializeCache() error {
	s.cache = keyslot.New(s.programmer, &keyslot.Options{
		StartingIndex: s.config.Cache.StartingIndex,
		TableSize:     s.config.Cache.TableSize(),
		Logger:        s.adapter().With(logger.String("component", "keycache")),
	})

	for _, dc := range s.config.Devices {
		dev, err := s.config.Device(dc)
		if err != nil {
			return err
		}
		table, err := s.cache.ConstructTable(dev)
		if err != nil {
			return fmt.Errorf("device %d: %w", dc.Number, err)
		}
		dev = table.Device()
		s.devices[dev.Number] = dev
		s.order = append(s.order, dev)
	}
	return nil
}

// initializeAuth builds the admin API authenticator and TLS settings
func (s *Server) initializeAuth() error {
	if s.config.TLS.Enabled {
		tlsConfig, err := s.config.TLS.LoadTLSConfig()
		if err != nil {
			return err
		}
		s.tlsConfig = tlsConfig
	}
	authenticator, err := s.config.Auth.CreateAuthenticator()
	if err != nil {
		return err
	}
	s.authenticator = authenticator
	s.logger.Info("Admin API authentication configured",
		slog.String("type", authenticator.Name()),
		slog.Bool("tls", s.tlsConfig != nil))
	return nil
}

// initializeHealth registers the key cache check
func (s *Server) initializeHealth() {
	s.healthChecker = health.NewChecker()
	s.healthChecker.RegisterCheck("keycache", health.CacheCheck(s.cache))
}

// initializeMetrics registers the cache collector on a server-local registry
// so several servers can coexist in one process.
func (s *Server) initializeMetrics() {
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(metrics.NewCacheCollector(s.cache))
}

// adapter wraps the server logger for packages that log through
// logger.Logger.
// initializeAudit sets up the admin action audit trail
func (s *Server) initializeAudit() {
	if !s.config.Audit.Enabled {
		s.logger.Info("Audit trail disabled")
		return
	}
	s.auditor = audit.NewMemoryAuditAdapter(&audit.MemoryConfig{
		MaxEvents: s.config.Audit.MaxEvents,
		Logger:    s.adapter().With(logger.String("component", "audit")),
	})
}

// Auditor returns the audit trail, or nil when auditing is disabled.
func (s *Server) Auditor() audit.AuditAdapter {
	return s.auditor
}

func (s *Server) adapter() logger.Logger {
	return logger.NewSlogAdapter(&logger.SlogConfig{Logger: s.logger})
}

// Start listens on the configured address and serves the admin API in the
// background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Server.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Server.Address(), err)
	}
	return s.Serve(ln)
}

// Serve serves the admin API on ln in the background. A TLS configuration
// wraps ln.
func (s *Server) Serve(ln net.Listener) error {
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	if s.config.Metrics.Enabled {
		s.resources = metrics.StartResourceCollector(s.ctx, resourceInterval)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("Admin API listening",
			slog.String("address", ln.Addr().String()),
			slog.Bool("tls", s.tlsConfig != nil))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin API server error", slog.Any("error", err))
		}
	}()

	s.healthChecker.MarkStarted()
	s.logger.Info("Keyslot server started")
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the listener, clears every table through the hardware and
// closes the cache and engine. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	s.shutdownOnce.Do(func() {
		s.logger.Info("Shutting down keyslot server...")
		s.healthChecker.MarkNotStarted()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin API shutdown: %w", err))
		}
		if s.resources != nil {
			s.resources.Stop()
		}
		s.cancel()
		s.wg.Wait()

		for _, dev := range s.order {
			if err := s.cache.DestroyTable(ctx, dev); err != nil {
				s.logger.Warn("Failed to clear device table",
					slog.Int("device", dev.Number),
					slog.Any("error", err))
				errs = append(errs, err)
			}
		}
		s.closeCache()
		if err := s.closeEngine(); err != nil {
			errs = append(errs, err)
		}
		s.limiter.Stop()

		close(s.shutdownCh)
		s.logger.Info("Keyslot server stopped")
	})
	return errors.Join(errs...)
}

func (s *Server) closeCache() {
	if err := s.cache.Close(); err != nil {
		s.logger.Warn("Failed to close key cache", slog.Any("error", err))
	}
}

// closeEngine releases the programmer and its call budget.
func (s *Server) closeEngine() error {
	if s.engineLimiter != nil {
		s.engineLimiter.Stop()
	}
	if c, ok := s.programmer.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("engine close: %w", err)
		}
	}
	return nil
}

// WaitForShutdown blocks until Shutdown completes
func (s *Server) WaitForShutdown() {
	<-s.shutdownCh
}

// Cache returns the server's key cache.
func (s *Server) Cache() *keyslot.Cache {
	return s.cache
}

// Device returns the registered device with number n.
func (s *Server) Device(n int) (*keyslot.Device, bool) {
	dev, ok := s.devices[n]
	return dev, ok
}

// Programmer returns the hardware programmer.
func (s *Server) Programmer() keyslot.Programmer {
	return s.programmer
}

// SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM.
func SetupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		<-sigCh
		os.Exit(1) // second signal, exit directly
	}()
	return ctx
}
