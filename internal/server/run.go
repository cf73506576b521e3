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
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeremyhahn/go-keyslot/internal/config"
)

const defaultShutdownTimeout = 10 * time.Second

// ReloadFunc produces the configuration applied on SIGHUP.
type ReloadFunc func() (*config.Config, error)

// Run starts the server and blocks until ctx is done, then shuts down within
// the configured shutdown timeout. SIGHUP reloads the configuration through
// reload when it is non-nil.
func (s *Server) Run(ctx context.Context, reload ReloadFunc) error {
	if err := s.Start(); err != nil {
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-hup:
			if reload == nil {
				continue
			}
			cfg, err := reload()
			if err != nil {
				s.logger.Error("Failed to load configuration for reload", slog.Any("error", err))
				continue
			}
			if err := s.Reload(cfg); err != nil {
				s.logger.Error("Failed to reload configuration", slog.Any("error", err))
			}
		}
	}

	s.logger.Info("Received shutdown signal")
	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}
