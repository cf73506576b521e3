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
	"fmt"
	"log/slog"
	"reflect"

	"github.com/jeremyhahn/go-keyslot/internal/config"
	"github.com/jeremyhahn/go-keyslot/pkg/adapters/audit"
)

// Reload applies a new configuration without restarting.
// Only the log level is applied live; listener, engine, cache and device
// changes require a restart and are reported as such.
func (s *Server) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		err = fmt.Errorf("failed to reload configuration: %w", err)
		s.recordAudit(context.Background(), audit.NewEvent(audit.EventConfigReload, -1, err))
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("Reloading server configuration...")

	s.reloadLogging(cfg)

	for name, changed := range map[string]bool{
		"server":    cfg.Server != s.config.Server,
		"engine":    !reflect.DeepEqual(cfg.Engine, s.config.Engine),
		"cache":     cfg.Cache != s.config.Cache,
		"devices":   !reflect.DeepEqual(cfg.Devices, s.config.Devices),
		"auth":      !reflect.DeepEqual(cfg.Auth, s.config.Auth),
		"tls":       cfg.TLS != s.config.TLS,
		"ratelimit": cfg.RateLimit != s.config.RateLimit,
		"format":    cfg.Logging.Format != s.config.Logging.Format,
	} {
		if changed {
			s.logger.Warn("Configuration change requires restart", slog.String("section", name))
		}
	}

	s.config.Logging.Level = cfg.Logging.Level

	s.logger.Info("Server configuration reloaded successfully")
	s.recordAudit(context.Background(), audit.NewEvent(audit.EventConfigReload, -1, nil))
	return nil
}

// reloadLogging updates the shared log level
func (s *Server) reloadLogging(cfg *config.Config) {
	if cfg.Logging.Level == s.config.Logging.Level {
		return
	}
	s.logger.Info("Updating log level",
		slog.String("old_level", s.config.Logging.Level),
		slog.String("new_level", cfg.Logging.Level))
	s.level.Set(parseLevel(cfg.Logging.Level))
}
