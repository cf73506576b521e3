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

//go:build pkcs11

package server

import (
	"log/slog"

	"github.com/jeremyhahn/go-keyslot/pkg/adapters/logger"
	"github.com/jeremyhahn/go-keyslot/pkg/hardware/pkcs11"
)

// initPKCS11Engine opens the PKCS#11 token that backs the key slots
func (s *Server) initPKCS11Engine() error {
	cfg := s.config.Engine.PKCS11
	p, err := pkcs11.New(&pkcs11.Config{
		Library:   cfg.Library,
		TokenSlot: cfg.TokenSlot,
		PIN:       cfg.Pin,
		Logger:    s.adapter().With(logger.String("component", "pkcs11-engine")),
	})
	if err != nil {
		return err
	}
	s.programmer = p
	s.logger.Info("PKCS#11 engine initialized", slog.String("library", cfg.Library))
	return nil
}
