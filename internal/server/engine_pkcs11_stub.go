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

//go:build !pkcs11

package server

import "errors"

// initPKCS11Engine fails when PKCS#11 support is not compiled in
func (s *Server) initPKCS11Engine() error {
	return errors.New("pkcs11 engine enabled in config but not compiled in (use -tags pkcs11)")
}
