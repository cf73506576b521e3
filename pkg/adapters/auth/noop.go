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

package auth

import "net/http"

// NoOpAuthenticator accepts every request as an anonymous admin. Use it only
// when the API listens on a trusted interface.
type NoOpAuthenticator struct{}

// NewNoOpAuthenticator creates a new no-op authenticator
func NewNoOpAuthenticator() *NoOpAuthenticator {
	return &NoOpAuthenticator{}
}

// Authenticate implements Authenticator.
func (a *NoOpAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	return &Identity{
		Subject: "anonymous",
		Claims:  map[string]interface{}{"roles": []string{RoleAdmin}},
		Attributes: map[string]string{
			"auth_method": "noop",
			"remote_addr": r.RemoteAddr,
		},
	}, nil
}

// Name returns the authenticator name
func (a *NoOpAuthenticator) Name() string {
	return "noop"
}
