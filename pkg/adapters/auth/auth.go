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

// Package auth authenticates requests to the key slot admin API and
// authorizes them by permission. Authenticators are pluggable; the daemon
// selects one from configuration.
package auth

import (
	"context"
	"errors"
	"net/http"
)

// Permissions checked by the admin API.
const (
	// PermTablesRead allows reading table snapshots and stats.
	PermTablesRead = "tables:read"

	// PermKeysRemove allows evicting a key from every table.
	PermKeysRemove = "keys:remove"

	// PermTablesClear allows clearing a device table.
	PermTablesClear = "tables:clear"

	// PermAuditRead allows reading the admin audit trail.
	PermAuditRead = "audit:read"

	// RoleAdmin grants every permission.
	RoleAdmin = "admin"
)

var (
	// ErrUnauthenticated is returned when a request carries no usable
	// credentials.
	ErrUnauthenticated = errors.New("auth: unauthenticated")

	// ErrInvalidCredentials is returned when credentials are present but
	// rejected.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// Identity represents an authenticated user or service
type Identity struct {
	// Subject is the unique identifier for the authenticated entity
	Subject string

	// Claims contains roles, permissions and any token claims
	Claims map[string]interface{}

	// Attributes contains metadata about the authentication (auth method, remote address)
	Attributes map[string]string
}

// Authenticator is the interface for authentication adapters
type Authenticator interface {
	// Authenticate returns the identity behind r or an error wrapping
	// ErrUnauthenticated or ErrInvalidCredentials.
	Authenticate(r *http.Request) (*Identity, error)

	// Name returns the authenticator name for logging/debugging
	Name() string
}

type contextKey string

const identityContextKey contextKey = "auth.identity"

// GetIdentity extracts the identity from a context
func GetIdentity(ctx context.Context) *Identity {
	if identity, ok := ctx.Value(identityContextKey).(*Identity); ok {
		return identity
	}
	return nil
}

// WithIdentity adds an identity to a context
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// HasRole checks if the identity has a specific role
func (i *Identity) HasRole(role string) bool {
	return i.hasClaim("roles", role)
}

// HasPermission checks if the identity has a specific permission. Admins
// hold every permission.
func (i *Identity) HasPermission(permission string) bool {
	return i.HasRole(RoleAdmin) || i.hasClaim("permissions", permission)
}

func (i *Identity) hasClaim(name, want string) bool {
	if i == nil || i.Claims == nil {
		return false
	}
	switch v := i.Claims[name].(type) {
	case []string:
		for _, s := range v {
			if s == want {
				return true
			}
		}
	case []interface{}:
		for _, s := range v {
			if str, ok := s.(string); ok && str == want {
				return true
			}
		}
	case string:
		return v == want
	}
	return false
}

// clone returns a deep enough copy for callers to add attributes.
func (i *Identity) clone() *Identity {
	out := &Identity{
		Subject:    i.Subject,
		Claims:     make(map[string]interface{}, len(i.Claims)),
		Attributes: make(map[string]string, len(i.Attributes)+2),
	}
	for k, v := range i.Claims {
		out.Claims[k] = v
	}
	for k, v := range i.Attributes {
		out.Attributes[k] = v
	}
	return out
}
