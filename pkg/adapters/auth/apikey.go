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

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// APIKeyAuthenticator authenticates requests using API keys carried in a
// header or as a bearer token.
type APIKeyAuthenticator struct {
	keys       map[string]*Identity
	headerName string
}

// APIKeyConfig configures the API key authenticator
type APIKeyConfig struct {
	// Keys maps API keys to identities
	Keys map[string]*Identity

	// HeaderName is the HTTP header name (default: "X-API-Key")
	HeaderName string
}

// NewAPIKeyAuthenticator creates a new API key authenticator
func NewAPIKeyAuthenticator(config *APIKeyConfig) *APIKeyAuthenticator {
	if config == nil {
		config = &APIKeyConfig{}
	}
	a := &APIKeyAuthenticator{
		keys:       make(map[string]*Identity, len(config.Keys)),
		headerName: config.HeaderName,
	}
	if a.headerName == "" {
		a.headerName = "X-API-Key"
	}
	for k, v := range config.Keys {
		a.keys[k] = v
	}
	return a
}

// Authenticate implements Authenticator.
func (a *APIKeyAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	apiKey := r.Header.Get(a.headerName)
	if apiKey == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			apiKey = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: no API key provided", ErrUnauthenticated)
	}

	var match *Identity
	for k, identity := range a.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(apiKey)) == 1 {
			match = identity
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: unknown API key", ErrInvalidCredentials)
	}

	identity := match.clone()
	identity.Attributes["auth_method"] = "apikey"
	identity.Attributes["remote_addr"] = r.RemoteAddr
	return identity, nil
}

// Name returns the authenticator name
func (a *APIKeyAuthenticator) Name() string {
	return "apikey"
}
