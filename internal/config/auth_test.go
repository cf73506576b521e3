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

package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/jeremyhahn/go-keyslot/pkg/adapters/auth"
)

func TestCreateAuthenticator(t *testing.T) {
	tests := []struct {
		name     string
		cfg      AuthConfig
		wantName string
	}{
		{"empty", AuthConfig{}, "noop"},
		{"noop", AuthConfig{Type: "noop"}, "noop"},
		{"none", AuthConfig{Type: "none"}, "noop"},
		{"mtls", AuthConfig{Type: "mtls"}, "mtls"},
		{"apikey", AuthConfig{Type: "apikey", APIKeys: map[string]APIKeyConfig{"k": {Subject: "ops"}}}, "apikey"},
		{"jwt secret", AuthConfig{Type: "jwt", JWT: &JWTConfig{Secret: "s"}}, "jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := tt.cfg.CreateAuthenticator()
			if err != nil {
				t.Fatalf("CreateAuthenticator() error = %v", err)
			}
			if a.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", a.Name(), tt.wantName)
			}
		})
	}
}

func TestCreateAuthenticator_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  AuthConfig
	}{
		{"unknown", AuthConfig{Type: "ldap"}},
		{"apikey without keys", AuthConfig{Type: "apikey"}},
		{"jwt without section", AuthConfig{Type: "jwt"}},
		{"jwt missing key file", AuthConfig{Type: "jwt", JWT: &JWTConfig{PublicKeyFile: "/nonexistent/key.pem"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.cfg.CreateAuthenticator(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestCreateAuthenticator_APIKeyClaims(t *testing.T) {
	cfg := AuthConfig{
		Type: "apikey",
		APIKeys: map[string]APIKeyConfig{
			"reader-key": {Subject: "dashboard", Permissions: []string{auth.PermTablesRead}},
			"admin-key":  {Subject: "ops", Roles: []string{auth.RoleAdmin}},
		},
	}
	a, err := cfg.CreateAuthenticator()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := a.(*auth.APIKeyAuthenticator); !ok {
		t.Fatalf("authenticator type = %T", a)
	}

	req := newRequestWithKey("reader-key")
	identity, err := a.Authenticate(req)
	if err != nil {
		t.Fatal(err)
	}
	if !identity.HasPermission(auth.PermTablesRead) || identity.HasPermission(auth.PermTablesClear) {
		t.Errorf("reader permissions wrong: %+v", identity.Claims)
	}

	identity, err = a.Authenticate(newRequestWithKey("admin-key"))
	if err != nil {
		t.Fatal(err)
	}
	if !identity.HasPermission(auth.PermTablesClear) {
		t.Error("admin should hold tables:clear")
	}
}

func TestCreateAuthenticator_JWTPublicKeyFile(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "jwt.pub")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := AuthConfig{Type: "jwt", JWT: &JWTConfig{PublicKeyFile: path, Issuer: "ops"}}
	a, err := cfg.CreateAuthenticator()
	if err != nil {
		t.Fatalf("CreateAuthenticator() error = %v", err)
	}
	if a.Name() != "jwt" {
		t.Errorf("Name() = %q", a.Name())
	}

	garbage := filepath.Join(dir, "garbage.pub")
	if err := os.WriteFile(garbage, []byte("not pem"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg.JWT.PublicKeyFile = garbage
	if _, err := cfg.CreateAuthenticator(); err == nil {
		t.Fatal("expected error for non-PEM key file")
	}
}

func newRequestWithKey(key string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/v1/tables", nil)
	req.Header.Set("X-API-Key", key)
	return req
}
