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
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/jeremyhahn/go-keyslot/pkg/adapters/auth"
)

// AuthConfig controls admin API authentication and authorization
type AuthConfig struct {
	// Type is noop, apikey, jwt or mtls
	Type string `yaml:"type"`

	// API Key authentication
	APIKeys map[string]APIKeyConfig `yaml:"api_keys,omitempty"` // key -> config mapping

	// JWT authentication
	JWT *JWTConfig `yaml:"jwt,omitempty"`
}

// APIKeyConfig represents an API key and its associated identity
type APIKeyConfig struct {
	Subject     string   `yaml:"subject"`
	Roles       []string `yaml:"roles,omitempty"`
	Permissions []string `yaml:"permissions,omitempty"`
}

// JWTConfig controls JWT authentication
type JWTConfig struct {
	Secret        string   `yaml:"secret,omitempty"`
	PublicKeyFile string   `yaml:"public_key_file,omitempty"`
	Issuer        string   `yaml:"issuer,omitempty"`
	Audience      []string `yaml:"audience,omitempty"`
}

func (cfg *AuthConfig) validate(tlsEnabled bool) error {
	switch cfg.Type {
	case "", "noop", "none":
	case "apikey":
		if len(cfg.APIKeys) == 0 {
			return fmt.Errorf("%w: auth type apikey needs api_keys", ErrInvalidConfig)
		}
	case "jwt":
		if cfg.JWT == nil || (cfg.JWT.Secret == "" && cfg.JWT.PublicKeyFile == "") {
			return fmt.Errorf("%w: auth type jwt needs a secret or public_key_file", ErrInvalidConfig)
		}
	case "mtls":
		if !tlsEnabled {
			return fmt.Errorf("%w: auth type mtls requires tls", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown auth type %q", ErrInvalidConfig, cfg.Type)
	}
	return nil
}

// CreateAuthenticator creates an authenticator from the configuration
func (cfg *AuthConfig) CreateAuthenticator() (auth.Authenticator, error) {
	switch cfg.Type {
	case "noop", "none", "":
		return auth.NewNoOpAuthenticator(), nil
	case "apikey":
		return cfg.createAPIKeyAuthenticator()
	case "jwt":
		return cfg.createJWTAuthenticator()
	case "mtls":
		return auth.NewMTLSAuthenticator(nil), nil
	default:
		return nil, fmt.Errorf("unknown auth type: %s", cfg.Type)
	}
}

func (cfg *AuthConfig) createAPIKeyAuthenticator() (auth.Authenticator, error) {
	if len(cfg.APIKeys) == 0 {
		return nil, fmt.Errorf("no API keys configured")
	}

	keys := make(map[string]*auth.Identity, len(cfg.APIKeys))
	for apiKey, keyConfig := range cfg.APIKeys {
		identity := &auth.Identity{
			Subject:    keyConfig.Subject,
			Claims:     make(map[string]interface{}),
			Attributes: make(map[string]string),
		}
		if len(keyConfig.Roles) > 0 {
			identity.Claims["roles"] = keyConfig.Roles
		}
		if len(keyConfig.Permissions) > 0 {
			identity.Claims["permissions"] = keyConfig.Permissions
		}
		keys[apiKey] = identity
	}

	return auth.NewAPIKeyAuthenticator(&auth.APIKeyConfig{Keys: keys}), nil
}

func (cfg *AuthConfig) createJWTAuthenticator() (auth.Authenticator, error) {
	if cfg.JWT == nil {
		return nil, fmt.Errorf("jwt section is required")
	}
	jc := &auth.JWTConfig{Issuer: cfg.JWT.Issuer, Audience: cfg.JWT.Audience}
	if cfg.JWT.PublicKeyFile != "" {
		// #nosec G304 - key path from trusted config
		data, err := os.ReadFile(cfg.JWT.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read jwt public key: %w", err)
		}
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("jwt public key %s is not PEM", cfg.JWT.PublicKeyFile)
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jwt public key: %w", err)
		}
		jc.PublicKey = pub
	} else {
		jc.Secret = []byte(cfg.JWT.Secret)
	}
	return auth.NewJWTAuthenticator(jc)
}

// redacted returns a copy safe to print.
func (cfg AuthConfig) redacted() AuthConfig {
	out := cfg
	if len(cfg.APIKeys) > 0 {
		out.APIKeys = make(map[string]APIKeyConfig, len(cfg.APIKeys))
		i := 0
		for _, v := range cfg.APIKeys {
			i++
			out.APIKeys[fmt.Sprintf("%s-%d", redacted, i)] = v
		}
	}
	if cfg.JWT != nil {
		j := *cfg.JWT
		if j.Secret != "" {
			j.Secret = redacted
		}
		out.JWT = &j
	}
	return out
}
