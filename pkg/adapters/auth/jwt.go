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
	"crypto"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuthenticator authenticates requests using JWT bearer tokens.
type JWTAuthenticator struct {
	key      interface{}
	methods  []string
	issuer   string
	audience []string
}

// JWTConfig configures the JWT authenticator. Exactly one of PublicKey or
// Secret is required.
type JWTConfig struct {
	// PublicKey verifies RS, ES, PS and EdDSA signatures
	PublicKey crypto.PublicKey
	// Secret verifies HS256 signatures
	Secret []byte
	// Issuer is the expected issuer claim (optional, skips validation if empty)
	Issuer string
	// Audience is the expected audience claim (optional, skips validation if empty)
	Audience []string
}

// NewJWTAuthenticator creates a new JWT authenticator.
func NewJWTAuthenticator(config *JWTConfig) (*JWTAuthenticator, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	a := &JWTAuthenticator{issuer: config.Issuer, audience: config.Audience}
	switch {
	case config.PublicKey != nil && len(config.Secret) > 0:
		return nil, fmt.Errorf("public key and secret are mutually exclusive")
	case config.PublicKey != nil:
		a.key = config.PublicKey
		a.methods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256", "EdDSA"}
	case len(config.Secret) > 0:
		a.key = config.Secret
		a.methods = []string{"HS256", "HS384", "HS512"}
	default:
		return nil, fmt.Errorf("public key or secret is required")
	}
	return a, nil
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return nil, fmt.Errorf("%w: no bearer token", ErrUnauthenticated)
	}
	identity, err := a.validateToken(strings.TrimPrefix(h, "Bearer "))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	identity.Attributes["auth_method"] = "jwt"
	identity.Attributes["remote_addr"] = r.RemoteAddr
	return identity, nil
}

func (a *JWTAuthenticator) validateToken(tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(*jwt.Token) (interface{}, error) {
		return a.key, nil
	}, jwt.WithValidMethods(a.methods))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}

	if a.issuer != "" {
		if iss, _ := claims["iss"].(string); iss != a.issuer {
			return nil, fmt.Errorf("invalid issuer: expected %s", a.issuer)
		}
	}
	if len(a.audience) > 0 {
		if err := a.validateAudience(claims); err != nil {
			return nil, err
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("missing subject claim")
	}

	identity := &Identity{
		Subject:    sub,
		Claims:     make(map[string]interface{}, len(claims)),
		Attributes: make(map[string]string),
	}
	for k, v := range claims {
		identity.Claims[k] = v
	}
	if role, ok := claims["role"].(string); ok {
		identity.Claims["roles"] = []string{role}
	}
	return identity, nil
}

func (a *JWTAuthenticator) validateAudience(claims jwt.MapClaims) error {
	aud, err := claims.GetAudience()
	if err != nil {
		return fmt.Errorf("invalid audience format")
	}
	for _, got := range aud {
		for _, want := range a.audience {
			if got == want {
				return nil
			}
		}
	}
	return fmt.Errorf("invalid audience: %v", []string(aud))
}

// Name returns the authenticator name.
func (a *JWTAuthenticator) Name() string {
	return "jwt"
}
