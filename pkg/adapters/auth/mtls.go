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
	"crypto/x509"
	"fmt"
	"net/http"
)

// MTLSAuthenticator authenticates requests using the verified client
// certificate. Roles come from the certificate's organizational units.
type MTLSAuthenticator struct {
	extractSubject func(*x509.Certificate) string
}

// MTLSConfig configures the mTLS authenticator
type MTLSConfig struct {
	// ExtractSubject extracts the subject identifier from the client certificate
	// If nil, uses the certificate's Subject Common Name
	ExtractSubject func(*x509.Certificate) string
}

// NewMTLSAuthenticator creates a new mTLS authenticator
func NewMTLSAuthenticator(config *MTLSConfig) *MTLSAuthenticator {
	a := &MTLSAuthenticator{extractSubject: defaultExtractSubject}
	if config != nil && config.ExtractSubject != nil {
		a.extractSubject = config.ExtractSubject
	}
	return a
}

// Authenticate implements Authenticator.
func (a *MTLSAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil, fmt.Errorf("%w: no client certificate provided", ErrUnauthenticated)
	}
	cert := r.TLS.PeerCertificates[0]

	identity := &Identity{
		Subject: a.extractSubject(cert),
		Claims: map[string]interface{}{
			"common_name":  cert.Subject.CommonName,
			"organization": cert.Subject.Organization,
			"roles":        cert.Subject.OrganizationalUnit,
		},
		Attributes: map[string]string{
			"auth_method": "mtls",
			"cert_serial": cert.SerialNumber.String(),
			"cert_issuer": cert.Issuer.String(),
			"remote_addr": r.RemoteAddr,
		},
	}
	return identity, nil
}

// Name returns the authenticator name
func (a *MTLSAuthenticator) Name() string {
	return "mtls"
}

// defaultExtractSubject extracts the subject from the certificate's Common Name
func defaultExtractSubject(cert *x509.Certificate) string {
	if cert.Subject.CommonName != "" {
		return cert.Subject.CommonName
	}
	if len(cert.DNSNames) > 0 {
		return cert.DNSNames[0]
	}
	return cert.SerialNumber.String()
}
