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

// Package client talks to the keyslot daemon's admin API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jeremyhahn/go-keyslot/pkg/adapters/audit"
	"github.com/jeremyhahn/go-keyslot/pkg/keyslot"
)

// DefaultTimeout bounds each request when Config.Timeout is zero.
const DefaultTimeout = 60 * time.Second

var (
	// ErrNotConnected is returned when a request is made before Connect.
	ErrNotConnected = errors.New("client: not connected")

	// ErrConnectionFailed is returned when Connect cannot reach the daemon.
	ErrConnectionFailed = errors.New("client: connection failed")
)

// Config configures a Client.
type Config struct {
	// Address is the daemon URL, http://host:port or https://host:port.
	// A bare host:port uses https when any TLS file is set.
	Address string

	// TLSInsecureSkipVerify skips TLS certificate verification (not recommended)
	TLSInsecureSkipVerify bool

	// TLSCertFile is the path to the client certificate file (for mTLS)
	TLSCertFile string

	// TLSKeyFile is the path to the client key file (for mTLS)
	TLSKeyFile string

	// TLSCAFile is the path to the CA certificate file
	TLSCAFile string

	// APIKey is sent as X-API-Key when set
	APIKey string

	// JWTToken is sent as a bearer token when set
	JWTToken string

	// Headers are additional HTTP headers to include in requests
	Headers map[string]string

	// Timeout bounds each request. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// HealthResponse is the body of the health endpoints.
type HealthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// VersionResponse is the body of GET /v1/version.
type VersionResponse struct {
	Version string `json:"version"`
	Engine  string `json:"engine"`
}

// TablesResponse is the body of GET /v1/tables.
type TablesResponse struct {
	Ready  bool                    `json:"ready"`
	Stats  keyslot.Stats           `json:"stats"`
	Tables []keyslot.TableSnapshot `json:"tables"`
}

// AuditResponse is the body of GET /v1/audit.
type AuditResponse struct {
	Events []*audit.AuditEvent `json:"events"`
}

// AuditQuery filters the audit trail. Zero values match everything.
type AuditQuery struct {
	Types     []string
	Outcome   string
	Principal string
	Limit     int
}

type removeKeyRequest struct {
	Key  string `json:"key"`
	Salt string `json:"salt"`
}

// Client is an admin API client. It is safe for concurrent use after
// Connect.
type Client struct {
	config     *Config
	httpClient *http.Client
	baseURL    string
	tls        bool
}

// New creates a client. No connection is made until Connect.
func New(cfg *Config) (*Client, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, fmt.Errorf("client: address is required")
	}

	useTLS := cfg.TLSCAFile != "" || cfg.TLSCertFile != "" || cfg.TLSInsecureSkipVerify
	baseURL := cfg.Address
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		useTLS = true
	case strings.HasPrefix(baseURL, "http://"):
		useTLS = false
	case useTLS:
		baseURL = "https://" + baseURL
	default:
		baseURL = "http://" + baseURL
	}

	return &Client{
		config:  cfg,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		tls:     useTLS,
	}, nil
}

// BaseURL returns the normalized daemon URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Connect builds the transport and verifies the daemon accepts the
// configured credentials.
func (c *Client) Connect(ctx context.Context) error {
	var tlsConfig *tls.Config
	if c.tls {
		// #nosec G402 - InsecureSkipVerify is an explicit operator choice
		tlsConfig = &tls.Config{
			InsecureSkipVerify: c.config.TLSInsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		}

		if c.config.TLSCAFile != "" {
			// #nosec G304 - CA path from operator flags
			caCert, err := os.ReadFile(c.config.TLSCAFile)
			if err != nil {
				return fmt.Errorf("failed to read CA certificate: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caCert) {
				return fmt.Errorf("failed to parse CA certificate")
			}
			tlsConfig.RootCAs = pool
		}

		if c.config.TLSCertFile != "" && c.config.TLSKeyFile != "" {
			cert, err := tls.LoadX509KeyPair(c.config.TLSCertFile, c.config.TLSKeyFile)
			if err != nil {
				return fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	timeout := c.config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c.httpClient = &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
		Timeout:   timeout,
	}

	if _, err := c.Version(ctx); err != nil {
		c.httpClient = nil
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}
	return nil
}

// Health queries the readiness endpoint under prefix (usually /health).
func (c *Client) Health(ctx context.Context, prefix string) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, prefix+"/ready", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Version returns the daemon build version and engine type.
func (c *Client) Version(ctx context.Context) (*VersionResponse, error) {
	var resp VersionResponse
	if err := c.do(ctx, http.MethodGet, "/v1/version", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Tables returns the cache counters and every table snapshot.
func (c *Client) Tables(ctx context.Context) (*TablesResponse, error) {
	var resp TablesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/tables", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Table returns the snapshot of one device table.
func (c *Client) Table(ctx context.Context, device int) (*keyslot.TableSnapshot, error) {
	var resp keyslot.TableSnapshot
	if err := c.do(ctx, http.MethodGet, "/v1/tables/"+strconv.Itoa(device), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RemoveKey evicts key and salt from whichever table holds them.
func (c *Client) RemoveKey(ctx context.Context, key, salt []byte) error {
	req := removeKeyRequest{Key: hex.EncodeToString(key), Salt: hex.EncodeToString(salt)}
	return c.do(ctx, http.MethodPost, "/v1/keys/remove", req, nil)
}

// ClearTable invalidates every slot of device through the hardware.
func (c *Client) ClearTable(ctx context.Context, device int) error {
	return c.do(ctx, http.MethodPost, "/v1/tables/"+strconv.Itoa(device)+"/clear", nil, nil)
}

// ResetTable wipes device's table after a controller reset.
func (c *Client) ResetTable(ctx context.Context, device int) error {
	return c.do(ctx, http.MethodPost, "/v1/tables/"+strconv.Itoa(device)+"/reset", nil, nil)
}

// Audit returns admin audit events, newest first.
func (c *Client) Audit(ctx context.Context, q *AuditQuery) (*AuditResponse, error) {
	params := url.Values{}
	if q != nil {
		for _, t := range q.Types {
			params.Add("type", t)
		}
		if q.Outcome != "" {
			params.Set("outcome", q.Outcome)
		}
		if q.Principal != "" {
			params.Set("principal", q.Principal)
		}
		if q.Limit > 0 {
			params.Set("limit", strconv.Itoa(q.Limit))
		}
	}
	path := "/v1/audit"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp AuditResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do performs a request and decodes a JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.httpClient == nil {
		return ErrNotConnected
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIKey != "" {
		req.Header.Set("X-API-Key", c.config.APIKey)
	}
	if c.config.JWTToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.JWTToken)
	}
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
			if errResp.Message != "" {
				msg += ": " + errResp.Message
			}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
