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

package client

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-keyslot/internal/config"
	"github.com/jeremyhahn/go-keyslot/internal/server"
	"github.com/jeremyhahn/go-keyslot/internal/testutil"
	"github.com/jeremyhahn/go-keyslot/pkg/adapters/audit"
	"github.com/jeremyhahn/go-keyslot/pkg/keyslot"
)

func daemon(t *testing.T, mutate func(*config.Config)) (*server.Server, *httptest.Server) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Engine.ProgramLatency = 0
	cfg.Cache.TotalSlots = 6
	cfg.RateLimit.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	s, err := server.New(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, ts
}

func connect(t *testing.T, cfg *Config) *Client {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNew(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
		want string
	}{
		{"bare address", &Config{Address: "127.0.0.1:8089"}, "http://127.0.0.1:8089"},
		{"bare address with tls", &Config{Address: "127.0.0.1:8089", TLSCAFile: "ca.pem"}, "https://127.0.0.1:8089"},
		{"explicit http", &Config{Address: "http://localhost:8089/"}, "http://localhost:8089"},
		{"explicit https", &Config{Address: "https://localhost:8089"}, "https://localhost:8089"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.BaseURL())
		})
	}

	_, err := New(&Config{})
	assert.Error(t, err)
	_, err = New(nil)
	assert.Error(t, err)
}

func TestNotConnected(t *testing.T) {
	c, err := New(&Config{Address: "127.0.0.1:1"})
	require.NoError(t, err)
	_, err = c.Tables(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	c, err := New(&Config{Address: ts.URL})
	require.NoError(t, err)
	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
}

func TestAdminOperations(t *testing.T) {
	s, ts := daemon(t, nil)
	c := connect(t, &Config{Address: ts.URL})
	ctx := context.Background()

	v, err := c.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "soft", v.Engine)

	dev, ok := s.Device(0)
	require.True(t, ok)
	key := bytes.Repeat([]byte{0x11}, keyslot.KeySize)
	salt := bytes.Repeat([]byte{0x22}, keyslot.SaltSize)
	_, err = s.Cache().BeginUse(ctx, &keyslot.UseRequest{Key: key, Salt: salt, Device: dev})
	require.NoError(t, err)
	s.Cache().EndUse(key, salt, dev)

	tables, err := c.Tables(ctx)
	require.NoError(t, err)
	assert.True(t, tables.Ready)
	assert.Equal(t, uint64(1), tables.Stats.Programs)
	require.Len(t, tables.Tables, 1)
	assert.Equal(t, 1, tables.Tables[0].Count(keyslot.StateIdle))

	table, err := c.Table(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "ice0", table.DeviceName)

	_, err = c.Table(ctx, 5)
	assert.Equal(t, http.StatusNotFound, StatusCode(err))

	require.NoError(t, c.RemoveKey(ctx, key, salt))
	err = c.RemoveKey(ctx, key, salt)
	assert.Equal(t, http.StatusNotFound, StatusCode(err))

	require.NoError(t, c.ClearTable(ctx, 0))
	require.NoError(t, c.ResetTable(ctx, 0))

	trail, err := c.Audit(ctx, nil)
	require.NoError(t, err)
	require.Len(t, trail.Events, 4)
	assert.Equal(t, audit.EventTableReset, trail.Events[0].EventType)

	trail, err = c.Audit(ctx, &AuditQuery{Types: []string{"key.remove"}, Outcome: "failure"})
	require.NoError(t, err)
	require.Len(t, trail.Events, 1)
	assert.Equal(t, -1, trail.Events[0].Device)

	trail, err = c.Audit(ctx, &AuditQuery{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, trail.Events, 1)

	health, err := c.Health(ctx, "/health")
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
}

func TestAPIKey(t *testing.T) {
	_, ts := daemon(t, func(cfg *config.Config) {
		cfg.Auth = config.AuthConfig{
			Type: "apikey",
			APIKeys: map[string]config.APIKeyConfig{
				"reader-key": {Subject: "reader", Permissions: []string{"tables:read"}},
			},
		}
	})

	c, err := New(&Config{Address: ts.URL})
	require.NoError(t, err)
	err = c.Connect(context.Background())
	assert.Equal(t, http.StatusUnauthorized, StatusCode(err))

	c = connect(t, &Config{Address: ts.URL, APIKey: "reader-key"})
	_, err = c.Tables(context.Background())
	require.NoError(t, err)

	err = c.ClearTable(context.Background(), 0)
	assert.Equal(t, http.StatusForbidden, StatusCode(err))
}

func TestMutualTLS(t *testing.T) {
	dir := t.TempDir()
	ca, err := testutil.GenerateTestCA()
	require.NoError(t, err)
	caFile := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(caFile, ca.CertPEM, 0o600))

	serverCert, err := testutil.GenerateTestServerCert(ca)
	require.NoError(t, err)
	serverDir := filepath.Join(dir, "server")
	require.NoError(t, os.Mkdir(serverDir, 0o700))
	certFile, keyFile, err := serverCert.WriteFiles(serverDir)
	require.NoError(t, err)

	clientCert, err := testutil.GenerateTestClientCert(ca, "ops", "admin")
	require.NoError(t, err)
	clientDir := filepath.Join(dir, "client")
	require.NoError(t, os.Mkdir(clientDir, 0o700))
	clientCertFile, clientKeyFile, err := clientCert.WriteFiles(clientDir)
	require.NoError(t, err)

	tlsConfig := config.TLSConfig{
		Enabled:    true,
		CertFile:   certFile,
		KeyFile:    keyFile,
		CAFile:     caFile,
		ClientAuth: "require_and_verify",
	}
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.RateLimit.Enabled = false
	cfg.TLS = tlsConfig
	cfg.Auth = config.AuthConfig{Type: "mtls"}
	s, err := server.New(cfg)
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(s.Handler())
	ts.TLS, err = tlsConfig.LoadTLSConfig()
	require.NoError(t, err)
	ts.StartTLS()
	t.Cleanup(func() {
		ts.Close()
		_ = s.Shutdown(context.Background())
	})

	c := connect(t, &Config{
		Address:     ts.URL,
		TLSCAFile:   caFile,
		TLSCertFile: clientCertFile,
		TLSKeyFile:  clientKeyFile,
	})
	tables, err := c.Tables(context.Background())
	require.NoError(t, err)
	assert.Len(t, tables.Tables, 1)
}
