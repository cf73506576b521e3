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
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-keyslot/pkg/keyslot"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the complete daemon configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	TLS       TLSConfig       `yaml:"tls"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Health    HealthConfig    `yaml:"health"`
	Audit     AuditConfig     `yaml:"audit"`
	Cache     CacheConfig     `yaml:"cache"`
	Devices   []DeviceConfig  `yaml:"devices"`
	Engine    EngineConfig    `yaml:"engine"`
	Crypt     CryptConfig     `yaml:"crypt"`
}

// ServerConfig contains listener settings
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Address returns host:port.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RateLimitConfig controls per-client admin API rate limiting
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// MetricsConfig controls the metrics endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// HealthConfig controls the health check endpoints
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AuditConfig controls the admin action audit trail
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`

	// MaxEvents bounds the in-memory trail; the oldest events are dropped
	MaxEvents int `yaml:"max_events"`
}

// CacheConfig controls the key slot cache
type CacheConfig struct {
	// StartingIndex is the first hardware slot managed by the cache
	StartingIndex int `yaml:"starting_index"`

	// TotalSlots is the number of slots the engine exposes
	TotalSlots int `yaml:"total_slots"`

	// BootCmdline is a kernel command line searched for
	// androidboot.bootdevice= when no storage kind is set
	BootCmdline string `yaml:"boot_cmdline"`

	// BootCmdlineFile is read into BootCmdline at load time when
	// BootCmdline is empty, typically /proc/cmdline
	BootCmdlineFile string `yaml:"boot_cmdline_file"`

	// StorageKind overrides the boot command line (sdcc, emmc, ufs, ufscard)
	StorageKind string `yaml:"storage_kind"`
}

func (c *CacheConfig) readBootCmdline(fs afero.Fs) error {
	if c.BootCmdline != "" || c.BootCmdlineFile == "" {
		return nil
	}
	data, err := afero.ReadFile(fs, c.BootCmdlineFile)
	if err != nil {
		return fmt.Errorf("failed to read boot command line: %w", err)
	}
	c.BootCmdline = strings.TrimSpace(string(data))
	return nil
}

// TableSize returns the number of entries per table.
func (c CacheConfig) TableSize() int {
	return c.TotalSlots - c.StartingIndex
}

// ResolveStorageKind returns the storage kind from StorageKind, falling back
// to BootCmdline and then to sdcc.
func (c CacheConfig) ResolveStorageKind() (keyslot.StorageKind, error) {
	if c.StorageKind != "" {
		return keyslot.ParseStorageKind(c.StorageKind)
	}
	// A command line without the boot device parameter keeps the sdcc default.
	kind, _ := keyslot.StorageKindFromCmdline(c.BootCmdline)
	return kind, nil
}

// DeviceConfig describes a device whose table is built at startup
type DeviceConfig struct {
	Number      int    `yaml:"number"`
	Name        string `yaml:"name"`
	StorageKind string `yaml:"storage_kind"`
}

// EngineConfig selects the hardware programmer
type EngineConfig struct {
	// Type is soft or pkcs11
	Type string `yaml:"type"`

	// ProgramLatency is added to every soft engine secure world call
	ProgramLatency time.Duration `yaml:"program_latency"`

	// CallsPerSecond limits soft engine secure world calls per device
	CallsPerSecond float64 `yaml:"calls_per_second"`
	Burst          int     `yaml:"burst"`

	PKCS11 *PKCS11Config `yaml:"pkcs11,omitempty"`
}

// PKCS11Config contains PKCS#11 programmer settings
type PKCS11Config struct {
	Library   string `yaml:"library"`
	TokenSlot *uint  `yaml:"token_slot,omitempty"`
	Pin       string `yaml:"pin"`
}

// CryptConfig controls the file crypto layer used by simulations
type CryptConfig struct {
	DataUnitSize    uint32        `yaml:"data_unit_size"`
	MaxRetryElapsed time.Duration `yaml:"max_retry_elapsed"`
}

// DefaultConfig returns a runnable configuration with one eMMC device on
// the soft engine.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8089,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Auth:    AuthConfig{Type: "noop"},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Health:  HealthConfig{Enabled: true, Path: "/health"},
		Audit:   AuditConfig{Enabled: true, MaxEvents: 1024},
		Cache: CacheConfig{
			StartingIndex: keyslot.DefaultStartingIndex,
			TotalSlots:    keyslot.DefaultTotalSlots,
		},
		Devices: []DeviceConfig{{Number: 0, Name: "ice0"}},
		Engine: EngineConfig{
			Type:           "soft",
			ProgramLatency: 200 * time.Microsecond,
		},
		Crypt: CryptConfig{
			DataUnitSize:    4096,
			MaxRetryElapsed: 5 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file over DefaultConfig and applies
// environment variable overrides
func Load(path string) (*Config, error) {
	return LoadFS(afero.NewOsFs(), path)
}

// LoadFS is Load reading path, and any boot command line file the
// configuration names, from fs.
func LoadFS(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Cache.readBootCmdline(fs); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over DefaultConfig, applies environment overrides and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	ApplyEnvOverrides(cfg)
	return cfg, nil
}

// ApplyEnvOverrides applies KEYSLOT_* environment variables to cfg
func ApplyEnvOverrides(cfg *Config) {
	if host := os.Getenv("KEYSLOT_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if v := os.Getenv("KEYSLOT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			log.Printf("Warning: invalid KEYSLOT_PORT value %q, using %d", v, cfg.Server.Port)
		} else {
			cfg.Server.Port = port
		}
	}
	if level := os.Getenv("KEYSLOT_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("KEYSLOT_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
	if kind := os.Getenv("KEYSLOT_STORAGE_KIND"); kind != "" {
		cfg.Cache.StorageKind = kind
	}
	if cmdline := os.Getenv("KEYSLOT_BOOT_CMDLINE"); cmdline != "" {
		cfg.Cache.BootCmdline = cmdline
	}
	if engine := os.Getenv("KEYSLOT_ENGINE"); engine != "" {
		cfg.Engine.Type = engine
	}
	if lib := os.Getenv("KEYSLOT_PKCS11_LIBRARY"); lib != "" {
		if cfg.Engine.PKCS11 == nil {
			cfg.Engine.PKCS11 = &PKCS11Config{}
		}
		cfg.Engine.PKCS11.Library = lib
	}
	if pin := os.Getenv("KEYSLOT_PKCS11_PIN"); pin != "" && cfg.Engine.PKCS11 != nil {
		cfg.Engine.PKCS11.Pin = pin
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidConfig, c.Server.Port)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("%w: log level %q (must be debug, info, warn, or error)", ErrInvalidConfig, c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("%w: log format %q (must be json or text)", ErrInvalidConfig, c.Logging.Format)
	}

	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("%w: tls cert_file and key_file are required when tls is enabled", ErrInvalidConfig)
	}
	if err := c.Auth.validate(c.TLS.Enabled); err != nil {
		return err
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("%w: ratelimit requests_per_second must be positive", ErrInvalidConfig)
	}

	if c.Audit.Enabled && c.Audit.MaxEvents < 1 {
		return fmt.Errorf("%w: audit max_events must be positive", ErrInvalidConfig)
	}

	if c.Cache.StartingIndex < 0 {
		return fmt.Errorf("%w: cache starting_index %d", ErrInvalidConfig, c.Cache.StartingIndex)
	}
	if c.Cache.TableSize() < 1 {
		return fmt.Errorf("%w: cache total_slots %d leaves no slots after starting_index %d",
			ErrInvalidConfig, c.Cache.TotalSlots, c.Cache.StartingIndex)
	}
	if _, err := c.Cache.ResolveStorageKind(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	seen := make(map[int]bool, len(c.Devices))
	for _, d := range c.Devices {
		if d.Number < 0 {
			return fmt.Errorf("%w: device number %d", ErrInvalidConfig, d.Number)
		}
		if seen[d.Number] {
			return fmt.Errorf("%w: duplicate device %d", ErrInvalidConfig, d.Number)
		}
		seen[d.Number] = true
		if d.StorageKind != "" {
			if _, err := keyslot.ParseStorageKind(d.StorageKind); err != nil {
				return fmt.Errorf("%w: device %d: %w", ErrInvalidConfig, d.Number, err)
			}
		}
	}

	switch c.Engine.Type {
	case "soft":
		if c.Engine.CallsPerSecond < 0 || c.Engine.ProgramLatency < 0 {
			return fmt.Errorf("%w: engine latency and calls_per_second must not be negative", ErrInvalidConfig)
		}
	case "pkcs11":
		if c.Engine.PKCS11 == nil || c.Engine.PKCS11.Library == "" {
			return fmt.Errorf("%w: engine pkcs11 library is required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: engine type %q (must be soft or pkcs11)", ErrInvalidConfig, c.Engine.Type)
	}

	if c.Crypt.DataUnitSize == 0 || c.Crypt.DataUnitSize%16 != 0 {
		return fmt.Errorf("%w: crypt data_unit_size %d must be a positive multiple of 16", ErrInvalidConfig, c.Crypt.DataUnitSize)
	}
	return nil
}

// Device returns the keyslot device for d. An empty storage kind falls back
// to the cache-wide kind.
func (c *Config) Device(d DeviceConfig) (*keyslot.Device, error) {
	kind, err := c.Cache.ResolveStorageKind()
	if err != nil {
		return nil, err
	}
	if d.StorageKind != "" {
		if kind, err = keyslot.ParseStorageKind(d.StorageKind); err != nil {
			return nil, err
		}
	}
	return &keyslot.Device{Number: d.Number, Name: d.Name, Kind: kind}, nil
}

// Marshal renders cfg as YAML with secrets redacted.
func (c *Config) Marshal() ([]byte, error) {
	out := *c
	out.Auth = c.Auth.redacted()
	if c.Engine.PKCS11 != nil {
		p := *c.Engine.PKCS11
		if p.Pin != "" {
			p.Pin = redacted
		}
		out.Engine.PKCS11 = &p
	}
	return yaml.Marshal(&out)
}

const redacted = "REDACTED"
