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

// Package cli implements the keyslot command line tool.
package cli

import (
	"context"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-keyslot/internal/config"
	"github.com/jeremyhahn/go-keyslot/pkg/client"
)

// Persistent flag names. Each is also read from KEYSLOT_<NAME> with dashes
// replaced by underscores.
const (
	flagConfig      = "config"
	flagLogLevel    = "log-level"
	flagOutput      = "output"
	flagServer      = "server"
	flagAPIKey      = "api-key"
	flagTLSCert     = "tls-cert"
	flagTLSKey      = "tls-key"
	flagTLSCA       = "tls-ca"
	flagTLSInsecure = "tls-insecure"
)

// options carries the settings shared by every command.
type options struct {
	v *viper.Viper
}

// NewRootCmd builds the keyslot command tree.
func NewRootCmd() *cobra.Command {
	rootCmd, _ := newRootCmd()
	return rootCmd
}

func newRootCmd() (*cobra.Command, *options) {
	o := &options{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "keyslot",
		Short: "keyslot - hardware key slot cache tool",
		Long: `keyslot runs and administers the key slot daemon, which brokers a
small number of inline crypto engine key slots across many concurrent
file encryption callers.

Local commands (serve, simulate, config) read the daemon configuration.
Admin commands (tables, keys, audit) talk to a running daemon over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String(flagConfig, "", "config file (defaults are used when empty)")
	flags.String(flagLogLevel, "", "log level override (debug, info, warn, error)")
	flags.StringP(flagOutput, "o", "text", "output format (text, json)")
	flags.String(flagServer, "127.0.0.1:8089", "daemon address for admin commands")
	flags.String(flagAPIKey, "", "API key for the admin API")
	flags.String(flagTLSCert, "", "client certificate for mTLS")
	flags.String(flagTLSKey, "", "client key for mTLS")
	flags.String(flagTLSCA, "", "CA certificate used to verify the daemon")
	flags.Bool(flagTLSInsecure, false, "skip daemon certificate verification (not recommended)")

	o.v.SetEnvPrefix("KEYSLOT")
	o.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	o.v.AutomaticEnv()
	_ = o.v.BindPFlags(flags) // flags are defined above, binding cannot fail

	rootCmd.AddCommand(
		newVersionCmd(o),
		newConfigCmd(o),
		newServeCmd(o),
		newSimulateCmd(o),
		newTablesCmd(o),
		newKeysCmd(o),
		newAuditCmd(o),
	)
	return rootCmd, o
}

// Execute runs the root command and prints any error in the selected
// output format.
func Execute() error {
	rootCmd, o := newRootCmd()
	err := rootCmd.Execute()
	if err != nil {
		_ = o.printer(rootCmd.ErrOrStderr()).PrintError(err)
	}
	return err
}

// loadConfig reads the configuration file, or the defaults plus
// environment overrides when no file is given, and applies --log-level.
func (o *options) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if path := o.v.GetString(flagConfig); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
		config.ApplyEnvOverrides(cfg)
	}
	if level := o.v.GetString(flagLogLevel); level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// printer returns a Printer for the selected output format.
func (o *options) printer(w io.Writer) *Printer {
	return NewPrinter(o.v.GetString(flagOutput), w)
}

// newClient connects to the daemon named by --server.
func (o *options) newClient(ctx context.Context) (*client.Client, error) {
	c, err := client.New(&client.Config{
		Address:               o.v.GetString(flagServer),
		APIKey:                o.v.GetString(flagAPIKey),
		TLSCertFile:           o.v.GetString(flagTLSCert),
		TLSKeyFile:            o.v.GetString(flagTLSKey),
		TLSCAFile:             o.v.GetString(flagTLSCA),
		TLSInsecureSkipVerify: o.v.GetBool(flagTLSInsecure),
	})
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}
