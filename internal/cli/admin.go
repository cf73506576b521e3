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

package cli

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keyslot/pkg/client"
	"github.com/jeremyhahn/go-keyslot/pkg/keyslot"
)

func newTablesCmd(o *options) *cobra.Command {
	tablesCmd := &cobra.Command{
		Use:   "tables",
		Short: "Inspect and clear device key tables on a running daemon",
	}

	tablesCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show cache counters and per-table state counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.newClient(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.Tables(cmd.Context())
			if err != nil {
				return err
			}
			return o.printer(cmd.OutOrStdout()).PrintTables(resp)
		},
	})

	tablesCmd.AddCommand(&cobra.Command{
		Use:   "show <device>",
		Short: "Show every entry of one device table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			device, err := parseDevice(args[0])
			if err != nil {
				return err
			}
			c, err := o.newClient(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			ts, err := c.Table(cmd.Context(), device)
			if err != nil {
				return err
			}
			return o.printer(cmd.OutOrStdout()).PrintTable(ts)
		},
	})

	tablesCmd.AddCommand(&cobra.Command{
		Use:   "clear <device>",
		Short: "Invalidate every slot of a device through the hardware",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			device, err := parseDevice(args[0])
			if err != nil {
				return err
			}
			c, err := o.newClient(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.ClearTable(cmd.Context(), device); err != nil {
				return err
			}
			return o.printer(cmd.OutOrStdout()).PrintSuccess(fmt.Sprintf("device %d table cleared", device))
		},
	})

	tablesCmd.AddCommand(&cobra.Command{
		Use:   "reset <device>",
		Short: "Forget every key of a device after a controller reset",
		Long: `Wipe a device table without calling the hardware. Use this only after
the controller has been reset and has already lost all of its keys.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			device, err := parseDevice(args[0])
			if err != nil {
				return err
			}
			c, err := o.newClient(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.ResetTable(cmd.Context(), device); err != nil {
				return err
			}
			return o.printer(cmd.OutOrStdout()).PrintSuccess(fmt.Sprintf("device %d table reset", device))
		},
	})

	return tablesCmd
}

func newKeysCmd(o *options) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage resident keys on a running daemon",
	}

	var keyHex, saltHex string
	removeCmd := &cobra.Command{
		Use:   "remove",
		Short: "Evict a key from whichever table holds it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := decodeHex("key", keyHex, keyslot.KeySize)
			if err != nil {
				return err
			}
			defer keyslot.Wipe(key)
			salt, err := decodeHex("salt", saltHex, keyslot.SaltSize)
			if err != nil {
				return err
			}
			defer keyslot.Wipe(salt)

			c, err := o.newClient(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.RemoveKey(cmd.Context(), key, salt); err != nil {
				return err
			}
			return o.printer(cmd.OutOrStdout()).PrintSuccess("key removed")
		},
	}
	removeCmd.Flags().StringVar(&keyHex, "key", "", "hex encoded 32 byte key")
	removeCmd.Flags().StringVar(&saltHex, "salt", "", "hex encoded 32 byte salt")
	_ = removeCmd.MarkFlagRequired("key")
	_ = removeCmd.MarkFlagRequired("salt")

	keysCmd.AddCommand(removeCmd)
	return keysCmd
}

func newAuditCmd(o *options) *cobra.Command {
	q := &client.AuditQuery{}
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the daemon's admin audit trail, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.newClient(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			resp, err := c.Audit(cmd.Context(), q)
			if err != nil {
				return err
			}
			return o.printer(cmd.OutOrStdout()).PrintAudit(resp)
		},
	}
	cmd.Flags().StringSliceVar(&q.Types, "type", nil, "event types to include (key.remove, table.clear, table.reset, admin.config_reload)")
	cmd.Flags().StringVar(&q.Outcome, "outcome", "", "success or failure")
	cmd.Flags().StringVar(&q.Principal, "principal", "", "caller subject")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "maximum events (0 for all retained)")
	return cmd
}

func parseDevice(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid device number %q", arg)
	}
	return n, nil
}

func decodeHex(name, value string, size int) ([]byte, error) {
	b, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%s is not hex: %w", name, err)
	}
	if len(b) != size {
		keyslot.Wipe(b)
		return nil, fmt.Errorf("%s must be %d bytes, got %d", name, size, len(b))
	}
	return b, nil
}
