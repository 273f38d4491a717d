package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"capstan/internal/keys"
	"capstan/internal/vault"
)

func newVaultCommand(ctx *commandContext) *cobra.Command {
	vaultCmd := &cobra.Command{
		Use:   "vault",
		Short: "Inspect and manage key vaults",
	}

	vaultCmd.AddCommand(newVaultListCommand(ctx))
	vaultCmd.AddCommand(newVaultServicesCommand(ctx))
	vaultCmd.AddCommand(newVaultGetCommand(ctx))
	vaultCmd.AddCommand(newVaultAddCommand(ctx))
	vaultCmd.AddCommand(newVaultCopyCommand(ctx))

	return vaultCmd
}

func newVaultListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured vaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if len(cfg.Vaults) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No vaults configured")
				return nil
			}
			rows := make([][]string, 0, len(cfg.Vaults))
			for _, entry := range cfg.Vaults {
				rows = append(rows, []string{entry.Name, entry.Kind, yesNo(entry.NoPush)})
			}
			table := renderTable([]string{"Vault", "Kind", "Read Only"}, rows, []columnAlignment{alignLeft, alignLeft, alignLeft})
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
}

func newVaultServicesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "services <vault>",
		Short: "List the services a vault holds keys for",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := ctx.openVault(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer v.Close()

			services, err := v.Services(cmd.Context())
			if err != nil {
				return fmt.Errorf("list services: %w", err)
			}
			if len(services) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Vault %s holds no services\n", v.Name())
				return nil
			}
			sort.Strings(services)
			rows := make([][]string, 0, len(services))
			for _, service := range services {
				rows = append(rows, []string{service})
			}
			table := renderTable([]string{"Service"}, rows, []columnAlignment{alignLeft})
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
}

func newVaultGetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "get <service> <kid>",
		Short: "Look up a content key across all configured vaults",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			service := strings.ToUpper(strings.TrimSpace(args[0]))
			kid, err := keys.ParseKeyID(args[1])
			if err != nil {
				return fmt.Errorf("parse key ID: %w", err)
			}
			return ctx.withVaults(cmd.Context(), service, func(agg *vault.Aggregator) error {
				key, source, err := agg.GetKey(cmd.Context(), kid)
				if err != nil {
					return err
				}
				if key == "" {
					return fmt.Errorf("no key for %s in any vault", kid)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s:%s (from %s)\n", kid.Hex(), key, source.Name())
				return nil
			})
		},
	}
}

func newVaultAddCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "add <service> <kid> <key>",
		Short: "Store a content key in every writable vault",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			service := strings.ToUpper(strings.TrimSpace(args[0]))
			kid, err := keys.ParseKeyID(args[1])
			if err != nil {
				return fmt.Errorf("parse key ID: %w", err)
			}
			key, err := keys.ParseContentKey(args[2])
			if err != nil {
				return fmt.Errorf("parse content key: %w", err)
			}
			return ctx.withVaults(cmd.Context(), service, func(agg *vault.Aggregator) error {
				accepted, err := agg.AddKey(cmd.Context(), kid, key, nil)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stored %s in %d of %d vaults\n", kid.Hex(), accepted, agg.Len())
				return nil
			})
		},
	}
}

func newVaultCopyCommand(ctx *commandContext) *cobra.Command {
	var fromName string

	cmd := &cobra.Command{
		Use:   "copy <service>",
		Short: "Copy all keys for a service from one vault into the others",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service := strings.ToUpper(strings.TrimSpace(args[0]))
			if strings.TrimSpace(fromName) == "" {
				return errors.New("--from is required")
			}

			source, err := ctx.openVault(cmd.Context(), fromName)
			if err != nil {
				return err
			}
			defer source.Close()

			batch, err := source.Keys(cmd.Context(), service)
			if err != nil {
				return fmt.Errorf("read keys from %s: %w", source.Name(), err)
			}
			if len(batch) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Vault %s holds no keys for %s\n", source.Name(), service)
				return nil
			}

			return ctx.withVaults(cmd.Context(), service, func(agg *vault.Aggregator) error {
				var excluding vault.Vault
				for _, v := range agg.Vaults() {
					if strings.EqualFold(v.Name(), source.Name()) {
						excluding = v
						break
					}
				}
				accepted, err := agg.AddKeys(cmd.Context(), batch, excluding)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Copied %d keys for %s into %d vaults\n", len(batch), service, accepted)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&fromName, "from", "", "Source vault name")
	return cmd
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
