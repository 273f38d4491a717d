package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"capstan/internal/pssh"
)

func newCDMCommand(ctx *commandContext) *cobra.Command {
	cdmCmd := &cobra.Command{
		Use:   "cdm",
		Short: "Content decryption module utilities",
	}

	cdmCmd.AddCommand(newCDMTestCommand(ctx))

	return cdmCmd
}

func newCDMTestCommand(ctx *commandContext) *cobra.Command {
	var systemName string

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Open and close a session against a configured CDM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			system := parseSystem(systemName)
			if system == pssh.SystemUnknown {
				return fmt.Errorf("unknown DRM system %q (expected widevine or playready)", systemName)
			}

			backend, err := buildCDM(cfg, system)
			if err != nil {
				return err
			}

			session, err := backend.Open(cmd.Context())
			if err != nil {
				return fmt.Errorf("open session: %w", err)
			}
			closeErr := backend.Close(cmd.Context(), session)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Opened %s session %s\n", system, hex.EncodeToString(session))
			if closeErr != nil {
				return fmt.Errorf("close session: %w", closeErr)
			}
			fmt.Fprintln(out, "Session closed cleanly")
			return nil
		},
	}

	cmd.Flags().StringVar(&systemName, "system", "widevine", "DRM system to test (widevine or playready)")
	return cmd
}
