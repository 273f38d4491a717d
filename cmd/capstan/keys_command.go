package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"capstan/internal/config"
	"capstan/internal/drm"
	"capstan/internal/keys"
	"capstan/internal/prepare"
	"capstan/internal/pssh"
	"capstan/internal/vault"
)

func newKeysCommand(ctx *commandContext) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect resolved content keys",
	}

	keysCmd.AddCommand(newKeysResolveCommand(ctx))
	keysCmd.AddCommand(newKeysExportCommand(ctx))

	return keysCmd
}

func newKeysResolveCommand(ctx *commandContext) *cobra.Command {
	var systemName string
	var trackKID string
	var useCDM bool

	cmd := &cobra.Command{
		Use:   "resolve <service> <init-data>",
		Short: "Resolve content keys for a base64 protection header",
		Long: "Resolves every key ID a protection header declares against the " +
			"configured vaults. With --cdm, key IDs the vaults miss are also " +
			"checked against the CDM's server-side key cache; a full license " +
			"roundtrip needs service-specific callbacks and is not available here.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			service := strings.ToUpper(strings.TrimSpace(args[0]))
			initData, err := base64.StdEncoding.DecodeString(strings.TrimSpace(args[1]))
			if err != nil {
				return fmt.Errorf("decode init data: %w", err)
			}

			system := parseSystem(systemName)
			if system == pssh.SystemUnknown {
				return fmt.Errorf("unknown DRM system %q (expected widevine or playready)", systemName)
			}

			var d drm.DRM
			switch system {
			case pssh.SystemPlayReady:
				d, err = drm.PlayReadyFromInitData(initData)
			default:
				d, err = drm.WidevineFromInitData(initData)
			}
			if err != nil {
				return fmt.Errorf("parse protection header: %w", err)
			}

			req := prepare.Request{DRM: d, Mode: prepare.ModeVaultsOnly}
			if useCDM {
				req.Mode = prepare.ModeAuto
			}
			if strings.TrimSpace(trackKID) != "" {
				kid, err := keys.ParseKeyID(trackKID)
				if err != nil {
					return fmt.Errorf("parse track key ID: %w", err)
				}
				req.TrackKID = kid
			}

			return ctx.withVaults(cmd.Context(), service, func(agg *vault.Aggregator) error {
				state := prepare.NewState()
				preparer := prepare.New(agg, cdmSource(cfg), state, ctx.ensureLogger())
				prepErr := preparer.Prepare(cmd.Context(), req)
				fmt.Fprintln(cmd.OutOrStdout(), state.Render())
				return prepErr
			})
		},
	}

	cmd.Flags().StringVar(&systemName, "system", "widevine", "DRM system of the init data (widevine or playready)")
	cmd.Flags().StringVar(&trackKID, "kid", "", "Key ID the track's samples use; resolution fails without it")
	cmd.Flags().BoolVar(&useCDM, "cdm", false, "Also check the configured CDM's cached keys")
	return cmd
}

func newKeysExportCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Show the contents of an exported key file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.ExpandPath(args[0])
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read export file: %w", err)
			}

			var export map[string]map[string]map[string]string
			if err := json.Unmarshal(raw, &export); err != nil {
				return fmt.Errorf("parse export file: %w", err)
			}
			if len(export) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Export file holds no keys")
				return nil
			}

			titles := make([]string, 0, len(export))
			for title := range export {
				titles = append(titles, title)
			}
			sort.Strings(titles)

			var rows [][]string
			for _, title := range titles {
				tracks := make([]string, 0, len(export[title]))
				for track := range export[title] {
					tracks = append(tracks, track)
				}
				sort.Strings(tracks)
				for _, track := range tracks {
					kids := make([]string, 0, len(export[title][track]))
					for kid := range export[title][track] {
						kids = append(kids, kid)
					}
					sort.Strings(kids)
					for _, kid := range kids {
						rows = append(rows, []string{title, track, kid, export[title][track][kid]})
					}
				}
			}

			table := renderTable(
				[]string{"Title", "Track", "Key ID", "Content Key"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft},
			)
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
}
