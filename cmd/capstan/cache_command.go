package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"capstan/internal/titlecache"
)

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the title metadata cache",
	}

	cacheCmd.AddCommand(newCacheShowCommand(ctx))
	cacheCmd.AddCommand(newCacheSetCommand(ctx))
	cacheCmd.AddCommand(newCacheDeleteCommand(ctx))

	return cacheCmd
}

func (c *commandContext) openTitleCache() (*titlecache.Cache, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.TitleCache.Enabled {
		return nil, errors.New("title cache is disabled in the configuration")
	}
	ttl := time.Duration(cfg.TitleCache.TTLHours) * time.Hour
	return titlecache.Open(cfg.TitleCache.Dir, ttl)
}

func newCacheShowCommand(ctx *commandContext) *cobra.Command {
	var region, account string

	cmd := &cobra.Command{
		Use:   "show <service> <title-id>",
		Short: "Print a cached title payload",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := ctx.openTitleCache()
			if err != nil {
				return err
			}
			defer cache.Close()

			payload, err := cache.Get(titlecache.Key(args[0], args[1], region, account))
			if errors.Is(err, titlecache.ErrMiss) {
				return fmt.Errorf("no cached title for %s/%s", args[0], args[1])
			}
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(payload, '\n'))
			return err
		},
	}

	cmd.Flags().StringVar(&region, "region", "", "Region the title was fetched for")
	cmd.Flags().StringVar(&account, "account", "", "Account hash the title was fetched under")
	return cmd
}

func newCacheSetCommand(ctx *commandContext) *cobra.Command {
	var region, account string

	cmd := &cobra.Command{
		Use:   "set <service> <title-id>",
		Short: "Store a title payload from stdin",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
			if len(payload) == 0 {
				return errors.New("refusing to cache an empty payload")
			}

			cache, err := ctx.openTitleCache()
			if err != nil {
				return err
			}
			defer cache.Close()

			if err := cache.Set(titlecache.Key(args[0], args[1], region, account), payload); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cached %d bytes for %s/%s\n", len(payload), args[0], args[1])
			return nil
		},
	}

	cmd.Flags().StringVar(&region, "region", "", "Region the title was fetched for")
	cmd.Flags().StringVar(&account, "account", "", "Account hash the title was fetched under")
	return cmd
}

func newCacheDeleteCommand(ctx *commandContext) *cobra.Command {
	var region, account string

	cmd := &cobra.Command{
		Use:   "delete <service> <title-id>",
		Short: "Drop a cached title payload",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := ctx.openTitleCache()
			if err != nil {
				return err
			}
			defer cache.Close()

			if err := cache.Delete(titlecache.Key(args[0], args[1], region, account)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted cached title %s/%s\n", args[0], args[1])
			return nil
		},
	}

	cmd.Flags().StringVar(&region, "region", "", "Region the title was fetched for")
	cmd.Flags().StringVar(&account, "account", "", "Account hash the title was fetched under")
	return cmd
}
