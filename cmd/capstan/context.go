package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"capstan/internal/config"
	"capstan/internal/logging"
	"capstan/internal/vault"
	"capstan/internal/vault/vaults"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureLogger() *slog.Logger {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.logger = slog.New(slog.DiscardHandler)
			return
		}
		logger, err := logging.NewFromConfig(cfg)
		if err != nil {
			c.logger = slog.New(slog.DiscardHandler)
			return
		}
		c.logger = logger
	})
	return c.logger
}

func vaultSpecs(cfg *config.Config) []vaults.Spec {
	specs := make([]vaults.Spec, 0, len(cfg.Vaults))
	for _, entry := range cfg.Vaults {
		specs = append(specs, vaults.Spec{
			Name:     entry.Name,
			Kind:     vault.Kind(entry.Kind),
			NoPush:   entry.NoPush,
			Path:     entry.Path,
			DSN:      entry.DSN,
			URI:      entry.URI,
			Username: entry.Username,
			Password: entry.Password,
			Token:    entry.Token,
		})
	}
	return specs
}

// withVaults opens every configured vault for the service, runs fn, and
// closes the aggregator afterwards.
func (c *commandContext) withVaults(ctx context.Context, service string, fn func(*vault.Aggregator) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	agg, err := vaults.Load(ctx, service, vaultSpecs(cfg), c.ensureLogger())
	if err != nil {
		return err
	}
	defer agg.Close()
	if agg.Len() == 0 {
		return fmt.Errorf("no vaults available; check the [[vaults]] entries in the configuration")
	}
	return fn(agg)
}

// openVault opens a single configured vault by name.
func (c *commandContext) openVault(ctx context.Context, name string) (vault.Vault, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	for _, spec := range vaultSpecs(cfg) {
		if strings.EqualFold(spec.Name, name) {
			return vaults.Open(ctx, spec)
		}
	}
	return nil, fmt.Errorf("vault %q is not configured", name)
}
