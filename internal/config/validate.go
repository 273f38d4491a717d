package config

import (
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateVaults(); err != nil {
		return err
	}
	if err := c.validateCDM(); err != nil {
		return err
	}
	if err := c.validateDecryption(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateVaults() error {
	seen := make(map[string]bool, len(c.Vaults))
	for i, entry := range c.Vaults {
		if entry.Name == "" {
			return fmt.Errorf("vaults[%d].name is required", i)
		}
		if seen[entry.Name] {
			return fmt.Errorf("vaults[%d].name %q is duplicated", i, entry.Name)
		}
		seen[entry.Name] = true
		switch entry.Kind {
		case "sqlite":
		case "mysql":
			if entry.DSN == "" {
				return fmt.Errorf("vaults[%d] (%s): dsn is required for mysql vaults", i, entry.Name)
			}
		case "http":
			if entry.URI == "" {
				return fmt.Errorf("vaults[%d] (%s): uri is required for http vaults", i, entry.Name)
			}
			if entry.Username == "" {
				return fmt.Errorf("vaults[%d] (%s): username is required for http vaults", i, entry.Name)
			}
		case "api":
			if entry.URI == "" {
				return fmt.Errorf("vaults[%d] (%s): uri is required for api vaults", i, entry.Name)
			}
			if entry.Token == "" {
				return fmt.Errorf("vaults[%d] (%s): token is required for api vaults", i, entry.Name)
			}
		default:
			return fmt.Errorf("vaults[%d] (%s): unknown kind %q", i, entry.Name, entry.Kind)
		}
	}
	return nil
}

func (c *Config) validateCDM() error {
	for i, remote := range c.CDM.Remotes {
		if remote.Host == "" {
			return fmt.Errorf("cdm.remotes[%d].host is required", i)
		}
		if remote.Device == "" {
			return fmt.Errorf("cdm.remotes[%d].device is required", i)
		}
		if err := validSystem(remote.System); err != nil {
			return fmt.Errorf("cdm.remotes[%d]: %w", i, err)
		}
	}
	for i, ks := range c.CDM.KeyServices {
		if ks.Host == "" {
			return fmt.Errorf("cdm.key_services[%d].host is required", i)
		}
		if ks.Scheme == "" {
			return fmt.Errorf("cdm.key_services[%d].scheme is required", i)
		}
		if err := validSystem(ks.System); err != nil {
			return fmt.Errorf("cdm.key_services[%d]: %w", i, err)
		}
	}
	return nil
}

func validSystem(system string) error {
	switch system {
	case "widevine", "playready":
		return nil
	default:
		return fmt.Errorf("unknown DRM system %q", system)
	}
}

func (c *Config) validateDecryption() error {
	switch c.Decryption.Tool {
	case "shaka", "mp4decrypt":
		return nil
	default:
		return fmt.Errorf("decryption.tool: unsupported value %q (use \"shaka\" or \"mp4decrypt\")", c.Decryption.Tool)
	}
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
}
