package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeVaults(); err != nil {
		return err
	}
	if err := c.normalizeCDM(); err != nil {
		return err
	}
	c.normalizeDecryption()
	c.normalizeDownload()
	if err := c.normalizeTitleCache(); err != nil {
		return err
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.TempDir, err = expandPath(c.Paths.TempDir); err != nil {
		return fmt.Errorf("paths.temp_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.CacheDir, err = expandPath(c.Paths.CacheDir); err != nil {
		return fmt.Errorf("paths.cache_dir: %w", err)
	}
	if c.Paths.ExportDir, err = expandPath(c.Paths.ExportDir); err != nil {
		return fmt.Errorf("paths.export_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeVaults() error {
	if len(c.Vaults) == 0 {
		c.Vaults = []VaultEntry{{Name: defaultLocalVaultName, Kind: "sqlite"}}
	}
	for i := range c.Vaults {
		entry := &c.Vaults[i]
		entry.Name = strings.TrimSpace(entry.Name)
		entry.Kind = strings.ToLower(strings.TrimSpace(entry.Kind))
		if entry.Kind == "sqlite" {
			if strings.TrimSpace(entry.Path) == "" {
				entry.Path = filepath.Join(c.Paths.DataDir, defaultLocalVaultDBName)
			}
			expanded, err := expandPath(entry.Path)
			if err != nil {
				return fmt.Errorf("vaults[%d].path: %w", i, err)
			}
			entry.Path = expanded
		}
		entry.URI = strings.TrimSpace(entry.URI)
	}
	return nil
}

func (c *Config) normalizeCDM() error {
	if strings.TrimSpace(c.CDM.WVDPath) != "" {
		expanded, err := expandPath(c.CDM.WVDPath)
		if err != nil {
			return fmt.Errorf("cdm.wvd_path: %w", err)
		}
		c.CDM.WVDPath = expanded
	}
	for i := range c.CDM.Remotes {
		remote := &c.CDM.Remotes[i]
		remote.Host = strings.TrimRight(strings.TrimSpace(remote.Host), "/")
		remote.System = strings.ToLower(strings.TrimSpace(remote.System))
		if remote.System == "" {
			remote.System = "widevine"
		}
	}
	for i := range c.CDM.KeyServices {
		ks := &c.CDM.KeyServices[i]
		ks.Host = strings.TrimRight(strings.TrimSpace(ks.Host), "/")
		ks.System = strings.ToLower(strings.TrimSpace(ks.System))
		if ks.System == "" {
			ks.System = "widevine"
		}
	}
	return nil
}

func (c *Config) normalizeDecryption() {
	c.Decryption.Tool = strings.ToLower(strings.TrimSpace(c.Decryption.Tool))
	if c.Decryption.Tool == "" {
		c.Decryption.Tool = defaultDecryptionTool
	}
}

func (c *Config) normalizeDownload() {
	if c.Download.Workers < 1 {
		c.Download.Workers = defaultDownloadWorkers
	}
}

func (c *Config) normalizeTitleCache() error {
	if strings.TrimSpace(c.TitleCache.Dir) == "" {
		c.TitleCache.Dir = filepath.Join(c.Paths.CacheDir, "titles")
	}
	expanded, err := expandPath(c.TitleCache.Dir)
	if err != nil {
		return fmt.Errorf("title_cache.dir: %w", err)
	}
	c.TitleCache.Dir = expanded
	if c.TitleCache.TTLHours < 1 {
		c.TitleCache.TTLHours = defaultTitleCacheTTL
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
