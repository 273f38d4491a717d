package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir   string `toml:"data_dir"`
	TempDir   string `toml:"temp_dir"`
	LogDir    string `toml:"log_dir"`
	CacheDir  string `toml:"cache_dir"`
	ExportDir string `toml:"export_dir"`
}

// VaultEntry declares one key vault, in lookup order. Kind selects the
// backend; the remaining fields apply per kind.
type VaultEntry struct {
	Name   string `toml:"name"`
	Kind   string `toml:"kind"`
	NoPush bool   `toml:"no_push"`

	Path     string `toml:"path"`
	DSN      string `toml:"dsn"`
	URI      string `toml:"uri"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Token    string `toml:"token"`
}

// CDMRemote declares a remote CDM endpoint speaking the serve protocol.
type CDMRemote struct {
	Host   string `toml:"host"`
	Secret string `toml:"secret"`
	Device string `toml:"device"`
	System string `toml:"system"`
}

// CDMKeyService declares a vendor key-service endpoint with a server-side
// key cache.
type CDMKeyService struct {
	Host    string `toml:"host"`
	Secret  string `toml:"secret"`
	Scheme  string `toml:"scheme"`
	Service string `toml:"service"`
	System  string `toml:"system"`
}

// CDM contains content decryption module configuration.
type CDM struct {
	// WVDPath points at a local Widevine device file.
	WVDPath     string          `toml:"wvd_path"`
	Remotes     []CDMRemote     `toml:"remotes"`
	KeyServices []CDMKeyService `toml:"key_services"`
}

// Decryption selects and tunes the external decryption tool.
type Decryption struct {
	Tool              string `toml:"tool"`
	Binary            string `toml:"binary"`
	ZeroKIDWorkaround bool   `toml:"zero_kid_workaround"`
}

// Download contains worker pool configuration.
type Download struct {
	Workers int `toml:"workers"`
}

// TitleCache contains the title metadata cache configuration.
type TitleCache struct {
	Enabled  bool   `toml:"enabled"`
	Dir      string `toml:"dir"`
	TTLHours int    `toml:"ttl_hours"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for capstan.
type Config struct {
	Paths      Paths        `toml:"paths"`
	Vaults     []VaultEntry `toml:"vaults"`
	CDM        CDM          `toml:"cdm"`
	Decryption Decryption   `toml:"decryption"`
	Download   Download     `toml:"download"`
	TitleCache TitleCache   `toml:"title_cache"`
	Logging    Logging      `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration
// file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/capstan/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("capstan.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories capstan writes into.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.TempDir, c.Paths.LogDir, c.Paths.ExportDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if c.TitleCache.Enabled && strings.TrimSpace(c.TitleCache.Dir) != "" {
		if err := os.MkdirAll(c.TitleCache.Dir, 0o755); err != nil {
			return fmt.Errorf("create title cache directory %q: %w", c.TitleCache.Dir, err)
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
