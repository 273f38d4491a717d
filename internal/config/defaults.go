package config

const (
	defaultDataDir          = "~/.local/share/capstan"
	defaultTempDir          = "~/.local/share/capstan/temp"
	defaultLogDir           = "~/.local/share/capstan/logs"
	defaultCacheDir         = "~/.cache/capstan"
	defaultExportDir        = "~/.local/share/capstan/exports"
	defaultLogFormat        = "console"
	defaultLogLevel         = "info"
	defaultDecryptionTool   = "shaka"
	defaultDownloadWorkers  = 4
	defaultTitleCacheTTL    = 6
	defaultLocalVaultName   = "local"
	defaultLocalVaultDBName = "vault.db"
)

// Default returns a Config populated with repository defaults:
// shaka-packager decryption and four download workers. The local sqlite
// vault is added during normalization when no vaults are declared, so a
// config file's vault list never collides with it.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:   defaultDataDir,
			TempDir:   defaultTempDir,
			LogDir:    defaultLogDir,
			CacheDir:  defaultCacheDir,
			ExportDir: defaultExportDir,
		},
		Decryption: Decryption{
			Tool: defaultDecryptionTool,
		},
		Download: Download{
			Workers: defaultDownloadWorkers,
		},
		TitleCache: TitleCache{
			Enabled:  true,
			TTLHours: defaultTitleCacheTTL,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
