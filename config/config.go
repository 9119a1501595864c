// Package config loads the AP session core's configuration, covering the
// options spec.md §6 names plus the ambient knobs the library needs
// (opt-in signal handling, opt-in metrics registration). Grounded on the
// teacher's directory.DefaultCacheDir os.UserHomeDir-with-fallback pattern
// (github.com/cvsouth/tor-go/directory/cache.go), adapted from one fixed
// cache path to a YAML-loaded struct of options.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/rivergate-audio/ap-go/apcore"
)

// Config is every option the core recognizes, per spec.md §6.
type Config struct {
	CacheEnabled          bool   `yaml:"cache_enabled"`
	CacheDir              string `yaml:"cache_dir"`
	DoCacheCleanUp        bool   `yaml:"do_cache_clean_up"`
	StoreCredentials      bool   `yaml:"store_credentials"`
	StoredCredentialsFile string `yaml:"stored_credentials_file"`
	RetryOnChunkError     bool   `yaml:"retry_on_chunk_error"`
	PreferredLocale       string `yaml:"preferred_locale"`
	DeviceName            string `yaml:"device_name"`
	DeviceID              string `yaml:"device_id"`

	// InstallSignalHandlers opts the Session into installing its own
	// SIGINT/SIGTERM handler that calls Close. Off by default: a library
	// must not install global handlers unconditionally (spec.md §9).
	InstallSignalHandlers bool `yaml:"install_signal_handlers"`

	// ServerPublicKeyHex overrides the access point's hard-coded RSA
	// signature-verification modulus (hex-encoded). Empty keeps
	// dhkey's compiled-in production key; set this to point a session at a
	// fleet with its own signing key (e.g. a staging AP).
	ServerPublicKeyHex string `yaml:"server_public_key_hex"`
}

// DefaultCacheDir mirrors directory.DefaultCacheDir's os.UserHomeDir-or-empty
// fallback, rooted at ~/.rivergate/ap-go instead of ~/.daphne/tor-cache.
func DefaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".rivergate", "ap-go")
}

// Default returns a Config with every field at its documented default.
func Default() *Config {
	cfg := &Config{
		CacheEnabled:      true,
		CacheDir:          DefaultCacheDir(),
		DoCacheCleanUp:    false,
		StoreCredentials:  true,
		RetryOnChunkError: true,
		PreferredLocale:   "en",
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses a YAML config file at path, applying defaults for
// any field the file omits.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apcore.Wrap(apcore.KindSocketError, "read config file", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, apcore.Wrap(apcore.KindProtocolError, "parse config file", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills in StoredCredentialsFile the way the core resolves it
// when unset: rooted at the default cache directory, falling back to
// ./credentials.json only when $HOME cannot be resolved (spec.md §6).
func (c *Config) applyDefaults() {
	if c.StoredCredentialsFile != "" {
		return
	}
	dir := DefaultCacheDir()
	if dir == "" {
		c.StoredCredentialsFile = "./credentials.json"
		return
	}
	c.StoredCredentialsFile = filepath.Join(dir, "credentials.json")
}
