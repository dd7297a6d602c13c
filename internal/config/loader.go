package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// checkConfigFilePermissions rejects a config file with overly permissive
// permissions: any group or world permission bit set returns an error.
// Config files may contain sensitive paths and network topology. A file
// that cannot be stat'ed passes; the caller's read reports that error.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// defaults applied to zero-valued tunables, matching the fixed constants the
// protocol this config drives was distilled from.
const (
	defaultIdleTimeout          = 300 * time.Second
	defaultKeepAlive            = 30 * time.Second
	defaultReaperInterval       = 30 * time.Second
	defaultGossipTTL            = 16
	defaultBroadcastIntervalMin = 10 * time.Second
	defaultBroadcastIntervalMax = 30 * time.Second
	defaultSeenRetention        = 300 * time.Second
	defaultSeenReapInterval     = 30 * time.Second
	defaultPullInterval         = 30 * time.Second
	defaultOutboxInterval       = 1 * time.Second
	defaultMetricsListenAddress = "127.0.0.1:9091"
)

// applyDefaults fills zero-valued tunables with the protocol's fixed
// defaults. Explicit zero in YAML is indistinguishable from "unset" for
// these duration/int fields, which is acceptable here since none of them
// are meaningfully configured to zero.
func applyDefaults(cfg *Config) {
	if cfg.Transport.IdleTimeout == 0 {
		cfg.Transport.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Transport.KeepAlive == 0 {
		cfg.Transport.KeepAlive = defaultKeepAlive
	}
	if cfg.Transport.ReaperInterval == 0 {
		cfg.Transport.ReaperInterval = defaultReaperInterval
	}
	if cfg.Gossip.TTL == 0 {
		cfg.Gossip.TTL = defaultGossipTTL
	}
	if cfg.Gossip.BroadcastIntervalMin == 0 {
		cfg.Gossip.BroadcastIntervalMin = defaultBroadcastIntervalMin
	}
	if cfg.Gossip.BroadcastIntervalMax == 0 {
		cfg.Gossip.BroadcastIntervalMax = defaultBroadcastIntervalMax
	}
	if cfg.Gossip.SeenRetention == 0 {
		cfg.Gossip.SeenRetention = defaultSeenRetention
	}
	if cfg.Gossip.SeenReapInterval == 0 {
		cfg.Gossip.SeenReapInterval = defaultSeenReapInterval
	}
	if cfg.Transfer.PullInterval == 0 {
		cfg.Transfer.PullInterval = defaultPullInterval
	}
	if cfg.Messaging.OutboxInterval == 0 {
		cfg.Messaging.OutboxInterval = defaultOutboxInterval
	}
	if cfg.Telemetry.Metrics.Enabled && cfg.Telemetry.Metrics.ListenAddress == "" {
		cfg.Telemetry.Metrics.ListenAddress = defaultMetricsListenAddress
	}
}

// Load reads and parses node configuration from a YAML file at path.
func Load(path string) (*Config, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade megaengine", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Validate checks that a loaded Config has the fields required to start a
// node.
func Validate(cfg *Config) error {
	if cfg.Identity.KeyFile == "" {
		return fmt.Errorf("identity.key_file is required")
	}
	if cfg.Network.ListenAddress == "" {
		return fmt.Errorf("network.listen_address is required")
	}
	return nil
}

// FindConfigFile searches for a config file in standard locations. Search
// order: explicitPath (if given), ./megaengine.yaml,
// ~/.config/megaengine/config.yaml, /etc/megaengine/config.yaml.
func FindConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
		}
		return explicitPath, nil
	}

	searchPaths := []string{"megaengine.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "megaengine", "config.yaml"))
	}
	searchPaths = append(searchPaths, filepath.Join("/etc", "megaengine", "config.yaml"))

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w; searched:\n  %s\n\nRun 'megaengine auth init' to create one, or use --config <path>", ErrConfigNotFound, strings.Join(searchPaths, "\n  "))
}

// ResolveConfigPaths resolves relative file paths in cfg to be relative to
// the config file's own directory, so a config under ~/.config/megaengine/
// can reference its key file with a relative path.
func ResolveConfigPaths(cfg *Config, configDir string) {
	if cfg.Identity.KeyFile != "" && !filepath.IsAbs(cfg.Identity.KeyFile) {
		cfg.Identity.KeyFile = filepath.Join(configDir, cfg.Identity.KeyFile)
	}
	if cfg.Network.CertPath != "" && !filepath.IsAbs(cfg.Network.CertPath) {
		cfg.Network.CertPath = filepath.Join(configDir, cfg.Network.CertPath)
	}
	if cfg.DataDir != "" && !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(configDir, cfg.DataDir)
	}
}

// DefaultConfigDir returns the default megaengine config directory
// (~/.config/megaengine).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "megaengine"), nil
}

// DefaultDataDir returns the default megaengine data directory
// (~/.megaengine), per spec.md §6.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".megaengine"), nil
}
