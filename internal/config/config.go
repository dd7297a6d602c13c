// Package config implements node configuration: YAML loading with schema
// versioning, protocol defaults for unset tunables, and file-permission
// hygiene. Configuration is read once at startup; there is no runtime reload.
package config

import "time"

// CurrentConfigVersion is the latest configuration schema version. Bump
// this when adding fields that require migration.
const CurrentConfigVersion = 1

// Config is the root configuration for a megaengine node.
type Config struct {
	Version   int             `yaml:"version,omitempty"`
	Alias     string          `yaml:"alias"`
	DataDir   string          `yaml:"data_dir"`
	Identity  IdentityConfig  `yaml:"identity"`
	Network   NetworkConfig   `yaml:"network"`
	Transport TransportConfig `yaml:"transport,omitempty"`
	Gossip    GossipConfig    `yaml:"gossip,omitempty"`
	Transfer  TransferConfig  `yaml:"transfer,omitempty"`
	Messaging MessagingConfig `yaml:"messaging,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// IdentityConfig names the on-disk keypair file. Identity persistence
// itself is an external collaborator (spec.md §1); this config only tells
// the CLI's identity store adapter where to look.
type IdentityConfig struct {
	KeyFile string `yaml:"key_file"`
}

// NetworkConfig holds listen/bootstrap/cert configuration for the transport.
type NetworkConfig struct {
	ListenAddress  string   `yaml:"listen_address"`
	CertPath       string   `yaml:"cert_path"`
	BootstrapNodes []string `yaml:"bootstrap_nodes,omitempty"` // NodeAddr form: <NodeId>@host:port
}

// TransportConfig tunes the QUIC transport (spec.md §4.3).
type TransportConfig struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout,omitempty"`    // default 300s
	KeepAlive      time.Duration `yaml:"keep_alive,omitempty"`      // default 30s
	ReaperInterval time.Duration `yaml:"reaper_interval,omitempty"` // default 30s
}

// GossipConfig tunes the gossip engine (spec.md §4.4).
type GossipConfig struct {
	TTL                  int           `yaml:"ttl,omitempty"`                    // default 16
	BroadcastIntervalMin time.Duration `yaml:"broadcast_interval_min,omitempty"` // default 10s
	BroadcastIntervalMax time.Duration `yaml:"broadcast_interval_max,omitempty"` // default 30s
	SeenRetention        time.Duration `yaml:"seen_retention,omitempty"`         // default 300s
	SeenReapInterval     time.Duration `yaml:"seen_reap_interval,omitempty"`     // default 30s
}

// TransferConfig tunes the bulk transfer engine (spec.md §4.5) and the
// repository pull loop (spec.md §4.4.3).
type TransferConfig struct {
	PullInterval       time.Duration `yaml:"pull_interval,omitempty"`       // default 30s
	CompressionEnabled *bool         `yaml:"compression_enabled,omitempty"` // default true
}

// IsCompressionEnabled reports whether chunk-payload compression is
// enabled, defaulting to true when unset.
func (t *TransferConfig) IsCompressionEnabled() bool {
	if t.CompressionEnabled == nil {
		return true
	}
	return *t.CompressionEnabled
}

// MessagingConfig tunes the chat outbox loop (spec.md §4.6).
type MessagingConfig struct {
	OutboxInterval time.Duration `yaml:"outbox_interval,omitempty"` // default 1s
}

// TelemetryConfig holds observability settings. Disabled by default (opt-in).
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"` // default: "127.0.0.1:9091"
}
