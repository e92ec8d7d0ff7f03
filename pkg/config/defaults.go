package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mrkvm/sould/internal/bytesize"
)

// Default values for tunables whose zero value is not usable.
const (
	DefaultServerAddress     = "server.slsknet.org:2271"
	DefaultListenPort        = 50300
	DefaultConnectTimeout    = 10 * time.Second
	DefaultInactivityTimeout = 15 * time.Second
	DefaultBufferSize        = 16384
	DefaultChildLimit        = 25

	DefaultUploadSlots        = 10
	DefaultUploadSlotsPerUser = 1
	DefaultDownloadSlots      = 50

	DefaultRelayResponseTimeout = 3 * time.Second
	DefaultRelayMaxFileSize     = 10 * bytesize.GiB

	DefaultAPIPort     = 5030
	DefaultMetricsPort = 9090
	DefaultTokenTTL    = 15 * time.Minute

	DefaultShutdownTimeout = 30 * time.Second
)

// DefaultConfig returns a fully populated default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults sets default values for any unspecified fields. Explicit
// values are preserved; only zero values are replaced.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applySoulseekDefaults(&cfg.Soulseek)
	applySharesDefaults(&cfg.Shares)
	applyTransfersDefaults(&cfg.Transfers)
	applyRelayDefaults(&cfg.Relay)
	applyAPIDefaults(&cfg.API)
	applyMetricsDefaults(&cfg.Metrics)
	applyTelemetryDefaults(&cfg.Telemetry)
	cfg.Database.ApplyDefaults()

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applySoulseekDefaults(cfg *SoulseekConfig) {
	if cfg.Address == "" {
		cfg.Address = DefaultServerAddress
	}
	if cfg.ListenPort == 0 {
		cfg.ListenPort = DefaultListenPort
	}
	if cfg.Distributed.ChildLimit == 0 {
		cfg.Distributed.ChildLimit = DefaultChildLimit
	}
	if cfg.Connection.Timeout == 0 {
		cfg.Connection.Timeout = DefaultConnectTimeout
	}
	if cfg.Connection.InactivityTimeout == 0 {
		cfg.Connection.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.Connection.ReadBufferSize == 0 {
		cfg.Connection.ReadBufferSize = DefaultBufferSize
	}
	if cfg.Connection.WriteBufferSize == 0 {
		cfg.Connection.WriteBufferSize = DefaultBufferSize
	}
}

func applySharesDefaults(cfg *SharesConfig) {
	if cfg.OnDuplicate == "" {
		cfg.OnDuplicate = "replace"
	}
	if cfg.IndexDir == "" {
		cfg.IndexDir = filepath.Join(dataDir(), "index")
	}
}

func applyTransfersDefaults(cfg *TransfersConfig) {
	if cfg.UploadSlots == 0 {
		cfg.UploadSlots = DefaultUploadSlots
	}
	if cfg.UploadSlotsPerUser == 0 {
		cfg.UploadSlotsPerUser = DefaultUploadSlotsPerUser
	}
	if cfg.DownloadSlots == 0 {
		cfg.DownloadSlots = DefaultDownloadSlots
	}
	if cfg.IncompleteDir == "" {
		cfg.IncompleteDir = filepath.Join(dataDir(), "incomplete")
	}
	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = filepath.Join(dataDir(), "downloads")
	}
}

func applyRelayDefaults(cfg *RelayConfig) {
	if cfg.Mode == "" {
		cfg.Mode = RelayModeNone
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = DefaultRelayResponseTimeout
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = DefaultRelayMaxFileSize
	}
}

func applyAPIDefaults(cfg *APIConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultAPIPort
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultMetricsPort
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
}

// dataDir returns the sould data directory ($XDG_DATA_HOME/sould or
// ~/.local/share/sould).
func dataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "sould")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "sould")
}
