// Package config defines the sould configuration tree, the option
// registry with per-option metadata, and the options store that holds
// the current snapshot and fans out field-level diffs on change.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mrkvm/sould/internal/bytesize"
	"github.com/mrkvm/sould/pkg/store"
)

// Config is the sould configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (SOULD_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Soulseek configures the connection to the Soulseek server and the
	// client options passed through to the protocol library.
	Soulseek SoulseekConfig `mapstructure:"soulseek" yaml:"soulseek"`

	// Shares configures the local shared-file index.
	Shares SharesConfig `mapstructure:"shares" yaml:"shares"`

	// Transfers configures the upload/download orchestrator.
	Transfers TransfersConfig `mapstructure:"transfers" yaml:"transfers"`

	// Relay configures the controller/agent federation plane.
	Relay RelayConfig `mapstructure:"relay" yaml:"relay"`

	// API configures the HTTP API server.
	API APIConfig `mapstructure:"api" yaml:"api"`

	// Metrics contains Prometheus metrics server configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Telemetry controls OpenTelemetry distributed tracing.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Database configures the control database holding transfer and
	// message records (SQLite or PostgreSQL).
	Database store.Config `mapstructure:"database" yaml:"database"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is where logs are written: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// SoulseekConfig configures the Soulseek network connection.
type SoulseekConfig struct {
	// Address is the server address (host:port).
	Address string `mapstructure:"address" validate:"required,hostname_port" yaml:"address"`

	// Username and Password are the network credentials. The daemon does
	// not connect until both are set.
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	// ListenPort is the port peers connect to for direct transfers.
	ListenPort int `mapstructure:"listen_port" validate:"omitempty,min=1,max=65535" yaml:"listen_port"`

	// NoConnect disables the automatic connection at startup.
	NoConnect bool `mapstructure:"no_connect" yaml:"no_connect"`

	// Description is returned to peers requesting user info.
	Description string `mapstructure:"description" yaml:"description"`

	// Distributed configures participation in the distributed search
	// overlay. Passed through to the protocol client unchanged.
	Distributed DistributedConfig `mapstructure:"distributed" yaml:"distributed"`

	// Connection holds low-level connection tunables. Changes to this
	// block require a reconnect; the client cannot patch it partially.
	Connection ConnectionConfig `mapstructure:"connection" yaml:"connection"`

	// SearchBlacklist lists usernames whose search requests are ignored.
	SearchBlacklist []string `mapstructure:"search_blacklist" yaml:"search_blacklist,omitempty"`
}

// DistributedConfig configures the distributed search overlay.
type DistributedConfig struct {
	Enabled    bool `mapstructure:"enabled"     yaml:"enabled"`
	ChildLimit int  `mapstructure:"child_limit" validate:"omitempty,min=0" yaml:"child_limit"`
}

// ConnectionConfig holds low-level connection tunables.
type ConnectionConfig struct {
	// Timeout is the connect timeout. Minimum 1s.
	Timeout time.Duration `mapstructure:"timeout" validate:"omitempty,min=1s" yaml:"timeout"`

	// InactivityTimeout closes idle peer connections. Minimum 1s.
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout" validate:"omitempty,min=1s" yaml:"inactivity_timeout"`

	// ReadBufferSize and WriteBufferSize size the per-connection buffers.
	ReadBufferSize  int `mapstructure:"read_buffer_size"  validate:"omitempty,min=1024" yaml:"read_buffer_size"`
	WriteBufferSize int `mapstructure:"write_buffer_size" validate:"omitempty,min=1024" yaml:"write_buffer_size"`

	// Proxy optionally routes the connection through a SOCKS proxy.
	Proxy ProxyConfig `mapstructure:"proxy" yaml:"proxy"`
}

// ProxyConfig configures an optional SOCKS-style proxy.
type ProxyConfig struct {
	Enabled  bool   `mapstructure:"enabled"  yaml:"enabled"`
	Address  string `mapstructure:"address"  validate:"required_if=Enabled true" yaml:"address"`
	Port     int    `mapstructure:"port"     validate:"omitempty,min=1,max=65535" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
}

// SharesConfig configures the share indexer.
type SharesConfig struct {
	// Roots are the directories to share.
	Roots []string `mapstructure:"roots" yaml:"roots"`

	// Filters are doublestar glob patterns matched against masked paths;
	// matching files and directories are excluded from the index.
	Filters []string `mapstructure:"filters" yaml:"filters,omitempty"`

	// ScanOnStartup triggers a full scan at boot.
	ScanOnStartup bool `mapstructure:"scan_on_startup" yaml:"scan_on_startup"`

	// RescanOnChange watches the roots and rescans when they change.
	RescanOnChange bool `mapstructure:"rescan_on_change" yaml:"rescan_on_change"`

	// OnDuplicate selects the policy when two roots contain the same
	// relative path: "replace" keeps the later insertion and warns,
	// "fail" aborts the scan.
	OnDuplicate string `mapstructure:"on_duplicate" validate:"omitempty,oneof=replace fail" yaml:"on_duplicate"`

	// IndexDir is the directory holding the share index database.
	IndexDir string `mapstructure:"index_dir" yaml:"index_dir"`
}

// TransfersConfig configures the transfer orchestrator.
type TransfersConfig struct {
	// UploadSlots is the global concurrent upload limit.
	UploadSlots int `mapstructure:"upload_slots" validate:"omitempty,min=1" yaml:"upload_slots"`

	// UploadSlotsPerUser limits concurrent uploads to a single user.
	UploadSlotsPerUser int `mapstructure:"upload_slots_per_user" validate:"omitempty,min=1" yaml:"upload_slots_per_user"`

	// DownloadSlots limits concurrent download requests.
	DownloadSlots int `mapstructure:"download_slots" validate:"omitempty,min=1" yaml:"download_slots"`

	// IncompleteDir receives in-progress downloads; DownloadsDir receives
	// completed ones.
	IncompleteDir string `mapstructure:"incomplete_dir" yaml:"incomplete_dir"`
	DownloadsDir  string `mapstructure:"downloads_dir"  yaml:"downloads_dir"`

	// RateLimit caps upload throughput in bytes per second. Zero means
	// unlimited (the default governor only yields cooperatively).
	RateLimit bytesize.ByteSize `mapstructure:"rate_limit" yaml:"rate_limit,omitempty"`
}

// RelayMode selects the federation role.
type RelayMode string

const (
	RelayModeNone       RelayMode = "none"
	RelayModeController RelayMode = "controller"
	RelayModeAgent      RelayMode = "agent"
)

// RelayConfig configures the controller/agent federation plane.
type RelayConfig struct {
	// Mode is the federation role: none, controller, or agent.
	Mode RelayMode `mapstructure:"mode" validate:"omitempty,oneof=none controller agent" yaml:"mode"`

	// Agents is the controller-side registry of allowed agents.
	Agents []AgentCredential `mapstructure:"agents" yaml:"agents,omitempty"`

	// ControllerURL, AgentName and Secret configure the agent side.
	ControllerURL string `mapstructure:"controller_url" validate:"required_if=Mode agent,omitempty,url" yaml:"controller_url,omitempty"`
	AgentName     string `mapstructure:"agent_name"     validate:"required_if=Mode agent" yaml:"agent_name,omitempty"`
	Secret        string `mapstructure:"secret"         validate:"required_if=Mode agent" yaml:"secret,omitempty"`

	// ResponseTimeout bounds the wait for the first byte of an agent's
	// file response.
	ResponseTimeout time.Duration `mapstructure:"response_timeout" validate:"omitempty,min=100ms" yaml:"response_timeout"`

	// MaxFileSize rejects relayed files larger than this at the transport.
	MaxFileSize bytesize.ByteSize `mapstructure:"max_file_size" yaml:"max_file_size,omitempty"`
}

// AgentCredential is a controller-side entry for one agent.
type AgentCredential struct {
	Name   string `mapstructure:"name"   validate:"required" yaml:"name"`
	Secret string `mapstructure:"secret" validate:"required,min=16" yaml:"secret"`
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host"    yaml:"host"`
	Port    int    `mapstructure:"port"    validate:"omitempty,min=1,max=65535" yaml:"port"`

	// Key is the local API key exchanged for a JWT session.
	Key string `mapstructure:"key" yaml:"key,omitempty"`

	// JWTSecret signs API session tokens. Minimum 32 characters.
	JWTSecret string `mapstructure:"jwt_secret" validate:"omitempty,min=32" yaml:"jwt_secret,omitempty"`

	// TokenTTL is the access-token lifetime.
	TokenTTL time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

// MetricsConfig configures the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled"     yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"    yaml:"endpoint"`
	Insecure   bool    `mapstructure:"insecure"    yaml:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: path to config file (empty string uses the default
//     location under $XDG_CONFIG_HOME/sould)
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Save writes the configuration to path in YAML form. The file is written
// 0600 because it can carry credentials.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variables and config file search.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the SOULD_ prefix with underscores,
	// e.g. SOULD_SOULSEEK_LISTEN_PORT=50300.
	v.SetEnvPrefix("SOULD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Seed every registered option key with its default so env vars are
	// picked up even when the key is absent from the config file.
	defaults := DefaultConfig()
	for _, d := range Registry() {
		v.SetDefault(d.Key, d.Get(defaults))
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(Dir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the config file if it exists. A missing file is
// not an error; defaults and environment apply.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// decodeHooks returns the combined decode hook for custom config types.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// byteSizeDecodeHook converts strings and numbers to bytesize.ByteSize so
// config files can say "10Gi" or "100MB".
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// Dir returns the sould configuration directory. Uses XDG_CONFIG_HOME if
// set, otherwise ~/.config, falling back to the current directory.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sould")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "sould")
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}
