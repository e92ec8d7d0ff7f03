package config

import "strings"

// ChangeClass describes what a change to an option requires of the
// running process.
type ChangeClass int

const (
	// ClassNone means the change takes effect immediately.
	ClassNone ChangeClass = iota

	// ClassReconnect means the Soulseek connection must be re-established
	// for the change to take effect.
	ClassReconnect

	// ClassRestart means the process must be restarted.
	ClassRestart
)

func (c ChangeClass) String() string {
	switch c {
	case ClassReconnect:
		return "requires-reconnect"
	case ClassRestart:
		return "requires-restart"
	default:
		return "none"
	}
}

// Descriptor describes one tunable: its identity across CLI flags,
// environment variables and the config file, plus its change class.
type Descriptor struct {
	// Key is the dotted config path, e.g. "soulseek.listen_port".
	Key string

	// LongName is the CLI flag name; ShortName the one-letter alias.
	LongName  string
	ShortName string

	// Description is the human-readable help text.
	Description string

	// Class is what a change to this option requires.
	Class ChangeClass

	// Secret marks values that must be redacted in logs and diffs.
	Secret bool

	// Get reads the option's current value from a snapshot.
	Get func(*Config) any
}

// EnvVar returns the environment variable for this option
// (SOULD_ prefix, dots to underscores, uppercased).
func (d Descriptor) EnvVar() string {
	return "SOULD_" + strings.ToUpper(strings.ReplaceAll(d.Key, ".", "_"))
}

var registry = []Descriptor{
	// Logging: applied live through logger.SetLevel/SetFormat.
	{Key: "logging.level", LongName: "log-level", Description: "Minimum log level (DEBUG, INFO, WARN, ERROR)",
		Get: func(c *Config) any { return c.Logging.Level }},
	{Key: "logging.format", LongName: "log-format", Description: "Log output format (text, json)",
		Get: func(c *Config) any { return c.Logging.Format }},
	{Key: "logging.output", LongName: "log-output", Description: "Log destination (stdout, stderr, file path)",
		Get: func(c *Config) any { return c.Logging.Output }},

	// Soulseek connection.
	{Key: "soulseek.address", LongName: "server", Description: "Soulseek server address (host:port)",
		Class: ClassReconnect, Get: func(c *Config) any { return c.Soulseek.Address }},
	{Key: "soulseek.username", LongName: "username", ShortName: "u", Description: "Soulseek username",
		Class: ClassReconnect, Get: func(c *Config) any { return c.Soulseek.Username }},
	{Key: "soulseek.password", LongName: "password", ShortName: "p", Description: "Soulseek password",
		Class: ClassReconnect, Secret: true, Get: func(c *Config) any { return c.Soulseek.Password }},
	{Key: "soulseek.listen_port", LongName: "listen-port", Description: "Port for inbound peer connections",
		Class: ClassReconnect, Get: func(c *Config) any { return c.Soulseek.ListenPort }},
	{Key: "soulseek.no_connect", LongName: "no-connect", Description: "Do not connect at startup",
		Get: func(c *Config) any { return c.Soulseek.NoConnect }},
	{Key: "soulseek.description", LongName: "description", Description: "User info description shown to peers",
		Get: func(c *Config) any { return c.Soulseek.Description }},
	{Key: "soulseek.distributed.enabled", Description: "Participate in the distributed search overlay",
		Get: func(c *Config) any { return c.Soulseek.Distributed.Enabled }},
	{Key: "soulseek.distributed.child_limit", Description: "Maximum distributed-network children",
		Get: func(c *Config) any { return c.Soulseek.Distributed.ChildLimit }},
	{Key: "soulseek.connection.timeout", Description: "Connect timeout",
		Class: ClassReconnect, Get: func(c *Config) any { return c.Soulseek.Connection.Timeout }},
	{Key: "soulseek.connection.inactivity_timeout", Description: "Idle peer connection timeout",
		Class: ClassReconnect, Get: func(c *Config) any { return c.Soulseek.Connection.InactivityTimeout }},
	{Key: "soulseek.connection.read_buffer_size", Description: "Connection read buffer size",
		Class: ClassReconnect, Get: func(c *Config) any { return c.Soulseek.Connection.ReadBufferSize }},
	{Key: "soulseek.connection.write_buffer_size", Description: "Connection write buffer size",
		Class: ClassReconnect, Get: func(c *Config) any { return c.Soulseek.Connection.WriteBufferSize }},
	{Key: "soulseek.connection.proxy.enabled", Description: "Route the connection through a SOCKS proxy",
		Class: ClassReconnect, Get: func(c *Config) any { return c.Soulseek.Connection.Proxy.Enabled }},
	{Key: "soulseek.connection.proxy.address", Description: "Proxy address",
		Class: ClassReconnect, Get: func(c *Config) any { return c.Soulseek.Connection.Proxy.Address }},
	{Key: "soulseek.connection.proxy.port", Description: "Proxy port",
		Class: ClassReconnect, Get: func(c *Config) any { return c.Soulseek.Connection.Proxy.Port }},
	{Key: "soulseek.connection.proxy.username", Description: "Proxy username",
		Class: ClassReconnect, Get: func(c *Config) any { return c.Soulseek.Connection.Proxy.Username }},
	{Key: "soulseek.connection.proxy.password", Description: "Proxy password",
		Class: ClassReconnect, Secret: true, Get: func(c *Config) any { return c.Soulseek.Connection.Proxy.Password }},
	{Key: "soulseek.search_blacklist", Description: "Usernames whose searches are ignored",
		Get: func(c *Config) any { return c.Soulseek.SearchBlacklist }},

	// Shares: root/filter changes trigger a rescan, not a reconnect.
	{Key: "shares.roots", LongName: "shared", ShortName: "s", Description: "Directories to share",
		Get: func(c *Config) any { return c.Shares.Roots }},
	{Key: "shares.filters", Description: "Exclusion glob patterns applied to masked paths",
		Get: func(c *Config) any { return c.Shares.Filters }},
	{Key: "shares.scan_on_startup", Description: "Scan shares at startup",
		Get: func(c *Config) any { return c.Shares.ScanOnStartup }},
	{Key: "shares.rescan_on_change", Description: "Watch roots and rescan on change",
		Get: func(c *Config) any { return c.Shares.RescanOnChange }},
	{Key: "shares.on_duplicate", Description: "Duplicate masked path policy (replace, fail)",
		Get: func(c *Config) any { return c.Shares.OnDuplicate }},
	{Key: "shares.index_dir", Description: "Directory holding the share index database",
		Class: ClassRestart, Get: func(c *Config) any { return c.Shares.IndexDir }},

	// Transfers.
	{Key: "transfers.upload_slots", Description: "Global concurrent upload limit",
		Get: func(c *Config) any { return c.Transfers.UploadSlots }},
	{Key: "transfers.upload_slots_per_user", Description: "Per-user concurrent upload limit",
		Get: func(c *Config) any { return c.Transfers.UploadSlotsPerUser }},
	{Key: "transfers.download_slots", Description: "Concurrent download request limit",
		Get: func(c *Config) any { return c.Transfers.DownloadSlots }},
	{Key: "transfers.incomplete_dir", Description: "Directory for in-progress downloads",
		Get: func(c *Config) any { return c.Transfers.IncompleteDir }},
	{Key: "transfers.downloads_dir", Description: "Directory for completed downloads",
		Get: func(c *Config) any { return c.Transfers.DownloadsDir }},
	{Key: "transfers.rate_limit", Description: "Upload rate limit in bytes per second (0 = unlimited)",
		Get: func(c *Config) any { return c.Transfers.RateLimit }},

	// Relay.
	{Key: "relay.mode", Description: "Federation role (none, controller, agent)",
		Class: ClassRestart, Get: func(c *Config) any { return c.Relay.Mode }},
	{Key: "relay.agents", Description: "Controller-side agent registry",
		Secret: true, Get: func(c *Config) any { return c.Relay.Agents }},
	{Key: "relay.controller_url", Description: "Controller URL (agent mode)",
		Class: ClassRestart, Get: func(c *Config) any { return c.Relay.ControllerURL }},
	{Key: "relay.agent_name", Description: "Agent name (agent mode)",
		Class: ClassRestart, Get: func(c *Config) any { return c.Relay.AgentName }},
	{Key: "relay.secret", Description: "Agent shared secret (agent mode)",
		Class: ClassRestart, Secret: true, Get: func(c *Config) any { return c.Relay.Secret }},
	{Key: "relay.response_timeout", Description: "Wait for the first byte of an agent response",
		Get: func(c *Config) any { return c.Relay.ResponseTimeout }},
	{Key: "relay.max_file_size", Description: "Maximum relayed file size",
		Get: func(c *Config) any { return c.Relay.MaxFileSize }},

	// API.
	{Key: "api.enabled", Description: "Enable the HTTP API",
		Class: ClassRestart, Get: func(c *Config) any { return c.API.Enabled }},
	{Key: "api.host", Description: "API listen host",
		Class: ClassRestart, Get: func(c *Config) any { return c.API.Host }},
	{Key: "api.port", Description: "API listen port",
		Class: ClassRestart, Get: func(c *Config) any { return c.API.Port }},
	{Key: "api.key", Description: "Local API key",
		Secret: true, Get: func(c *Config) any { return c.API.Key }},
	{Key: "api.jwt_secret", Description: "JWT signing secret",
		Class: ClassRestart, Secret: true, Get: func(c *Config) any { return c.API.JWTSecret }},
	{Key: "api.token_ttl", Description: "API access-token lifetime",
		Get: func(c *Config) any { return c.API.TokenTTL }},

	// Metrics.
	{Key: "metrics.enabled", Description: "Enable the Prometheus endpoint",
		Class: ClassRestart, Get: func(c *Config) any { return c.Metrics.Enabled }},
	{Key: "metrics.port", Description: "Metrics listen port",
		Class: ClassRestart, Get: func(c *Config) any { return c.Metrics.Port }},

	// Telemetry.
	{Key: "telemetry.enabled", Description: "Enable OTLP tracing",
		Class: ClassRestart, Get: func(c *Config) any { return c.Telemetry.Enabled }},
	{Key: "telemetry.endpoint", Description: "OTLP collector endpoint",
		Class: ClassRestart, Get: func(c *Config) any { return c.Telemetry.Endpoint }},
	{Key: "telemetry.insecure", Description: "Use a non-TLS OTLP connection",
		Class: ClassRestart, Get: func(c *Config) any { return c.Telemetry.Insecure }},
	{Key: "telemetry.sample_rate", Description: "Trace sampling rate (0.0-1.0)",
		Class: ClassRestart, Get: func(c *Config) any { return c.Telemetry.SampleRate }},

	// Database.
	{Key: "database.type", Description: "Control database backend (sqlite, postgres)",
		Class: ClassRestart, Get: func(c *Config) any { return c.Database.Type }},
	{Key: "database.sqlite.path", Description: "SQLite database file path",
		Class: ClassRestart, Get: func(c *Config) any { return c.Database.SQLite.Path }},
	{Key: "database.postgres.host", Description: "PostgreSQL host",
		Class: ClassRestart, Get: func(c *Config) any { return c.Database.Postgres.Host }},
	{Key: "database.postgres.port", Description: "PostgreSQL port",
		Class: ClassRestart, Get: func(c *Config) any { return c.Database.Postgres.Port }},
	{Key: "database.postgres.database", Description: "PostgreSQL database name",
		Class: ClassRestart, Get: func(c *Config) any { return c.Database.Postgres.Database }},
	{Key: "database.postgres.user", Description: "PostgreSQL user",
		Class: ClassRestart, Get: func(c *Config) any { return c.Database.Postgres.User }},
	{Key: "database.postgres.password", Description: "PostgreSQL password",
		Class: ClassRestart, Secret: true, Get: func(c *Config) any { return c.Database.Postgres.Password }},
	{Key: "database.postgres.ssl_mode", Description: "PostgreSQL SSL mode",
		Class: ClassRestart, Get: func(c *Config) any { return c.Database.Postgres.SSLMode }},

	// Process.
	{Key: "shutdown_timeout", Description: "Graceful shutdown timeout",
		Get: func(c *Config) any { return c.ShutdownTimeout }},
}

// Registry returns the option descriptors. The returned slice must not
// be modified.
func Registry() []Descriptor {
	return registry
}

// Lookup returns the descriptor for a dotted key.
func Lookup(key string) (Descriptor, bool) {
	for _, d := range registry {
		if d.Key == key {
			return d, true
		}
	}
	return Descriptor{}, false
}
