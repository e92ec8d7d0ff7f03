package logger

import "log/slog"

// Standard field keys for structured logging. Use these consistently so
// log lines from different subsystems can be aggregated and queried.
const (
	// Distributed tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Soulseek network
	KeyUsername = "username" // remote peer username
	KeyServer   = "server"   // server address
	KeyQuery    = "query"    // search query text
	KeyToken    = "token"    // search or transfer token

	// Transfers
	KeyTransferID = "transfer_id"
	KeyDirection  = "direction" // upload or download
	KeyFilename   = "filename"  // masked filename on the wire
	KeyPath       = "path"      // local absolute path
	KeySize       = "size"
	KeyBytes      = "bytes"
	KeyState      = "state"
	KeySpeed      = "speed_bps"
	KeyPlace      = "place_in_queue"

	// Shares
	KeyShare       = "share"
	KeyMask        = "mask"
	KeyRoot        = "root"
	KeyFiles       = "files"
	KeyDirectories = "directories"
	KeyExcluded    = "excluded"
	KeyProgress    = "progress"

	// Relay
	KeyAgent     = "agent"
	KeyRequestID = "request_id"
	KeyMode      = "mode"

	// HTTP / clients
	KeyClientIP = "client_ip"
	KeyMethod   = "method"
	KeyStatus   = "status"

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyAttempt    = "attempt"
	KeyDelay      = "delay"
	KeyCause      = "cause"
)

// Err returns a slog.Attr for an error, or an empty attr for nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Username returns a slog.Attr for a remote peer username.
func Username(name string) slog.Attr {
	return slog.String(KeyUsername, name)
}

// TransferID returns a slog.Attr for a transfer identifier.
func TransferID(id string) slog.Attr {
	return slog.String(KeyTransferID, id)
}

// Filename returns a slog.Attr for a masked wire filename.
func Filename(name string) slog.Attr {
	return slog.String(KeyFilename, name)
}

// Agent returns a slog.Attr for a relay agent name.
func Agent(name string) slog.Attr {
	return slog.String(KeyAgent, name)
}

// Share returns a slog.Attr for a share mask.
func Share(mask string) slog.Attr {
	return slog.String(KeyShare, mask)
}

// DurationMs returns a slog.Attr for a duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}
