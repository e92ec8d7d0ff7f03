package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for sould spans. Soulseek-specific keys use the
// "slsk." prefix; relay plane keys use "relay.".
const (
	AttrUsername  = "slsk.username"
	AttrFilename  = "slsk.filename"
	AttrDirection = "slsk.direction"
	AttrTransfer  = "slsk.transfer_id"
	AttrState     = "slsk.state"
	AttrSize      = "slsk.size"
	AttrQuery     = "slsk.query"
	AttrToken     = "slsk.token"

	AttrAgent     = "relay.agent"
	AttrRequestID = "relay.request_id"
)

// Span names. Format: <component>.<operation>.
const (
	SpanUpload   = "transfer.upload"
	SpanDownload = "transfer.download"
	SpanSearch   = "search.respond"
	SpanBrowse   = "shares.browse"
	SpanScan     = "shares.scan"
	SpanRelay    = "relay.request_file"
)

// Username returns an attribute for the remote username.
func Username(name string) attribute.KeyValue {
	return attribute.String(AttrUsername, name)
}

// Filename returns an attribute for the wire filename.
func Filename(name string) attribute.KeyValue {
	return attribute.String(AttrFilename, name)
}

// Direction returns an attribute for the transfer direction.
func Direction(d string) attribute.KeyValue {
	return attribute.String(AttrDirection, d)
}

// TransferID returns an attribute for the transfer record ID.
func TransferID(id string) attribute.KeyValue {
	return attribute.String(AttrTransfer, id)
}

// Size returns an attribute for a file size.
func Size(size uint64) attribute.KeyValue {
	return attribute.Int64(AttrSize, int64(size))
}

// Query returns an attribute for a search query.
func Query(q string) attribute.KeyValue {
	return attribute.String(AttrQuery, q)
}

// Agent returns an attribute for a relay agent name.
func Agent(name string) attribute.KeyValue {
	return attribute.String(AttrAgent, name)
}

// RequestID returns an attribute for a relay request ID.
func RequestID(id string) attribute.KeyValue {
	return attribute.String(AttrRequestID, id)
}

// StartTransferSpan starts a span for one transfer attempt.
func StartTransferSpan(ctx context.Context, direction, username, filename string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		Direction(direction),
		Username(username),
		Filename(filename),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, "transfer."+direction, trace.WithAttributes(allAttrs...))
}

// StartRelaySpan starts a span for a relayed file request.
func StartRelaySpan(ctx context.Context, agent, filename string) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanRelay, trace.WithAttributes(
		Agent(agent),
		Filename(filename),
	))
}
