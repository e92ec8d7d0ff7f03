package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")

	Info("transfer queued", KeyUsername, "alice", KeyFilename, "Music\\song.mp3")

	out := buf.String()
	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "transfer queued")
	assert.Contains(t, out, "username=alice")
	assert.Contains(t, out, `filename=Music\song.mp3`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text")

	Debug("not visible")
	Info("not visible either")
	Warn("visible")

	out := buf.String()
	assert.NotContains(t, out, "not visible")
	assert.Contains(t, out, "visible")

	// Restore default so other tests are unaffected.
	SetLevel("INFO")
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json")

	Info("connected", KeyServer, "server.slsknet.org:2271")

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "{"))
	assert.Contains(t, out, `"msg":"connected"`)
	assert.Contains(t, out, `"server":"server.slsknet.org:2271"`)

	SetFormat("text")
}

func TestInvalidLevelIgnored(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")

	SetLevel("VERBOSE")
	Info("still info")
	assert.Contains(t, buf.String(), "still info")
}
