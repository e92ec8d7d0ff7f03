package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, want := range []string{"start", "agent", "init", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestConfigSourceFallsBackToDefaults(t *testing.T) {
	assert.Equal(t, "/nonexistent/config.yaml", getConfigSource("/nonexistent/config.yaml"))
}
