package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffIdenticalSnapshots(t *testing.T) {
	a := DefaultConfig()
	b := DefaultConfig()
	assert.Empty(t, Diff(a, b))
}

func TestDiffDetectsChanges(t *testing.T) {
	prev := DefaultConfig()
	next := DefaultConfig()
	next.Soulseek.ListenPort = 2234
	next.Transfers.UploadSlots = 3

	changes := Diff(prev, next)
	require.Len(t, changes, 2)

	byKey := make(map[string]Change, len(changes))
	for _, c := range changes {
		byKey[c.Key] = c
	}

	lp, ok := byKey["soulseek.listen_port"]
	require.True(t, ok)
	assert.Equal(t, ClassReconnect, lp.Class)
	assert.Equal(t, DefaultListenPort, lp.Left)
	assert.Equal(t, 2234, lp.Right)

	us, ok := byKey["transfers.upload_slots"]
	require.True(t, ok)
	assert.Equal(t, ClassNone, us.Class)
}

func TestDiffRedactsSecrets(t *testing.T) {
	prev := DefaultConfig()
	next := DefaultConfig()
	next.Soulseek.Password = "hunter2hunter2xx"

	changes := Diff(prev, next)
	require.Len(t, changes, 1)
	assert.Equal(t, "soulseek.password", changes[0].Key)
	assert.True(t, changes[0].Secret)
	assert.Equal(t, redacted, changes[0].Left)
	assert.Equal(t, redacted, changes[0].Right)
	assert.NotContains(t, changes[0].String(), "hunter2")
}

func TestDiffRestartClass(t *testing.T) {
	prev := DefaultConfig()
	next := DefaultConfig()
	next.API.Port = 8080

	changes := Diff(prev, next)
	require.Len(t, changes, 1)
	assert.Equal(t, ClassRestart, changes[0].Class)
}

func TestMaxClass(t *testing.T) {
	assert.Equal(t, ClassNone, MaxClass(nil))
	assert.Equal(t, ClassReconnect, MaxClass([]Change{
		{Class: ClassNone}, {Class: ClassReconnect},
	}))
	assert.Equal(t, ClassRestart, MaxClass([]Change{
		{Class: ClassReconnect}, {Class: ClassRestart}, {Class: ClassNone},
	}))
}
