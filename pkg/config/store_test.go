package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreReplaceNotifiesHandlers(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	store := NewStore(DefaultConfig())

	var got []Change
	var gotPrev, gotNext *Config
	store.OnChange(func(prev, next *Config, changes []Change) {
		gotPrev, gotNext = prev, next
		got = changes
	})

	next := DefaultConfig()
	next.Soulseek.ListenPort = 2234

	changes, err := store.Replace(next)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, changes, got)
	assert.Equal(t, DefaultListenPort, gotPrev.Soulseek.ListenPort)
	assert.Equal(t, 2234, gotNext.Soulseek.ListenPort)
	assert.Same(t, next, store.Get())
}

func TestStoreReplaceIdenticalIsNoop(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	initial := DefaultConfig()
	store := NewStore(initial)

	called := false
	store.OnChange(func(prev, next *Config, changes []Change) { called = true })

	changes, err := store.Replace(DefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, changes)
	assert.False(t, called)
	assert.Same(t, initial, store.Get())
}

func TestStoreReplaceRejectsInvalid(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	initial := DefaultConfig()
	store := NewStore(initial)

	next := DefaultConfig()
	next.Soulseek.ListenPort = 99999

	_, err := store.Replace(next)
	require.Error(t, err)
	assert.Same(t, initial, store.Get(), "snapshot must survive a rejected replace")
}

func TestStoreHandlerOrder(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	store := NewStore(DefaultConfig())

	var order []int
	store.OnChange(func(_, _ *Config, _ []Change) { order = append(order, 1) })
	store.OnChange(func(_, _ *Config, _ []Change) { order = append(order, 2) })
	store.OnChange(func(_, _ *Config, _ []Change) { order = append(order, 3) })

	next := DefaultConfig()
	next.Transfers.UploadSlots = 2
	_, err := store.Replace(next)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, order)
}
