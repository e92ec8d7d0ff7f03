package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreUpdatePublishesPair(t *testing.T) {
	store := NewStore(State{Version: "0.1.0"})

	var gotPrev, gotCur State
	store.Subscribe(func(prev, cur State) {
		gotPrev, gotCur = prev, cur
	})

	store.Update(func(s State) State {
		s.Server.Status = ServerConnecting
		return s
	})

	assert.Equal(t, ServerStatus(""), gotPrev.Server.Status)
	assert.Equal(t, ServerConnecting, gotCur.Server.Status)
	assert.Equal(t, ServerConnecting, store.Get().Server.Status)
}

func TestStoreSnapshotIsolation(t *testing.T) {
	store := NewStore(State{})
	snap := store.Get()

	store.Update(func(s State) State {
		s.User.Username = "alice"
		return s
	})

	assert.Empty(t, snap.User.Username, "earlier snapshot must not change")
	assert.Equal(t, "alice", store.Get().User.Username)
}

func TestStoreSubscriberOrder(t *testing.T) {
	store := NewStore(State{})

	var order []int
	store.Subscribe(func(_, _ State) { order = append(order, 1) })
	store.Subscribe(func(_, _ State) { order = append(order, 2) })

	store.Update(func(s State) State { return s })
	assert.Equal(t, []int{1, 2}, order)
}

func TestStoreConcurrentUpdates(t *testing.T) {
	store := NewStore(State{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Update(func(s State) State {
				s.Shares.Files++
				return s
			})
		}()
	}
	wg.Wait()

	require.Equal(t, 50, store.Get().Shares.Files)
}

func TestStoreOrderedNotifications(t *testing.T) {
	store := NewStore(State{})

	var seen []int
	store.Subscribe(func(prev, cur State) {
		seen = append(seen, cur.Shares.Files)
		require.Equal(t, prev.Shares.Files+1, cur.Shares.Files)
	})

	for i := 0; i < 5; i++ {
		store.Update(func(s State) State {
			s.Shares.Files++
			return s
		})
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, seen)
}
