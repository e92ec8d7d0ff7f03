package messages

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrkvm/sould/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "messages.db")},
	}, &Conversation{}, &PrivateMessage{}, &RoomMessage{})
	require.NoError(t, err)
	return NewStore(db)
}

func TestRecordPrivateUpdatesConversation(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.RecordPrivate("alice", "hi", false, now))
	require.NoError(t, s.RecordPrivate("alice", "hello back", true, now.Add(time.Minute)))
	require.NoError(t, s.RecordPrivate("alice", "you around?", false, now.Add(2*time.Minute)))

	convs, err := s.Conversations()
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "alice", convs[0].Username)
	assert.Equal(t, "you around?", convs[0].LastMessage)
	assert.Equal(t, 2, convs[0].Unread, "only inbound messages count as unread")

	history, err := s.History("alice", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "hi", history[0].Body)
	assert.True(t, history[1].Outbound)
}

func TestConversationsOrderedByRecency(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.RecordPrivate("alice", "first", false, now))
	require.NoError(t, s.RecordPrivate("bob", "second", false, now.Add(time.Hour)))

	convs, err := s.Conversations()
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "bob", convs[0].Username)
}

func TestMarkRead(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RecordPrivate("alice", "hi", false, time.Now()))

	require.NoError(t, s.MarkRead("alice"))
	convs, err := s.Conversations()
	require.NoError(t, err)
	assert.Equal(t, 0, convs[0].Unread)

	assert.ErrorIs(t, s.MarkRead("nobody"), ErrConversationNotFound)
}

func TestRoomHistory(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.RecordRoom("indie", "alice", "anyone here?", now))
	require.NoError(t, s.RecordRoom("indie", "bob", "yes", now.Add(time.Second)))
	require.NoError(t, s.RecordRoom("jazz", "carol", "elsewhere", now))

	lines, err := s.RoomHistory("indie", 0)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "alice", lines[0].Username)
	assert.Equal(t, "bob", lines[1].Username)
}
