// Package messages persists private conversations and chat-room
// history received over the Soulseek connection.
package messages

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrConversationNotFound is returned for unknown conversation peers.
var ErrConversationNotFound = errors.New("conversation not found")

// Conversation groups the private messages exchanged with one peer.
type Conversation struct {
	Username    string    `gorm:"primaryKey"   json:"username"`
	LastMessage string    `json:"last_message"`
	LastAt      time.Time `gorm:"index"        json:"last_at"`
	Unread      int       `json:"unread"`
}

func (Conversation) TableName() string { return "conversations" }

// PrivateMessage is one direct message, inbound or outbound.
type PrivateMessage struct {
	ID       uint      `gorm:"primaryKey"  json:"id"`
	Username string    `gorm:"index"       json:"username"`
	Body     string    `json:"body"`
	Outbound bool      `json:"outbound"`
	SentAt   time.Time `gorm:"index"       json:"sent_at"`
}

func (PrivateMessage) TableName() string { return "private_messages" }

// RoomMessage is one line of public chat in a room.
type RoomMessage struct {
	ID       uint      `gorm:"primaryKey" json:"id"`
	Room     string    `gorm:"index"      json:"room"`
	Username string    `json:"username"`
	Body     string    `json:"body"`
	SentAt   time.Time `gorm:"index"      json:"sent_at"`
}

func (RoomMessage) TableName() string { return "room_messages" }

// Store persists conversations and messages.
type Store struct {
	db *gorm.DB
}

// NewStore creates a message store on an already migrated database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// RecordPrivate stores one private message and updates its
// conversation. Inbound messages increment the unread counter.
func (s *Store) RecordPrivate(username, body string, outbound bool, at time.Time) error {
	msg := &PrivateMessage{Username: username, Body: body, Outbound: outbound, SentAt: at}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("failed to store private message: %w", err)
		}

		var conv Conversation
		err := tx.First(&conv, "username = ?", username).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			conv = Conversation{Username: username}
		} else if err != nil {
			return fmt.Errorf("failed to load conversation: %w", err)
		}

		conv.LastMessage = body
		conv.LastAt = at
		if !outbound {
			conv.Unread++
		}
		if err := tx.Save(&conv).Error; err != nil {
			return fmt.Errorf("failed to update conversation: %w", err)
		}
		return nil
	})
}

// RecordRoom stores one public chat line.
func (s *Store) RecordRoom(room, username, body string, at time.Time) error {
	msg := &RoomMessage{Room: room, Username: username, Body: body, SentAt: at}
	if err := s.db.Create(msg).Error; err != nil {
		return fmt.Errorf("failed to store room message: %w", err)
	}
	return nil
}

// Conversations lists conversations, most recent first.
func (s *Store) Conversations() ([]Conversation, error) {
	var out []Conversation
	if err := s.db.Order("last_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return out, nil
}

// History returns one conversation's messages in chronological order.
func (s *Store) History(username string, limit int) ([]PrivateMessage, error) {
	q := s.db.Where("username = ?", username).Order("sent_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []PrivateMessage
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to load message history: %w", err)
	}
	return out, nil
}

// RoomHistory returns one room's recent lines in chronological order.
func (s *Store) RoomHistory(room string, limit int) ([]RoomMessage, error) {
	q := s.db.Where("room = ?", room).Order("sent_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []RoomMessage
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to load room history: %w", err)
	}
	return out, nil
}

// MarkRead clears a conversation's unread counter.
func (s *Store) MarkRead(username string) error {
	res := s.db.Model(&Conversation{}).Where("username = ?", username).Update("unread", 0)
	if res.Error != nil {
		return fmt.Errorf("failed to mark conversation read: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConversationNotFound
	}
	return nil
}
