package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageStatus advances sent -> delivered -> read and never goes back.
type MessageStatus int8

const (
	StatusSent MessageStatus = iota + 1
	StatusDelivered
	StatusRead
)

func (s MessageStatus) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	}
	return fmt.Sprintf("status(%d)", int8(s))
}

func (s MessageStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *MessageStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw {
	case "sent":
		*s = StatusSent
	case "delivered":
		*s = StatusDelivered
	case "read":
		*s = StatusRead
	default:
		return fmt.Errorf("unknown message status %q", raw)
	}
	return nil
}

type Message struct {
	ID             uint          `gorm:"primaryKey" json:"id"`
	ConversationID string        `gorm:"size:160;not null;index" json:"conversationId"`
	Sender         EntityRef     `gorm:"embedded;embeddedPrefix:sender_" json:"sender"`
	Receiver       EntityRef     `gorm:"embedded;embeddedPrefix:receiver_" json:"receiver"`
	Text           *string       `json:"text,omitempty"`
	Attachment     *string       `gorm:"size:2048" json:"attachment,omitempty"`
	Status         MessageStatus `gorm:"not null;default:1;index" json:"status"`
	Reactions      []Reaction    `gorm:"foreignKey:MessageID" json:"reactions"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

func (Message) TableName() string { return "messenger_messages" }

// Reaction rows are unique per (message, user, emoji).
type Reaction struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	MessageID uint      `gorm:"not null;uniqueIndex:idx_reaction_unique,priority:1" json:"-"`
	UserID    string    `gorm:"size:64;not null;uniqueIndex:idx_reaction_unique,priority:2" json:"userId"`
	Emoji     string    `gorm:"size:32;not null;uniqueIndex:idx_reaction_unique,priority:3" json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

func (Reaction) TableName() string { return "messenger_reactions" }

// ConversationSummary is computed per request, never stored.
type ConversationSummary struct {
	ConversationID string    `json:"conversationId"`
	Counterpart    EntityRef `json:"counterpart"`
	LatestMessage  Message   `json:"latestMessage"`
	UnreadCount    int64     `json:"unreadCount"`
}

// MessagePage is one slice of a conversation in ascending order. NextCursor
// is empty once the end has been reached.
type MessagePage struct {
	Items      []Message `json:"items"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// ReadReceipt describes a committed read-state transition.
type ReadReceipt struct {
	ConversationID string        `json:"conversationId"`
	Reader         EntityRef     `json:"reader"`
	MessageIDs     []uint        `json:"messageIds"`
	Status         MessageStatus `json:"status"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}
