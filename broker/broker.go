// Package broker is the low-latency fan-out layer. It carries events and
// ephemeral presence between nodes; nothing published here is durable.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"courier-service/apperror"

	"github.com/google/uuid"
)

// Event names published by the service.
const (
	EventMessageCreated      = "message-created"
	EventReactionChanged     = "reaction-changed"
	EventConversationDeleted = "conversation-deleted"
	EventStatusChanged       = "status-changed"
	EventNewNotification     = "new-notification"
	EventUnreadChanged       = "unread-changed"

	EventPresenceEnter  = "enter"
	EventPresenceUpdate = "update"
	EventPresenceLeave  = "leave"
)

func NotificationsChannel(userID string) string {
	return "notifications:" + userID
}

func ConversationChannel(conversationID string) string {
	return "conversation:" + conversationID
}

func PresenceChannel(conversationID string) string {
	return "presence:" + conversationID
}

// Event is the envelope carried on every channel.
type Event struct {
	ID          string          `json:"id"`
	Channel     string          `json:"channel"`
	Name        string          `json:"name"`
	Data        json.RawMessage `json:"data"`
	PublishedAt time.Time       `json:"publishedAt"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

func newEvent(channel, name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return Event{
		ID:          uuid.NewString(),
		Channel:     channel,
		Name:        name,
		Data:        data,
		PublishedAt: time.Now().UTC(),
	}, nil
}

type Signal int

const (
	// SignalEvent carries Delivery.Event.
	SignalEvent Signal = iota
	// SignalAttached is sent each time the link is (re)established.
	SignalAttached
	// SignalDetached means events may have been missed until the next
	// SignalAttached.
	SignalDetached
)

func (s Signal) String() string {
	switch s {
	case SignalEvent:
		return "event"
	case SignalAttached:
		return "attached"
	case SignalDetached:
		return "detached"
	}
	return fmt.Sprintf("signal(%d)", int(s))
}

type Delivery struct {
	Signal Signal
	Event  Event
	Err    error
}

// Subscription is one attachment to a channel. When Deliveries is closed
// the subscription is over and must be re-established with Subscribe.
type Subscription interface {
	Channel() string
	Deliveries() <-chan Delivery
	Close() error
}

// Member is one connection present on a presence channel. Members are keyed
// by ConnectionID so the same user on two tabs counts twice.
type Member struct {
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	Typing       bool      `json:"typing"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Publisher interface {
	Publish(ctx context.Context, channel, name string, payload any) error
}

type Presence interface {
	Enter(ctx context.Context, channel string, m Member) error
	Update(ctx context.Context, channel string, m Member) error
	Leave(ctx context.Context, channel string, m Member) error
	Members(ctx context.Context, channel string) ([]Member, error)
}

type Broker interface {
	Publisher
	Presence
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, apperror.ErrBrokerUnavailable, err)
}

func validMember(m Member) error {
	if m.UserID == "" || m.ConnectionID == "" {
		return fmt.Errorf("presence member needs user and connection: %w", apperror.ErrInvalidInput)
	}
	return nil
}
