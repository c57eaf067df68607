// Package messenger orchestrates the write paths: every change is committed
// to the store first and then published to the broker. Publishing is best
// effort; a failure is logged and the committed write stands.
package messenger

import (
	"context"
	"errors"
	"fmt"

	"courier-service/apperror"
	"courier-service/broker"
	"courier-service/directory"
	"courier-service/model"
	"courier-service/store"

	"go.uber.org/zap"
)

// Outbound service event actions.
const (
	ActionMessageCreated      = "message.created"
	ActionNotificationCreated = "notification.created"
)

// Events forwards committed writes to other services.
type Events interface {
	Emit(ctx context.Context, action string, payload any) error
}

type Deps struct {
	Conversations *store.Conversations
	Notifications *store.Notifications
	Directory     directory.Directory
	Broker        broker.Publisher
	// Events is optional.
	Events Events
	Log    *zap.Logger
}

type Service struct {
	store         *store.Conversations
	directory     directory.Directory
	broker        broker.Publisher
	events        Events
	notifications *Notifications
	readState     *ReadState
	log           *zap.Logger
}

func New(d Deps) *Service {
	log := d.Log.Named("messenger")
	readState := &ReadState{
		conversations: d.Conversations,
		notifications: d.Notifications,
		broker:        d.Broker,
		log:           log.Named("readstate"),
	}
	return &Service{
		store:     d.Conversations,
		directory: d.Directory,
		broker:    d.Broker,
		events:    d.Events,
		notifications: &Notifications{
			store:     d.Notifications,
			broker:    d.Broker,
			events:    d.Events,
			readState: readState,
			log:       log.Named("notifications"),
		},
		readState: readState,
		log:       log,
	}
}

func (s *Service) Notifications() *Notifications { return s.notifications }

func (s *Service) ReadState() *ReadState { return s.readState }

// SendMessage stores the message, then publishes message-created on the
// conversation channel and notifies the user acting for the receiver.
func (s *Service) SendMessage(ctx context.Context, userID string, sender, receiver model.EntityRef, body store.Body) (model.Message, error) {
	if err := directory.Authorize(ctx, s.directory, userID, sender); err != nil {
		return model.Message{}, err
	}
	recipient, err := s.directory.Owner(ctx, receiver)
	if err != nil {
		return model.Message{}, fmt.Errorf("receiver: %w", err)
	}

	message, err := s.store.SendMessage(ctx, sender, receiver, body)
	if err != nil {
		return model.Message{}, err
	}

	publish(ctx, s.log, s.broker, broker.ConversationChannel(message.ConversationID), broker.EventMessageCreated, message)
	if recipient != userID {
		s.notifyReceiver(ctx, recipient, message)
	}
	emit(ctx, s.log, s.events, ActionMessageCreated, message)
	return message, nil
}

func (s *Service) notifyReceiver(ctx context.Context, recipient string, message model.Message) {
	name, err := s.directory.DisplayName(ctx, message.Sender)
	if err != nil || name == "" {
		name = message.Sender.String()
	}
	_, err = s.notifications.Create(ctx, recipient, model.NotificationNewMessage,
		fmt.Sprintf("%s sent you a message", name),
		&model.RelatedEntity{ID: message.ConversationID, Type: "conversation"})
	if err != nil {
		s.log.Warn("new message notification failed",
			zap.Uint("message", message.ID), zap.String("recipient", recipient), zap.Error(err))
	}
}

// ListConversations also acknowledges delivery of everything addressed to
// viewer.
func (s *Service) ListConversations(ctx context.Context, userID string, viewer model.EntityRef) ([]model.ConversationSummary, error) {
	if err := directory.Authorize(ctx, s.directory, userID, viewer); err != nil {
		return nil, err
	}
	if _, err := s.readState.MarkDelivered(ctx, viewer); err != nil {
		s.log.Warn("mark delivered failed", zap.Stringer("viewer", viewer), zap.Error(err))
	}
	return s.store.ListConversations(ctx, viewer)
}

func (s *Service) ListMessages(ctx context.Context, userID string, viewer, counterpart model.EntityRef, cursor string, limit int) (model.MessagePage, error) {
	if err := directory.Authorize(ctx, s.directory, userID, viewer); err != nil {
		return model.MessagePage{}, err
	}
	return s.store.ListMessages(ctx, viewer, counterpart, cursor, limit)
}

func (s *Service) AddReaction(ctx context.Context, userID string, messageID uint, emoji string) (model.Message, error) {
	if err := s.participant(ctx, userID, messageID); err != nil {
		return model.Message{}, err
	}
	message, err := s.store.AddReaction(ctx, messageID, userID, emoji)
	if err != nil {
		return model.Message{}, err
	}
	publish(ctx, s.log, s.broker, broker.ConversationChannel(message.ConversationID), broker.EventReactionChanged, message)
	return message, nil
}

func (s *Service) RemoveReaction(ctx context.Context, userID string, messageID uint, emoji string) (model.Message, error) {
	if err := s.participant(ctx, userID, messageID); err != nil {
		return model.Message{}, err
	}
	message, err := s.store.RemoveReaction(ctx, messageID, userID, emoji)
	if err != nil {
		return model.Message{}, err
	}
	publish(ctx, s.log, s.broker, broker.ConversationChannel(message.ConversationID), broker.EventReactionChanged, message)
	return message, nil
}

type conversationDeleted struct {
	ConversationID string          `json:"conversationId"`
	DeletedBy      model.EntityRef `json:"deletedBy"`
}

// DeleteConversation removes the conversation for both participants.
func (s *Service) DeleteConversation(ctx context.Context, userID string, viewer, counterpart model.EntityRef) error {
	if err := directory.Authorize(ctx, s.directory, userID, viewer); err != nil {
		return err
	}
	if !counterpart.Valid() {
		return fmt.Errorf("entity reference %q: %w", counterpart.String(), apperror.ErrInvalidInput)
	}
	conversationID := model.ConversationID(viewer, counterpart)
	if err := s.store.DeleteConversation(ctx, viewer, conversationID); err != nil {
		return err
	}

	publish(ctx, s.log, s.broker, broker.ConversationChannel(conversationID), broker.EventConversationDeleted,
		conversationDeleted{ConversationID: conversationID, DeletedBy: viewer})
	s.readState.Publish(ctx, userID, &viewer)
	if owner, err := s.directory.Owner(ctx, counterpart); err == nil {
		s.readState.Publish(ctx, owner, &counterpart)
	}
	return nil
}

func (s *Service) MarkConversationRead(ctx context.Context, userID string, reader, counterpart model.EntityRef) (model.ReadReceipt, error) {
	if err := directory.Authorize(ctx, s.directory, userID, reader); err != nil {
		return model.ReadReceipt{}, err
	}
	return s.readState.MarkConversationRead(ctx, userID, reader, counterpart)
}

// participant fails with ErrForbidden unless userID acts for one side of
// the message.
func (s *Service) participant(ctx context.Context, userID string, messageID uint) error {
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	for _, side := range []model.EntityRef{message.Sender, message.Receiver} {
		err := directory.Authorize(ctx, s.directory, userID, side)
		if err == nil {
			return nil
		}
		if !errors.Is(err, apperror.ErrForbidden) {
			return err
		}
	}
	return fmt.Errorf("user %s is not part of message %d: %w", userID, messageID, apperror.ErrForbidden)
}

func publish(ctx context.Context, log *zap.Logger, pub broker.Publisher, channel, name string, payload any) {
	if err := pub.Publish(context.WithoutCancel(ctx), channel, name, payload); err != nil {
		log.Warn("publish failed", zap.String("channel", channel), zap.String("event", name), zap.Error(err))
	}
}

func emit(ctx context.Context, log *zap.Logger, events Events, action string, payload any) {
	if events == nil {
		return
	}
	if err := events.Emit(context.WithoutCancel(ctx), action, payload); err != nil {
		log.Warn("service event failed", zap.String("action", action), zap.Error(err))
	}
}
