package messenger

import (
	"context"

	"courier-service/broker"
	"courier-service/model"
	"courier-service/store"

	"go.uber.org/zap"
)

// UnreadHint is published on a user's notification channel after a read
// state change. Clients show it until their next full fetch replaces it.
// Conversations is set only when the change concerned Entity.
type UnreadHint struct {
	Entity        *model.EntityRef `json:"entity,omitempty"`
	Conversations *int64           `json:"conversations,omitempty"`
	Notifications int64            `json:"notifications"`
}

// ReadState applies read-state transitions and republishes counts. The
// store is the only source of truth; the numbers published here are always
// recomputed after the transition committed, never incremented.
type ReadState struct {
	conversations *store.Conversations
	notifications *store.Notifications
	broker        broker.Publisher
	log           *zap.Logger
}

func (r *ReadState) MarkConversationRead(ctx context.Context, userID string, reader, counterpart model.EntityRef) (model.ReadReceipt, error) {
	receipt, err := r.conversations.MarkRead(ctx, reader, counterpart)
	if err != nil {
		return model.ReadReceipt{}, err
	}
	if len(receipt.MessageIDs) > 0 {
		publish(ctx, r.log, r.broker, broker.ConversationChannel(receipt.ConversationID), broker.EventStatusChanged, receipt)
		r.Publish(ctx, userID, &reader)
	}
	return receipt, nil
}

// MarkDelivered acknowledges everything addressed to receiver.
func (r *ReadState) MarkDelivered(ctx context.Context, receiver model.EntityRef) ([]model.ReadReceipt, error) {
	receipts, err := r.conversations.MarkDelivered(ctx, receiver)
	if err != nil {
		return nil, err
	}
	for _, receipt := range receipts {
		publish(ctx, r.log, r.broker, broker.ConversationChannel(receipt.ConversationID), broker.EventStatusChanged, receipt)
	}
	return receipts, nil
}

func (r *ReadState) MarkNotificationRead(ctx context.Context, userID string, id uint) error {
	if err := r.notifications.MarkRead(ctx, userID, id); err != nil {
		return err
	}
	r.Publish(ctx, userID, nil)
	return nil
}

func (r *ReadState) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	changed, err := r.notifications.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, err
	}
	if changed > 0 {
		r.Publish(ctx, userID, nil)
	}
	return changed, nil
}

// Unread computes the authoritative counts.
func (r *ReadState) Unread(ctx context.Context, userID string, entity *model.EntityRef) (UnreadHint, error) {
	hint := UnreadHint{Entity: entity}
	notifications, err := r.notifications.UnreadCount(ctx, userID)
	if err != nil {
		return UnreadHint{}, err
	}
	hint.Notifications = notifications

	if entity != nil {
		conversations, err := r.conversations.UnreadCount(ctx, *entity)
		if err != nil {
			return UnreadHint{}, err
		}
		hint.Conversations = &conversations
	}
	return hint, nil
}

// Publish recomputes the counts of userID and publishes them as an
// unread-changed hint. Failures are logged only.
func (r *ReadState) Publish(ctx context.Context, userID string, entity *model.EntityRef) {
	hint, err := r.Unread(ctx, userID, entity)
	if err != nil {
		r.log.Warn("unread recount failed", zap.String("user", userID), zap.Error(err))
		return
	}
	publish(ctx, r.log, r.broker, broker.NotificationsChannel(userID), broker.EventUnreadChanged, hint)
}
