package messenger

import (
	"context"

	"courier-service/broker"
	"courier-service/model"
	"courier-service/store"

	"go.uber.org/zap"
)

// Notifications wraps the notification store with broker publishes.
type Notifications struct {
	store     *store.Notifications
	broker    broker.Publisher
	events    Events
	readState *ReadState
	log       *zap.Logger
}

// Create stores the notification and publishes new-notification followed by
// a fresh unread hint on the recipient's channel.
func (n *Notifications) Create(ctx context.Context, recipientID string, typ model.NotificationType, message string, related *model.RelatedEntity) (model.Notification, error) {
	notification, err := n.store.CreateNotification(ctx, recipientID, typ, message, related)
	if err != nil {
		return model.Notification{}, err
	}
	publish(ctx, n.log, n.broker, broker.NotificationsChannel(recipientID), broker.EventNewNotification, notification)
	n.readState.Publish(ctx, recipientID, nil)
	emit(ctx, n.log, n.events, ActionNotificationCreated, notification)
	return notification, nil
}

func (n *Notifications) List(ctx context.Context, userID string, page int) (model.NotificationPage, error) {
	return n.store.ListNotifications(ctx, userID, page)
}

func (n *Notifications) MarkRead(ctx context.Context, userID string, id uint) error {
	return n.readState.MarkNotificationRead(ctx, userID, id)
}

func (n *Notifications) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return n.readState.MarkAllNotificationsRead(ctx, userID)
}

func (n *Notifications) Delete(ctx context.Context, userID string, id uint) error {
	if err := n.store.Delete(ctx, userID, id); err != nil {
		return err
	}
	n.readState.Publish(ctx, userID, nil)
	return nil
}

// DeleteForRecipient drops every notification of a user that no longer
// exists.
func (n *Notifications) DeleteForRecipient(ctx context.Context, userID string) (int64, error) {
	deleted, err := n.store.DeleteForRecipient(ctx, userID)
	if err != nil {
		return 0, err
	}
	n.log.Info("notifications removed", zap.String("recipient", userID), zap.Int64("count", deleted))
	return deleted, nil
}
