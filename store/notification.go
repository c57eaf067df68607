package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"courier-service/apperror"
	"courier-service/model"

	"gorm.io/gorm"
)

// Notifications is the durable notification record. Unread counts are
// always a count query, never a stored counter.
type Notifications struct {
	db       *gorm.DB
	pageSize int
}

func NewNotifications(db *gorm.DB, pageSize int) *Notifications {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Notifications{db: db, pageSize: pageSize}
}

func (s *Notifications) CreateNotification(ctx context.Context, recipientID string, typ model.NotificationType, message string, related *model.RelatedEntity) (model.Notification, error) {
	message = strings.TrimSpace(message)
	switch {
	case recipientID == "":
		return model.Notification{}, fmt.Errorf("notification without recipient: %w", apperror.ErrInvalidInput)
	case typ == "":
		return model.Notification{}, fmt.Errorf("notification without type: %w", apperror.ErrInvalidInput)
	case message == "":
		return model.Notification{}, fmt.Errorf("notification without message: %w", apperror.ErrInvalidInput)
	}

	n := model.Notification{
		RecipientID:   recipientID,
		Type:          typ,
		Message:       message,
		RelatedEntity: related,
	}
	if err := s.db.WithContext(ctx).Create(&n).Error; err != nil {
		return model.Notification{}, fmt.Errorf("store notification: %w", err)
	}
	return n, nil
}

// ListNotifications returns the page'th page (1-based), newest first.
func (s *Notifications) ListNotifications(ctx context.Context, recipientID string, page int) (model.NotificationPage, error) {
	if recipientID == "" {
		return model.NotificationPage{}, fmt.Errorf("list without recipient: %w", apperror.ErrInvalidInput)
	}
	if page < 1 {
		page = 1
	}
	db := s.db.WithContext(ctx)

	var total int64
	if err := db.Model(&model.Notification{}).Where(&model.Notification{RecipientID: recipientID}).Count(&total).Error; err != nil {
		return model.NotificationPage{}, fmt.Errorf("count notifications: %w", err)
	}

	// past-the-end pages read as the last one
	totalPages := int((total + int64(s.pageSize) - 1) / int64(s.pageSize))
	if page > totalPages {
		page = max(totalPages, 1)
	}

	items := []model.Notification{}
	err := db.Where(&model.Notification{RecipientID: recipientID}).
		Order("id DESC").
		Offset((page - 1) * s.pageSize).
		Limit(s.pageSize).
		Find(&items).Error
	if err != nil {
		return model.NotificationPage{}, fmt.Errorf("list notifications: %w", err)
	}

	unread, err := s.UnreadCount(ctx, recipientID)
	if err != nil {
		return model.NotificationPage{}, err
	}

	return model.NotificationPage{
		Items:       items,
		Page:        page,
		TotalPages:  totalPages,
		UnreadCount: unread,
	}, nil
}

func (s *Notifications) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Notification{}).
		Where(map[string]any{"recipient_id": recipientID, "read": false}).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return n, nil
}

// MarkRead flips one notification to read. Calling it again is a no-op; it
// never sets read back to false.
func (s *Notifications) MarkRead(ctx context.Context, recipientID string, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := owned(tx, recipientID, id); err != nil {
			return err
		}
		return tx.Model(&model.Notification{}).
			Where(map[string]any{"id": id, "read": false}).
			Updates(map[string]any{"read": true, "read_at": time.Now().UTC()}).Error
	})
}

// MarkAllRead returns how many notifications changed state.
func (s *Notifications) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	if recipientID == "" {
		return 0, fmt.Errorf("mark all without recipient: %w", apperror.ErrInvalidInput)
	}
	res := s.db.WithContext(ctx).Model(&model.Notification{}).
		Where(map[string]any{"recipient_id": recipientID, "read": false}).
		Updates(map[string]any{"read": true, "read_at": time.Now().UTC()})
	if res.Error != nil {
		return 0, fmt.Errorf("mark all read: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Notifications) Delete(ctx context.Context, recipientID string, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := owned(tx, recipientID, id); err != nil {
			return err
		}
		return tx.Delete(&model.Notification{}, id).Error
	})
}

// DeleteForRecipient removes every notification of a deleted user.
func (s *Notifications) DeleteForRecipient(ctx context.Context, recipientID string) (int64, error) {
	if recipientID == "" {
		return 0, fmt.Errorf("delete without recipient: %w", apperror.ErrInvalidInput)
	}
	res := s.db.WithContext(ctx).
		Where(&model.Notification{RecipientID: recipientID}).
		Delete(&model.Notification{})
	return res.RowsAffected, res.Error
}

func owned(tx *gorm.DB, recipientID string, id uint) (model.Notification, error) {
	var n model.Notification
	err := tx.First(&n, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Notification{}, fmt.Errorf("notification %d: %w", id, apperror.ErrNotFound)
	}
	if err != nil {
		return model.Notification{}, err
	}
	if n.RecipientID != recipientID {
		return model.Notification{}, fmt.Errorf("notification %d belongs to another user: %w", id, apperror.ErrForbidden)
	}
	return n, nil
}
