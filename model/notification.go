package model

import (
	"time"

	"gorm.io/gorm"
)

type NotificationType string

const (
	NotificationNewMessage               NotificationType = "new_message"
	NotificationApplicationSubmitted     NotificationType = "application_submitted"
	NotificationApplicationStatusChanged NotificationType = "application_status_changed"
)

type RelatedEntity struct {
	ID   string `json:"id" validate:"required"`
	Type string `json:"type" validate:"required"`
}

// Notification.Read only ever moves from false to true.
type Notification struct {
	ID            uint             `gorm:"primaryKey" json:"id"`
	RecipientID   string           `gorm:"size:64;not null;index" json:"recipientId"`
	Type          NotificationType `gorm:"size:48;not null" json:"type"`
	Message       string           `gorm:"not null" json:"message"`
	Read          bool             `gorm:"not null;default:false;index" json:"read"`
	RelatedID     string           `gorm:"size:64" json:"-"`
	RelatedType   string           `gorm:"size:48" json:"-"`
	RelatedEntity *RelatedEntity   `gorm:"-" json:"relatedEntity,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	ReadAt        *time.Time       `json:"readAt,omitempty"`
}

func (n *Notification) BeforeSave(*gorm.DB) error {
	if n.RelatedEntity != nil {
		n.RelatedID = n.RelatedEntity.ID
		n.RelatedType = n.RelatedEntity.Type
	}
	return nil
}

func (n *Notification) AfterFind(*gorm.DB) error {
	if n.RelatedID != "" || n.RelatedType != "" {
		n.RelatedEntity = &RelatedEntity{ID: n.RelatedID, Type: n.RelatedType}
	}
	return nil
}

type NotificationPage struct {
	Items       []Notification `json:"items"`
	Page        int            `json:"page"`
	TotalPages  int            `json:"totalPages"`
	UnreadCount int64          `json:"unreadCount"`
}
