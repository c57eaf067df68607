package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"courier-service/apperror"
	"courier-service/model"

	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Body is the content of a message. At least one of the fields is required.
// Attachment is an opaque URL produced by the upload collaborator.
type Body struct {
	Text       string
	Attachment string
}

// Conversations is the durable record of messages and reactions. Every
// conversation view (latest message, unread count) is computed from the
// messenger_messages rows at read time.
type Conversations struct {
	db       *gorm.DB
	pageSize int
}

func NewConversations(db *gorm.DB, pageSize int) *Conversations {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Conversations{db: db, pageSize: pageSize}
}

func (s *Conversations) SendMessage(ctx context.Context, sender, receiver model.EntityRef, body Body) (model.Message, error) {
	if err := validRefs(sender, receiver); err != nil {
		return model.Message{}, err
	}
	if sender.Equal(receiver) {
		return model.Message{}, fmt.Errorf("sender and receiver are the same entity: %w", apperror.ErrInvalidInput)
	}

	text := strings.TrimSpace(body.Text)
	attachment := strings.TrimSpace(body.Attachment)
	if text == "" && attachment == "" {
		return model.Message{}, fmt.Errorf("message body is empty: %w", apperror.ErrInvalidInput)
	}

	message := model.Message{
		ConversationID: model.ConversationID(sender, receiver),
		Sender:         sender,
		Receiver:       receiver,
		Status:         model.StatusSent,
	}
	if text != "" {
		message.Text = &text
	}
	if attachment != "" {
		message.Attachment = &attachment
	}

	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		return model.Message{}, fmt.Errorf("store message: %w", err)
	}
	message.Reactions = []model.Reaction{}
	return message, nil
}

func (s *Conversations) GetMessage(ctx context.Context, id uint) (model.Message, error) {
	return getMessage(s.db.WithContext(ctx), id)
}

type latestRow struct {
	ConversationID string
	LastID         uint
}

type unreadRow struct {
	ConversationID string
	Unread         int64
}

// ListConversations groups the viewer's messages by conversation, newest
// conversation first.
func (s *Conversations) ListConversations(ctx context.Context, viewer model.EntityRef) ([]model.ConversationSummary, error) {
	if err := validRefs(viewer); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)

	var latest []latestRow
	err := db.Model(&model.Message{}).
		Select("conversation_id, MAX(id) AS last_id").
		Scopes(participantOf(viewer)).
		Group("conversation_id").
		Order("last_id DESC").
		Scan(&latest).Error
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if len(latest) == 0 {
		return []model.ConversationSummary{}, nil
	}

	var messages []model.Message
	err = db.Scopes(withReactions).
		Where("id IN ?", lo.Map(latest, func(r latestRow, _ int) uint { return r.LastID })).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("load latest messages: %w", err)
	}
	byID := lo.KeyBy(messages, func(m model.Message) uint { return m.ID })

	var unread []unreadRow
	err = db.Model(&model.Message{}).
		Select("conversation_id, COUNT(*) AS unread").
		Scopes(unreadFor(viewer)).
		Group("conversation_id").
		Scan(&unread).Error
	if err != nil {
		return nil, fmt.Errorf("count unread: %w", err)
	}
	unreadBy := lo.SliceToMap(unread, func(r unreadRow) (string, int64) { return r.ConversationID, r.Unread })

	summaries := make([]model.ConversationSummary, 0, len(latest))
	for _, row := range latest {
		message, ok := byID[row.LastID]
		if !ok {
			// deleted between the two queries
			continue
		}
		summaries = append(summaries, model.ConversationSummary{
			ConversationID: row.ConversationID,
			Counterpart:    model.Counterpart(viewer, message.Sender, message.Receiver),
			LatestMessage:  normalize(message),
			UnreadCount:    unreadBy[row.ConversationID],
		})
	}
	return summaries, nil
}

// ListMessages returns one page of the conversation in ascending order. The
// cursor is the NextCursor of the previous page.
func (s *Conversations) ListMessages(ctx context.Context, viewer, counterpart model.EntityRef, cursor string, limit int) (model.MessagePage, error) {
	if err := validRefs(viewer, counterpart); err != nil {
		return model.MessagePage{}, err
	}
	if limit <= 0 || limit > s.pageSize {
		limit = s.pageSize
	}

	q := s.db.WithContext(ctx).
		Scopes(withReactions).
		Where("conversation_id = ?", model.ConversationID(viewer, counterpart)).
		Scopes(pairOf(viewer, counterpart))
	if cursor != "" {
		after, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return model.MessagePage{}, fmt.Errorf("cursor %q: %w", cursor, apperror.ErrInvalidInput)
		}
		q = q.Where("id > ?", after)
	}

	var items []model.Message
	if err := q.Order("id ASC").Limit(limit + 1).Find(&items).Error; err != nil {
		return model.MessagePage{}, fmt.Errorf("list messages: %w", err)
	}

	page := model.MessagePage{Items: lo.Map(items, func(m model.Message, _ int) model.Message { return normalize(m) })}
	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		page.NextCursor = strconv.FormatUint(uint64(page.Items[limit-1].ID), 10)
	}
	return page, nil
}

// AddReaction is idempotent: the unique (message, user, emoji) index turns a
// repeated add into a no-op.
func (s *Conversations) AddReaction(ctx context.Context, messageID uint, userID, emoji string) (model.Message, error) {
	if err := validReaction(userID, emoji); err != nil {
		return model.Message{}, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := messageExists(tx, messageID); err != nil {
			return err
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.Reaction{
			MessageID: messageID,
			UserID:    userID,
			Emoji:     emoji,
		})
		if res.Error != nil {
			return fmt.Errorf("add reaction: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return touch(tx, messageID)
	})
	if err != nil {
		return model.Message{}, err
	}
	return s.GetMessage(ctx, messageID)
}

// RemoveReaction is idempotent: removing an absent reaction changes nothing.
func (s *Conversations) RemoveReaction(ctx context.Context, messageID uint, userID, emoji string) (model.Message, error) {
	if err := validReaction(userID, emoji); err != nil {
		return model.Message{}, err
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := messageExists(tx, messageID); err != nil {
			return err
		}
		res := tx.Where(&model.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji}).
			Delete(&model.Reaction{})
		if res.Error != nil {
			return fmt.Errorf("remove reaction: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return touch(tx, messageID)
	})
	if err != nil {
		return model.Message{}, err
	}
	return s.GetMessage(ctx, messageID)
}

// DeleteConversation removes every message of the conversation together
// with their reactions. viewer must be one side of the conversation.
func (s *Conversations) DeleteConversation(ctx context.Context, viewer model.EntityRef, conversationID string) error {
	if err := validRefs(viewer); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var first model.Message
		err := tx.Where("conversation_id = ?", conversationID).Order("id ASC").First(&first).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("conversation %s: %w", conversationID, apperror.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !first.Sender.Equal(viewer) && !first.Receiver.Equal(viewer) {
			return fmt.Errorf("%s is not a participant of %s: %w", viewer, conversationID, apperror.ErrForbidden)
		}

		var ids []uint
		if err := tx.Model(&model.Message{}).Where("conversation_id = ?", conversationID).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if err := tx.Where("message_id IN ?", ids).Delete(&model.Reaction{}).Error; err != nil {
			return fmt.Errorf("delete reactions: %w", err)
		}
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&model.Message{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		return nil
	})
}

// MarkRead moves every message reader received from counterpart to read.
// The update is guarded by status < read so it never regresses and repeated
// calls change nothing.
func (s *Conversations) MarkRead(ctx context.Context, reader, counterpart model.EntityRef) (model.ReadReceipt, error) {
	if err := validRefs(reader, counterpart); err != nil {
		return model.ReadReceipt{}, err
	}
	receipt := model.ReadReceipt{
		ConversationID: model.ConversationID(reader, counterpart),
		Reader:         reader,
		Status:         model.StatusRead,
		UpdatedAt:      time.Now().UTC(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint
		err := tx.Model(&model.Message{}).
			Where("conversation_id = ?", receipt.ConversationID).
			Scopes(pairOf(reader, counterpart), unreadFor(reader)).
			Order("id ASC").
			Pluck("id", &ids).Error
		if err != nil || len(ids) == 0 {
			return err
		}
		err = tx.Model(&model.Message{}).
			Where("id IN ? AND status < ?", ids, model.StatusRead).
			UpdateColumns(map[string]any{"status": model.StatusRead, "updated_at": receipt.UpdatedAt}).Error
		if err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
		receipt.MessageIDs = ids
		return nil
	})
	if err != nil {
		return model.ReadReceipt{}, err
	}
	return receipt, nil
}

type pendingRow struct {
	ID             uint
	ConversationID string
}

// MarkDelivered moves every sent message addressed to receiver to delivered
// and returns one receipt per touched conversation.
func (s *Conversations) MarkDelivered(ctx context.Context, receiver model.EntityRef) ([]model.ReadReceipt, error) {
	if err := validRefs(receiver); err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	var pending []pendingRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&model.Message{}).
			Select("id, conversation_id").
			Where("receiver_kind = ? AND receiver_id = ? AND status < ?", receiver.Kind, receiver.ID, model.StatusDelivered).
			Order("id ASC").
			Scan(&pending).Error
		if err != nil || len(pending) == 0 {
			return err
		}
		return tx.Model(&model.Message{}).
			Where("id IN ? AND status < ?", lo.Map(pending, func(p pendingRow, _ int) uint { return p.ID }), model.StatusDelivered).
			UpdateColumns(map[string]any{"status": model.StatusDelivered, "updated_at": now}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}

	grouped := lo.GroupBy(pending, func(p pendingRow) string { return p.ConversationID })
	receipts := make([]model.ReadReceipt, 0, len(grouped))
	for _, conversationID := range lo.Uniq(lo.Map(pending, func(p pendingRow, _ int) string { return p.ConversationID })) {
		receipts = append(receipts, model.ReadReceipt{
			ConversationID: conversationID,
			Reader:         receiver,
			MessageIDs:     lo.Map(grouped[conversationID], func(p pendingRow, _ int) uint { return p.ID }),
			Status:         model.StatusDelivered,
			UpdatedAt:      now,
		})
	}
	return receipts, nil
}

// UnreadCount is a fresh count query; there is no cached counter.
func (s *Conversations) UnreadCount(ctx context.Context, viewer model.EntityRef) (int64, error) {
	if err := validRefs(viewer); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Message{}).Scopes(unreadFor(viewer)).Count(&n).Error
	return n, err
}

func getMessage(db *gorm.DB, id uint) (model.Message, error) {
	var message model.Message
	err := db.Scopes(withReactions).First(&message, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Message{}, fmt.Errorf("message %d: %w", id, apperror.ErrNotFound)
	}
	if err != nil {
		return model.Message{}, err
	}
	return normalize(message), nil
}

func messageExists(tx *gorm.DB, id uint) error {
	var n int64
	if err := tx.Model(&model.Message{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("message %d: %w", id, apperror.ErrNotFound)
	}
	return nil
}

func touch(tx *gorm.DB, id uint) error {
	return tx.Model(&model.Message{}).Where("id = ?", id).UpdateColumn("updated_at", time.Now().UTC()).Error
}

func withReactions(db *gorm.DB) *gorm.DB {
	return db.Preload("Reactions", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") })
}

func participantOf(viewer model.EntityRef) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("(sender_kind = ? AND sender_id = ?) OR (receiver_kind = ? AND receiver_id = ?)",
			viewer.Kind, viewer.ID, viewer.Kind, viewer.ID)
	}
}

// pairOf matches messages exchanged between exactly a and b.
func pairOf(a, b model.EntityRef) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(
			"((sender_kind = ? AND sender_id = ? AND receiver_kind = ? AND receiver_id = ?) OR (sender_kind = ? AND sender_id = ? AND receiver_kind = ? AND receiver_id = ?))",
			a.Kind, a.ID, b.Kind, b.ID, b.Kind, b.ID, a.Kind, a.ID)
	}
}

func unreadFor(viewer model.EntityRef) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("receiver_kind = ? AND receiver_id = ? AND status < ?", viewer.Kind, viewer.ID, model.StatusRead)
	}
}

func normalize(m model.Message) model.Message {
	if m.Reactions == nil {
		m.Reactions = []model.Reaction{}
	}
	return m
}

func validRefs(refs ...model.EntityRef) error {
	for _, ref := range refs {
		if !ref.Valid() {
			return fmt.Errorf("entity reference %q: %w", ref.String(), apperror.ErrInvalidInput)
		}
	}
	return nil
}

func validReaction(userID, emoji string) error {
	if userID == "" {
		return fmt.Errorf("reaction without user: %w", apperror.ErrInvalidInput)
	}
	if emoji == "" || len(emoji) > 32 {
		return fmt.Errorf("reaction emoji %q: %w", emoji, apperror.ErrInvalidInput)
	}
	return nil
}
