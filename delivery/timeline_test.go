package delivery

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"courier-service/broker"
	"courier-service/model"

	"github.com/stretchr/testify/require"
)

func event(t *testing.T, name string, payload any) broker.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return broker.Event{Name: name, Data: data}
}

func message(id uint, status model.MessageStatus, updated time.Time) model.Message {
	return model.Message{ID: id, Status: status, UpdatedAt: updated, Reactions: []model.Reaction{}}
}

func TestTimeline_DropsStaleAndNeverRegresses(t *testing.T) {
	req := require.New(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	tl := NewTimeline(nil, 1)

	tl.Apply(event(t, broker.EventMessageCreated, message(1, model.StatusRead, now)))

	// older copy is dropped
	stale := message(1, model.StatusSent, now.Add(-time.Second))
	stale.Reactions = []model.Reaction{{UserID: "u1", Emoji: "👍"}}
	tl.Apply(event(t, broker.EventReactionChanged, stale))
	req.Empty(tl.Messages()[0].Reactions)

	// newer reaction change with an older status keeps read
	fresh := message(1, model.StatusDelivered, now.Add(time.Second))
	fresh.Reactions = []model.Reaction{{UserID: "u1", Emoji: "👍"}}
	tl.Apply(event(t, broker.EventReactionChanged, fresh))
	got := tl.Messages()[0]
	req.Len(got.Reactions, 1)
	req.Equal(model.StatusRead, got.Status)

	// duplicate delivery is a no-op
	tl.Apply(event(t, broker.EventReactionChanged, fresh))
	req.Len(tl.Messages(), 1)
}

func TestTimeline_ReceiptsAndDeletion(t *testing.T) {
	req := require.New(t)
	now := time.Now().UTC()
	tl := NewTimeline(nil, 1)

	tl.Apply(event(t, broker.EventMessageCreated, message(1, model.StatusSent, now)))
	tl.Apply(event(t, broker.EventMessageCreated, message(2, model.StatusSent, now)))
	tl.Apply(event(t, broker.EventStatusChanged, model.ReadReceipt{MessageIDs: []uint{1, 2}, Status: model.StatusRead, UpdatedAt: now.Add(time.Second)}))
	tl.Apply(event(t, broker.EventStatusChanged, model.ReadReceipt{MessageIDs: []uint{1}, Status: model.StatusDelivered, UpdatedAt: now.Add(2 * time.Second)}))

	for _, m := range tl.Messages() {
		req.Equal(model.StatusRead, m.Status)
	}

	tl.Apply(event(t, broker.EventConversationDeleted, map[string]string{"conversationId": "x"}))
	req.Empty(tl.Messages())
	req.True(tl.Deleted())
}

func TestTimeline_CatchUpPagesAndPrunes(t *testing.T) {
	req := require.New(t)
	now := time.Now().UTC()
	pages := map[string]model.MessagePage{
		"":  {Items: []model.Message{message(1, model.StatusRead, now), message(2, model.StatusRead, now)}, NextCursor: "2"},
		"2": {Items: []model.Message{message(3, model.StatusSent, now)}},
	}
	tl := NewTimeline(func(_ context.Context, cursor string) (model.MessagePage, error) {
		return pages[cursor], nil
	}, 5)

	tl.Apply(event(t, broker.EventMessageCreated, message(9, model.StatusSent, now)))
	req.NoError(tl.CatchUp(context.Background()))

	ids := []uint{}
	for _, m := range tl.Messages() {
		ids = append(ids, m.ID)
	}
	req.Equal([]uint{1, 2, 3}, ids)
}

func TestInbox_OptimisticBadgeReconciled(t *testing.T) {
	req := require.New(t)
	fetched := model.NotificationPage{
		Items:       []model.Notification{{ID: 1, Read: true}, {ID: 2}},
		UnreadCount: 1,
	}
	inbox := NewInbox(func(context.Context, int) (model.NotificationPage, error) { return fetched, nil }, 5)
	req.NoError(inbox.CatchUp(context.Background()))
	req.EqualValues(1, inbox.Unread())

	inbox.Apply(event(t, broker.EventNewNotification, model.Notification{ID: 3}))
	inbox.Apply(event(t, broker.EventNewNotification, model.Notification{ID: 3}))
	req.EqualValues(2, inbox.Unread())
	req.Equal(uint(3), inbox.Items()[0].ID)

	inbox.Apply(event(t, broker.EventUnreadChanged, map[string]int64{"notifications": 0}))
	req.Zero(inbox.Unread())

	// the next fetch is authoritative, and read never flips back
	fetched = model.NotificationPage{
		Items:       []model.Notification{{ID: 3}, {ID: 2}, {ID: 1}},
		UnreadCount: 2,
	}
	req.NoError(inbox.CatchUp(context.Background()))
	req.EqualValues(2, inbox.Unread())
	req.True(inbox.Items()[2].Read)
}

func TestInbox_CatchUpPagesAndPrunes(t *testing.T) {
	req := require.New(t)
	pages := map[int]model.NotificationPage{
		1: {Items: []model.Notification{{ID: 5}, {ID: 4}}, Page: 1, TotalPages: 2, UnreadCount: 3},
		2: {Items: []model.Notification{{ID: 2}}, Page: 2, TotalPages: 2, UnreadCount: 3},
	}
	fetches := 0
	inbox := NewInbox(func(_ context.Context, page int) (model.NotificationPage, error) {
		fetches++
		return pages[page], nil
	}, 5)

	// 3 was deleted server side after it arrived live
	inbox.Apply(event(t, broker.EventNewNotification, model.Notification{ID: 3}))
	req.NoError(inbox.CatchUp(context.Background()))
	req.Equal(2, fetches)
	req.EqualValues(3, inbox.Unread())

	ids := []uint{}
	for _, n := range inbox.Items() {
		ids = append(ids, n.ID)
	}
	req.Equal([]uint{5, 4, 2}, ids)
}

func TestInbox_CatchUpKeepsItemsBeyondThePageBound(t *testing.T) {
	req := require.New(t)
	inbox := NewInbox(func(_ context.Context, page int) (model.NotificationPage, error) {
		return model.NotificationPage{Items: []model.Notification{{ID: uint(100 - page)}}, Page: page, TotalPages: 10}, nil
	}, 2)

	inbox.Apply(event(t, broker.EventNewNotification, model.Notification{ID: 1}))
	req.NoError(inbox.CatchUp(context.Background()))
	req.Len(inbox.Items(), 3)
}
