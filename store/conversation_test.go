package store

import (
	"context"
	"sync"
	"testing"

	"courier-service/apperror"
	"courier-service/model"

	"github.com/stretchr/testify/require"
)

func TestSendMessage_ThenListMessages(t *testing.T) {
	req := require.New(t)
	s := NewConversations(newTestDB(t), 50)
	ctx := context.Background()

	sent, err := s.SendMessage(ctx, alice, bob, Body{Text: "hello"})
	req.NoError(err)
	req.Equal(model.StatusSent, sent.Status)
	req.Equal(model.ConversationID(alice, bob), sent.ConversationID)

	page, err := s.ListMessages(ctx, bob, alice, "", 0)
	req.NoError(err)
	req.Len(page.Items, 1)
	req.Equal(sent.ID, page.Items[0].ID)
	req.Equal(model.StatusSent, page.Items[0].Status)
	req.Equal("hello", *page.Items[0].Text)
	req.Empty(page.NextCursor)
}

func TestSendMessage_Validation(t *testing.T) {
	s := NewConversations(newTestDB(t), 50)
	ctx := context.Background()

	_, err := s.SendMessage(ctx, alice, alice, Body{Text: "me"})
	require.ErrorIs(t, err, apperror.ErrInvalidInput)

	_, err = s.SendMessage(ctx, alice, bob, Body{Text: "   "})
	require.ErrorIs(t, err, apperror.ErrInvalidInput)

	_, err = s.SendMessage(ctx, alice, model.EntityRef{Kind: "company", ID: "3"}, Body{Text: "hi"})
	require.ErrorIs(t, err, apperror.ErrInvalidInput)

	// same id, different kind: a real conversation, not a self message
	m, err := s.SendMessage(ctx, alice, gig, Body{Attachment: "https://cdn.example.com/cv.pdf"})
	require.NoError(t, err)
	require.Nil(t, m.Text)
	require.Equal(t, "https://cdn.example.com/cv.pdf", *m.Attachment)
}

func TestListMessages_CursorPagination(t *testing.T) {
	req := require.New(t)
	s := NewConversations(newTestDB(t), 2)
	ctx := context.Background()

	var ids []uint
	for _, text := range []string{"one", "two", "three", "four", "five"} {
		m, err := s.SendMessage(ctx, alice, bob, Body{Text: text})
		req.NoError(err)
		ids = append(ids, m.ID)
	}
	_, err := s.SendMessage(ctx, alice, gig, Body{Text: "elsewhere"})
	req.NoError(err)

	var got []uint
	cursor := ""
	for i := 0; i < 10; i++ {
		page, err := s.ListMessages(ctx, alice, bob, cursor, 0)
		req.NoError(err)
		for _, m := range page.Items {
			got = append(got, m.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	req.Equal(ids, got)

	_, err = s.ListMessages(ctx, alice, bob, "not-a-cursor", 0)
	req.ErrorIs(err, apperror.ErrInvalidInput)
}

func TestAddReaction_Idempotent(t *testing.T) {
	req := require.New(t)
	s := NewConversations(newTestDB(t), 50)
	ctx := context.Background()

	m, err := s.SendMessage(ctx, alice, bob, Body{Text: "hi"})
	req.NoError(err)

	_, err = s.AddReaction(ctx, m.ID, "u-bob", "👍")
	req.NoError(err)
	again, err := s.AddReaction(ctx, m.ID, "u-bob", "👍")
	req.NoError(err)

	req.Len(again.Reactions, 1)
	req.Equal("u-bob", again.Reactions[0].UserID)
	req.Equal("👍", again.Reactions[0].Emoji)
	req.False(again.UpdatedAt.Before(m.UpdatedAt))
}

func TestRemoveReaction_AbsentIsNoop(t *testing.T) {
	req := require.New(t)
	s := NewConversations(newTestDB(t), 50)
	ctx := context.Background()

	m, err := s.SendMessage(ctx, alice, bob, Body{Text: "hi"})
	req.NoError(err)
	_, err = s.AddReaction(ctx, m.ID, "u-alice", "🔥")
	req.NoError(err)

	after, err := s.RemoveReaction(ctx, m.ID, "u-bob", "🔥")
	req.NoError(err)
	req.Len(after.Reactions, 1)

	after, err = s.RemoveReaction(ctx, m.ID, "u-alice", "🔥")
	req.NoError(err)
	req.Empty(after.Reactions)

	_, err = s.RemoveReaction(ctx, 9999, "u-alice", "🔥")
	req.ErrorIs(err, apperror.ErrNotFound)
}

func TestAddReaction_ConcurrentUsersNoLostUpdate(t *testing.T) {
	req := require.New(t)
	s := NewConversations(newTestDB(t), 50)
	ctx := context.Background()

	m, err := s.SendMessage(ctx, alice, bob, Body{Text: "fire"})
	req.NoError(err)

	users := []string{"u1", "u2", "u1", "u2"}
	errs := make(chan error, len(users))
	var wg sync.WaitGroup
	for _, user := range users {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := s.AddReaction(ctx, m.ID, user, "🔥")
			errs <- err
		}(user)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		req.NoError(err)
	}

	got, err := s.GetMessage(ctx, m.ID)
	req.NoError(err)
	req.Len(got.Reactions, 2)
	req.ElementsMatch([]string{"u1", "u2"}, []string{got.Reactions[0].UserID, got.Reactions[1].UserID})
}

func TestListConversations_LatestFirstWithFreshUnread(t *testing.T) {
	req := require.New(t)
	s := NewConversations(newTestDB(t), 50)
	ctx := context.Background()

	_, err := s.SendMessage(ctx, bob, alice, Body{Text: "one"})
	req.NoError(err)
	_, err = s.SendMessage(ctx, bob, alice, Body{Text: "two"})
	req.NoError(err)
	latest, err := s.SendMessage(ctx, gig, alice, Body{Text: "interview?"})
	req.NoError(err)

	summaries, err := s.ListConversations(ctx, alice)
	req.NoError(err)
	req.Len(summaries, 2)
	req.Equal(latest.ID, summaries[0].LatestMessage.ID)
	req.Equal(gig, summaries[0].Counterpart)
	req.Equal(bob, summaries[1].Counterpart)
	req.EqualValues(1, summaries[0].UnreadCount)
	req.EqualValues(2, summaries[1].UnreadCount)

	var sum int64
	for _, c := range summaries {
		sum += c.UnreadCount
	}
	fresh, err := s.UnreadCount(ctx, alice)
	req.NoError(err)
	req.Equal(fresh, sum)

	// the sender has nothing unread
	bobs, err := s.ListConversations(ctx, bob)
	req.NoError(err)
	req.Len(bobs, 1)
	req.Zero(bobs[0].UnreadCount)
}

func TestMarkRead_MonotonicAndRecounted(t *testing.T) {
	req := require.New(t)
	s := NewConversations(newTestDB(t), 50)
	ctx := context.Background()

	first, err := s.SendMessage(ctx, bob, alice, Body{Text: "one"})
	req.NoError(err)
	_, err = s.SendMessage(ctx, bob, alice, Body{Text: "two"})
	req.NoError(err)
	_, err = s.SendMessage(ctx, alice, bob, Body{Text: "mine"})
	req.NoError(err)

	receipt, err := s.MarkRead(ctx, alice, bob)
	req.NoError(err)
	req.Len(receipt.MessageIDs, 2)
	req.Equal(first.ID, receipt.MessageIDs[0])

	again, err := s.MarkRead(ctx, alice, bob)
	req.NoError(err)
	req.Empty(again.MessageIDs)

	n, err := s.UnreadCount(ctx, alice)
	req.NoError(err)
	req.Zero(n)
	n, err = s.UnreadCount(ctx, bob)
	req.NoError(err)
	req.EqualValues(1, n)

	// delivered never overwrites read
	receipts, err := s.MarkDelivered(ctx, alice)
	req.NoError(err)
	req.Empty(receipts)
	got, err := s.GetMessage(ctx, first.ID)
	req.NoError(err)
	req.Equal(model.StatusRead, got.Status)
}

func TestMarkDelivered_GroupsByConversation(t *testing.T) {
	req := require.New(t)
	s := NewConversations(newTestDB(t), 50)
	ctx := context.Background()

	_, err := s.SendMessage(ctx, bob, alice, Body{Text: "one"})
	req.NoError(err)
	_, err = s.SendMessage(ctx, gig, alice, Body{Text: "two"})
	req.NoError(err)

	receipts, err := s.MarkDelivered(ctx, alice)
	req.NoError(err)
	req.Len(receipts, 2)
	for _, r := range receipts {
		req.Equal(model.StatusDelivered, r.Status)
		req.Len(r.MessageIDs, 1)
	}

	receipts, err = s.MarkDelivered(ctx, alice)
	req.NoError(err)
	req.Empty(receipts)
}

func TestDeleteConversation(t *testing.T) {
	req := require.New(t)
	s := NewConversations(newTestDB(t), 50)
	ctx := context.Background()

	m, err := s.SendMessage(ctx, alice, bob, Body{Text: "one"})
	req.NoError(err)
	_, err = s.AddReaction(ctx, m.ID, "u-bob", "👍")
	req.NoError(err)
	_, err = s.SendMessage(ctx, bob, alice, Body{Text: "two"})
	req.NoError(err)
	_, err = s.SendMessage(ctx, gig, alice, Body{Text: "kept"})
	req.NoError(err)

	conversation := model.ConversationID(alice, bob)
	err = s.DeleteConversation(ctx, gig, conversation)
	req.ErrorIs(err, apperror.ErrForbidden)

	req.NoError(s.DeleteConversation(ctx, bob, conversation))

	for _, viewer := range []model.EntityRef{alice, bob} {
		summaries, err := s.ListConversations(ctx, viewer)
		req.NoError(err)
		for _, c := range summaries {
			req.NotEqual(conversation, c.ConversationID)
		}
	}
	_, err = s.GetMessage(ctx, m.ID)
	req.ErrorIs(err, apperror.ErrNotFound)

	err = s.DeleteConversation(ctx, bob, conversation)
	req.ErrorIs(err, apperror.ErrNotFound)

	kept, err := s.ListConversations(ctx, alice)
	req.NoError(err)
	req.Len(kept, 1)
}

func TestConversationID_CannotBeForgedThroughIDs(t *testing.T) {
	req := require.New(t)
	s := NewConversations(newTestDB(t), 50)
	ctx := context.Background()

	// refs whose ids would splice into another pair's conversation id
	c := model.EntityRef{Kind: model.KindProfile, ID: "1~profile.2"}
	d := model.EntityRef{Kind: model.KindProfile, ID: "3"}
	_, err := s.SendMessage(ctx, c, d, Body{Text: "private c->d"})
	req.ErrorIs(err, apperror.ErrInvalidInput)

	forged := model.EntityRef{Kind: model.KindProfile, ID: "2~profile.3"}
	_, err = s.ListMessages(ctx, alice, forged, "", 0)
	req.ErrorIs(err, apperror.ErrInvalidInput)
	_, err = s.MarkRead(ctx, alice, forged)
	req.ErrorIs(err, apperror.ErrInvalidInput)
}

func TestListMessages_OnlyReturnsThePair(t *testing.T) {
	req := require.New(t)
	db := newTestDB(t)
	s := NewConversations(db, 50)
	ctx := context.Background()

	_, err := s.SendMessage(ctx, alice, bob, Body{Text: "ours"})
	req.NoError(err)

	// a row filed under the alice/bob id by another pair stays invisible
	carol := model.EntityRef{Kind: model.KindProfile, ID: "3"}
	text := "not yours"
	req.NoError(db.Create(&model.Message{
		ConversationID: model.ConversationID(alice, bob),
		Sender:         carol,
		Receiver:       gig,
		Text:           &text,
		Status:         model.StatusSent,
	}).Error)

	page, err := s.ListMessages(ctx, alice, bob, "", 0)
	req.NoError(err)
	req.Len(page.Items, 1)
	req.Equal("ours", *page.Items[0].Text)
}
