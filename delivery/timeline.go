package delivery

import (
	"context"
	"sort"
	"sync"

	"courier-service/broker"
	"courier-service/model"
)

// MessageFetcher loads one page of a conversation, as the list messages
// endpoint does.
type MessageFetcher func(ctx context.Context, cursor string) (model.MessagePage, error)

// Timeline is the local view of one conversation, merged by message id.
type Timeline struct {
	fetch    MessageFetcher
	maxPages int

	mu       sync.RWMutex
	messages map[uint]model.Message
	deleted  bool
}

// NewTimeline bounds every catch-up to maxPages pages.
func NewTimeline(fetch MessageFetcher, maxPages int) *Timeline {
	if maxPages <= 0 {
		maxPages = 20
	}
	return &Timeline{
		fetch:    fetch,
		maxPages: maxPages,
		messages: make(map[uint]model.Message),
	}
}

// CatchUp refetches the conversation. When the whole conversation fit in
// the page bound, messages the store no longer has are dropped as well.
func (t *Timeline) CatchUp(ctx context.Context) error {
	var (
		fetched  []model.Message
		cursor   string
		complete bool
	)
	for i := 0; i < t.maxPages; i++ {
		page, err := t.fetch(ctx, cursor)
		if err != nil {
			return err
		}
		fetched = append(fetched, page.Items...)
		if page.NextCursor == "" {
			complete = true
			break
		}
		cursor = page.NextCursor
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if complete {
		seen := make(map[uint]struct{}, len(fetched))
		for _, m := range fetched {
			seen[m.ID] = struct{}{}
		}
		for id := range t.messages {
			if _, ok := seen[id]; !ok {
				delete(t.messages, id)
			}
		}
	}
	if len(fetched) > 0 {
		t.deleted = false
	}
	for _, m := range fetched {
		t.mergeLocked(m)
	}
	return nil
}

func (t *Timeline) Apply(event broker.Event) {
	switch event.Name {
	case broker.EventMessageCreated, broker.EventReactionChanged:
		var m model.Message
		if event.Decode(&m) != nil {
			return
		}
		t.mu.Lock()
		t.deleted = false
		t.mergeLocked(m)
		t.mu.Unlock()

	case broker.EventStatusChanged:
		var receipt model.ReadReceipt
		if event.Decode(&receipt) != nil {
			return
		}
		t.mu.Lock()
		for _, id := range receipt.MessageIDs {
			local, ok := t.messages[id]
			if !ok || local.Status >= receipt.Status {
				continue
			}
			local.Status = receipt.Status
			if receipt.UpdatedAt.After(local.UpdatedAt) {
				local.UpdatedAt = receipt.UpdatedAt
			}
			t.messages[id] = local
		}
		t.mu.Unlock()

	case broker.EventConversationDeleted:
		t.mu.Lock()
		t.messages = make(map[uint]model.Message)
		t.deleted = true
		t.mu.Unlock()
	}
}

// mergeLocked drops m when the local copy is at least as recent in both
// updatedAt and status. Status never moves backwards.
func (t *Timeline) mergeLocked(m model.Message) {
	local, ok := t.messages[m.ID]
	if !ok {
		t.messages[m.ID] = m
		return
	}
	if !local.UpdatedAt.Before(m.UpdatedAt) && local.Status >= m.Status {
		return
	}
	if local.Status > m.Status {
		m.Status = local.Status
	}
	if local.UpdatedAt.After(m.UpdatedAt) {
		m.UpdatedAt = local.UpdatedAt
	}
	t.messages[m.ID] = m
}

// Messages returns the view in conversation order.
func (t *Timeline) Messages() []model.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.Message, 0, len(t.messages))
	for _, m := range t.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Deleted reports whether the conversation was deleted remotely.
func (t *Timeline) Deleted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.deleted
}
