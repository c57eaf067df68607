package delivery

import (
	"context"
	"sort"
	"sync"

	"courier-service/broker"
	"courier-service/model"
)

// NotificationFetcher loads one page of the caller's notifications.
type NotificationFetcher func(ctx context.Context, page int) (model.NotificationPage, error)

// Inbox is the local notification list and unread badge. The badge moves
// optimistically on live events and is overwritten by every fetch.
type Inbox struct {
	fetch    NotificationFetcher
	maxPages int

	mu     sync.RWMutex
	items  map[uint]model.Notification
	unread int64
}

// NewInbox bounds every catch-up to maxPages pages.
func NewInbox(fetch NotificationFetcher, maxPages int) *Inbox {
	if maxPages <= 0 {
		maxPages = 20
	}
	return &Inbox{fetch: fetch, maxPages: maxPages, items: make(map[uint]model.Notification)}
}

// CatchUp refetches the inbox. Notifications the store no longer has are
// dropped when every page was read.
func (b *Inbox) CatchUp(ctx context.Context) error {
	var (
		fetched  []model.Notification
		unread   int64
		complete bool
	)
	for n := 1; n <= b.maxPages; n++ {
		page, err := b.fetch(ctx, n)
		if err != nil {
			return err
		}
		if n == 1 {
			unread = page.UnreadCount
		}
		fetched = append(fetched, page.Items...)
		if page.Page >= page.TotalPages || len(page.Items) == 0 {
			complete = true
			break
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if complete {
		seen := make(map[uint]struct{}, len(fetched))
		for _, n := range fetched {
			seen[n.ID] = struct{}{}
		}
		for id := range b.items {
			if _, ok := seen[id]; !ok {
				delete(b.items, id)
			}
		}
	}
	for _, n := range fetched {
		b.mergeLocked(n)
	}
	b.unread = unread
	return nil
}

type unreadHint struct {
	Notifications int64 `json:"notifications"`
}

func (b *Inbox) Apply(event broker.Event) {
	switch event.Name {
	case broker.EventNewNotification:
		var n model.Notification
		if event.Decode(&n) != nil {
			return
		}
		b.mu.Lock()
		if _, seen := b.items[n.ID]; !seen && !n.Read {
			b.unread++
		}
		b.mergeLocked(n)
		b.mu.Unlock()

	case broker.EventUnreadChanged:
		var hint unreadHint
		if event.Decode(&hint) != nil {
			return
		}
		b.mu.Lock()
		b.unread = hint.Notifications
		b.mu.Unlock()
	}
}

// mergeLocked keeps read once either side saw it read.
func (b *Inbox) mergeLocked(n model.Notification) {
	if local, ok := b.items[n.ID]; ok && local.Read && !n.Read {
		n.Read = true
		n.ReadAt = local.ReadAt
	}
	b.items[n.ID] = n
}

func (b *Inbox) Unread() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.unread
}

// Items returns the notifications newest first.
func (b *Inbox) Items() []model.Notification {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.Notification, 0, len(b.items))
	for _, n := range b.items {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}
