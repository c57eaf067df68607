package broker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"courier-service/apperror"
)

var errMemoryClosed = errors.New("memory broker closed")

// Memory is an in-process broker. Delivery is ordered per channel and
// publishers never wait: a subscriber whose buffer is full is cut off and
// has to resubscribe.
type Memory struct {
	mu       sync.Mutex
	buffer   int
	subs     map[string]map[*memorySubscription]struct{}
	presence map[string]map[string]Member
	down     bool
	closed   bool
	metrics  *Metrics
}

func NewMemory(buffer int, metrics *Metrics) *Memory {
	if buffer <= 0 {
		buffer = 64
	}
	return &Memory{
		buffer:   buffer,
		subs:     make(map[string]map[*memorySubscription]struct{}),
		presence: make(map[string]map[string]Member),
		metrics:  metrics,
	}
}

func (b *Memory) Publish(ctx context.Context, channel, name string, payload any) error {
	err := b.publish(ctx, channel, name, payload)
	b.metrics.observe(name, err)
	return err
}

func (b *Memory) publish(ctx context.Context, channel, name string, payload any) error {
	if err := ctx.Err(); err != nil {
		return unavailable("publish", err)
	}
	event, err := newEvent(channel, name, payload)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.availableLocked(); err != nil {
		return unavailable("publish", err)
	}
	for sub := range b.subs[channel] {
		select {
		case sub.ch <- Delivery{Signal: SignalEvent, Event: event}:
		default:
			b.dropLocked(sub)
		}
	}
	return nil
}

func (b *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("subscribe", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.availableLocked(); err != nil {
		return nil, unavailable("subscribe", err)
	}
	sub := &memorySubscription{
		broker:  b,
		channel: channel,
		ch:      make(chan Delivery, b.buffer),
	}
	sub.ch <- Delivery{Signal: SignalAttached}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySubscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	return sub, nil
}

func (b *Memory) Enter(ctx context.Context, channel string, m Member) error {
	return b.setPresence(ctx, channel, EventPresenceEnter, m)
}

func (b *Memory) Update(ctx context.Context, channel string, m Member) error {
	return b.setPresence(ctx, channel, EventPresenceUpdate, m)
}

func (b *Memory) Leave(ctx context.Context, channel string, m Member) error {
	if err := validMember(m); err != nil {
		return err
	}
	b.mu.Lock()
	if err := b.availableLocked(); err != nil {
		b.mu.Unlock()
		return unavailable("presence leave", err)
	}
	delete(b.presence[channel], m.ConnectionID)
	if len(b.presence[channel]) == 0 {
		delete(b.presence, channel)
	}
	b.mu.Unlock()

	m.Typing = false
	m.UpdatedAt = time.Now().UTC()
	return b.Publish(ctx, channel, EventPresenceLeave, m)
}

func (b *Memory) Members(ctx context.Context, channel string) ([]Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("presence members", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.availableLocked(); err != nil {
		return nil, unavailable("presence members", err)
	}
	members := make([]Member, 0, len(b.presence[channel]))
	for _, m := range b.presence[channel] {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ConnectionID < members[j].ConnectionID })
	return members, nil
}

func (b *Memory) setPresence(ctx context.Context, channel, name string, m Member) error {
	if err := validMember(m); err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()

	b.mu.Lock()
	if err := b.availableLocked(); err != nil {
		b.mu.Unlock()
		return unavailable("presence "+name, err)
	}
	if b.presence[channel] == nil {
		b.presence[channel] = make(map[string]Member)
	}
	b.presence[channel][m.ConnectionID] = m
	b.mu.Unlock()

	return b.Publish(ctx, channel, name, m)
}

// Interrupt detaches every subscription of channel, as a dropped
// connection would. Subscribers see SignalDetached and then a closed
// Deliveries channel.
func (b *Memory) Interrupt(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[channel] {
		select {
		case sub.ch <- Delivery{Signal: SignalDetached, Err: apperror.ErrBrokerUnavailable}:
		default:
		}
		b.dropLocked(sub)
	}
}

// SetAvailable toggles a simulated outage. While unavailable every call
// fails with apperror.ErrBrokerUnavailable and existing subscriptions are
// detached.
func (b *Memory) SetAvailable(available bool) {
	b.mu.Lock()
	b.down = !available
	var channels []string
	if b.down {
		for channel := range b.subs {
			channels = append(channels, channel)
		}
	}
	b.mu.Unlock()
	for _, channel := range channels {
		b.Interrupt(channel)
	}
}

func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for sub := range subs {
			b.dropLocked(sub)
		}
	}
	b.presence = make(map[string]map[string]Member)
	return nil
}

func (b *Memory) availableLocked() error {
	if b.closed {
		return errMemoryClosed
	}
	if b.down {
		return errors.New("memory broker offline")
	}
	return nil
}

func (b *Memory) dropLocked(sub *memorySubscription) {
	subs, ok := b.subs[sub.channel]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.subs, sub.channel)
	}
	close(sub.ch)
}

type memorySubscription struct {
	broker  *Memory
	channel string
	ch      chan Delivery
}

func (s *memorySubscription) Channel() string { return s.channel }

func (s *memorySubscription) Deliveries() <-chan Delivery { return s.ch }

func (s *memorySubscription) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.broker.dropLocked(s)
	return nil
}
