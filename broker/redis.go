package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis fans events out with PUBLISH/SUBSCRIBE and keeps presence in one
// hash per presence channel, expired as a whole after ttl of inactivity.
type Redis struct {
	client  *redis.Client
	ttl     time.Duration
	log     *zap.Logger
	metrics *Metrics
}

func NewRedis(client *redis.Client, ttl time.Duration, log *zap.Logger, metrics *Metrics) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{
		client:  client,
		ttl:     ttl,
		log:     log.Named("broker"),
		metrics: metrics,
	}
}

func (b *Redis) Publish(ctx context.Context, channel, name string, payload any) error {
	err := b.publish(ctx, channel, name, payload)
	b.metrics.observe(name, err)
	return err
}

func (b *Redis) publish(ctx context.Context, channel, name string, payload any) error {
	event, err := newEvent(channel, name, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return unavailable("publish "+channel, err)
	}
	return nil
}

func (b *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)
	// the first reply confirms the subscription
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, unavailable("subscribe "+channel, err)
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &redisSubscription{
		channel: channel,
		ps:      ps,
		ch:      make(chan Delivery, 64),
		cancel:  cancel,
		done:    make(chan struct{}),
		log:     b.log.With(zap.String("channel", channel)),
	}
	sub.ch <- Delivery{Signal: SignalAttached}
	go sub.pump(ctx)
	return sub, nil
}

func (b *Redis) Enter(ctx context.Context, channel string, m Member) error {
	return b.setPresence(ctx, channel, EventPresenceEnter, m)
}

func (b *Redis) Update(ctx context.Context, channel string, m Member) error {
	return b.setPresence(ctx, channel, EventPresenceUpdate, m)
}

func (b *Redis) Leave(ctx context.Context, channel string, m Member) error {
	if err := validMember(m); err != nil {
		return err
	}
	if err := b.client.HDel(ctx, channel, m.ConnectionID).Err(); err != nil {
		return unavailable("presence leave", err)
	}
	m.Typing = false
	m.UpdatedAt = time.Now().UTC()
	return b.Publish(ctx, channel, EventPresenceLeave, m)
}

// Members reads the hash on every call. Fields older than ttl belong to
// connections that vanished without leaving and are skipped.
func (b *Redis) Members(ctx context.Context, channel string) ([]Member, error) {
	raw, err := b.client.HGetAll(ctx, channel).Result()
	if err != nil {
		return nil, unavailable("presence members", err)
	}
	cutoff := time.Now().Add(-b.ttl)
	members := make([]Member, 0, len(raw))
	for connection, value := range raw {
		var m Member
		if err := json.Unmarshal([]byte(value), &m); err != nil {
			b.log.Warn("skipping malformed presence entry",
				zap.String("channel", channel), zap.String("connection", connection), zap.Error(err))
			continue
		}
		if m.UpdatedAt.Before(cutoff) {
			continue
		}
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ConnectionID < members[j].ConnectionID })
	return members, nil
}

func (b *Redis) setPresence(ctx context.Context, channel, name string, m Member) error {
	if err := validMember(m); err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode presence member: %w", err)
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, channel, m.ConnectionID, data)
		pipe.Expire(ctx, channel, b.ttl)
		return nil
	})
	if err != nil {
		return unavailable("presence "+name, err)
	}
	return b.Publish(ctx, channel, name, m)
}

// Close releases the client. Subscriptions end with it.
func (b *Redis) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	channel string
	ps      *redis.PubSub
	ch      chan Delivery
	cancel  context.CancelFunc
	done    chan struct{}
	log     *zap.Logger
}

func (s *redisSubscription) Channel() string { return s.channel }

func (s *redisSubscription) Deliveries() <-chan Delivery { return s.ch }

func (s *redisSubscription) Close() error {
	s.cancel()
	err := s.ps.Close()
	<-s.done
	return err
}

// pump turns PubSub replies into deliveries. go-redis reconnects and
// resubscribes on the next Receive after a network error, so an error is
// reported as SignalDetached and the following subscription reply as
// SignalAttached.
func (s *redisSubscription) pump(ctx context.Context) {
	defer close(s.done)
	defer close(s.ch)

	detached := false
	for {
		msg, err := s.ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			if !detached {
				detached = true
				s.log.Warn("subscription detached", zap.Error(err))
				if !s.send(ctx, Delivery{Signal: SignalDetached, Err: unavailable("receive", err)}) {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}

		switch msg := msg.(type) {
		case *redis.Subscription:
			if detached {
				detached = false
				if !s.send(ctx, Delivery{Signal: SignalAttached}) {
					return
				}
			}
		case *redis.Message:
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.log.Warn("dropping malformed event", zap.Error(err))
				continue
			}
			if !s.send(ctx, Delivery{Signal: SignalEvent, Event: event}) {
				return
			}
		}
	}
}

func (s *redisSubscription) send(ctx context.Context, d Delivery) bool {
	select {
	case s.ch <- d:
		return true
	case <-ctx.Done():
		return false
	}
}
