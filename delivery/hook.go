// Package delivery is the subscriber side of the broker: it keeps a local
// view in sync by overlaying live events on durable fetches, and refetches
// after every gap.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"courier-service/broker"

	"go.uber.org/zap"
)

type State int

const (
	Initialized State = iota
	Connecting
	Connected
	Disconnected
	Closed
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Handler owns the local view. CatchUp and Apply are never called
// concurrently.
type Handler interface {
	// CatchUp reloads the view from the durable store.
	CatchUp(ctx context.Context) error
	// Apply merges one live event.
	Apply(event broker.Event)
}

type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (broker.Subscription, error)
}

type Options struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// OnState, when set, observes every transition.
	OnState func(State)
}

func (o Options) withDefaults() Options {
	if o.MinBackoff <= 0 {
		o.MinBackoff = 250 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = 30 * time.Second
	}
	return o
}

var errSubscriptionEnded = errors.New("subscription ended")

// Hook keeps one channel subscription alive for a Handler.
type Hook struct {
	channel    string
	subscriber Subscriber
	handler    Handler
	opts       Options
	log        *zap.Logger

	mu    sync.Mutex
	state State

	// presenceMu is held across presence calls, so a re-enter never lands
	// after the Leave issued by Close.
	presenceMu      sync.Mutex
	presence        broker.Presence
	presenceChannel string
	member          broker.Member
	entered         bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewHook(channel string, subscriber Subscriber, handler Handler, opts Options, log *zap.Logger) *Hook {
	return &Hook{
		channel:    channel,
		subscriber: subscriber,
		handler:    handler,
		opts:       opts.withDefaults(),
		log:        log.Named("delivery").With(zap.String("channel", channel)),
		state:      Initialized,
	}
}

func (h *Hook) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Hook) setState(s State) {
	h.mu.Lock()
	if h.state == s || h.state == Closed {
		h.mu.Unlock()
		return
	}
	h.state = s
	h.mu.Unlock()

	h.log.Debug("state", zap.Stringer("state", s))
	if h.opts.OnState != nil {
		h.opts.OnState(s)
	}
}

// Start runs the hook until Close. It returns immediately.
func (h *Hook) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done != nil {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go h.run(ctx)
}

// EnterPresence announces m on channel and remembers it, so it is
// re-announced after reconnects and withdrawn on Close.
func (h *Hook) EnterPresence(ctx context.Context, presence broker.Presence, channel string, m broker.Member) error {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	if err := presence.Enter(ctx, channel, m); err != nil {
		return err
	}
	h.presence, h.presenceChannel, h.member, h.entered = presence, channel, m, true
	return nil
}

// SetTyping updates the announced presence member.
func (h *Hook) SetTyping(ctx context.Context, typing bool) error {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	if !h.entered {
		return errors.New("presence not entered")
	}
	m := h.member
	m.Typing = typing
	if err := h.presence.Update(ctx, h.presenceChannel, m); err != nil {
		return err
	}
	h.member = m
	return nil
}

// Close leaves presence first and then detaches the subscription.
func (h *Hook) Close(ctx context.Context) error {
	err := h.leavePresence(ctx)

	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	h.setState(Closed)
	return err
}

func (h *Hook) leavePresence(ctx context.Context) error {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	if !h.entered {
		return nil
	}
	h.entered = false
	if err := h.presence.Leave(ctx, h.presenceChannel, h.member); err != nil {
		h.log.Warn("presence leave failed", zap.Error(err))
		return err
	}
	return nil
}

func (h *Hook) run(ctx context.Context) {
	defer close(h.done)

	attempt := 0
	for {
		h.setState(Connecting)
		sub, err := h.subscriber.Subscribe(ctx, h.channel)
		if err == nil {
			attempt = 0
			err = h.consume(ctx, sub)
			_ = sub.Close()
		}
		if ctx.Err() != nil {
			return
		}
		h.log.Info("disconnected", zap.Error(err))
		h.setState(Disconnected)

		select {
		case <-ctx.Done():
			return
		case <-time.After(h.backoff(attempt)):
		}
		attempt++
	}
}

func (h *Hook) backoff(attempt int) time.Duration {
	d := h.opts.MinBackoff
	for i := 0; i < attempt && d < h.opts.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, h.opts.MaxBackoff)
}

// consume applies deliveries until the subscription ends. A catch-up fetch
// runs after every attach; live events that arrive meanwhile are held back
// and applied once it finished.
func (h *Hook) consume(ctx context.Context, sub broker.Subscription) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		catchUp  chan error
		rerun    bool
		pending  []broker.Event
		detached bool
	)
	startCatchUp := func() {
		catchUp = make(chan error, 1)
		go func(done chan<- error) { done <- h.handler.CatchUp(ctx) }(catchUp)
	}
	defer func() {
		cancel()
		if catchUp != nil {
			<-catchUp
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-catchUp:
			catchUp = nil
			if err != nil {
				return fmt.Errorf("catch-up: %w", err)
			}
			if rerun {
				// the link dropped while fetching
				rerun = false
				startCatchUp()
				continue
			}
			for _, event := range pending {
				h.handler.Apply(event)
			}
			pending = nil

		case d, ok := <-sub.Deliveries():
			if !ok {
				return errSubscriptionEnded
			}
			switch d.Signal {
			case broker.SignalAttached:
				if detached {
					detached = false
					h.setState(Connecting)
				}
				h.setState(Connected)
				h.reenterPresence(ctx)
				if catchUp != nil {
					rerun = true
					continue
				}
				startCatchUp()
			case broker.SignalDetached:
				detached = true
				h.setState(Disconnected)
			case broker.SignalEvent:
				if catchUp != nil {
					pending = append(pending, d.Event)
					continue
				}
				h.handler.Apply(d.Event)
			}
		}
	}
}

func (h *Hook) reenterPresence(ctx context.Context) {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	if !h.entered {
		return
	}
	if err := h.presence.Enter(ctx, h.presenceChannel, h.member); err != nil {
		h.log.Warn("presence re-enter failed", zap.Error(err))
	}
}
