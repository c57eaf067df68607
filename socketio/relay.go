package socketio

import (
	"context"
	"errors"
	"sync"
	"time"

	"courier-service/broker"

	"go.uber.org/zap"
)

// Link events emitted to a room when the node loses or regains its broker
// subscription. Clients refetch on link-attached.
const (
	EventLinkDetached = "link-detached"
	EventLinkAttached = "link-attached"
)

type relayRoom struct {
	refs   int
	cancel context.CancelFunc
	done   chan struct{}
}

// relay keeps one broker subscription per channel joined by at least one
// local socket and forwards its events to the channel's room.
type relay struct {
	broker  broker.Broker
	forward func(channel string, event broker.Event)
	log     *zap.Logger

	mu     sync.Mutex
	rooms  map[string]*relayRoom
	closed bool
}

var errRelayClosed = errors.New("relay closed")

func newRelay(b broker.Broker, forward func(string, broker.Event), log *zap.Logger) *relay {
	return &relay{
		broker:  b,
		forward: forward,
		log:     log,
		rooms:   make(map[string]*relayRoom),
	}
}

// acquire subscribes outside the lock, so a slow broker only delays the
// caller attaching that channel.
func (r *relay) acquire(ctx context.Context, channel string) error {
	if r.retain(channel) {
		return nil
	}

	sub, err := r.broker.Subscribe(ctx, channel)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = sub.Close()
		return errRelayClosed
	}
	if room, ok := r.rooms[channel]; ok {
		// another socket attached the channel meanwhile
		room.refs++
		r.mu.Unlock()
		_ = sub.Close()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	room := &relayRoom{refs: 1, cancel: cancel, done: make(chan struct{})}
	r.rooms[channel] = room
	r.mu.Unlock()

	go r.run(runCtx, channel, sub, room.done)
	return nil
}

func (r *relay) retain(channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[channel]; ok {
		room.refs++
		return true
	}
	return false
}

func (r *relay) release(channel string) {
	r.mu.Lock()
	room, ok := r.rooms[channel]
	if !ok {
		r.mu.Unlock()
		return
	}
	room.refs--
	if room.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, channel)
	r.mu.Unlock()

	room.cancel()
	<-room.done
}

func (r *relay) refs(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[channel]; ok {
		return room.refs
	}
	return 0
}

func (r *relay) close() {
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = make(map[string]*relayRoom)
	r.closed = true
	r.mu.Unlock()
	for _, room := range rooms {
		room.cancel()
		<-room.done
	}
}

// run forwards deliveries and resubscribes when the subscription ends.
func (r *relay) run(ctx context.Context, channel string, sub broker.Subscription, done chan struct{}) {
	defer close(done)
	log := r.log.With(zap.String("channel", channel))
	backoff := 100 * time.Millisecond
	resumed := false

	for {
		detached := r.pump(ctx, channel, sub, resumed)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		if !detached {
			r.link(channel, EventLinkDetached)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			next, err := r.broker.Subscribe(ctx, channel)
			if err == nil {
				sub = next
				backoff = 100 * time.Millisecond
				break
			}
			log.Warn("relay resubscribe failed", zap.Error(err))
			backoff = min(backoff*2, 10*time.Second)
		}
		resumed = true
	}
}

// pump forwards until the subscription ends and reports whether the last
// link signal was a detach. The attach that opens a fresh subscription is
// only announced when resumed.
func (r *relay) pump(ctx context.Context, channel string, sub broker.Subscription, resumed bool) bool {
	quiet := !resumed
	detached := false
	for {
		select {
		case <-ctx.Done():
			return detached
		case d, ok := <-sub.Deliveries():
			if !ok {
				return detached
			}
			switch d.Signal {
			case broker.SignalEvent:
				r.forward(channel, d.Event)
			case broker.SignalAttached:
				detached = false
				if quiet {
					quiet = false
					continue
				}
				r.link(channel, EventLinkAttached)
			case broker.SignalDetached:
				detached = true
				quiet = false
				r.link(channel, EventLinkDetached)
			}
		}
	}
}

func (r *relay) link(channel, name string) {
	r.forward(channel, broker.Event{Channel: channel, Name: name, PublishedAt: time.Now().UTC()})
}
