package events

import (
	"sync"
	"sync/atomic"

	"htlcswap/core/types"
)

const defaultSubscriberBuffer = 64

// Broker is an in-process Emitter that relays every event record to live
// subscribers. Ordinary subscribers drop events when their buffer is full; a
// Lossless subscriber applies backpressure to emitters instead.
type Broker struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]*subscription
	buffer  int
	dropped atomic.Uint64
	onDrop  func(*types.Event)
}

type subscription struct {
	ch       chan *types.Event
	done     chan struct{}
	lossless bool
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscription)

// Lossless makes Emit wait for the subscriber instead of dropping events when
// its buffer is full. Cancelling the subscription releases blocked emitters.
func Lossless() SubscribeOption {
	return func(s *subscription) { s.lossless = true }
}

// NewBroker constructs a broker whose subscriptions buffer up to buffer events.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Broker{subs: make(map[uint64]*subscription), buffer: buffer}
}

// OnDrop registers fn to be called for every event a full subscriber missed.
// It must be set before events are emitted.
func (b *Broker) OnDrop(fn func(*types.Event)) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Dropped reports how many deliveries were dropped so far.
func (b *Broker) Dropped() uint64 { return b.dropped.Load() }

// Emit implements the Emitter interface.
func (b *Broker) Emit(evt Event) {
	if b == nil {
		return
	}
	rec, ok := Record(evt)
	if !ok {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.lossless {
			select {
			case sub.ch <- rec.Clone():
			case <-sub.done:
			}
			continue
		}
		select {
		case sub.ch <- rec.Clone():
		default:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(rec)
			}
		}
	}
}

// Subscribe registers a new listener. The returned cancel function must be
// called to release the subscription; it closes the channel.
func (b *Broker) Subscribe(opts ...SubscribeOption) (<-chan *types.Event, func()) {
	sub := &subscription{
		ch:   make(chan *types.Event, b.buffer),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sub)
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			close(sub.done)
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Subscribers reports the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
