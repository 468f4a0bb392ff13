package protocol

import "sync"

// Broadcaster fans one stream of values out to any number of subscribers.
// Every subscriber gets its own buffered channel and sees values in publish
// order. A subscriber that falls behind loses its oldest value rather than
// blocking the publisher.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	buffer int
	closed bool
}

// NewBroadcaster executes the newBroadcaster function.
func NewBroadcaster[T any](buffer int) *Broadcaster[T] {
	if buffer <= 0 {
		buffer = 1
	}
	return &Broadcaster[T]{subs: make(map[int]chan T), buffer: buffer}
}

// Subscribe registers a new subscriber and returns its channel together with
// a cancel function. Cancel is idempotent and closes the channel.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers value to every live subscriber. A full subscriber buffer
// drops the oldest value to make room.
func (b *Broadcaster[T]) Publish(value T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- value:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- value:
			default:
			}
		}
	}
}

// Close closes every subscriber channel. Publish and Subscribe become no-ops.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Events is the outward-facing event surface shared by every transport:
// inbound control messages, received audio frames, channel-state transitions
// and network errors. The four streams are independent; subscribers of one
// never block another.
type Events struct {
	Control *Broadcaster[ControlMessage]
	Audio   *Broadcaster[[]byte]
	State   *Broadcaster[ChannelState]
	Errors  *Broadcaster[error]
}

// NewEvents executes the newEvents function.
func NewEvents() *Events {
	return &Events{
		Control: NewBroadcaster[ControlMessage](32),
		Audio:   NewBroadcaster[[]byte](64),
		State:   NewBroadcaster[ChannelState](8),
		Errors:  NewBroadcaster[error](8),
	}
}

// Close executes the close method.
func (e *Events) Close() {
	e.Control.Close()
	e.Audio.Close()
	e.State.Close()
	e.Errors.Close()
}
