package host

import (
	"sync"

	"github.com/WebFirstLanguage/beekad/pkg/peer"
)

// ConnectionEvent describes a newly established connection.
type ConnectionEvent struct {
	Peer peer.ID
	Addr string
	// Initiator is true when the local host dialed the connection.
	Initiator bool
}

// Bus delivers connection lifecycle events to subscribers.
// Subscriptions hold no reference back from the bus into subscriber
// state beyond the callback itself; closing the subscription detaches
// it.
type Bus struct {
	mu             sync.Mutex
	nextID         uint64
	onConnection   map[uint64]func(ConnectionEvent)
	onDisconnected map[uint64]func(peer.ID)
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		onConnection:   make(map[uint64]func(ConnectionEvent)),
		onDisconnected: make(map[uint64]func(peer.ID)),
	}
}

// Subscription detaches a subscriber when closed.
type Subscription struct {
	cancel func()
	once   sync.Once
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// SubscribeNewConnection registers a callback for new connections.
func (b *Bus) SubscribeNewConnection(fn func(ConnectionEvent)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.onConnection[id] = fn
	return &Subscription{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.onConnection, id)
	}}
}

// SubscribePeerDisconnected registers a callback for peer disconnects.
func (b *Bus) SubscribePeerDisconnected(fn func(peer.ID)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.onDisconnected[id] = fn
	return &Subscription{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.onDisconnected, id)
	}}
}

// PublishNewConnection notifies all connection subscribers.
func (b *Bus) PublishNewConnection(ev ConnectionEvent) {
	for _, fn := range b.snapshotConnection() {
		fn(ev)
	}
}

// PublishPeerDisconnected notifies all disconnect subscribers.
func (b *Bus) PublishPeerDisconnected(id peer.ID) {
	for _, fn := range b.snapshotDisconnected() {
		fn(id)
	}
}

func (b *Bus) snapshotConnection() []func(ConnectionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]func(ConnectionEvent), 0, len(b.onConnection))
	for _, fn := range b.onConnection {
		out = append(out, fn)
	}
	return out
}

func (b *Bus) snapshotDisconnected() []func(peer.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]func(peer.ID), 0, len(b.onDisconnected))
	for _, fn := range b.onDisconnected {
		out = append(out, fn)
	}
	return out
}
