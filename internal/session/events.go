package session

import (
	"context"
	"sync"

	"github.com/vulcanrelay/relay/internal/ids"
	"github.com/vulcanrelay/relay/internal/logging"
	"go.uber.org/zap"
)

// closedEventCapacity bounds the per-subscriber closed-event channel, using
// the same bounded-and-lossy policy as the Room event bus.
const closedEventCapacity = 32

type closedEventKind int

const (
	eventTransportClosed closedEventKind = iota
	eventProducerClosed
	eventConsumerClosed
	eventDataProducerClosed
	eventDataConsumerClosed
)

// ClosedEvent reports that one of this Session's resources closed, for the
// per-session *_closed signalling subscriptions.
type ClosedEvent struct {
	kind           closedEventKind
	transportID    ids.TransportId
	producerID     ids.ProducerId
	consumerID     ids.ConsumerId
	dataProducerID ids.DataProducerId
	dataConsumerID ids.DataConsumerId
}

// TransportID returns the closed transport's id, valid only for a
// TransportClosed event.
func (e ClosedEvent) TransportID() ids.TransportId { return e.transportID }

// ProducerID returns the closed producer's id, valid only for a
// ProducerClosed event.
func (e ClosedEvent) ProducerID() ids.ProducerId { return e.producerID }

// ConsumerID returns the closed consumer's id, valid only for a
// ConsumerClosed event.
func (e ClosedEvent) ConsumerID() ids.ConsumerId { return e.consumerID }

// DataProducerID returns the closed data producer's id, valid only for a
// DataProducerClosed event.
func (e ClosedEvent) DataProducerID() ids.DataProducerId { return e.dataProducerID }

// DataConsumerID returns the closed data consumer's id, valid only for a
// DataConsumerClosed event.
func (e ClosedEvent) DataConsumerID() ids.DataConsumerId { return e.dataConsumerID }

// IsTransportClosed reports whether this event is a TransportClosed event.
func (e ClosedEvent) IsTransportClosed() bool { return e.kind == eventTransportClosed }

// IsProducerClosed reports whether this event is a ProducerClosed event.
func (e ClosedEvent) IsProducerClosed() bool { return e.kind == eventProducerClosed }

// IsConsumerClosed reports whether this event is a ConsumerClosed event.
func (e ClosedEvent) IsConsumerClosed() bool { return e.kind == eventConsumerClosed }

// IsDataProducerClosed reports whether this event is a DataProducerClosed
// event.
func (e ClosedEvent) IsDataProducerClosed() bool { return e.kind == eventDataProducerClosed }

// IsDataConsumerClosed reports whether this event is a DataConsumerClosed
// event.
func (e ClosedEvent) IsDataConsumerClosed() bool { return e.kind == eventDataConsumerClosed }

// closedEventBus fans a Session's resource-closed events out to every
// signalling subscription currently watching it.
type closedEventBus struct {
	mu          sync.Mutex
	subscribers map[int]chan ClosedEvent
	nextSub     int
	closed      bool
}

func newClosedEventBus() *closedEventBus {
	return &closedEventBus{subscribers: make(map[int]chan ClosedEvent)}
}

// Subscribe returns a channel of closed events and a cancel func releasing
// the subscriber slot. The channel closes if the Session closes.
func (b *closedEventBus) Subscribe() (<-chan ClosedEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	ch := make(chan ClosedEvent, closedEventCapacity)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subscribers[id] = ch

	cancel := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *closedEventBus) publish(ev ClosedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			logging.Warn(context.Background(), "session closed-event subscriber dropped event, slow consumer", zap.Int("subscriber", id))
		}
	}
}

func (b *closedEventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
