package signaling

import (
	"context"

	"github.com/vulcanrelay/relay/internal/ids"
	"github.com/vulcanrelay/relay/internal/session"
)

// Subscription operation names.
const (
	SubProducerAvailable     = "producer_available"
	SubDataProducerAvailable = "data_producer_available"
	SubTransportClosed       = "transport_closed"
	SubProducerClosed        = "producer_closed"
	SubConsumerClosed        = "consumer_closed"
	SubDataProducerClosed    = "data_producer_closed"
	SubDataConsumerClosed    = "data_consumer_closed"
)

func isSubscription(op string) bool {
	switch op {
	case SubProducerAvailable, SubDataProducerAvailable, SubTransportClosed,
		SubProducerClosed, SubConsumerClosed, SubDataProducerClosed, SubDataConsumerClosed:
		return true
	default:
		return false
	}
}

// closedEventPayload is the wire shape of a *_closed subscription's data
// frames; only the field matching the subscribed kind is populated.
type closedEventPayload struct {
	TransportID    ids.TransportId    `json:"transportId,omitempty"`
	ProducerID     ids.ProducerId     `json:"producerId,omitempty"`
	ConsumerID     ids.ConsumerId     `json:"consumerId,omitempty"`
	DataProducerID ids.DataProducerId `json:"dataProducerId,omitempty"`
	DataConsumerID ids.DataConsumerId `json:"dataConsumerId,omitempty"`
}

func matchesClosedSub(op string, ev session.ClosedEvent) bool {
	switch op {
	case SubTransportClosed:
		return ev.IsTransportClosed()
	case SubProducerClosed:
		return ev.IsProducerClosed()
	case SubConsumerClosed:
		return ev.IsConsumerClosed()
	case SubDataProducerClosed:
		return ev.IsDataProducerClosed()
	case SubDataConsumerClosed:
		return ev.IsDataConsumerClosed()
	default:
		return false
	}
}

func toClosedEventPayload(ev session.ClosedEvent) closedEventPayload {
	switch {
	case ev.IsTransportClosed():
		return closedEventPayload{TransportID: ev.TransportID()}
	case ev.IsProducerClosed():
		return closedEventPayload{ProducerID: ev.ProducerID()}
	case ev.IsConsumerClosed():
		return closedEventPayload{ConsumerID: ev.ConsumerID()}
	case ev.IsDataProducerClosed():
		return closedEventPayload{DataProducerID: ev.DataProducerID()}
	case ev.IsDataConsumerClosed():
		return closedEventPayload{DataConsumerID: ev.DataConsumerID()}
	default:
		return closedEventPayload{}
	}
}

// runSubscription drives op until ctx is cancelled (by a "stop" frame or
// connection teardown), invoking emit for every event. The Room's bus and
// the Session's closed-event bus are both bounded and lossy under
// backpressure; this just forwards whatever they deliver.
func runSubscription(ctx context.Context, sess *session.Session, op string, emit func(any)) {
	switch op {
	case SubProducerAvailable:
		for pid := range sess.Room().AvailableProducers(ctx) {
			emit(producerIDResult{ProducerID: pid})
		}

	case SubDataProducerAvailable:
		for dpid := range sess.Room().AvailableDataProducers(ctx) {
			emit(dataProducerIDResult{DataProducerID: dpid})
		}

	case SubTransportClosed, SubProducerClosed, SubConsumerClosed, SubDataProducerClosed, SubDataConsumerClosed:
		events, cancel := sess.SubscribeClosed()
		defer cancel()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if matchesClosedSub(op, ev) {
					emit(toClosedEventPayload(ev))
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
