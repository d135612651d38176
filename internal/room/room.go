// Package room implements the per-Vulcast logical grouping: a
// lazily-constructed media Router shared by every Session bound to it, and a
// bounded, lossy, ordered event bus fanning newly-opened producers and data
// producers out to subscribers. Grounded on the broadcast-with-drop pattern
// in the teacher's session/room.go, generalized from chat-message fan-out to
// producer-availability fan-out.
package room

import (
	"context"
	"sync"

	"github.com/vulcanrelay/relay/internal/ids"
	"github.com/vulcanrelay/relay/internal/logging"
	"github.com/vulcanrelay/relay/internal/metrics"
	"github.com/vulcanrelay/relay/internal/relayerr"
	"github.com/vulcanrelay/relay/internal/worker"
	"go.uber.org/zap"
)

// busCapacity is the Room event bus's per-subscriber channel capacity.
const busCapacity = 32

// SessionRef is the minimal view a Room needs of a live Session to take an
// available-producers snapshot. session.Session implements this.
type SessionRef interface {
	ID() ids.SessionId
	OpenProducerIDs() []ids.ProducerId
	OpenDataProducerIDs() []ids.DataProducerId
}

type eventKind int

const (
	eventProducerAvailable eventKind = iota
	eventDataProducerAvailable
)

type busEvent struct {
	kind           eventKind
	producerID     ids.ProducerId
	dataProducerID ids.DataProducerId
}

// Room is a per-Vulcast logical grouping owning a lazily-constructed Router
// and broadcasting producer-availability events to its Sessions.
type Room struct {
	id     ids.RoomId
	w      worker.Worker
	codecs []worker.RtpCodecCapability

	routerOnce sync.Once
	router     worker.Router
	routerErr  error

	// onEmpty is invoked synchronously, outside mu, the instant the last
	// Session reference is released -- the relay server deletes the room
	// from its own table in that same call chain, since no weak-pointer
	// equivalent exists in Go; reclamation is immediate map deletion rather
	// than GC-driven.
	onEmpty func(ids.RoomId)

	mu          sync.Mutex
	sessions    map[ids.SessionId]SessionRef
	subscribers map[int]chan busEvent
	nextSub     int
}

// New constructs a Room. codecs is the configured codec capability table
// forwarded to the media worker at Router-creation time.
func New(id ids.RoomId, w worker.Worker, codecs []worker.RtpCodecCapability, onEmpty func(ids.RoomId)) *Room {
	return &Room{
		id:          id,
		w:           w,
		codecs:      codecs,
		onEmpty:     onEmpty,
		sessions:    make(map[ids.SessionId]SessionRef),
		subscribers: make(map[int]chan busEvent),
	}
}

// ID returns the Room's internally-minted identifier.
func (r *Room) ID() ids.RoomId { return r.id }

// Router returns the lazily-created Router, suspending on the first call
// across every caller while the media worker constructs it. A failure on
// the first call is cached and returned to every caller thereafter -- the
// spec does not require retry, and retrying silently would hide a
// misconfigured codec table.
func (r *Room) Router(ctx context.Context) (worker.Router, error) {
	r.routerOnce.Do(func() {
		r.router, r.routerErr = r.w.CreateRouter(ctx, r.codecs)
	})
	return r.router, r.routerErr
}

// AddSession registers session in the Room's weak session index.
func (r *Room) AddSession(session SessionRef) {
	r.mu.Lock()
	r.sessions[session.ID()] = session
	n := len(r.sessions)
	r.mu.Unlock()
	metrics.RoomSessions.WithLabelValues(r.id.String()).Set(float64(n))
}

// RemoveSession releases sessionID from the index. A repeat remove is a
// caller bug; rather than panic (which would take the whole process down),
// this returns an error for the caller to log. When the index empties,
// onEmpty fires synchronously so the relay server can reclaim the Room in
// the same call chain.
func (r *Room) RemoveSession(sessionID ids.SessionId) error {
	r.mu.Lock()
	if _, ok := r.sessions[sessionID]; !ok {
		r.mu.Unlock()
		return relayerr.ErrUnknownSession
	}
	delete(r.sessions, sessionID)
	empty := len(r.sessions) == 0
	n := len(r.sessions)
	r.mu.Unlock()

	metrics.RoomSessions.WithLabelValues(r.id.String()).Set(float64(n))
	if empty && r.onEmpty != nil {
		r.onEmpty(r.id)
	}
	return nil
}

// AnnounceProducer publishes a ProducerAvailable event, silently dropping it
// for any subscriber whose channel is full.
func (r *Room) AnnounceProducer(pid ids.ProducerId) {
	r.publish(busEvent{kind: eventProducerAvailable, producerID: pid})
}

// AnnounceDataProducer publishes a DataProducerAvailable event.
func (r *Room) AnnounceDataProducer(dpid ids.DataProducerId) {
	r.publish(busEvent{kind: eventDataProducerAvailable, dataProducerID: dpid})
}

func (r *Room) publish(ev busEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
			logging.Warn(context.Background(), "room bus subscriber dropped event, slow consumer",
				zap.String("room_id", r.id.String()), zap.Int("subscriber", id))
		}
	}
}

// subscribe registers a new bus subscriber and returns its channel alongside
// a cancel func that must be called to stop receiving and release the slot.
// Callers MUST hold r.mu when computing a snapshot in the same critical
// section as the call to subscribe, so that no event is missed or
// double-delivered: the snapshot of currently-open producers is taken under
// the same lock that admits the subscriber to the bus.
func (r *Room) subscribe() (<-chan busEvent, func()) {
	id := r.nextSub
	r.nextSub++
	ch := make(chan busEvent, busCapacity)
	r.subscribers[id] = ch

	cancel := func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}
	return ch, cancel
}

// AvailableProducers returns a channel that first emits every currently-open
// producer across all live sessions, then every subsequently-announced
// producer, in arrival order. The channel closes when ctx is cancelled.
func (r *Room) AvailableProducers(ctx context.Context) <-chan ids.ProducerId {
	out := make(chan ids.ProducerId, busCapacity)

	r.mu.Lock()
	snapshot := make([]ids.ProducerId, 0)
	for _, s := range r.sessions {
		snapshot = append(snapshot, s.OpenProducerIDs()...)
	}
	ch, cancel := r.subscribe()
	r.mu.Unlock()

	go func() {
		defer close(out)
		defer cancel()

		for _, pid := range snapshot {
			select {
			case out <- pid:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.kind != eventProducerAvailable {
					continue
				}
				select {
				case out <- ev.producerID:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// AvailableDataProducers is the data-producer analogue of AvailableProducers.
func (r *Room) AvailableDataProducers(ctx context.Context) <-chan ids.DataProducerId {
	out := make(chan ids.DataProducerId, busCapacity)

	r.mu.Lock()
	snapshot := make([]ids.DataProducerId, 0)
	for _, s := range r.sessions {
		snapshot = append(snapshot, s.OpenDataProducerIDs()...)
	}
	ch, cancel := r.subscribe()
	r.mu.Unlock()

	go func() {
		defer close(out)
		defer cancel()

		for _, dpid := range snapshot {
			select {
			case out <- dpid:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.kind != eventDataProducerAvailable {
					continue
				}
				select {
				case out <- ev.dataProducerID:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Close releases the Router's media-worker resources. Called by the relay
// server once the Room has been removed from its table and is unreachable.
func (r *Room) Close(ctx context.Context) error {
	if r.router == nil {
		return nil
	}
	return r.router.Close(ctx)
}
