// Package session implements the per-peer resource holder: a
// Session owns a peer's WebRTC/plain transports, producers, consumers, data
// producers and data consumers, and applies the signalling operations that
// mutate them. Grounded on the resource/connection lifecycle idiom in the
// teacher's session/client.go, generalized from chat-room membership to
// WebRTC resource ownership.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/vulcanrelay/relay/internal/identity"
	"github.com/vulcanrelay/relay/internal/ids"
	"github.com/vulcanrelay/relay/internal/logging"
	"github.com/vulcanrelay/relay/internal/relayerr"
	"github.com/vulcanrelay/relay/internal/room"
	"github.com/vulcanrelay/relay/internal/worker"
	"go.uber.org/zap"
)

// ResourceType names a quota-tracked resource kind.
type ResourceType string

const (
	ResourceWebRtcTransport ResourceType = "webrtc_transport"
	ResourcePlainTransport  ResourceType = "plain_transport"
	ResourceProducer        ResourceType = "producer"
	ResourceConsumer        ResourceType = "consumer"
	ResourceDataProducer    ResourceType = "data_producer"
	ResourceDataConsumer    ResourceType = "data_consumer"
)

// DefaultQuotas are the default per-session resource limits, enforced by
// the signalling dispatcher, not by Session itself.
var DefaultQuotas = map[ResourceType]int{
	ResourceWebRtcTransport: 2,
	ResourcePlainTransport:  2,
	ResourceProducer:        2,
	ResourceConsumer:        2,
	ResourceDataProducer:    2,
	ResourceDataConsumer:    128,
}

type webrtcTransportEntry struct {
	t         worker.WebRtcTransport
	connected bool
}

type plainTransportEntry struct {
	t worker.PlainTransport
}

// Session is the per-peer resource holder bound to exactly one Room for its
// lifetime.
type Session struct {
	id       ids.SessionId
	room     *room.Room
	options  identity.SessionOptions
	listenIp worker.TransportListenIp

	done      chan struct{}
	closeOnce sync.Once

	mu              sync.Mutex
	rtpCapabilities []byte
	webrtcTransports map[ids.TransportId]*webrtcTransportEntry
	plainTransports  map[ids.TransportId]*plainTransportEntry
	producers        map[ids.ProducerId]worker.Producer
	consumers        map[ids.ConsumerId]worker.Consumer
	dataProducers    map[ids.DataProducerId]worker.DataProducer
	dataConsumers    map[ids.DataConsumerId]worker.DataConsumer

	events *closedEventBus
}

// New constructs a Session bound to r, and registers it in r's session
// index. Callers must eventually call Close.
func New(r *room.Room, options identity.SessionOptions, listenIp worker.TransportListenIp) *Session {
	s := &Session{
		id:               ids.NewSessionId(),
		room:             r,
		options:          options,
		listenIp:         listenIp,
		done:             make(chan struct{}),
		webrtcTransports: make(map[ids.TransportId]*webrtcTransportEntry),
		plainTransports:  make(map[ids.TransportId]*plainTransportEntry),
		producers:        make(map[ids.ProducerId]worker.Producer),
		consumers:        make(map[ids.ConsumerId]worker.Consumer),
		dataProducers:    make(map[ids.DataProducerId]worker.DataProducer),
		dataConsumers:    make(map[ids.DataConsumerId]worker.DataConsumer),
		events:           newClosedEventBus(),
	}
	r.AddSession(s)
	return s
}

// ID returns the Session's internally-minted identifier.
func (s *Session) ID() ids.SessionId { return s.id }

// Options returns the role/foreign-room binding this Session was created
// with.
func (s *Session) Options() identity.SessionOptions { return s.options }

// Room returns the Room this Session is bound to for its lifetime.
func (s *Session) Room() *room.Room { return s.room }

// SetRtpCapabilities records caps, replacing any prior value. No failure
// mode.
func (s *Session) SetRtpCapabilities(caps []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rtpCapabilities = caps
}

func (s *Session) rtpCaps() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtpCapabilities, s.rtpCapabilities != nil
}

// WebRtcTransportOptions is returned from CreateWebRtcTransport.
type WebRtcTransportOptions struct {
	ID             ids.TransportId `json:"id"`
	IceParameters  json.RawMessage `json:"iceParameters"`
	IceCandidates  json.RawMessage `json:"iceCandidates"`
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
	SctpParameters json.RawMessage `json:"sctpParameters"`
}

// PlainTransportOptions is returned from CreatePlainTransport.
type PlainTransportOptions struct {
	ID    ids.TransportId `json:"id"`
	Tuple json.RawMessage `json:"tuple"`
}

// ConsumerOptions is returned from Consume.
type ConsumerOptions struct {
	ID            ids.ConsumerId   `json:"id"`
	ProducerID    ids.ProducerId   `json:"producerId"`
	Kind          worker.MediaKind `json:"kind"`
	RtpParameters json.RawMessage  `json:"rtpParameters"`
}

// DataConsumerOptions is returned from ConsumeData.
type DataConsumerOptions struct {
	ID                   ids.DataConsumerId `json:"id"`
	DataProducerID       ids.DataProducerId `json:"dataProducerId"`
	SctpStreamParameters json.RawMessage    `json:"sctpStreamParameters"`
}

// CreateWebRtcTransport requests the Room's Router to allocate a WebRTC
// transport with SCTP enabled and records it.
func (s *Session) CreateWebRtcTransport(ctx context.Context) (WebRtcTransportOptions, error) {
	router, err := s.room.Router(ctx)
	if err != nil {
		return WebRtcTransportOptions{}, relayerr.NewWorkerError("create_webrtc_transport", err)
	}
	t, err := router.CreateWebRtcTransport(ctx, s.listenIp)
	if err != nil {
		return WebRtcTransportOptions{}, relayerr.NewWorkerError("create_webrtc_transport", err)
	}

	s.mu.Lock()
	s.webrtcTransports[t.ID()] = &webrtcTransportEntry{t: t}
	s.mu.Unlock()
	s.watchClose(t.Closed(), func() { s.removeWebRtcTransport(t.ID()) })

	return WebRtcTransportOptions{
		ID:             t.ID(),
		IceParameters:  t.IceParameters(),
		IceCandidates:  t.IceCandidates(),
		DtlsParameters: t.DtlsParameters(),
		SctpParameters: t.SctpParameters(),
	}, nil
}

// CreatePlainTransport allocates a plain transport configured for comedia.
func (s *Session) CreatePlainTransport(ctx context.Context) (PlainTransportOptions, error) {
	router, err := s.room.Router(ctx)
	if err != nil {
		return PlainTransportOptions{}, relayerr.NewWorkerError("create_plain_transport", err)
	}
	t, err := router.CreatePlainTransport(ctx, s.listenIp)
	if err != nil {
		return PlainTransportOptions{}, relayerr.NewWorkerError("create_plain_transport", err)
	}

	s.mu.Lock()
	s.plainTransports[t.ID()] = &plainTransportEntry{t: t}
	s.mu.Unlock()
	s.watchClose(t.Closed(), func() { s.removePlainTransport(t.ID()) })

	return PlainTransportOptions{ID: t.ID(), Tuple: t.Tuple()}, nil
}

// ConnectWebRtcTransport negotiates DTLS for tid. connect_* may only be
// invoked once per transport; a second attempt is a WorkerError.
func (s *Session) ConnectWebRtcTransport(ctx context.Context, tid ids.TransportId, dtlsParameters []byte) error {
	s.mu.Lock()
	entry, ok := s.webrtcTransports[tid]
	if !ok {
		s.mu.Unlock()
		return relayerr.ErrTransportNotFound
	}
	if entry.connected {
		s.mu.Unlock()
		return relayerr.NewWorkerError("connect_webrtc_transport", relayerr.ErrTransportAlreadyUsed)
	}
	s.mu.Unlock()

	if err := entry.t.Connect(ctx, dtlsParameters); err != nil {
		return relayerr.NewWorkerError("connect_webrtc_transport", err)
	}

	s.mu.Lock()
	entry.connected = true
	s.mu.Unlock()
	return nil
}

// Consume creates a Consumer, always in the paused state; the caller
// resumes it once the client-side consumer is ready.
func (s *Session) Consume(ctx context.Context, tid ids.TransportId, producerID ids.ProducerId) (ConsumerOptions, error) {
	caps, ok := s.rtpCaps()
	if !ok {
		return ConsumerOptions{}, relayerr.ErrMissingRtpCapabilities
	}
	s.mu.Lock()
	entry, ok := s.webrtcTransports[tid]
	s.mu.Unlock()
	if !ok {
		return ConsumerOptions{}, relayerr.ErrTransportNotFound
	}

	c, err := entry.t.Consume(ctx, producerID, caps)
	if err != nil {
		return ConsumerOptions{}, relayerr.NewWorkerError("consume", err)
	}

	s.mu.Lock()
	s.consumers[c.ID()] = c
	s.mu.Unlock()
	s.watchClose(c.Closed(), func() { s.removeConsumer(c.ID()) })

	return ConsumerOptions{ID: c.ID(), ProducerID: c.ProducerID(), Kind: c.Kind(), RtpParameters: c.RtpParameters()}, nil
}

// ConsumerResume resumes a previously-paused Consumer.
func (s *Session) ConsumerResume(ctx context.Context, cid ids.ConsumerId) error {
	s.mu.Lock()
	c, ok := s.consumers[cid]
	s.mu.Unlock()
	if !ok {
		return relayerr.ErrConsumerNotFound
	}
	if err := c.Resume(ctx); err != nil {
		return relayerr.NewWorkerError("consumer_resume", err)
	}
	return nil
}

// Produce creates a Producer on a WebRTC transport. On success the Room is
// notified via AnnounceProducer.
func (s *Session) Produce(ctx context.Context, tid ids.TransportId, kind worker.MediaKind, rtpParameters []byte) (ids.ProducerId, error) {
	s.mu.Lock()
	entry, ok := s.webrtcTransports[tid]
	s.mu.Unlock()
	if !ok {
		return "", relayerr.ErrTransportNotFound
	}

	p, err := entry.t.Produce(ctx, kind, rtpParameters)
	if err != nil {
		return "", relayerr.NewWorkerError("produce", err)
	}

	s.mu.Lock()
	s.producers[p.ID()] = p
	s.mu.Unlock()
	s.watchClose(p.Closed(), func() { s.removeProducer(p.ID()) })
	s.room.AnnounceProducer(p.ID())

	return p.ID(), nil
}

// ProducePlain creates a Producer on a plain transport, also announcing it
// to the Room.
func (s *Session) ProducePlain(ctx context.Context, tid ids.TransportId, kind worker.MediaKind, rtpParameters []byte) (ids.ProducerId, error) {
	s.mu.Lock()
	entry, ok := s.plainTransports[tid]
	s.mu.Unlock()
	if !ok {
		return "", relayerr.ErrTransportNotFound
	}

	p, err := entry.t.Produce(ctx, kind, rtpParameters)
	if err != nil {
		return "", relayerr.NewWorkerError("produce_plain", err)
	}

	s.mu.Lock()
	s.producers[p.ID()] = p
	s.mu.Unlock()
	s.watchClose(p.Closed(), func() { s.removeProducer(p.ID()) })
	s.room.AnnounceProducer(p.ID())

	return p.ID(), nil
}

// ConsumeData creates a DataConsumer for dataProducerID.
func (s *Session) ConsumeData(ctx context.Context, tid ids.TransportId, dataProducerID ids.DataProducerId) (DataConsumerOptions, error) {
	s.mu.Lock()
	entry, ok := s.webrtcTransports[tid]
	s.mu.Unlock()
	if !ok {
		return DataConsumerOptions{}, relayerr.ErrTransportNotFound
	}

	dc, err := entry.t.ConsumeData(ctx, dataProducerID)
	if err != nil {
		return DataConsumerOptions{}, relayerr.NewWorkerError("consume_data", err)
	}

	s.mu.Lock()
	s.dataConsumers[dc.ID()] = dc
	s.mu.Unlock()
	s.watchClose(dc.Closed(), func() { s.removeDataConsumer(dc.ID()) })

	return DataConsumerOptions{ID: dc.ID(), DataProducerID: dc.DataProducerID(), SctpStreamParameters: dc.SctpStreamParameters()}, nil
}

// ProduceData creates a DataProducer, announcing DataProducerAvailable to
// the Room.
func (s *Session) ProduceData(ctx context.Context, tid ids.TransportId, sctpStreamParameters []byte) (ids.DataProducerId, error) {
	s.mu.Lock()
	entry, ok := s.webrtcTransports[tid]
	s.mu.Unlock()
	if !ok {
		return "", relayerr.ErrTransportNotFound
	}

	dp, err := entry.t.ProduceData(ctx, sctpStreamParameters)
	if err != nil {
		return "", relayerr.NewWorkerError("produce_data", err)
	}

	s.mu.Lock()
	s.dataProducers[dp.ID()] = dp
	s.mu.Unlock()
	s.watchClose(dp.Closed(), func() { s.removeDataProducer(dp.ID()) })
	s.room.AnnounceDataProducer(dp.ID())

	return dp.ID(), nil
}

// GetResourceCount counts non-closed instances of resourceType. Closed
// resources are removed from their table as soon as their Closed() channel
// fires, so this is simply a map length.
func (s *Session) GetResourceCount(resourceType ResourceType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch resourceType {
	case ResourceWebRtcTransport:
		return len(s.webrtcTransports)
	case ResourcePlainTransport:
		return len(s.plainTransports)
	case ResourceProducer:
		return len(s.producers)
	case ResourceConsumer:
		return len(s.consumers)
	case ResourceDataProducer:
		return len(s.dataProducers)
	case ResourceDataConsumer:
		return len(s.dataConsumers)
	default:
		return 0
	}
}

// OpenProducerIDs implements room.SessionRef.
func (s *Session) OpenProducerIDs() []ids.ProducerId {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ids.ProducerId, 0, len(s.producers))
	for id := range s.producers {
		out = append(out, id)
	}
	return out
}

// OpenDataProducerIDs implements room.SessionRef.
func (s *Session) OpenDataProducerIDs() []ids.DataProducerId {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ids.DataProducerId, 0, len(s.dataProducers))
	for id := range s.dataProducers {
		out = append(out, id)
	}
	return out
}

// Stats is the aggregate worker stats for every resource this Session
// holds.
type Stats struct {
	Transports    map[ids.TransportId]json.RawMessage
	Producers     map[ids.ProducerId]json.RawMessage
	Consumers     map[ids.ConsumerId]json.RawMessage
	DataProducers map[ids.DataProducerId]json.RawMessage
	DataConsumers map[ids.DataConsumerId]json.RawMessage
}

// GetStats fans a stats query out across every held worker resource
// concurrently. Partial per-resource failures are logged and omitted rather
// than failing the whole aggregate.
func (s *Session) GetStats(ctx context.Context) Stats {
	s.mu.Lock()
	webrtc := make(map[ids.TransportId]worker.Transport, len(s.webrtcTransports))
	for id, e := range s.webrtcTransports {
		webrtc[id] = e.t
	}
	plain := make(map[ids.TransportId]worker.Transport, len(s.plainTransports))
	for id, e := range s.plainTransports {
		plain[id] = e.t
	}
	producers := make(map[ids.ProducerId]worker.Producer, len(s.producers))
	for id, p := range s.producers {
		producers[id] = p
	}
	consumers := make(map[ids.ConsumerId]worker.Consumer, len(s.consumers))
	for id, c := range s.consumers {
		consumers[id] = c
	}
	dataProducers := make(map[ids.DataProducerId]worker.DataProducer, len(s.dataProducers))
	for id, dp := range s.dataProducers {
		dataProducers[id] = dp
	}
	dataConsumers := make(map[ids.DataConsumerId]worker.DataConsumer, len(s.dataConsumers))
	for id, dc := range s.dataConsumers {
		dataConsumers[id] = dc
	}
	s.mu.Unlock()

	stats := Stats{
		Transports:    make(map[ids.TransportId]json.RawMessage),
		Producers:     make(map[ids.ProducerId]json.RawMessage),
		Consumers:     make(map[ids.ConsumerId]json.RawMessage),
		DataProducers: make(map[ids.DataProducerId]json.RawMessage),
		DataConsumers: make(map[ids.DataConsumerId]json.RawMessage),
	}
	var mu sync.Mutex
	var wg sync.WaitGroup

	statFn := func(ctx context.Context, op string, fn func(context.Context) (json.RawMessage, error), assign func([]byte)) {
		defer wg.Done()
		raw, err := fn(ctx)
		if err != nil {
			logging.Warn(ctx, "stats query failed for resource, omitting from aggregate", zap.String("op", op), zap.Error(err))
			return
		}
		mu.Lock()
		assign(raw)
		mu.Unlock()
	}

	for id, t := range webrtc {
		wg.Add(1)
		tid, tt := id, t
		go statFn(ctx, "transport_stats", func(ctx context.Context) (json.RawMessage, error) { return nil, notSupported(tt) }, func(b []byte) { stats.Transports[tid] = b })
	}
	for id, t := range plain {
		wg.Add(1)
		tid, tt := id, t
		go statFn(ctx, "transport_stats", func(ctx context.Context) (json.RawMessage, error) { return nil, notSupported(tt) }, func(b []byte) { stats.Transports[tid] = b })
	}
	for id, p := range producers {
		wg.Add(1)
		pid, pp := id, p
		go statFn(ctx, "producer_stats", pp.Stats, func(b []byte) { stats.Producers[pid] = b })
	}
	for id, c := range consumers {
		wg.Add(1)
		cid, cc := id, c
		go statFn(ctx, "consumer_stats", cc.Stats, func(b []byte) { stats.Consumers[cid] = b })
	}
	for id, dp := range dataProducers {
		wg.Add(1)
		dpid, ddp := id, dp
		go statFn(ctx, "data_producer_stats", ddp.Stats, func(b []byte) { stats.DataProducers[dpid] = b })
	}
	for id, dc := range dataConsumers {
		wg.Add(1)
		dcid, ddc := id, dc
		go statFn(ctx, "data_consumer_stats", ddc.Stats, func(b []byte) { stats.DataConsumers[dcid] = b })
	}

	wg.Wait()
	return stats
}

// notSupported reports that the generic worker.Transport interface does not
// expose Stats directly; WebRTC/plain transports' own stats are a superset
// not modeled here, so transport-level stats are reported as unavailable
// rather than guessed at.
func notSupported(t worker.Transport) error {
	return fmt.Errorf("transport %s: stats not exposed on the base Transport interface", t.ID())
}

// watchClose removes the resource from its table (and emits a closed
// event) the instant closed fires, or stops watching once the Session
// itself closes.
func (s *Session) watchClose(closed <-chan struct{}, remove func()) {
	go func() {
		select {
		case <-closed:
			remove()
		case <-s.done:
		}
	}()
}

func (s *Session) removeWebRtcTransport(id ids.TransportId) {
	s.mu.Lock()
	delete(s.webrtcTransports, id)
	s.mu.Unlock()
	s.events.publish(ClosedEvent{kind: eventTransportClosed, transportID: id})
}

func (s *Session) removePlainTransport(id ids.TransportId) {
	s.mu.Lock()
	delete(s.plainTransports, id)
	s.mu.Unlock()
	s.events.publish(ClosedEvent{kind: eventTransportClosed, transportID: id})
}

func (s *Session) removeProducer(id ids.ProducerId) {
	s.mu.Lock()
	delete(s.producers, id)
	s.mu.Unlock()
	s.events.publish(ClosedEvent{kind: eventProducerClosed, producerID: id})
}

func (s *Session) removeConsumer(id ids.ConsumerId) {
	s.mu.Lock()
	delete(s.consumers, id)
	s.mu.Unlock()
	s.events.publish(ClosedEvent{kind: eventConsumerClosed, consumerID: id})
}

func (s *Session) removeDataProducer(id ids.DataProducerId) {
	s.mu.Lock()
	delete(s.dataProducers, id)
	s.mu.Unlock()
	s.events.publish(ClosedEvent{kind: eventDataProducerClosed, dataProducerID: id})
}

func (s *Session) removeDataConsumer(id ids.DataConsumerId) {
	s.mu.Lock()
	delete(s.dataConsumers, id)
	s.mu.Unlock()
	s.events.publish(ClosedEvent{kind: eventDataConsumerClosed, dataConsumerID: id})
}

// SubscribeClosed returns a stream of this Session's resource-closed events
// and a cancel func releasing the subscription.
func (s *Session) SubscribeClosed() (<-chan ClosedEvent, func()) {
	return s.events.Subscribe()
}

// Close releases every resource this Session holds and removes it from its
// Room. Safe to call more than once; only the first call has effect.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		webrtc := s.webrtcTransports
		plain := s.plainTransports
		s.webrtcTransports = nil
		s.plainTransports = nil
		s.mu.Unlock()

		for _, e := range webrtc {
			if closeErr := e.t.Close(ctx); closeErr != nil {
				logging.Warn(ctx, "closing webrtc transport", zap.Error(closeErr))
			}
		}
		for _, e := range plain {
			if closeErr := e.t.Close(ctx); closeErr != nil {
				logging.Warn(ctx, "closing plain transport", zap.Error(closeErr))
			}
		}

		s.events.close()

		if removeErr := s.room.RemoveSession(s.id); removeErr != nil {
			logging.Error(ctx, "removing session from room: unexpected double-remove", zap.Error(removeErr), zap.String("session_id", s.id.String()))
		}
	})
	return err
}
