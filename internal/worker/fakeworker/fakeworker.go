// Package fakeworker is an in-memory stand-in for the native media worker,
// used by internal/room, internal/session, internal/relay and
// internal/signaling tests so they can exercise real call sequences without
// a mediasoup process. Grounded on the teacher's mock_sfu_test.go shape
// (mutex-guarded call counters, ShouldFail toggles) generalized from a
// single gRPC SFU client to the full Worker/Router/Transport/Producer
// collaborator surface.
package fakeworker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/vulcanrelay/relay/internal/ids"
	"github.com/vulcanrelay/relay/internal/worker"
)

// Worker is a fake worker.Worker.
type Worker struct {
	mu               sync.Mutex
	ShouldFailRouter bool
	routersCreated   int
}

func New() *Worker { return &Worker{} }

func (w *Worker) CreateRouter(ctx context.Context, codecs []worker.RtpCodecCapability) (worker.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ShouldFailRouter {
		return nil, errFake("create_router")
	}
	w.routersCreated++
	return newRouter(), nil
}

func (w *Worker) Close(ctx context.Context) error { return nil }

func (w *Worker) RoutersCreated() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.routersCreated
}

type fakeErr string

func errFake(op string) error { return fakeErr(op) }
func (e fakeErr) Error() string { return "fakeworker: " + string(e) + " failed" }

// Router is a fake worker.Router.
type Router struct {
	id string
}

func newRouter() *Router { return &Router{id: uuid.NewString()} }

func (r *Router) ID() string                      { return r.id }
func (r *Router) RtpCapabilities() json.RawMessage { return json.RawMessage(`{"codecs":[]}`) }
func (r *Router) Close(ctx context.Context) error  { return nil }

func (r *Router) CreateWebRtcTransport(ctx context.Context, listenIp worker.TransportListenIp) (worker.WebRtcTransport, error) {
	return newWebRtcTransport(), nil
}

func (r *Router) CreatePlainTransport(ctx context.Context, listenIp worker.TransportListenIp) (worker.PlainTransport, error) {
	return newPlainTransport(), nil
}

type webrtcTransport struct {
	id     ids.TransportId
	closed chan struct{}
	once   sync.Once
}

func newWebRtcTransport() *webrtcTransport {
	return &webrtcTransport{id: ids.TransportId(uuid.NewString()), closed: make(chan struct{})}
}

func (t *webrtcTransport) ID() ids.TransportId          { return t.id }
func (t *webrtcTransport) Closed() <-chan struct{}      { return t.closed }
func (t *webrtcTransport) IceParameters() json.RawMessage   { return json.RawMessage(`{}`) }
func (t *webrtcTransport) IceCandidates() json.RawMessage   { return json.RawMessage(`[]`) }
func (t *webrtcTransport) DtlsParameters() json.RawMessage  { return json.RawMessage(`{}`) }
func (t *webrtcTransport) SctpParameters() json.RawMessage  { return json.RawMessage(`{}`) }

func (t *webrtcTransport) Close(ctx context.Context) error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *webrtcTransport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	return nil
}

func (t *webrtcTransport) Produce(ctx context.Context, kind worker.MediaKind, rtpParameters json.RawMessage) (worker.Producer, error) {
	return newProducer(kind), nil
}

func (t *webrtcTransport) Consume(ctx context.Context, producerID ids.ProducerId, rtpCapabilities json.RawMessage) (worker.Consumer, error) {
	return newConsumer(producerID), nil
}

func (t *webrtcTransport) ProduceData(ctx context.Context, sctpStreamParameters json.RawMessage) (worker.DataProducer, error) {
	return newDataProducer(), nil
}

func (t *webrtcTransport) ConsumeData(ctx context.Context, dataProducerID ids.DataProducerId) (worker.DataConsumer, error) {
	return newDataConsumer(dataProducerID), nil
}

type plainTransport struct {
	id     ids.TransportId
	closed chan struct{}
	once   sync.Once
}

func newPlainTransport() *plainTransport {
	return &plainTransport{id: ids.TransportId(uuid.NewString()), closed: make(chan struct{})}
}

func (t *plainTransport) ID() ids.TransportId     { return t.id }
func (t *plainTransport) Closed() <-chan struct{} { return t.closed }
func (t *plainTransport) Tuple() json.RawMessage  { return json.RawMessage(`{}`) }

func (t *plainTransport) Close(ctx context.Context) error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *plainTransport) Produce(ctx context.Context, kind worker.MediaKind, rtpParameters json.RawMessage) (worker.Producer, error) {
	return newProducer(kind), nil
}

type producer struct {
	id     ids.ProducerId
	kind   worker.MediaKind
	closed chan struct{}
	once   sync.Once
}

func newProducer(kind worker.MediaKind) *producer {
	return &producer{id: ids.ProducerId(uuid.NewString()), kind: kind, closed: make(chan struct{})}
}

func (p *producer) ID() ids.ProducerId        { return p.id }
func (p *producer) Kind() worker.MediaKind    { return p.kind }
func (p *producer) Closed() <-chan struct{}   { return p.closed }
func (p *producer) Stats(ctx context.Context) (json.RawMessage, error) { return json.RawMessage(`{}`), nil }

func (p *producer) Close(ctx context.Context) error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

type consumer struct {
	id         ids.ConsumerId
	producerID ids.ProducerId
	closed     chan struct{}
	once       sync.Once
}

func newConsumer(producerID ids.ProducerId) *consumer {
	return &consumer{id: ids.ConsumerId(uuid.NewString()), producerID: producerID, closed: make(chan struct{})}
}

func (c *consumer) ID() ids.ConsumerId               { return c.id }
func (c *consumer) ProducerID() ids.ProducerId        { return c.producerID }
func (c *consumer) Kind() worker.MediaKind            { return worker.MediaKindVideo }
func (c *consumer) RtpParameters() json.RawMessage    { return json.RawMessage(`{}`) }
func (c *consumer) Resume(ctx context.Context) error  { return nil }
func (c *consumer) Closed() <-chan struct{}           { return c.closed }
func (c *consumer) Stats(ctx context.Context) (json.RawMessage, error) { return json.RawMessage(`{}`), nil }

func (c *consumer) Close(ctx context.Context) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type dataProducer struct {
	id     ids.DataProducerId
	closed chan struct{}
	once   sync.Once
}

func newDataProducer() *dataProducer {
	return &dataProducer{id: ids.DataProducerId(uuid.NewString()), closed: make(chan struct{})}
}

func (d *dataProducer) ID() ids.DataProducerId { return d.id }
func (d *dataProducer) Closed() <-chan struct{} { return d.closed }
func (d *dataProducer) Stats(ctx context.Context) (json.RawMessage, error) { return json.RawMessage(`{}`), nil }

func (d *dataProducer) Close(ctx context.Context) error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

type dataConsumer struct {
	id             ids.DataConsumerId
	dataProducerID ids.DataProducerId
	closed         chan struct{}
	once           sync.Once
}

func newDataConsumer(dataProducerID ids.DataProducerId) *dataConsumer {
	return &dataConsumer{id: ids.DataConsumerId(uuid.NewString()), dataProducerID: dataProducerID, closed: make(chan struct{})}
}

func (d *dataConsumer) ID() ids.DataConsumerId             { return d.id }
func (d *dataConsumer) DataProducerID() ids.DataProducerId { return d.dataProducerID }
func (d *dataConsumer) SctpStreamParameters() json.RawMessage { return json.RawMessage(`{}`) }
func (d *dataConsumer) Closed() <-chan struct{}            { return d.closed }
func (d *dataConsumer) Stats(ctx context.Context) (json.RawMessage, error) { return json.RawMessage(`{}`), nil }

func (d *dataConsumer) Close(ctx context.Context) error {
	d.once.Do(func() { close(d.closed) })
	return nil
}
