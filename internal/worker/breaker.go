package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sony/gobreaker"
	"github.com/vulcanrelay/relay/internal/logging"
	"github.com/vulcanrelay/relay/internal/metrics"
	"github.com/vulcanrelay/relay/internal/relayerr"
	"go.uber.org/zap"
)

// BreakerWorker wraps a Worker so that a misbehaving or unreachable native
// worker process degrades to WorkerError instead of hanging every session
// that touches it. Grounded on pkg/sfu/client.go's gobreaker.Settings and
// bus/redis.go's Execute-then-translate-ErrOpenState pattern.
type BreakerWorker struct {
	inner Worker
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerWorker wraps inner with a circuit breaker named for metrics and
// logging purposes.
func NewBreakerWorker(inner Worker, name string) *BreakerWorker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateClosed:
				v = 0
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.WorkerCircuitBreakerState.WithLabelValues(name).Set(v)
		},
	}
	return &BreakerWorker{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerWorker) CreateRouter(ctx context.Context, mediaCodecs []RtpCodecCapability) (Router, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.CreateRouter(ctx, mediaCodecs)
	})
	if err != nil {
		return nil, b.translate("create_router", err)
	}
	return b.wrapRouter(v.(Router)), nil
}

// Healthy reports whether the circuit breaker guarding the media worker is
// not currently open, satisfying internal/health.WorkerChecker.
func (b *BreakerWorker) Healthy() bool {
	return b.cb.State() != gobreaker.StateOpen
}

func (b *BreakerWorker) Close(ctx context.Context) error {
	_, err := b.cb.Execute(func() (interface{}, error) { return nil, b.inner.Close(ctx) })
	return b.translate("close_worker", err)
}

func (b *BreakerWorker) translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		metrics.WorkerCircuitBreakerTrips.WithLabelValues(b.cb.Name()).Inc()
		logging.Warn(context.Background(), "worker circuit breaker rejected call", zap.String("op", op), zap.String("breaker", b.cb.Name()))
	}
	return relayerr.NewWorkerError(op, err)
}

// breakerRouter wraps a Router's transport-creation calls the same way.
// Only CreateWebRtcTransport and CreatePlainTransport go through the
// breaker; the transports they return are not wrapped, so connect, produce,
// consume, data and stats calls on them reach the worker directly.
type breakerRouter struct {
	inner Router
	cb    *gobreaker.CircuitBreaker
	name  string
}

func (b *BreakerWorker) wrapRouter(r Router) Router {
	return &breakerRouter{inner: r, cb: b.cb, name: b.cb.Name()}
}

func (r *breakerRouter) ID() string                        { return r.inner.ID() }
func (r *breakerRouter) RtpCapabilities() json.RawMessage   { return r.inner.RtpCapabilities() }
func (r *breakerRouter) Close(ctx context.Context) error    { return r.inner.Close(ctx) }

func (r *breakerRouter) CreateWebRtcTransport(ctx context.Context, listenIp TransportListenIp) (WebRtcTransport, error) {
	v, err := r.cb.Execute(func() (interface{}, error) { return r.inner.CreateWebRtcTransport(ctx, listenIp) })
	if err != nil {
		return nil, relayerr.NewWorkerError("create_webrtc_transport", err)
	}
	return v.(WebRtcTransport), nil
}

func (r *breakerRouter) CreatePlainTransport(ctx context.Context, listenIp TransportListenIp) (PlainTransport, error) {
	v, err := r.cb.Execute(func() (interface{}, error) { return r.inner.CreatePlainTransport(ctx, listenIp) })
	if err != nil {
		return nil, relayerr.NewWorkerError("create_plain_transport", err)
	}
	return v.(PlainTransport), nil
}
