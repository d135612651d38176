package signaling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vulcanrelay/relay/internal/identity"
	"github.com/vulcanrelay/relay/internal/ids"
	"github.com/vulcanrelay/relay/internal/relay"
	"github.com/vulcanrelay/relay/internal/session"
	"github.com/vulcanrelay/relay/internal/worker"
	"github.com/vulcanrelay/relay/internal/worker/fakeworker"
)

// fakeWSConn is an in-memory wsConnection driven entirely by channels, so
// connection tests exercise the real readPump/writePump without a socket.
type fakeWSConn struct {
	toServer chan []byte

	mu       sync.Mutex
	fromSrv  [][]byte
	closed   bool
	closedCh chan struct{}
}

func newFakeWSConn() *fakeWSConn {
	return &fakeWSConn{
		toServer: make(chan []byte, 16),
		closedCh: make(chan struct{}),
	}
}

func (f *fakeWSConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.toServer
	if !ok {
		return 0, nil, assert.AnError
	}
	return 1, data, nil
}

func (f *fakeWSConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.fromSrv = append(f.fromSrv, cp)
	return nil
}

func (f *fakeWSConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWSConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.closedCh)
	}
	return nil
}

func (f *fakeWSConn) sendClientFrame(t *testing.T, frame ClientFrame) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	f.toServer <- data
}

func (f *fakeWSConn) framesSent() []ServerFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	frames := make([]ServerFrame, 0, len(f.fromSrv))
	for _, raw := range f.fromSrv {
		var frame ServerFrame
		_ = json.Unmarshal(raw, &frame)
		frames = append(frames, frame)
	}
	return frames
}

func (f *fakeWSConn) waitForFrame(t *testing.T, pred func(ServerFrame) bool) ServerFrame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, frame := range f.framesSent() {
			if pred(frame) {
				return frame
			}
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatal("timed out waiting for expected frame")
		}
	}
}

func newTestRelayServer() *relay.Server {
	return relay.New(fakeworker.New(), nil, worker.TransportListenIp{Ip: "127.0.0.1"})
}

func TestConnection_InitThenRequestResponse(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := newTestRelayServer()
	token, err := r.RegisterSession(ids.ForeignSessionId("vulcast"), identity.SessionOptions{Role: identity.RoleVulcast})
	require.NoError(t, err)

	conn := newFakeWSConn()
	c := NewConnection(conn, r, ids.NilSessionToken)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Serve(ctx)
		close(done)
	}()

	payload, err := json.Marshal(ConnectionInitPayload{Token: token.String()})
	require.NoError(t, err)
	conn.sendClientFrame(t, ClientFrame{Type: ClientConnectionInit, Payload: payload})

	conn.waitForFrame(t, func(f ServerFrame) bool { return f.Type == ServerConnectionAck })

	startPayload, err := json.Marshal(StartPayload{OperationName: OpServerRtpCapabilities})
	require.NoError(t, err)
	conn.sendClientFrame(t, ClientFrame{Type: ClientStart, ID: "op1", Payload: startPayload})

	conn.waitForFrame(t, func(f ServerFrame) bool { return f.Type == ServerData && f.ID == "op1" })
	conn.waitForFrame(t, func(f ServerFrame) bool { return f.Type == ServerComplete && f.ID == "op1" })

	conn.sendClientFrame(t, ClientFrame{Type: ClientConnectionTerminate})
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after connection_terminate")
	}
}

func TestConnection_StartBeforeInitFailsUnauthorized(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := newTestRelayServer()
	conn := newFakeWSConn()
	c := NewConnection(conn, r, ids.NilSessionToken)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Serve(ctx)
		close(done)
	}()

	startPayload, err := json.Marshal(StartPayload{OperationName: OpServerRtpCapabilities})
	require.NoError(t, err)
	conn.sendClientFrame(t, ClientFrame{Type: ClientStart, ID: "op1", Payload: startPayload})

	frame := conn.waitForFrame(t, func(f ServerFrame) bool { return f.Type == ServerError && f.ID == "op1" })
	assert.Equal(t, "op1", frame.ID)

	conn.sendClientFrame(t, ClientFrame{Type: ClientConnectionTerminate})
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after connection_terminate")
	}
}

func TestConnection_BadTokenSendsConnectionError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := newTestRelayServer()
	conn := newFakeWSConn()
	c := NewConnection(conn, r, ids.NilSessionToken)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		c.Serve(ctx)
		close(done)
	}()

	payload, err := json.Marshal(ConnectionInitPayload{Token: ids.NewSessionToken().String()})
	require.NoError(t, err)
	conn.sendClientFrame(t, ClientFrame{Type: ClientConnectionInit, Payload: payload})

	frame := conn.waitForFrame(t, func(f ServerFrame) bool { return f.Type == ServerError && f.ID == "" })
	assert.NotEmpty(t, frame.Payload)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after unauthorized connection_init")
	}
}

func TestConnection_SubscriptionDeliversAndStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r := newTestRelayServer()
	vulcastToken, err := r.RegisterSession(ids.ForeignSessionId("vulcast"), identity.SessionOptions{Role: identity.RoleVulcast})
	require.NoError(t, err)
	require.NoError(t, r.RegisterRoom(ids.ForeignRoomId("room"), ids.ForeignSessionId("vulcast")))
	webToken, err := r.RegisterSession(ids.ForeignSessionId("web"), identity.SessionOptions{Role: identity.RoleWebClient, ForeignRoomId: ids.ForeignRoomId("room")})
	require.NoError(t, err)

	vulcastConn := newFakeWSConn()
	vulcastConnection := NewConnection(vulcastConn, r, ids.NilSessionToken)
	vulcastCtx, vulcastCancel := context.WithCancel(context.Background())
	vulcastDone := make(chan struct{})
	go func() { vulcastConnection.Serve(vulcastCtx); close(vulcastDone) }()

	vulcastInit, _ := json.Marshal(ConnectionInitPayload{Token: vulcastToken.String()})
	vulcastConn.sendClientFrame(t, ClientFrame{Type: ClientConnectionInit, Payload: vulcastInit})
	vulcastConn.waitForFrame(t, func(f ServerFrame) bool { return f.Type == ServerConnectionAck })

	webConn := newFakeWSConn()
	c := NewConnection(webConn, r, ids.NilSessionToken)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { c.Serve(ctx); close(done) }()

	webInit, _ := json.Marshal(ConnectionInitPayload{Token: webToken.String()})
	webConn.sendClientFrame(t, ClientFrame{Type: ClientConnectionInit, Payload: webInit})
	webConn.waitForFrame(t, func(f ServerFrame) bool { return f.Type == ServerConnectionAck })

	subStart, _ := json.Marshal(StartPayload{OperationName: SubProducerAvailable})
	webConn.sendClientFrame(t, ClientFrame{Type: ClientStart, ID: "sub1", Payload: subStart})

	createTransport, _ := json.Marshal(StartPayload{OperationName: OpCreateWebRtcTransport})
	vulcastConn.sendClientFrame(t, ClientFrame{Type: ClientStart, ID: "t1", Payload: createTransport})
	transportFrame := vulcastConn.waitForFrame(t, func(f ServerFrame) bool { return f.Type == ServerData && f.ID == "t1" })
	transportPayload, err := json.Marshal(transportFrame.Payload)
	require.NoError(t, err)
	var transportResult session.WebRtcTransportOptions
	require.NoError(t, json.Unmarshal(transportPayload, &transportResult))

	connectArgs, _ := json.Marshal(connectWebRtcTransportArgs{TransportID: transportResult.ID, DtlsParameters: []byte(`{}`)})
	connectStart, _ := json.Marshal(StartPayload{OperationName: OpConnectWebRtcTransport, Variables: connectArgs})
	vulcastConn.sendClientFrame(t, ClientFrame{Type: ClientStart, ID: "c1", Payload: connectStart})
	vulcastConn.waitForFrame(t, func(f ServerFrame) bool { return f.Type == ServerComplete && f.ID == "c1" })

	produceArgsData, _ := json.Marshal(produceArgs{TransportID: transportResult.ID, Kind: worker.MediaKindAudio, RtpParameters: []byte(`{}`)})
	produceStart, _ := json.Marshal(StartPayload{OperationName: OpProduce, Variables: produceArgsData})
	vulcastConn.sendClientFrame(t, ClientFrame{Type: ClientStart, ID: "p1", Payload: produceStart})
	vulcastConn.waitForFrame(t, func(f ServerFrame) bool { return f.Type == ServerComplete && f.ID == "p1" })

	webConn.waitForFrame(t, func(f ServerFrame) bool { return f.Type == ServerData && f.ID == "sub1" })

	webConn.sendClientFrame(t, ClientFrame{Type: ClientStop, ID: "sub1"})
	webConn.waitForFrame(t, func(f ServerFrame) bool { return f.Type == ServerComplete && f.ID == "sub1" })

	webConn.sendClientFrame(t, ClientFrame{Type: ClientConnectionTerminate})
	vulcastConn.sendClientFrame(t, ClientFrame{Type: ClientConnectionTerminate})
	cancel()
	vulcastCancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("web Serve did not return")
	}
	select {
	case <-vulcastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("vulcast Serve did not return")
	}
}
