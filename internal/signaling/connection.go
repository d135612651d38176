package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vulcanrelay/relay/internal/ids"
	"github.com/vulcanrelay/relay/internal/logging"
	"github.com/vulcanrelay/relay/internal/metrics"
	"github.com/vulcanrelay/relay/internal/relay"
	"github.com/vulcanrelay/relay/internal/relayerr"
	"github.com/vulcanrelay/relay/internal/session"
)

const (
	sendBuffer     = 64
	writeWait      = 10 * time.Second
	keepAlivePulse = 20 * time.Second
)

// wsConnection is the subset of *websocket.Conn a Connection needs, so
// tests can drive one against an in-memory fake (grounded on the
// teacher's transport/client.go wsConnection seam).
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection is one Signal API WebSocket, carrying the graphql-ws-style
// framing defined in protocol.go. A Connection has no Session until a
// successful "connection_init" resolves one via the RelayServer; a "start"
// frame before that point fails unauthorized.
type Connection struct {
	conn  wsConnection
	relay *relay.Server

	// cookieToken is used if a "connection_init" payload carries no token
	// of its own; the signal token may instead be delivered as a cookie.
	cookieToken ids.SessionToken

	send      chan ServerFrame
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	token   ids.SessionToken
	session *session.Session
	subs    map[string]context.CancelFunc
}

// NewConnection wraps conn for a single Signal API session lifetime.
func NewConnection(conn wsConnection, relaySrv *relay.Server, cookieToken ids.SessionToken) *Connection {
	return &Connection{
		conn:        conn,
		relay:       relaySrv,
		cookieToken: cookieToken,
		send:        make(chan ServerFrame, sendBuffer),
		done:        make(chan struct{}),
		subs:        make(map[string]context.CancelFunc),
	}
}

// Serve runs the connection's read and write pumps until the client
// disconnects, sends "connection_terminate", or ctx is cancelled. It does
// not return until both pumps have exited.
func (c *Connection) Serve(ctx context.Context) {
	metrics.IncSignalConnection()
	defer metrics.DecSignalConnection()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump()
	}()
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	c.readPump(ctx)
	c.teardown(ctx)
	wg.Wait()
}

func (c *Connection) readPump(ctx context.Context) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendConnectionError(fmt.Sprintf("malformed frame: %v", err))
			return
		}

		switch frame.Type {
		case ClientConnectionInit:
			if !c.handleConnectionInit(ctx, frame) {
				return
			}
		case ClientStart:
			c.handleStart(ctx, frame)
		case ClientStop:
			c.handleStop(frame)
		case ClientConnectionTerminate:
			return
		default:
			c.sendConnectionError(fmt.Sprintf("unknown frame type %q", frame.Type))
			return
		}
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(keepAlivePulse)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.writeFrame(frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.writeFrame(ServerFrame{Type: ServerKeepAlive}); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) writeFrame(frame ServerFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		logging.Error(context.Background(), "signaling: failed to marshal frame", zap.Error(err))
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// handleConnectionInit resolves the signal token to a Session, replying
// connection_ack on success or a connection-level error on failure. It
// returns false when the connection must close.
func (c *Connection) handleConnectionInit(ctx context.Context, frame ClientFrame) bool {
	token := c.cookieToken
	if len(frame.Payload) > 0 {
		var payload ConnectionInitPayload
		if err := json.Unmarshal(frame.Payload, &payload); err == nil && payload.Token != "" {
			token = ids.ParseSessionToken(payload.Token)
		}
	}

	sess, err := c.relay.SessionFromToken(ctx, token)
	if err != nil {
		c.sendConnectionError("unauthorized")
		return false
	}

	c.mu.Lock()
	c.session = sess
	c.token = token
	c.mu.Unlock()

	c.sendFrame(ServerFrame{Type: ServerConnectionAck})
	return true
}

func (c *Connection) activeSession() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// handleStart dispatches a request/response operation inline or spawns a
// subscription goroutine, depending on the operation name.
func (c *Connection) handleStart(ctx context.Context, frame ClientFrame) {
	sess := c.activeSession()
	if sess == nil {
		c.sendOpError(frame.ID, relayerr.ErrUnauthorized)
		return
	}

	var payload StartPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		c.sendConnectionError((&relayerr.ProtocolViolation{Reason: fmt.Sprintf("start: %v", err)}).Error())
		c.Close()
		return
	}

	if isSubscription(payload.OperationName) {
		c.startSubscription(ctx, sess, frame.ID, payload.OperationName)
		return
	}

	start := time.Now()
	result, err := dispatch(ctx, sess, payload.OperationName, payload.Variables)
	metrics.SignalOperationDuration.WithLabelValues(payload.OperationName).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.SignalOperations.WithLabelValues(payload.OperationName, "error").Inc()
		var violation *relayerr.ProtocolViolation
		if errors.As(err, &violation) {
			c.sendConnectionError(violation.Error())
			c.Close()
			return
		}
		c.sendOpError(frame.ID, err)
		return
	}

	metrics.SignalOperations.WithLabelValues(payload.OperationName, "success").Inc()
	c.sendFrame(ServerFrame{Type: ServerData, ID: frame.ID, Payload: result})
	c.sendFrame(ServerFrame{Type: ServerComplete, ID: frame.ID})
}

func (c *Connection) startSubscription(ctx context.Context, sess *session.Session, id, op string) {
	subCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.subs == nil {
		c.mu.Unlock()
		cancel()
		return
	}
	c.subs[id] = cancel
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			c.sendFrame(ServerFrame{Type: ServerComplete, ID: id})
		}()
		runSubscription(subCtx, sess, op, func(payload any) {
			c.sendFrame(ServerFrame{Type: ServerData, ID: id, Payload: payload})
		})
	}()
}

func (c *Connection) handleStop(frame ClientFrame) {
	c.mu.Lock()
	cancel, ok := c.subs[frame.ID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// teardown releases the connection's Session back to the RelayServer (so
// the room/registry can reclaim it) and cancels any running subscriptions.
func (c *Connection) teardown(ctx context.Context) {
	c.mu.Lock()
	token := c.token
	for _, cancel := range c.subs {
		cancel()
	}
	c.subs = nil
	c.mu.Unlock()

	if !token.IsNil() {
		if sess, ok := c.relay.TakeSessionByToken(token); ok {
			sess.Close(ctx)
		}
	}
	c.Close()
}

func (c *Connection) sendFrame(frame ServerFrame) {
	select {
	case c.send <- frame:
	case <-c.done:
	}
}

func (c *Connection) sendOpError(id string, err error) {
	c.sendFrame(ServerFrame{Type: ServerError, ID: id, Payload: ErrorPayload{Message: err.Error()}})
}

func (c *Connection) sendConnectionError(message string) {
	c.sendFrame(ServerFrame{Type: ServerError, Payload: ErrorPayload{Message: message}})
}

// Close idempotently stops the write pump; ReadMessage unblocking on a
// closed socket is what stops the read pump.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
