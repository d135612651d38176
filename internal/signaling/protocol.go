// Package signaling implements the Signal API: a bidirectional
// message-stream WebSocket carrying a graphql-ws-style framing, dispatching
// mutation/query operations and subscriptions onto the Session attached to
// the connection. Grounded on the router-switch
// dispatch pattern in the teacher's session/room.go and the
// connection/pump shape in transport/client.go, generalized from a
// protobuf room-event protocol to a JSON query/subscription protocol.
package signaling

import "encoding/json"

// ClientFrameType enumerates the frame types a client may send.
type ClientFrameType string

const (
	ClientConnectionInit      ClientFrameType = "connection_init"
	ClientStart               ClientFrameType = "start"
	ClientStop                ClientFrameType = "stop"
	ClientConnectionTerminate ClientFrameType = "connection_terminate"
)

// ClientFrame is one frame of the client->server stream.
type ClientFrame struct {
	Type    ClientFrameType `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ConnectionInitPayload carries the signal token presented at handshake
// time, when it is not supplied via cookie.
type ConnectionInitPayload struct {
	Token string `json:"token"`
}

// StartPayload names the operation a "start" frame invokes and its
// arguments. The real GraphQL query/document parsing this framing is
// modeled on is deliberately not reimplemented here -- OperationName is
// the dispatch key directly.
type StartPayload struct {
	OperationName string          `json:"operationName"`
	Variables     json.RawMessage `json:"variables,omitempty"`
}

// ServerFrameType enumerates the frame types the server may send.
type ServerFrameType string

const (
	ServerConnectionAck ServerFrameType = "connection_ack"
	ServerKeepAlive     ServerFrameType = "ka"
	ServerData          ServerFrameType = "data"
	ServerError         ServerFrameType = "error"
	ServerComplete      ServerFrameType = "complete"
)

// ServerFrame is one frame of the server->client stream. A connection-level
// error (no ID) is a protocol violation and is followed by the connection
// closing; a per-operation error (with ID) is recoverable and the
// connection continues.
type ServerFrame struct {
	Type    ServerFrameType `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload any             `json:"payload,omitempty"`
}

// ErrorPayload is the error frame's payload shape.
type ErrorPayload struct {
	Message string `json:"message"`
}
