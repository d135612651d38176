// Package ids defines the identifier types used throughout the relay.
//
// ForeignRoomId and ForeignSessionId are operator-assigned and opaque to us.
// RoomId, SessionId and SessionToken are minted by the relay itself as
// unguessable 128-bit values. TransportId, ProducerId, ConsumerId,
// DataProducerId and DataConsumerId are supplied by the media worker and are
// treated as opaque strings.
package ids

import "github.com/google/uuid"

// ForeignRoomId is an operator-assigned room identifier.
type ForeignRoomId string

// ForeignSessionId is an operator-assigned session identifier.
type ForeignSessionId string

// RoomId is an internally minted 128-bit identifier for a live Room.
type RoomId uuid.UUID

// NewRoomId mints a fresh RoomId.
func NewRoomId() RoomId { return RoomId(uuid.New()) }

func (r RoomId) String() string { return uuid.UUID(r).String() }

// SessionId is an internally minted 128-bit identifier for a live Session.
type SessionId uuid.UUID

// NewSessionId mints a fresh SessionId.
func NewSessionId() SessionId { return SessionId(uuid.New()) }

func (s SessionId) String() string { return uuid.UUID(s).String() }

// SessionToken is the opaque, unguessable credential minted at registration
// time and redeemed on the signal plane. The zero value is the nil token,
// which never resolves to a registration.
type SessionToken uuid.UUID

// NewSessionToken mints a fresh SessionToken.
func NewSessionToken() SessionToken { return SessionToken(uuid.New()) }

// NilSessionToken is the sentinel "no token" value.
var NilSessionToken = SessionToken(uuid.Nil)

// IsNil reports whether this is the nil token.
func (t SessionToken) IsNil() bool { return t == NilSessionToken }

func (t SessionToken) String() string { return uuid.UUID(t).String() }

// ParseSessionToken parses a session token from its string form. An invalid
// string yields the nil token, matching testable property "token nullity":
// session_from_token(SessionToken::nil) returns None.
func ParseSessionToken(s string) SessionToken {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilSessionToken
	}
	return SessionToken(u)
}

// TransportId, ProducerId, ConsumerId, DataProducerId and DataConsumerId are
// opaque identifiers minted by the media worker, unique within this process.
type (
	TransportId    string
	ProducerId     string
	ConsumerId     string
	DataProducerId string
	DataConsumerId string
)
