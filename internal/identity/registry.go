// Package identity implements the IdentityRegistry: the bidirectional
// mappings between operator-assigned identifiers and internally-minted
// session tokens, plus the foreign-room/vulcast binding.
//
// Every operation here is synchronous and total over the registry's state;
// none of them touch the media worker or block.
package identity

import (
	"sync"

	"github.com/vulcanrelay/relay/internal/ids"
	"github.com/vulcanrelay/relay/internal/relayerr"
	"k8s.io/utils/set"
)

// Role distinguishes the three kinds of session a registration can describe.
type Role int

const (
	RoleVulcast Role = iota
	RoleWebClient
	RoleHost
)

func (r Role) String() string {
	switch r {
	case RoleVulcast:
		return "vulcast"
	case RoleWebClient:
		return "web_client"
	case RoleHost:
		return "host"
	default:
		return "unknown"
	}
}

// SessionOptions describes how a registered session participates in a room.
// ForeignRoomId is only meaningful for RoleWebClient and RoleHost.
type SessionOptions struct {
	Role          Role
	ForeignRoomId ids.ForeignRoomId
}

// IsVulcast reports whether this registration describes the room's sole
// authoritative producer.
func (o SessionOptions) IsVulcast() bool { return o.Role == RoleVulcast }

// registration is the internal record behind a foreign session id.
type registration struct {
	fsid    ids.ForeignSessionId
	token   ids.SessionToken
	options SessionOptions
}

// Registry holds the fsid<->token bijection and the foreign-room<->vulcast
// bijection.
type Registry struct {
	mu sync.Mutex

	sessionsByFSID map[ids.ForeignSessionId]registration
	fsidByToken    map[ids.SessionToken]ids.ForeignSessionId

	// rooms is the foreign_room_id <-> vulcast_foreign_session_id bijection.
	vulcastByRoom map[ids.ForeignRoomId]ids.ForeignSessionId
	roomByVulcast map[ids.ForeignSessionId]ids.ForeignRoomId
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		sessionsByFSID: make(map[ids.ForeignSessionId]registration),
		fsidByToken:    make(map[ids.SessionToken]ids.ForeignSessionId),
		vulcastByRoom:  make(map[ids.ForeignRoomId]ids.ForeignSessionId),
		roomByVulcast:  make(map[ids.ForeignSessionId]ids.ForeignRoomId),
	}
}

// RegisterSession mints a token for fsid under the given options.
//
// For WebClient/Host options, room membership is validated before the
// fsid-uniqueness check: UnknownRoom takes priority over NonUniqueId.
func (r *Registry) RegisterSession(fsid ids.ForeignSessionId, options SessionOptions) (ids.SessionToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if options.Role != RoleVulcast {
		if _, ok := r.vulcastByRoom[options.ForeignRoomId]; !ok {
			return ids.NilSessionToken, relayerr.ErrUnknownRoom
		}
	}

	if _, exists := r.sessionsByFSID[fsid]; exists {
		return ids.NilSessionToken, relayerr.ErrNonUniqueId
	}

	token := ids.NewSessionToken()
	r.sessionsByFSID[fsid] = registration{fsid: fsid, token: token, options: options}
	r.fsidByToken[token] = fsid
	return token, nil
}

// RegisterRoom binds frid to vulcastFsid. vulcastFsid must already be
// registered with role Vulcast, frid must be fresh, and vulcastFsid must not
// already be bound to a different room.
func (r *Registry) RegisterRoom(frid ids.ForeignRoomId, vulcastFsid ids.ForeignSessionId) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.sessionsByFSID[vulcastFsid]
	if !ok || !reg.options.IsVulcast() {
		return relayerr.ErrUnknownSession
	}

	if _, bound := r.roomByVulcast[vulcastFsid]; bound {
		return relayerr.ErrVulcastInRoom
	}

	if _, exists := r.vulcastByRoom[frid]; exists {
		return relayerr.ErrNonUniqueId
	}

	r.vulcastByRoom[frid] = vulcastFsid
	r.roomByVulcast[vulcastFsid] = frid
	return nil
}

// UnregisterRoom removes the binding only; it does not touch any session
// registration. Cascading session teardown is the RelayServer's job.
func (r *Registry) UnregisterRoom(frid ids.ForeignRoomId) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	vulcastFsid, ok := r.vulcastByRoom[frid]
	if !ok {
		return relayerr.ErrUnknownRoom
	}
	delete(r.vulcastByRoom, frid)
	delete(r.roomByVulcast, vulcastFsid)
	return nil
}

// UnregisterSession removes the registration only; cascading a Vulcast's
// room binding is the RelayServer's job.
func (r *Registry) UnregisterSession(fsid ids.ForeignSessionId) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.sessionsByFSID[fsid]
	if !ok {
		return relayerr.ErrUnknownSession
	}
	delete(r.sessionsByFSID, fsid)
	delete(r.fsidByToken, reg.token)
	return nil
}

// ResolveToken returns the foreign session id and options bound to token, if
// any live registration holds it.
func (r *Registry) ResolveToken(token ids.SessionToken) (ids.ForeignSessionId, SessionOptions, bool) {
	if token.IsNil() {
		return "", SessionOptions{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	fsid, ok := r.fsidByToken[token]
	if !ok {
		return "", SessionOptions{}, false
	}
	reg := r.sessionsByFSID[fsid]
	return fsid, reg.options, true
}

// VulcastForRoom returns the vulcast foreign session id bound to frid.
func (r *Registry) VulcastForRoom(frid ids.ForeignRoomId) (ids.ForeignSessionId, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fsid, ok := r.vulcastByRoom[frid]
	return fsid, ok
}

// RoomForVulcast returns the foreign room id bound to a vulcast's fsid.
func (r *Registry) RoomForVulcast(vulcastFsid ids.ForeignSessionId) (ids.ForeignRoomId, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	frid, ok := r.roomByVulcast[vulcastFsid]
	return frid, ok
}

// Options returns the registration options for fsid, if registered.
func (r *Registry) Options(fsid ids.ForeignSessionId) (SessionOptions, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.sessionsByFSID[fsid]
	return reg.options, ok
}

// ListClientsOfRoom returns every foreign session id whose registration is a
// WebClient/Host bound to frid.
func (r *Registry) ListClientsOfRoom(frid ids.ForeignRoomId) []ids.ForeignSessionId {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients := set.New[ids.ForeignSessionId]()
	for fsid, reg := range r.sessionsByFSID {
		if reg.options.Role != RoleVulcast && reg.options.ForeignRoomId == frid {
			clients.Insert(fsid)
		}
	}
	return clients.UnsortedList()
}
