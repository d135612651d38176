// Package relay implements the RelayServer: the top-level coordinator
// composing the IdentityRegistry with live Room and Session
// tables, enforcing registration cascades, and resolving signal-plane
// tokens to Sessions with replacement semantics. Grounded on the Hub
// composition pattern in the teacher's transport/hub.go (getOrCreateRoom,
// Shutdown), with the grace-period reclaim timer dropped in favor of
// synchronous reclamation (see internal/room).
package relay

import (
	"context"
	"sync"

	"github.com/vulcanrelay/relay/internal/identity"
	"github.com/vulcanrelay/relay/internal/ids"
	"github.com/vulcanrelay/relay/internal/relayerr"
	"github.com/vulcanrelay/relay/internal/room"
	"github.com/vulcanrelay/relay/internal/session"
	"github.com/vulcanrelay/relay/internal/worker"
)

// Server composes the registry with live Room/Session tables. All mutation
// goes through a single lock; Session.Close (which may
// synchronously empty and reclaim a Room) is always invoked outside that
// lock to avoid reentering it from Room's onEmpty callback.
type Server struct {
	w        worker.Worker
	codecs   []worker.RtpCodecCapability
	listenIp worker.TransportListenIp

	registry *identity.Registry

	mu       sync.Mutex
	rooms    map[ids.ForeignSessionId]*room.Room
	sessions map[ids.ForeignSessionId]*session.Session
}

// New constructs an empty Server. w, codecs and listenIp are forwarded to
// every Room created on demand.
func New(w worker.Worker, codecs []worker.RtpCodecCapability, listenIp worker.TransportListenIp) *Server {
	return &Server{
		w:        w,
		codecs:   codecs,
		listenIp: listenIp,
		registry: identity.New(),
		rooms:    make(map[ids.ForeignSessionId]*room.Room),
		sessions: make(map[ids.ForeignSessionId]*session.Session),
	}
}

// RegisterSession delegates to the IdentityRegistry.
func (s *Server) RegisterSession(fsid ids.ForeignSessionId, options identity.SessionOptions) (ids.SessionToken, error) {
	return s.registry.RegisterSession(fsid, options)
}

// RegisterRoom delegates to the IdentityRegistry.
func (s *Server) RegisterRoom(frid ids.ForeignRoomId, vulcastFsid ids.ForeignSessionId) error {
	return s.registry.RegisterRoom(frid, vulcastFsid)
}

// UnregisterRoom removes the room binding and cascades to every WebClient
// and Host session currently bound to frid, dropping their live Session
// handles.
func (s *Server) UnregisterRoom(ctx context.Context, frid ids.ForeignRoomId) error {
	s.mu.Lock()
	clients := s.registry.ListClientsOfRoom(frid)
	if err := s.registry.UnregisterRoom(frid); err != nil {
		s.mu.Unlock()
		return err
	}

	toClose := make([]*session.Session, 0, len(clients))
	for _, fsid := range clients {
		_ = s.registry.UnregisterSession(fsid)
		if sess, ok := s.sessions[fsid]; ok {
			delete(s.sessions, fsid)
			toClose = append(toClose, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range toClose {
		sess.Close(ctx)
	}
	return nil
}

// UnregisterSession removes fsid's registration and drops its live Session
// handle if one exists. If fsid is a Vulcast bound to a room, its room
// binding is also removed, cascading as UnregisterRoom does to every
// WebClient and Host session bound to that room.
func (s *Server) UnregisterSession(ctx context.Context, fsid ids.ForeignSessionId) error {
	s.mu.Lock()
	options, ok := s.registry.Options(fsid)
	if !ok {
		s.mu.Unlock()
		return relayerr.ErrUnknownSession
	}
	if err := s.registry.UnregisterSession(fsid); err != nil {
		s.mu.Unlock()
		return err
	}

	toClose := make([]*session.Session, 0, 1)
	if sess, ok := s.sessions[fsid]; ok {
		delete(s.sessions, fsid)
		toClose = append(toClose, sess)
	}

	if options.IsVulcast() {
		if frid, bound := s.registry.RoomForVulcast(fsid); bound {
			clients := s.registry.ListClientsOfRoom(frid)
			_ = s.registry.UnregisterRoom(frid)
			for _, client := range clients {
				_ = s.registry.UnregisterSession(client)
				if sess, ok := s.sessions[client]; ok {
					delete(s.sessions, client)
					toClose = append(toClose, sess)
				}
			}
		}
	}
	s.mu.Unlock()

	for _, sess := range toClose {
		sess.Close(ctx)
	}
	return nil
}

// SessionFromToken resolves token to a live Session, constructing its Room
// on demand. If a live Session already exists for the resolved fsid, it is
// replaced -- reconnecting a token supersedes the prior connection. The
// replacement is constructed and registered first, and the prior Session is
// closed after that, before the replacement is returned. Returns
// relayerr.ErrUnauthorized for an unknown or nil token.
func (s *Server) SessionFromToken(ctx context.Context, token ids.SessionToken) (*session.Session, error) {
	fsid, options, ok := s.registry.ResolveToken(token)
	if !ok {
		return nil, relayerr.ErrUnauthorized
	}

	vulcastFsid := fsid
	if !options.IsVulcast() {
		vf, bound := s.registry.VulcastForRoom(options.ForeignRoomId)
		if !bound {
			return nil, relayerr.ErrUnknownRoom
		}
		vulcastFsid = vf
	}

	s.mu.Lock()
	prior := s.sessions[fsid]

	r, ok := s.rooms[vulcastFsid]
	if !ok {
		r = room.New(ids.NewRoomId(), s.w, s.codecs, s.onRoomEmpty(vulcastFsid))
		s.rooms[vulcastFsid] = r
	}

	// Construct the replacement before dropping the prior session so a
	// Vulcast reconnecting to its own otherwise-empty room never observes a
	// momentarily-empty Room and triggers a spurious reclaim.
	newSession := session.New(r, options, s.listenIp)
	s.sessions[fsid] = newSession
	s.mu.Unlock()

	if prior != nil {
		prior.Close(ctx)
	}
	return newSession, nil
}

// TakeSessionByFsid removes and returns the live Session for fsid, if any.
// This is how the signalling layer surrenders ownership on disconnect; the
// caller is responsible for calling Close on the returned Session.
func (s *Server) TakeSessionByFsid(fsid ids.ForeignSessionId) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[fsid]
	if ok {
		delete(s.sessions, fsid)
	}
	return sess, ok
}

// TakeSessionByToken resolves token to its fsid and takes that Session.
func (s *Server) TakeSessionByToken(token ids.SessionToken) (*session.Session, bool) {
	fsid, _, ok := s.registry.ResolveToken(token)
	if !ok {
		return nil, false
	}
	return s.TakeSessionByFsid(fsid)
}

// SessionByFsid returns the live Session for fsid without removing it, for
// read-only queries such as Control's stats(session_id).
func (s *Server) SessionByFsid(fsid ids.ForeignSessionId) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[fsid]
	return sess, ok
}

// onRoomEmpty builds the callback passed to every Room created for
// vulcastFsid: it deletes the Room from the live table the instant the
// Room's own session index empties, provided no newer Room has since
// replaced it.
func (s *Server) onRoomEmpty(vulcastFsid ids.ForeignSessionId) func(ids.RoomId) {
	return func(id ids.RoomId) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if r, ok := s.rooms[vulcastFsid]; ok && r.ID() == id {
			delete(s.rooms, vulcastFsid)
		}
	}
}

// Close tears down every live Session and Room, for process shutdown.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[ids.ForeignSessionId]*session.Session)

	rooms := make([]*room.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.rooms = make(map[ids.ForeignSessionId]*room.Room)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close(ctx)
	}
	for _, r := range rooms {
		r.Close(ctx)
	}
	return nil
}
