package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vulcanrelay/relay/internal/identity"
	"github.com/vulcanrelay/relay/internal/ids"
	"github.com/vulcanrelay/relay/internal/relayerr"
	"github.com/vulcanrelay/relay/internal/worker"
	"github.com/vulcanrelay/relay/internal/worker/fakeworker"
)

func newTestServer() *Server {
	return New(fakeworker.New(), nil, worker.TransportListenIp{Ip: "127.0.0.1"})
}

// Scenario 1: happy-path signalling.
func TestHappyPathSignalling(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()

	tokenA, err := s.RegisterSession(ids.ForeignSessionId("vulcast"), identity.SessionOptions{Role: identity.RoleVulcast})
	require.NoError(t, err)
	require.NoError(t, s.RegisterRoom(ids.ForeignRoomId("ayush"), ids.ForeignSessionId("vulcast")))
	tokenB, err := s.RegisterSession(ids.ForeignSessionId("web"), identity.SessionOptions{Role: identity.RoleWebClient, ForeignRoomId: ids.ForeignRoomId("ayush")})
	require.NoError(t, err)

	vulcast, err := s.SessionFromToken(ctx, tokenA)
	require.NoError(t, err)
	webClient, err := s.SessionFromToken(ctx, tokenB)
	require.NoError(t, err)

	vulcast.SetRtpCapabilities([]byte(`{}`))
	webClient.SetRtpCapabilities([]byte(`{}`))

	vulcastSend, err := vulcast.CreateWebRtcTransport(ctx)
	require.NoError(t, err)
	require.NoError(t, vulcast.ConnectWebRtcTransport(ctx, vulcastSend.ID, []byte(`{}`)))

	webClientRecv, err := webClient.CreateWebRtcTransport(ctx)
	require.NoError(t, err)
	require.NoError(t, webClient.ConnectWebRtcTransport(ctx, webClientRecv.ID, []byte(`{}`)))

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	producerAvailable := vulcast.Room().AvailableProducers(watchCtx)
	dataProducerAvailable := webClient.Room().AvailableDataProducers(watchCtx)

	audioID, err := vulcast.Produce(ctx, vulcastSend.ID, worker.MediaKindAudio, []byte(`{}`))
	require.NoError(t, err)
	videoID, err := vulcast.Produce(ctx, vulcastSend.ID, worker.MediaKindVideo, []byte(`{}`))
	require.NoError(t, err)

	webClientSend, err := webClient.CreateWebRtcTransport(ctx)
	require.NoError(t, err)
	require.NoError(t, webClient.ConnectWebRtcTransport(ctx, webClientSend.ID, []byte(`{}`)))
	dataProducerID, err := webClient.ProduceData(ctx, webClientSend.ID, []byte(`{}`))
	require.NoError(t, err)

	seen := []ids.ProducerId{}
	for i := 0; i < 2; i++ {
		select {
		case pid := <-producerAvailable:
			seen = append(seen, pid)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for announced producer")
		}
	}
	assert.Equal(t, []ids.ProducerId{audioID, videoID}, seen)

	select {
	case dpid := <-dataProducerAvailable:
		assert.Equal(t, dataProducerID, dpid)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for announced data producer")
	}

	consumerOpts, err := webClient.Consume(ctx, webClientRecv.ID, audioID)
	require.NoError(t, err)
	assert.Equal(t, audioID, consumerOpts.ProducerID)

	dataConsumerOpts, err := vulcast.ConsumeData(ctx, vulcastSend.ID, dataProducerID)
	require.NoError(t, err)
	assert.Equal(t, dataProducerID, dataConsumerOpts.DataProducerID)
}

// Scenario 2: room lifetime.
func TestRoomLifetime(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()

	tokenA, err := s.RegisterSession(ids.ForeignSessionId("vulcast"), identity.SessionOptions{Role: identity.RoleVulcast})
	require.NoError(t, err)
	require.NoError(t, s.RegisterRoom(ids.ForeignRoomId("ayush"), ids.ForeignSessionId("vulcast")))
	tokenB, err := s.RegisterSession(ids.ForeignSessionId("web"), identity.SessionOptions{Role: identity.RoleWebClient, ForeignRoomId: ids.ForeignRoomId("ayush")})
	require.NoError(t, err)

	vulcast, err := s.SessionFromToken(ctx, tokenA)
	require.NoError(t, err)
	webClient, err := s.SessionFromToken(ctx, tokenB)
	require.NoError(t, err)

	require.NoError(t, webClient.Close(ctx))
	_, stillLive := s.rooms[ids.ForeignSessionId("vulcast")]
	assert.True(t, stillLive, "room must stay alive while vulcast's session remains")

	require.NoError(t, vulcast.Close(ctx))
	_, stillLive = s.rooms[ids.ForeignSessionId("vulcast")]
	assert.False(t, stillLive, "room must be reclaimed once its last session drops")
}

// Scenario 3: cascade on unregister_room.
func TestCascadeOnUnregisterRoom(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()

	tokenA, err := s.RegisterSession(ids.ForeignSessionId("vulcast"), identity.SessionOptions{Role: identity.RoleVulcast})
	require.NoError(t, err)
	require.NoError(t, s.RegisterRoom(ids.ForeignRoomId("ayush"), ids.ForeignSessionId("vulcast")))
	tokenB, err := s.RegisterSession(ids.ForeignSessionId("web"), identity.SessionOptions{Role: identity.RoleWebClient, ForeignRoomId: ids.ForeignRoomId("ayush")})
	require.NoError(t, err)

	_, err = s.SessionFromToken(ctx, tokenA)
	require.NoError(t, err)
	_, err = s.SessionFromToken(ctx, tokenB)
	require.NoError(t, err)

	require.NoError(t, s.UnregisterRoom(ctx, ids.ForeignRoomId("ayush")))

	_, err = s.SessionFromToken(ctx, tokenB)
	assert.ErrorIs(t, err, relayerr.ErrUnauthorized)

	_, stillHeld := s.sessions[ids.ForeignSessionId("web")]
	assert.False(t, stillHeld)
}

// Scenario 5: token nullity.
func TestSessionFromToken_NilToken(t *testing.T) {
	s := newTestServer()
	_, err := s.SessionFromToken(context.Background(), ids.NilSessionToken)
	assert.ErrorIs(t, err, relayerr.ErrUnauthorized)
}

// Scenario 6: replacement.
func TestSessionFromToken_Replacement(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()

	token, err := s.RegisterSession(ids.ForeignSessionId("vulcast"), identity.SessionOptions{Role: identity.RoleVulcast})
	require.NoError(t, err)

	first, err := s.SessionFromToken(ctx, token)
	require.NoError(t, err)

	second, err := s.SessionFromToken(ctx, token)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID(), second.ID())

	_, held := s.sessions[ids.ForeignSessionId("vulcast")]
	require.True(t, held)
	assert.Equal(t, second.ID(), s.sessions[ids.ForeignSessionId("vulcast")].ID())
}

func TestRegisterSession_NonUniqueId(t *testing.T) {
	s := newTestServer()
	_, err := s.RegisterSession(ids.ForeignSessionId("a"), identity.SessionOptions{Role: identity.RoleVulcast})
	require.NoError(t, err)
	_, err = s.RegisterSession(ids.ForeignSessionId("a"), identity.SessionOptions{Role: identity.RoleVulcast})
	assert.ErrorIs(t, err, relayerr.ErrNonUniqueId)
}

func TestRegisterRoom_UnknownSession(t *testing.T) {
	s := newTestServer()
	err := s.RegisterRoom(ids.ForeignRoomId("r"), ids.ForeignSessionId("nobody"))
	assert.ErrorIs(t, err, relayerr.ErrUnknownSession)
}

func TestRegisterRoom_VulcastInRoom(t *testing.T) {
	s := newTestServer()
	_, err := s.RegisterSession(ids.ForeignSessionId("v"), identity.SessionOptions{Role: identity.RoleVulcast})
	require.NoError(t, err)
	require.NoError(t, s.RegisterRoom(ids.ForeignRoomId("r1"), ids.ForeignSessionId("v")))
	err = s.RegisterRoom(ids.ForeignRoomId("r2"), ids.ForeignSessionId("v"))
	assert.ErrorIs(t, err, relayerr.ErrVulcastInRoom)
}

func TestRegisterSession_UnknownRoom(t *testing.T) {
	s := newTestServer()
	_, err := s.RegisterSession(ids.ForeignSessionId("web"), identity.SessionOptions{Role: identity.RoleWebClient, ForeignRoomId: ids.ForeignRoomId("nowhere")})
	assert.ErrorIs(t, err, relayerr.ErrUnknownRoom)
}

func TestUnregisterSession_VulcastCascadesRoomBinding(t *testing.T) {
	s := newTestServer()
	_, err := s.RegisterSession(ids.ForeignSessionId("v"), identity.SessionOptions{Role: identity.RoleVulcast})
	require.NoError(t, err)
	require.NoError(t, s.RegisterRoom(ids.ForeignRoomId("r"), ids.ForeignSessionId("v")))

	require.NoError(t, s.UnregisterSession(context.Background(), ids.ForeignSessionId("v")))

	_, bound := s.registry.VulcastForRoom(ids.ForeignRoomId("r"))
	assert.False(t, bound, "unregistering a bound vulcast must drop its room binding")
}

func TestTakeSessionByFsid(t *testing.T) {
	s := newTestServer()
	ctx := context.Background()
	token, err := s.RegisterSession(ids.ForeignSessionId("v"), identity.SessionOptions{Role: identity.RoleVulcast})
	require.NoError(t, err)
	sess, err := s.SessionFromToken(ctx, token)
	require.NoError(t, err)

	taken, ok := s.TakeSessionByFsid(ids.ForeignSessionId("v"))
	require.True(t, ok)
	assert.Equal(t, sess.ID(), taken.ID())

	_, ok = s.TakeSessionByFsid(ids.ForeignSessionId("v"))
	assert.False(t, ok, "a taken session is removed from the live table")
}
