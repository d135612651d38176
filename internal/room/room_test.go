package room

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vulcanrelay/relay/internal/ids"
	"github.com/vulcanrelay/relay/internal/relayerr"
	"github.com/vulcanrelay/relay/internal/worker/fakeworker"
	"go.uber.org/goleak"
)

type stubSession struct {
	id             ids.SessionId
	producers      []ids.ProducerId
	dataProducers  []ids.DataProducerId
}

func (s *stubSession) ID() ids.SessionId                        { return s.id }
func (s *stubSession) OpenProducerIDs() []ids.ProducerId         { return s.producers }
func (s *stubSession) OpenDataProducerIDs() []ids.DataProducerId { return s.dataProducers }

func newTestRoom(onEmpty func(ids.RoomId)) *Room {
	return New(ids.NewRoomId(), fakeworker.New(), nil, onEmpty)
}

func TestRouter_LazyAndCached(t *testing.T) {
	r := newTestRoom(nil)
	w := r.w.(*fakeworker.Worker)

	router1, err := r.Router(context.Background())
	require.NoError(t, err)
	router2, err := r.Router(context.Background())
	require.NoError(t, err)

	assert.Same(t, router1, router2)
	assert.Equal(t, 1, w.RoutersCreated())
}

func TestAddRemoveSession_FiresOnEmpty(t *testing.T) {
	var emptied ids.RoomId
	calls := 0
	r := newTestRoom(func(id ids.RoomId) { calls++; emptied = id })

	s1 := &stubSession{id: ids.NewSessionId()}
	s2 := &stubSession{id: ids.NewSessionId()}
	r.AddSession(s1)
	r.AddSession(s2)

	require.NoError(t, r.RemoveSession(s1.id))
	assert.Equal(t, 0, calls, "room must stay alive while a session remains")

	require.NoError(t, r.RemoveSession(s2.id))
	assert.Equal(t, 1, calls)
	assert.Equal(t, r.ID(), emptied)
}

func TestRemoveSession_UnknownReturnsError(t *testing.T) {
	r := newTestRoom(nil)
	err := r.RemoveSession(ids.NewSessionId())
	assert.ErrorIs(t, err, relayerr.ErrUnknownSession)
}

func TestAvailableProducers_SnapshotThenTail(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newTestRoom(nil)
	existing := ids.ProducerId("already-open")
	s := &stubSession{id: ids.NewSessionId(), producers: []ids.ProducerId{existing}}
	r.AddSession(s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := r.AvailableProducers(ctx)

	select {
	case pid := <-ch:
		assert.Equal(t, existing, pid)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot producer")
	}

	announced := ids.ProducerId("announced-later")
	r.AnnounceProducer(announced)

	select {
	case pid := <-ch:
		assert.Equal(t, announced, pid)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for announced producer")
	}
}

func TestAvailableProducers_ClosesOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newTestRoom(nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch := r.AvailableProducers(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel did not close after context cancellation")
	}
}

func TestAvailableDataProducers_Snapshot(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newTestRoom(nil)
	existing := ids.DataProducerId("dp-1")
	s := &stubSession{id: ids.NewSessionId(), dataProducers: []ids.DataProducerId{existing}}
	r.AddSession(s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := r.AvailableDataProducers(ctx)
	select {
	case dpid := <-ch:
		assert.Equal(t, existing, dpid)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot data producer")
	}
}

func TestAnnounceProducer_DropsWhenSubscriberFull(t *testing.T) {
	r := newTestRoom(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = r.AvailableProducers(ctx) // subscribes but nothing drains it

	for i := 0; i < busCapacity+5; i++ {
		r.AnnounceProducer(ids.ProducerId("p"))
	}
	// No assertion beyond "does not block or panic": this exercises the
	// bus's bounded, lossy backpressure policy.
}
