package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/room-relay/engine/echo"
	"github.com/adwski/room-relay/model"
	"github.com/adwski/room-relay/registry"
	"github.com/adwski/room-relay/service"
)

const waitFor = 2 * time.Second

func newTestService() *service.Service {
	logger := zerolog.Nop()
	return service.NewService(service.Config{
		Registry: registry.New(&logger, echo.NewFactory(&logger)),
		Logger:   &logger,
	})
}

func readSession(t *testing.T, sess *service.Session) model.Event {
	t.Helper()
	select {
	case evt, ok := <-sess.Events():
		require.True(t, ok, "session event stream closed unexpectedly")
		return evt
	case <-time.After(waitFor):
		t.Fatal("no session event")
	}
	return model.Event{}
}

func TestService_JoinBadTarget(t *testing.T) {
	svc := newTestService()

	_, err := svc.Join(context.Background(), "alpha")
	require.ErrorIs(t, err, service.ErrJoin)
	require.ErrorIs(t, err, model.ErrTargetPrefix)

	_, err = svc.Join(context.Background(), "room:")
	require.ErrorIs(t, err, model.ErrTargetEmpty)

	assert.Empty(t, svc.Rooms(), "failed join must not leave state behind")
}

func TestService_TwoPeersOneRoom(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	sessA, err := svc.Join(ctx, "room:alpha")
	require.NoError(t, err)
	sessB, err := svc.Join(ctx, "room:alpha")
	require.NoError(t, err)

	assert.Equal(t, "alpha", sessA.RoomID)
	assert.Equal(t, sessA.RoomID, sessB.RoomID)
	assert.NotEqual(t, sessA.PeerID, sessB.PeerID)

	rooms := svc.Rooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, model.RoomStatus{ID: "alpha", Peers: 2}, rooms[0])

	// A learns about B joining
	evt := readSession(t, sessA)
	assert.Equal(t, model.EventTypePeerJoined, evt.Type)
	assert.Equal(t, sessB.PeerID, evt.SRC)

	// media round-trip A -> engine -> B
	payload := map[string]any{"sdp": "v=0"}
	sessA.Relay(payload)
	evt = readSession(t, sessB)
	assert.Equal(t, model.EventTypeMedia, evt.Type)
	assert.Equal(t, sessA.PeerID, evt.SRC)
	assert.Equal(t, payload, evt.Payload)
}

func TestService_LivenessLostRemovesPeer(t *testing.T) {
	svc := newTestService()

	ctxA, cancelA := context.WithCancel(context.Background())
	sessA, err := svc.Join(ctxA, "room:alpha")
	require.NoError(t, err)

	sessB, err := svc.Join(context.Background(), "room:alpha")
	require.NoError(t, err)

	// drop A's transport
	cancelA()

	evt := readSession(t, sessB)
	assert.Equal(t, model.EventTypePeerLeft, evt.Type)
	assert.Equal(t, sessA.PeerID, evt.SRC)

	require.Eventually(t, func() bool {
		rooms := svc.Rooms()
		return len(rooms) == 1 && rooms[0].Peers == 1
	}, waitFor, 10*time.Millisecond)
}

func TestService_RejoinAfterRoomTerminated(t *testing.T) {
	svc := newTestService()

	sess, err := svc.Join(context.Background(), "room:alpha")
	require.NoError(t, err)

	sess.Leave()
	require.Eventually(t, func() bool {
		return len(svc.Rooms()) == 0
	}, waitFor, 10*time.Millisecond, "room must be gone after last peer left")

	fresh, err := svc.Join(context.Background(), "room:alpha")
	require.NoError(t, err)
	assert.NotEqual(t, sess.PeerID, fresh.PeerID)

	rooms := svc.Rooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, 1, rooms[0].Peers)
}
