package room_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/room-relay/engine"
	"github.com/adwski/room-relay/model"
	"github.com/adwski/room-relay/room"
)

const waitFor = 2 * time.Second

var errAddRejected = errors.New("add rejected")

type command struct {
	kind    engine.CommandKind
	peerID  string
	payload any
}

type fakeEngine struct {
	mx      sync.Mutex
	cmds    []command
	events  chan engine.Event
	failAdd bool
	closed  bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		events: make(chan engine.Event, 16),
	}
}

func (f *fakeEngine) Command(kind engine.CommandKind, peerID string, payload any) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.cmds = append(f.cmds, command{kind: kind, peerID: peerID, payload: payload})
	if kind == engine.CommandAddPeer && f.failAdd {
		return errAddRejected
	}
	if kind == engine.CommandShutdown && !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeEngine) Events() <-chan engine.Event {
	return f.events
}

func (f *fakeEngine) emit(ev engine.Event) {
	f.events <- ev
}

// crash simulates unrecoverable engine failure.
func (f *fakeEngine) crash() {
	f.mx.Lock()
	defer f.mx.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}

func (f *fakeEngine) commands() []command {
	f.mx.Lock()
	defer f.mx.Unlock()
	out := make([]command, len(f.cmds))
	copy(out, f.cmds)
	return out
}

func (f *fakeEngine) hasCommand(want command) bool {
	for _, cmd := range f.commands() {
		if cmd.kind == want.kind && cmd.peerID == want.peerID {
			return true
		}
	}
	return false
}

func newTestRoom(t *testing.T, fe *fakeEngine) (*room.Coordinator, chan string) {
	t.Helper()
	logger := zerolog.Nop()
	terminated := make(chan string, 1)
	c, err := room.NewCoordinator(room.Config{
		ID:     "alpha",
		Logger: &logger,
		EngineFactory: func(string) (engine.Engine, error) {
			return fe, nil
		},
		OnTerminate: func(roomID string) {
			terminated <- roomID
		},
	})
	require.NoError(t, err)
	return c, terminated
}

func register(t *testing.T, c *room.Coordinator, peerID string) (model.Wire, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	wire := model.NewWire()
	require.NoError(t, c.Register(peerID, wire, ctx.Done()))
	return wire, cancel
}

func readWire(t *testing.T, wire model.Wire) model.Event {
	t.Helper()
	select {
	case evt, ok := <-wire.TX:
		require.True(t, ok, "wire closed unexpectedly")
		return evt
	case <-time.After(waitFor):
		t.Fatal("no event on wire")
	}
	return model.Event{}
}

func assertNoEvent(t *testing.T, wire model.Wire) {
	t.Helper()
	select {
	case evt := <-wire.TX:
		t.Fatalf("unexpected event on wire: %s", spew.Sdump(evt))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCoordinator_StartFailure(t *testing.T) {
	logger := zerolog.Nop()
	_, err := room.NewCoordinator(room.Config{
		ID:     "alpha",
		Logger: &logger,
		EngineFactory: func(string) (engine.Engine, error) {
			return nil, errors.New("no engine for you")
		},
	})
	require.ErrorIs(t, err, room.ErrEngineStart)
}

func TestCoordinator_RegisterAndRelay(t *testing.T) {
	fe := newFakeEngine()
	c, _ := newTestRoom(t, fe)

	_, cancel := register(t, c, "p1")
	defer cancel()

	require.True(t, fe.hasCommand(command{kind: engine.CommandAddPeer, peerID: "p1"}),
		"add-peer not issued: %s", spew.Sdump(fe.commands()))

	payload := map[string]any{"sdp": "v=0"}
	c.Relay("p1", payload)

	require.Eventually(t, func() bool {
		return fe.hasCommand(command{kind: engine.CommandMediaEvent, peerID: "p1"})
	}, waitFor, 10*time.Millisecond)

	for _, cmd := range fe.commands() {
		if cmd.kind == engine.CommandMediaEvent {
			assert.Equal(t, "p1", cmd.peerID)
			assert.Equal(t, payload, cmd.payload, "payload must be forwarded unmodified")
		}
	}
}

func TestCoordinator_StaleRelayDropped(t *testing.T) {
	fe := newFakeEngine()
	c, _ := newTestRoom(t, fe)

	_, cancel := register(t, c, "p1")
	defer cancel()

	c.Relay("ghost", map[string]any{"sdp": "v=0"})
	// marker relay proves the mailbox processed the stale one before it
	c.Relay("p1", map[string]any{"marker": true})

	require.Eventually(t, func() bool {
		return fe.hasCommand(command{kind: engine.CommandMediaEvent, peerID: "p1"})
	}, waitFor, 10*time.Millisecond)
	assert.False(t, fe.hasCommand(command{kind: engine.CommandMediaEvent, peerID: "ghost"}),
		"stale event must be dropped: %s", spew.Sdump(fe.commands()))
}

func TestCoordinator_DuplicateRegister(t *testing.T) {
	fe := newFakeEngine()
	c, _ := newTestRoom(t, fe)

	_, cancel := register(t, c, "p1")
	defer cancel()

	err := c.Register("p1", model.NewWire(), context.Background().Done())
	require.ErrorIs(t, err, room.ErrAlreadyRegistered)
	assert.Equal(t, 1, c.Peers())
}

func TestCoordinator_EngineEventFanout(t *testing.T) {
	fe := newFakeEngine()
	c, _ := newTestRoom(t, fe)

	wire1, cancel1 := register(t, c, "p1")
	defer cancel1()
	wire2, cancel2 := register(t, c, "p2")
	defer cancel2()

	// targeted event reaches only its target
	fe.emit(engine.Event{Kind: engine.EventMedia, Source: "p2", Target: "p1", Payload: "hi"})
	evt := readWire(t, wire1)
	assert.Equal(t, model.EventTypeMedia, evt.Type)
	assert.Equal(t, "p2", evt.SRC)
	assert.Equal(t, "hi", evt.Payload)
	assertNoEvent(t, wire2)

	// event for a removed peer is dropped without error
	fe.emit(engine.Event{Kind: engine.EventMedia, Source: "p1", Target: "ghost"})
	assertNoEvent(t, wire1)
	assertNoEvent(t, wire2)

	// broadcast skips the source
	fe.emit(engine.Event{Kind: engine.EventPeerJoined, Source: "p1"})
	evt = readWire(t, wire2)
	assert.Equal(t, model.EventTypePeerJoined, evt.Type)
	assert.Equal(t, "p1", evt.SRC)
	assertNoEvent(t, wire1)
}

func TestCoordinator_LivenessLost(t *testing.T) {
	fe := newFakeEngine()
	c, terminated := newTestRoom(t, fe)

	_, cancel1 := register(t, c, "p1")
	_, cancel2 := register(t, c, "p2")
	assert.Equal(t, 2, c.Peers())

	// abrupt transport death of p1
	cancel1()
	require.Eventually(t, func() bool {
		return fe.hasCommand(command{kind: engine.CommandRemovePeer, peerID: "p1"})
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, 1, c.Peers())

	select {
	case <-c.Done():
		t.Fatal("room terminated with a peer still registered")
	default:
	}

	// last peer gone, room must shut down and report termination
	cancel2()
	select {
	case roomID := <-terminated:
		assert.Equal(t, "alpha", roomID)
	case <-time.After(waitFor):
		t.Fatal("room did not terminate")
	}
	<-c.Done()
	assert.True(t, fe.hasCommand(command{kind: engine.CommandShutdown}),
		"engine was not shut down: %s", spew.Sdump(fe.commands()))
}

func TestCoordinator_ExplicitLeave(t *testing.T) {
	fe := newFakeEngine()
	c, terminated := newTestRoom(t, fe)

	wire, cancel := register(t, c, "p1")
	defer cancel()

	c.Leave("p1")
	select {
	case <-terminated:
	case <-time.After(waitFor):
		t.Fatal("room did not terminate after last peer left")
	}

	// wire is closed on removal
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-wire.TX:
			return !ok
		default:
			return false
		}
	}, waitFor, 10*time.Millisecond)

	// registering into a terminated room must fail
	err := c.Register("p2", model.NewWire(), context.Background().Done())
	require.ErrorIs(t, err, room.ErrTerminated)
}

func TestCoordinator_AddPeerRollback(t *testing.T) {
	fe := newFakeEngine()
	fe.failAdd = true
	c, terminated := newTestRoom(t, fe)

	err := c.Register("p1", model.NewWire(), context.Background().Done())
	require.ErrorIs(t, err, room.ErrEngineCommand)
	require.ErrorIs(t, err, errAddRejected)
	assert.Equal(t, 0, c.Peers())

	// nothing left to remove this room's peers, it must fold immediately
	select {
	case <-terminated:
	case <-time.After(waitFor):
		t.Fatal("empty room did not terminate after rolled back registration")
	}
}

func TestCoordinator_EngineFailureClosesRoom(t *testing.T) {
	fe := newFakeEngine()
	c, terminated := newTestRoom(t, fe)

	wire, cancel := register(t, c, "p1")
	defer cancel()

	fe.crash()

	evt := readWire(t, wire)
	assert.Equal(t, model.EventTypeRoomClosed, evt.Type)

	select {
	case <-terminated:
	case <-time.After(waitFor):
		t.Fatal("room did not terminate after engine failure")
	}
	<-c.Done()
}
