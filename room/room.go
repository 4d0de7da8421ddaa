// Package room implements the per-room coordinator. A coordinator owns the
// peer set and the media engine instance of one room and is the only
// goroutine touching them: every interaction goes through its mailbox and
// is processed one message at a time.
package room

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/room-relay/engine"
	"github.com/adwski/room-relay/model"
)

const (
	defaultMailboxBuffer      = 64
	defaultEngineShutdownWait = 2 * time.Second
)

var (
	ErrTerminated        = errors.New("room is terminated")
	ErrEngineStart       = errors.New("unable to start media engine")
	ErrEngineCommand     = errors.New("engine rejected command")
	ErrAlreadyRegistered = errors.New("peer id is already registered")
)

type Config struct {
	ID            string
	Logger        *zerolog.Logger
	EngineFactory engine.Factory

	// OnTerminate is called exactly once, after the coordinator reached its
	// terminal state and stopped processing messages.
	OnTerminate func(roomID string)
}

type peerHandle struct {
	wire model.Wire
	stop chan struct{} // releases the liveness watcher on explicit removal
}

// mailbox messages
type (
	registerMsg struct {
		peerID string
		wire   model.Wire
		gone   <-chan struct{}
		reply  chan error
	}
	leaveMsg        struct{ peerID string }
	livenessLostMsg struct{ peerID string }
	clientEventMsg  struct {
		peerID  string
		payload any
	}
)

type Coordinator struct {
	id          string
	logger      zerolog.Logger
	eng         engine.Engine
	events      <-chan engine.Event
	mailbox     chan any
	done        chan struct{}
	onTerminate func(string)

	peerCount atomic.Int32

	// peers is owned by the run loop, never touched from outside it
	peers map[string]peerHandle
}

// NewCoordinator starts the engine and, on success, the coordinator's run
// loop. An engine factory failure means the room never existed: no peers,
// no goroutine, nothing to clean up.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	eng, err := cfg.EngineFactory(cfg.ID)
	if err != nil {
		return nil, errors.Join(ErrEngineStart, err)
	}
	c := &Coordinator{
		id: cfg.ID,
		logger: cfg.Logger.With().
			Str("component", "room").
			Str("roomID", cfg.ID).Logger(),
		eng:         eng,
		events:      eng.Events(),
		mailbox:     make(chan any, defaultMailboxBuffer),
		done:        make(chan struct{}),
		onTerminate: cfg.OnTerminate,
		peers:       make(map[string]peerHandle),
	}
	go c.run()
	c.logger.Debug().Msg("room started")
	return c, nil
}

func (c *Coordinator) ID() string {
	return c.id
}

// Done is closed once the coordinator reached its terminal state.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Peers reports the current number of registered peers.
func (c *Coordinator) Peers() int {
	return int(c.peerCount.Load())
}

// Register adds a peer to the room. Room events for the peer are pushed to
// wire.TX, which the coordinator closes when the peer is removed. Closing
// gone signals that the peer endpoint terminated; the coordinator then
// removes the peer on its own.
func (c *Coordinator) Register(peerID string, wire model.Wire, gone <-chan struct{}) error {
	reply := make(chan error, 1)
	select {
	case c.mailbox <- registerMsg{peerID: peerID, wire: wire, gone: gone, reply: reply}:
	case <-c.done:
		return ErrTerminated
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrTerminated
	}
}

// Leave removes a peer explicitly. Removal from a terminated or unknown
// room is a no-op.
func (c *Coordinator) Leave(peerID string) {
	select {
	case c.mailbox <- leaveMsg{peerID: peerID}:
	case <-c.done:
	}
}

// Relay forwards a client event to the engine tagged with the sending peer
// id. Events from peers that are no longer registered are dropped.
func (c *Coordinator) Relay(peerID string, payload any) {
	select {
	case c.mailbox <- clientEventMsg{peerID: peerID, payload: payload}:
	case <-c.done:
	}
}

func (c *Coordinator) run() {
	terminated := false
runLoop:
	for {
		select {
		case msg := <-c.mailbox:
			if c.handle(msg) {
				break runLoop
			}
		case ev, ok := <-c.events:
			if !ok {
				// engine died with peers still connected:
				// force-disconnect everyone and shut the room down
				c.logger.Error().Msg("engine stopped unexpectedly, closing room")
				c.disconnectAll()
				terminated = true
				break runLoop
			}
			c.forwardEngineEvent(ev)
		}
	}
	if !terminated {
		c.shutdownEngine()
	}
	close(c.done)
	c.logger.Debug().Msg("room terminated")
	if c.onTerminate != nil {
		c.onTerminate(c.id)
	}
}

// handle processes one mailbox message and reports whether the room should
// terminate.
func (c *Coordinator) handle(msg any) bool {
	switch m := msg.(type) {
	case registerMsg:
		err := c.registerPeer(m)
		m.reply <- err
		// a room whose only registration was rolled back has no one left
		// to ever remove a peer, shut it down right away
		return err != nil && len(c.peers) == 0
	case clientEventMsg:
		c.relayClientEvent(m.peerID, m.payload)
	case leaveMsg:
		c.removePeer(m.peerID, "left")
		return len(c.peers) == 0
	case livenessLostMsg:
		c.removePeer(m.peerID, "liveness lost")
		return len(c.peers) == 0
	}
	return false
}

func (c *Coordinator) registerPeer(m registerMsg) error {
	if _, ok := c.peers[m.peerID]; ok {
		return ErrAlreadyRegistered
	}
	if err := c.eng.Command(engine.CommandAddPeer, m.peerID, nil); err != nil {
		// roll back: peer was never added, no monitor is running
		c.logger.Error().Err(err).
			Str("peerID", m.peerID).
			Msg("engine rejected peer")
		return errors.Join(ErrEngineCommand, err)
	}

	stop := make(chan struct{})
	c.peers[m.peerID] = peerHandle{wire: m.wire, stop: stop}
	c.peerCount.Add(1)
	go c.watch(m.peerID, m.gone, stop)

	c.logger.Debug().Str("peerID", m.peerID).Msg("peer registered")
	return nil
}

// watch is the liveness monitor of one peer endpoint. It turns endpoint
// termination into an ordinary mailbox message.
func (c *Coordinator) watch(peerID string, gone <-chan struct{}, stop <-chan struct{}) {
	select {
	case <-gone:
		select {
		case c.mailbox <- livenessLostMsg{peerID: peerID}:
		case <-c.done:
		}
	case <-stop:
	case <-c.done:
	}
}

func (c *Coordinator) removePeer(peerID, reason string) {
	h, ok := c.peers[peerID]
	if !ok {
		return
	}
	close(h.stop)
	close(h.wire.TX)
	delete(c.peers, peerID)
	c.peerCount.Add(-1)

	if err := c.eng.Command(engine.CommandRemovePeer, peerID, nil); err != nil {
		c.logger.Error().Err(err).
			Str("peerID", peerID).
			Msg("engine rejected peer removal")
	}
	c.logger.Debug().
		Str("peerID", peerID).
		Str("reason", reason).
		Msg("peer removed")
}

func (c *Coordinator) relayClientEvent(peerID string, payload any) {
	if _, ok := c.peers[peerID]; !ok {
		// expected under disconnect races
		c.logger.Debug().Str("peerID", peerID).Msg("stale client event dropped")
		return
	}
	if err := c.eng.Command(engine.CommandMediaEvent, peerID, payload); err != nil {
		c.logger.Error().Err(err).
			Str("peerID", peerID).
			Msg("engine rejected media event")
	}
}

func (c *Coordinator) forwardEngineEvent(ev engine.Event) {
	evt := model.Event{
		SRC:     ev.Source,
		DST:     ev.Target,
		Type:    ev.Kind,
		Payload: ev.Payload,
	}
	if ev.Target != "" {
		h, ok := c.peers[ev.Target]
		if !ok {
			c.logger.Debug().
				Str("dst", ev.Target).
				Msg("cannot forward, dst not found")
			return
		}
		c.push(ev.Target, h, evt)
		return
	}
	for peerID, h := range c.peers {
		if peerID == ev.Source {
			continue
		}
		c.push(peerID, h, evt)
	}
}

// push must not block the run loop: wires are buffered and a peer that
// stopped draining its wire loses events.
func (c *Coordinator) push(peerID string, h peerHandle, evt model.Event) {
	select {
	case h.wire.TX <- evt:
	default:
		c.logger.Warn().
			Str("peerID", peerID).
			Str("type", evt.Type).
			Msg("peer wire is full, event dropped")
	}
}

func (c *Coordinator) disconnectAll() {
	for peerID, h := range c.peers {
		c.push(peerID, h, model.Event{Type: model.EventTypeRoomClosed})
		close(h.stop)
		close(h.wire.TX)
		c.peerCount.Add(-1)
		c.logger.Debug().Str("peerID", peerID).Msg("peer force-disconnected")
	}
	c.peers = make(map[string]peerHandle)
}

// shutdownEngine issues the shutdown command and waits for the engine to
// close its event channel, bounded by a deadline.
func (c *Coordinator) shutdownEngine() {
	if err := c.eng.Command(engine.CommandShutdown, "", nil); err != nil {
		c.logger.Error().Err(err).Msg("engine rejected shutdown")
		return
	}
	tCh := time.NewTimer(defaultEngineShutdownWait)
	defer tCh.Stop()
	for {
		select {
		case _, ok := <-c.events:
			if !ok {
				return
			}
		case <-tCh.C:
			c.logger.Warn().Msg("engine shutdown timed out")
			return
		}
	}
}
