// Package echo implements a loopback media engine: it relays media events
// between the peers of a room without touching any actual media. It is the
// default engine and doubles as the reference engine behavior for tests.
package echo

import (
	"sync"

	"github.com/adwski/room-relay/engine"
	"github.com/rs/zerolog"
)

const defaultEventBuffer = 64

type Engine struct {
	logger zerolog.Logger
	mx     sync.Mutex
	peers  map[string]struct{}
	events chan engine.Event
	closed bool
}

func NewFactory(logger *zerolog.Logger) engine.Factory {
	return func(roomID string) (engine.Engine, error) {
		return &Engine{
			logger: logger.With().
				Str("component", "echo-engine").
				Str("roomID", roomID).Logger(),
			peers:  make(map[string]struct{}),
			events: make(chan engine.Event, defaultEventBuffer),
		}, nil
	}
}

func (e *Engine) Events() <-chan engine.Event {
	return e.events
}

func (e *Engine) Command(kind engine.CommandKind, peerID string, payload any) error {
	e.mx.Lock()
	defer e.mx.Unlock()

	if e.closed {
		return engine.ErrClosed
	}

	switch kind {
	case engine.CommandAddPeer:
		e.peers[peerID] = struct{}{}
		e.emit(engine.Event{Kind: engine.EventPeerJoined, Source: peerID})

	case engine.CommandRemovePeer:
		if _, ok := e.peers[peerID]; !ok {
			return engine.ErrUnknownPeer
		}
		delete(e.peers, peerID)
		e.emit(engine.Event{Kind: engine.EventPeerLeft, Source: peerID})

	case engine.CommandMediaEvent:
		if _, ok := e.peers[peerID]; !ok {
			return engine.ErrUnknownPeer
		}
		e.emit(engine.Event{
			Kind:    engine.EventMedia,
			Source:  peerID,
			Target:  payloadTarget(payload),
			Payload: payload,
		})

	case engine.CommandShutdown:
		e.closed = true
		close(e.events)

	default:
		return engine.ErrUnknownCommand
	}
	return nil
}

// payloadTarget peeks into the payload for an optional "to" field so that
// clients can address negotiation messages to one peer. Anything else is
// broadcast.
func payloadTarget(payload any) string {
	m, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	to, _ := m["to"].(string)
	return to
}

func (e *Engine) emit(ev engine.Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn().
			Str("kind", ev.Kind).
			Str("src", ev.Source).
			Msg("event buffer is full, event dropped")
	}
}
