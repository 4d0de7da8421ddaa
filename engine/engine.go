// Package engine defines the boundary between a room coordinator and the
// media-relay engine serving that room. The engine is driven with one-way
// commands and reports outcomes asynchronously through its event channel.
package engine

import "errors"

type CommandKind string

const (
	CommandAddPeer    CommandKind = "add-peer"
	CommandRemovePeer CommandKind = "remove-peer"
	CommandMediaEvent CommandKind = "media-event"
	CommandShutdown   CommandKind = "shutdown"
)

// Event kinds. Values match the client-facing event types so coordinators
// can forward them verbatim.
const (
	EventMedia      = "mediaEvent"
	EventPeerJoined = "peerJoined"
	EventPeerLeft   = "peerLeft"
)

var (
	ErrClosed         = errors.New("engine is shut down")
	ErrUnknownPeer    = errors.New("peer is not known to engine")
	ErrUnknownCommand = errors.New("unknown engine command")
)

// Event is emitted by an engine towards its room. Empty Target means
// broadcast; the coordinator skips Source on fan-out.
type Event struct {
	Kind    string
	Source  string
	Target  string
	Payload any
}

// Engine is the media-relay engine binding. Command is a one-way dispatch:
// a nil error only means the command was accepted, outcomes arrive as
// events. The event channel is produced once, never restarts, and is closed
// by the engine exactly once: after a shutdown command completes or on
// unrecoverable engine failure.
//
// An Engine instance is exclusively owned by one room coordinator.
type Engine interface {
	Command(kind CommandKind, peerID string, payload any) error
	Events() <-chan Event
}

// Factory creates an engine instance for a room. Called once per
// coordinator start; an error here fails the room start.
type Factory func(roomID string) (Engine, error)
