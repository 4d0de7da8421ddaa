// Package registry is the process-wide room directory. It guarantees that
// concurrent joins for the same room id resolve to the same live
// coordinator: lookup, creation and insertion happen in one critical
// section, so two racing joins can never both start a room.
package registry

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adwski/room-relay/engine"
	"github.com/adwski/room-relay/model"
	"github.com/adwski/room-relay/room"
)

var ErrStart = errors.New("unable to start room")

type Registry struct {
	logger     zerolog.Logger
	roomLogger zerolog.Logger // untagged, rooms attach their own component
	factory    engine.Factory
	mx         *sync.Mutex
	rooms      map[string]*room.Coordinator
}

func New(logger *zerolog.Logger, factory engine.Factory) *Registry {
	return &Registry{
		logger:     logger.With().Str("component", "registry").Logger(),
		roomLogger: *logger,
		factory:    factory,
		mx:         &sync.Mutex{},
		rooms:      make(map[string]*room.Coordinator),
	}
}

// FindOrStart returns the live coordinator registered for roomID, starting
// and registering one if none exists. A coordinator that terminated but did
// not make it out of the directory yet counts as absent. Start failure
// leaves no entry behind.
func (r *Registry) FindOrStart(roomID string) (*room.Coordinator, error) {
	r.mx.Lock()
	defer r.mx.Unlock()

	if c, ok := r.rooms[roomID]; ok {
		select {
		case <-c.Done():
			delete(r.rooms, roomID)
		default:
			return c, nil
		}
	}

	c, err := room.NewCoordinator(room.Config{
		ID:            roomID,
		Logger:        &r.roomLogger,
		EngineFactory: r.factory,
		OnTerminate:   r.Remove,
	})
	if err != nil {
		r.logger.Error().Err(err).
			Str("roomID", roomID).
			Msg("room start failed")
		return nil, errors.Join(ErrStart, err)
	}
	r.rooms[roomID] = c
	r.logger.Debug().Str("roomID", roomID).Msg("room registered")
	return c, nil
}

// Remove drops the directory entry for roomID. Idempotent: removing an
// absent id is a no-op. A newer coordinator that already took over the id
// is left in place.
func (r *Registry) Remove(roomID string) {
	r.mx.Lock()
	defer r.mx.Unlock()

	c, ok := r.rooms[roomID]
	if !ok {
		return
	}
	select {
	case <-c.Done():
		delete(r.rooms, roomID)
		r.logger.Debug().Str("roomID", roomID).Msg("room unregistered")
	default:
	}
}

// Rooms returns a snapshot of the active rooms.
func (r *Registry) Rooms() []model.RoomStatus {
	r.mx.Lock()
	defer r.mx.Unlock()

	out := make([]model.RoomStatus, 0, len(r.rooms))
	for roomID, c := range r.rooms {
		select {
		case <-c.Done():
			continue
		default:
		}
		out = append(out, model.RoomStatus{ID: roomID, Peers: c.Peers()})
	}
	return out
}
