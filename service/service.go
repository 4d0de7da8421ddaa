package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adwski/room-relay/model"
	"github.com/adwski/room-relay/registry"
	"github.com/adwski/room-relay/room"
)

var ErrJoin = errors.New("unable to join room")

// Session binds one peer endpoint to its room for the lifetime of the
// connection.
type Session struct {
	RoomID string
	PeerID string
	wire   model.Wire
	coord  *room.Coordinator
}

// Events is the stream of room events destined for this peer. Closed by the
// room when the peer is removed.
func (s *Session) Events() <-chan model.Event {
	return s.wire.TX
}

// Relay forwards a client media event into the room.
func (s *Session) Relay(payload any) {
	s.coord.Relay(s.PeerID, payload)
}

// Leave removes the peer from the room explicitly. Not required on
// transport death: the room notices that through the session context.
func (s *Session) Leave() {
	s.coord.Leave(s.PeerID)
}

type Service struct {
	registry *registry.Registry
	logger   zerolog.Logger
}

type Config struct {
	Registry *registry.Registry
	Logger   *zerolog.Logger
}

func NewService(cfg Config) *Service {
	return &Service{
		registry: cfg.Registry,
		logger:   cfg.Logger.With().Str("component", "api").Logger(),
	}
}

// Join resolves target to a room, registers a fresh peer in it and returns
// the bound session. ctx must live as long as the peer endpoint: its
// cancellation is what the room's liveness monitor observes. On error
// nothing stays registered.
func (svc *Service) Join(ctx context.Context, target string) (*Session, error) {
	roomID, err := model.ParseRoomTarget(target)
	if err != nil {
		return nil, errors.Join(ErrJoin, err)
	}

	// one retry covers the race with a coordinator that terminated between
	// directory lookup and peer registration
	for attempt := 0; attempt < 2; attempt++ {
		coord, fErr := svc.registry.FindOrStart(roomID)
		if fErr != nil {
			return nil, errors.Join(ErrJoin, fErr)
		}

		peerID := uuid.NewString()
		wire := model.NewWire()

		rErr := coord.Register(peerID, wire, ctx.Done())
		if errors.Is(rErr, room.ErrTerminated) {
			continue
		}
		if rErr != nil {
			return nil, errors.Join(ErrJoin, rErr)
		}

		svc.logger.Debug().
			Str("roomID", roomID).
			Str("peerID", peerID).
			Msg("peer joined room")
		return &Session{
			RoomID: roomID,
			PeerID: peerID,
			wire:   wire,
			coord:  coord,
		}, nil
	}
	return nil, errors.Join(ErrJoin, room.ErrTerminated)
}

// Rooms lists active rooms for the status API.
func (svc *Service) Rooms() []model.RoomStatus {
	return svc.registry.Rooms()
}
