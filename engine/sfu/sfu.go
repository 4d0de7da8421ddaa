// Package sfu implements the media engine on top of pion. Each peer gets a
// server-side peer connection; inbound tracks are forwarded to every other
// peer in the room. Negotiation messages (offer/answer/ICE) travel as
// media-event payloads.
package sfu

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/adwski/room-relay/engine"
)

const defaultEventBuffer = 64

var errUnknownSignal = errors.New("unknown signal kind")

type Config struct {
	Logger      *zerolog.Logger
	STUNServers []string
}

// signal is the shape of media-event payloads exchanged with clients.
type signal struct {
	Kind      string `json:"kind"` // offer | answer | candidate
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

type peer struct {
	pc     *webrtc.PeerConnection
	tracks map[string]*webrtc.TrackLocalStaticRTP
}

type Engine struct {
	logger zerolog.Logger
	cfg    webrtc.Configuration

	mx     sync.Mutex
	peers  map[string]*peer
	events chan engine.Event
	closed bool
}

func NewFactory(cfg Config) engine.Factory {
	iceServers := []webrtc.ICEServer{{URLs: cfg.STUNServers}}
	return func(roomID string) (engine.Engine, error) {
		return &Engine{
			logger: cfg.Logger.With().
				Str("component", "sfu-engine").
				Str("roomID", roomID).Logger(),
			cfg:    webrtc.Configuration{ICEServers: iceServers},
			peers:  make(map[string]*peer),
			events: make(chan engine.Event, defaultEventBuffer),
		}, nil
	}
}

func (e *Engine) Events() <-chan engine.Event {
	return e.events
}

func (e *Engine) Command(kind engine.CommandKind, peerID string, payload any) error {
	switch kind {
	case engine.CommandAddPeer:
		return e.addPeer(peerID)
	case engine.CommandRemovePeer:
		return e.removePeer(peerID)
	case engine.CommandMediaEvent:
		return e.handleSignal(peerID, payload)
	case engine.CommandShutdown:
		return e.shutdown()
	default:
		return engine.ErrUnknownCommand
	}
}

func (e *Engine) addPeer(peerID string) error {
	e.mx.Lock()
	if e.closed {
		e.mx.Unlock()
		return engine.ErrClosed
	}
	e.mx.Unlock()

	pc, err := webrtc.NewPeerConnection(e.cfg)
	if err != nil {
		return err
	}

	for _, codecKind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err = pc.AddTransceiverFromKind(codecKind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return err
		}
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		e.emit(engine.Event{
			Kind:   engine.EventMedia,
			Target: peerID,
			Payload: signal{
				Kind:      "candidate",
				Candidate: candidate.ToJSON().Candidate,
			},
		})
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.forwardTrack(peerID, remote)
	})

	np := &peer{
		pc:     pc,
		tracks: make(map[string]*webrtc.TrackLocalStaticRTP),
	}

	e.mx.Lock()
	if e.closed {
		e.mx.Unlock()
		_ = pc.Close()
		return engine.ErrClosed
	}
	others := e.snapshotLocked(peerID)
	e.peers[peerID] = np
	e.mx.Unlock()

	// replay already known tracks to the newcomer
	for _, other := range others {
		for _, track := range other.tracks {
			if err = e.attachTrack(np, track); err != nil {
				e.logger.Error().Err(err).
					Str("peerID", peerID).
					Msg("failed to attach existing track")
			}
		}
	}

	e.emit(engine.Event{Kind: engine.EventPeerJoined, Source: peerID})
	e.negotiate(peerID, np)
	return nil
}

func (e *Engine) removePeer(peerID string) error {
	e.mx.Lock()
	p, ok := e.peers[peerID]
	if ok {
		delete(e.peers, peerID)
	}
	e.mx.Unlock()
	if !ok {
		return engine.ErrUnknownPeer
	}

	if err := p.pc.Close(); err != nil {
		e.logger.Error().Err(err).Str("peerID", peerID).Msg("peer connection close failed")
	}
	e.emit(engine.Event{Kind: engine.EventPeerLeft, Source: peerID})
	return nil
}

func (e *Engine) handleSignal(peerID string, payload any) error {
	e.mx.Lock()
	p, ok := e.peers[peerID]
	closed := e.closed
	e.mx.Unlock()
	if closed {
		return engine.ErrClosed
	}
	if !ok {
		return engine.ErrUnknownPeer
	}

	sig, err := decodeSignal(payload)
	if err != nil {
		return err
	}

	switch sig.Kind {
	case "offer":
		if err = p.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  sig.SDP,
		}); err != nil {
			return err
		}
		answer, aErr := p.pc.CreateAnswer(nil)
		if aErr != nil {
			return aErr
		}
		if err = p.pc.SetLocalDescription(answer); err != nil {
			return err
		}
		e.emit(engine.Event{
			Kind:    engine.EventMedia,
			Target:  peerID,
			Payload: signal{Kind: "answer", SDP: answer.SDP},
		})

	case "answer":
		return p.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  sig.SDP,
		})

	case "candidate":
		return p.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: sig.Candidate})

	default:
		return errUnknownSignal
	}
	return nil
}

func (e *Engine) shutdown() error {
	e.mx.Lock()
	if e.closed {
		e.mx.Unlock()
		return engine.ErrClosed
	}
	e.closed = true
	peers := e.peers
	e.peers = make(map[string]*peer)
	e.mx.Unlock()

	for peerID, p := range peers {
		if err := p.pc.Close(); err != nil {
			e.logger.Error().Err(err).Str("peerID", peerID).Msg("peer connection close failed")
		}
	}
	close(e.events)
	return nil
}

// forwardTrack fans an inbound track out to every other peer and keeps
// pumping its RTP packets into the local forwarding track.
func (e *Engine) forwardTrack(srcPeerID string, remote *webrtc.TrackRemote) {
	local, err := webrtc.NewTrackLocalStaticRTP(
		remote.Codec().RTPCodecCapability,
		remote.ID(),
		"stream-"+srcPeerID,
	)
	if err != nil {
		e.logger.Error().Err(err).Str("peerID", srcPeerID).Msg("failed to create local track")
		return
	}

	e.mx.Lock()
	if e.closed {
		e.mx.Unlock()
		return
	}
	src, ok := e.peers[srcPeerID]
	if !ok {
		e.mx.Unlock()
		return
	}
	src.tracks[remote.ID()] = local
	others := e.snapshotLocked(srcPeerID)
	e.mx.Unlock()

	for otherID, other := range others {
		if err = e.attachTrack(other, local); err != nil {
			e.logger.Error().Err(err).
				Str("peerID", otherID).
				Msg("failed to attach track")
			continue
		}
		e.negotiate(otherID, other)
	}

	buf := make([]byte, 1500)
	for {
		n, _, rErr := remote.Read(buf)
		if rErr != nil {
			return
		}
		if _, rErr = local.Write(buf[:n]); rErr != nil {
			return
		}
	}
}

func (e *Engine) attachTrack(p *peer, track *webrtc.TrackLocalStaticRTP) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// drain RTCP to keep interceptors running
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, rErr := sender.Read(buf); rErr != nil {
				return
			}
		}
	}()
	return nil
}

// negotiate pushes a fresh offer to the peer.
func (e *Engine) negotiate(peerID string, p *peer) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		e.logger.Error().Err(err).Str("peerID", peerID).Msg("failed to create offer")
		return
	}
	if err = p.pc.SetLocalDescription(offer); err != nil {
		e.logger.Error().Err(err).Str("peerID", peerID).Msg("failed to set local description")
		return
	}
	e.emit(engine.Event{
		Kind:    engine.EventMedia,
		Target:  peerID,
		Payload: signal{Kind: "offer", SDP: offer.SDP},
	})
}

func (e *Engine) snapshotLocked(excludePeerID string) map[string]*peer {
	others := make(map[string]*peer, len(e.peers))
	for id, p := range e.peers {
		if id != excludePeerID {
			others[id] = p
		}
	}
	return others
}

func (e *Engine) emit(ev engine.Event) {
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	default:
		e.logger.Warn().
			Str("kind", ev.Kind).
			Str("target", ev.Target).
			Msg("event buffer is full, event dropped")
	}
}

func decodeSignal(payload any) (signal, error) {
	var sig signal
	b, err := json.Marshal(payload)
	if err != nil {
		return sig, err
	}
	err = json.Unmarshal(b, &sig)
	return sig, err
}
