// Package websocket is the peer endpoint adapter: it turns one websocket
// connection into a room session. The first client frame must be a join
// carrying a room target; afterwards media events flow both ways until the
// connection dies, which the room observes through the session context.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/room-relay/model"
	"github.com/adwski/room-relay/service"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 65536
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second
	defaultJoinDeadline                = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var ErrUnexpected = errors.New("unexpected server error")

type (
	SignalingService interface {
		Join(ctx context.Context, target string) (*service.Session, error)
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		ListenAddr       string
	}

	Server struct {
		svc SignalingService
		ws  *websocket.Upgrader
		*http.Server

		logger zerolog.Logger
	}
)

// joinFrame is the first frame of every connection.
type joinFrame struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

type joinedPayload struct {
	RoomID string `json:"room_id"`
	PeerID string `json:"peer_id"`
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.SignalingService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/signal", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.TODO()) // long-living session context

	sess, err := srv.join(ctx, conn)
	if err != nil {
		srv.logger.Debug().Err(err).Msg("join rejected")
		writeEvent(conn, model.Event{Type: model.EventTypeError, Payload: err.Error()}, &srv.logger)
		cancel()
		webSocketCloser(conn, &srv.logger)
		return
	}

	logger := srv.logger.With().
		Str("roomID", sess.RoomID).
		Str("peerID", sess.PeerID).
		Logger()

	if err = writeEvent(conn, model.Event{
		Type:    model.EventTypeJoined,
		Payload: joinedPayload{RoomID: sess.RoomID, PeerID: sess.PeerID},
	}, &logger); err != nil {
		// the room notices through the canceled session context
		cancel()
		webSocketCloser(conn, &logger)
		return
	}
	logger.Debug().Msg("signaling session created")

	go srv.handleWSConn(ctx, cancel, conn, sess, logger)
}

// join performs the join handshake. On any failure no session exists and
// nothing stays registered. ctx is the session context: the room monitors
// its cancellation to detect endpoint death.
func (srv *Server) join(ctx context.Context, conn *websocket.Conn) (*service.Session, error) {
	if err := conn.SetReadDeadline(time.Now().Add(defaultJoinDeadline)); err != nil {
		return nil, err
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var jf joinFrame
	if err = json.Unmarshal(msg, &jf); err != nil {
		return nil, err
	}
	if jf.Type != model.EventTypeJoin {
		return nil, errors.New("expected join frame, got '" + jf.Type + "'")
	}
	return srv.svc.Join(ctx, jf.Target)
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	sess *service.Session,
	logger zerolog.Logger,
) {
	wg := &sync.WaitGroup{}

	wg.Add(2)
	go func() {
		webSocketReceiver(ctx, wg, conn, sess, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, sess.Events(), &logger)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(conn, &logger)
	logger.Debug().Msg("signaling session ended")
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	events <-chan model.Event,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
			}
			logger.Trace().Msg("ping sent")

		case evt, ok := <-events:
			if !ok {
				// peer was removed from the room
				break SendLoop
			}
			if wsErr := writeEvent(conn, evt, logger); wsErr != nil {
				break SendLoop
			}
		}
	}
}

func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	sess *service.Session,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Warn().Err(wsErr).Msg("connection closed")
				} else {
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			var evt model.Event
			if wsErr = json.Unmarshal(msg, &evt); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to unmarshall incoming message")
				continue
			}
			switch evt.Type {
			case model.EventTypeMedia:
				sess.Relay(evt.Payload)
			case model.EventTypeLeave:
				sess.Leave()
				break RecvLoop
			default:
				logger.Debug().Str("type", evt.Type).Msg("unknown event type dropped")
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, evt model.Event, logger *zerolog.Logger) error {
	b, err := json.Marshal(&evt)
	if err != nil {
		logger.Error().Err(err).Msg("failed to marshall outgoing message")
		return err
	}
	if err = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		logger.Error().Err(err).Msg("failed to set websocket write deadline")
		return err
	}
	if err = conn.WriteMessage(websocket.TextMessage, b); err != nil {
		logger.Error().Err(err).Msg("failed to write outgoing message")
		return err
	}
	return nil
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Error().Err(wsErr).Msg("failed to close websocket connection")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
