package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harun/datalens/internal/tracing"
	"github.com/harun/datalens/pkg/stream"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	writeWait     = 10 * time.Second
	maxFrameBytes = 64 << 10
	frameTypeChat = "chat"
	frameTypeStop = "stop"

	// maxQueuedTurns bounds chat frames waiting behind the running turn of
	// one connection.
	maxQueuedTurns = 16
)

type wsTurn struct {
	sessionID string
	message   string
	release   func()
}

// wsSink writes each protocol record as one text frame.
type wsSink struct {
	client *Client
}

func (s wsSink) Emit(ev stream.Event) error {
	record, err := stream.MarshalRecord(ev)
	if err != nil {
		return err
	}
	return s.client.WriteMessage(websocket.TextMessage, bytes.TrimSuffix(record, []byte("\n")))
}

// handleWebSocket upgrades the connection. The default session id of the
// connection is returned in the X-Session-Id response header and used for
// frames that carry none.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	sessionID := sessionOrNew(r.URL.Query().Get("sessionId"))
	header := http.Header{}
	header.Set(headerSessionID, sessionID)

	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		clientID = uuid.NewString()
	}
	now := time.Now()
	client := &Client{
		ID:           clientID,
		SessionID:    sessionID,
		Conn:         conn,
		IPAddress:    clientKey(r),
		ConnectedAt:  now,
		LastActivity: now,
	}
	s.clients.Add(client)

	// The request context is not tied to a hijacked connection; turns are
	// cancelled when the read loop ends instead.
	ctx := tracing.WithClientID(context.WithoutCancel(r.Context()), clientID)
	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", client.IPAddress).
		Str("session_id", sessionID).
		Msg("Client connected")

	go s.handleClient(ctx, client)
}

// handleClient reads frames until the connection closes. Chat frames queue
// and run one at a time so the records of two turns never interleave on the
// connection; stop frames are handled as soon as they are read.
func (s *Server) handleClient(ctx context.Context, client *Client) {
	ctx, cancel := context.WithCancel(ctx)
	queue := make(chan wsTurn, maxQueuedTurns)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.runTurns(ctx, client, queue)
	}()
	defer func() {
		cancel()
		close(queue)
		<-done
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	client.Conn.SetReadLimit(maxFrameBytes)
	limiter := s.limiters.For(client.IPAddress)

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}
		s.clients.Touch(client.ID)

		var req ChatRequest
		if err := json.Unmarshal(message, &req); err != nil {
			_ = wsSink{client}.Emit(stream.ErrorEvent("invalid frame: " + err.Error()))
			continue
		}
		sessionID := strings.TrimSpace(req.SessionID)
		if sessionID == "" {
			sessionID = client.SessionID
		}

		switch req.Type {
		case frameTypeStop:
			stopped := s.cfg.Engine.Abort(sessionID)
			s.logger.Debug().Str("session_id", sessionID).Bool("stopped", stopped).Msg("Stop requested over WebSocket")
			continue
		case "", frameTypeChat:
		default:
			_ = wsSink{client}.Emit(stream.ErrorEvent("unknown frame type: " + req.Type))
			continue
		}

		if strings.TrimSpace(req.Message) == "" {
			_ = wsSink{client}.Emit(stream.ErrorEvent("message is required"))
			continue
		}
		release, reason := limiter.Acquire()
		if release == nil {
			_ = wsSink{client}.Emit(stream.ErrorEvent(reason))
			continue
		}

		s.inFlight.Add(1)
		select {
		case queue <- wsTurn{sessionID: sessionID, message: req.Message, release: release}:
		default:
			release()
			s.inFlight.Done()
			_ = wsSink{client}.Emit(stream.ErrorEvent("too many pending messages on this connection"))
		}
	}
}

// runTurns drains queue in order. Turns still queued after ctx ends are
// dropped without running.
func (s *Server) runTurns(ctx context.Context, client *Client, queue <-chan wsTurn) {
	for turn := range queue {
		if ctx.Err() == nil {
			turnCtx := tracing.WithSessionID(ctx, turn.sessionID)
			if _, err := s.cfg.Engine.Run(turnCtx, turn.sessionID, turn.message, wsSink{client}); err != nil {
				logger := tracing.LoggerFromContext(turnCtx, s.logger)
				logger.Warn().Err(err).Msg("WebSocket turn ended with error")
			}
		}
		turn.release()
		s.inFlight.Done()
	}
}
