package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/harun/datalens/internal/observability"
	"github.com/harun/datalens/internal/tracing"
	"github.com/harun/datalens/pkg/stream"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	sessionID := sessionOrNew(req.SessionID)
	ctx := tracing.WithSessionID(r.Context(), sessionID)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	var opts []stream.EncoderOption
	h := w.Header()
	if wantsPlainText(r.Header.Get("Accept")) {
		h.Set("Content-Type", "text/plain; charset=utf-8")
	} else {
		h.Set("Content-Type", "text/event-stream")
		opts = append(opts, stream.WithSSE())
	}
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set(headerSessionID, sessionID)
	w.WriteHeader(http.StatusOK)

	enc := stream.NewEncoder(w, opts...)
	defer enc.Close()

	logger.Info().Msg("Received streaming chat request")
	state, err := s.cfg.Engine.Run(ctx, sessionID, req.Message, enc)
	if err != nil {
		logger.Warn().Err(err).Str("state", string(state)).Msg("Streaming chat ended with error")
		return
	}
	logger.Debug().Str("state", string(state)).Msg("Streaming chat finished")
}

func (s *Server) handleChatSync(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	sessionID := sessionOrNew(req.SessionID)
	ctx := tracing.WithSessionID(r.Context(), sessionID)
	w.Header().Set(headerSessionID, sessionID)

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Msg("Received sync chat request")
	text, err := s.cfg.Engine.RunSync(ctx, sessionID, req.Message)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: err.Error(), SessionID: sessionID})
		return
	}
	writeJSON(w, http.StatusOK, ChatSyncResponse{SessionID: sessionID, Response: text})
}

func (s *Server) handleChatStop(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "sessionId is required"})
		return
	}

	stopped := s.cfg.Engine.Abort(sessionID)
	observability.RecordSessionAudit(r.Context(), "stop", tracing.GetClientID(r.Context()), map[string]interface{}{
		"session_id": sessionID,
		"stopped":    stopped,
	})
	writeJSON(w, http.StatusOK, StopResponse{SessionID: sessionID, Stopped: stopped})
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	s.cfg.Engine.Abort(sessionID)
	cleared := s.cfg.Sessions.Clear(sessionID)

	observability.RecordSessionAudit(r.Context(), "clear", tracing.GetClientID(r.Context()), map[string]interface{}{
		"session_id": sessionID,
		"cleared":    cleared,
	})
	writeJSON(w, http.StatusOK, SessionClearResponse{SessionID: sessionID, Cleared: cleared})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "UP",
		Service: ServiceName,
		Version: s.cfg.Version,
	})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	tools := s.cfg.Tools.Schemas()
	writeJSON(w, http.StatusOK, ToolsResponse{Tools: tools, Count: len(tools)})
}

// decodeChat reads a ChatRequest and answers 400 itself when it is unusable.
func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (ChatRequest, bool) {
	var req ChatRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return req, false
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "message is required", SessionID: req.SessionID})
		return req, false
	}
	return req, true
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sessionOrNew(sessionID string) string {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return uuid.NewString()
	}
	return sessionID
}

// wantsPlainText reports whether the client asked for raw records rather
// than SSE framing. SSE is the default.
func wantsPlainText(accept string) bool {
	accept = strings.ToLower(accept)
	return strings.Contains(accept, "text/plain") && !strings.Contains(accept, "text/event-stream")
}
