package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/datalens/internal/metrics"
	"github.com/harun/datalens/pkg/agent"
	"github.com/harun/datalens/pkg/toolexecutor"
)

// ChatEngine runs agent turns. *agent.Engine satisfies it.
type ChatEngine interface {
	Run(ctx context.Context, sessionID, message string, sink agent.EventSink) (agent.State, error)
	RunSync(ctx context.Context, sessionID, message string) (string, error)
	Abort(sessionID string) bool
}

// SessionStore clears session memory. *memory.Cache satisfies it.
type SessionStore interface {
	Clear(sessionID string) bool
	MaxSessions() int
}

// ToolCatalog lists the tools offered to the model.
type ToolCatalog interface {
	Schemas() []toolexecutor.ToolSchema
}

// DashboardSource produces the dashboard summary. *metrics.Metrics
// satisfies it.
type DashboardSource interface {
	Snapshot(application, version string, maxSessions int) (*metrics.Snapshot, error)
}

// ChatRequest is the body of the chat endpoints and of WebSocket frames.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	// Type is only used on WebSocket frames: "" or "chat" runs a turn,
	// "stop" aborts the session's turns.
	Type string `json:"type,omitempty"`
}

// ChatSyncResponse is returned by /chat/sync.
type ChatSyncResponse struct {
	SessionID string `json:"sessionId"`
	Response  string `json:"response"`
}

// StopRequest is the body of /chat/stop.
type StopRequest struct {
	SessionID string `json:"sessionId"`
}

// StopResponse reports whether any turn was cancelled.
type StopResponse struct {
	SessionID string `json:"sessionId"`
	Stopped   bool   `json:"stopped"`
}

// SessionClearResponse is returned by DELETE /sessions/{id}.
type SessionClearResponse struct {
	SessionID string `json:"sessionId"`
	Cleared   bool   `json:"cleared"`
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// ToolsResponse lists registered tools.
type ToolsResponse struct {
	Tools []toolexecutor.ToolSchema `json:"tools"`
	Count int                       `json:"count"`
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	SessionID string `json:"sessionId,omitempty"`
}

// ClientInfo represents information about a connected WebSocket client
type ClientInfo struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	Idle         bool      `json:"idle"`
}

// Client represents a connected WebSocket client
type Client struct {
	ID        string
	SessionID string
	Conn      *websocket.Conn
	IPAddress string

	ConnectedAt  time.Time
	LastActivity time.Time

	writeMu sync.Mutex
}

// WriteMessage serializes writes; gorilla connections allow one writer.
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(messageType, data)
}
