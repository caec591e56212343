package api

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/phrazzld/recollection-api/internal/api/middleware"
	"github.com/phrazzld/recollection-api/internal/notify"
	"github.com/phrazzld/recollection-api/internal/platform/logger"
	"github.com/phrazzld/recollection-api/internal/platform/telemetry"
	"github.com/phrazzld/recollection-api/internal/redact"
)

// wsConn adapts a websocket connection to notify.Conn.
type wsConn struct {
	conn *websocket.Conn
}

var _ notify.Conn = wsConn{}

// ReadText returns the next text message. Binary messages read as "".
func (c wsConn) ReadText(ctx context.Context) (string, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return "", err
	}
	if typ != websocket.MessageText {
		return "", nil
	}
	return string(data), nil
}

func (c wsConn) WriteJSON(ctx context.Context, v any) error {
	return wsjson.Write(ctx, c.conn, v)
}

func (c wsConn) Close(code notify.CloseCode, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}

// StreamConfig tunes the WebSocket endpoint.
type StreamConfig struct {
	Session notify.SessionConfig
	// AllowedOrigins lists host patterns for cross-origin upgrades.
	// Same-origin requests are always accepted.
	AllowedOrigins []string
}

// TaskStreamHandler upgrades requests to WebSocket observer sessions.
type TaskStreamHandler struct {
	shutdown context.Context
	tasks    notify.TaskReader
	registry *notify.Registry
	cfg      StreamConfig
	metrics  *telemetry.Metrics
}

// NewTaskStreamHandler creates a TaskStreamHandler. Sessions are closed
// with "going away" when shutdown is cancelled, since hijacked connections
// outlive http.Server.Shutdown.
func NewTaskStreamHandler(
	shutdown context.Context,
	tasks notify.TaskReader,
	registry *notify.Registry,
	cfg StreamConfig,
	metrics *telemetry.Metrics,
) *TaskStreamHandler {
	if shutdown == nil {
		shutdown = context.Background()
	}
	return &TaskStreamHandler{
		shutdown: shutdown,
		tasks:    tasks,
		registry: registry,
		cfg:      cfg,
		metrics:  metrics,
	}
}

// Stream handles GET /ws/tasks/{taskID}. Authenticated clients may only
// observe their own tasks; anonymous clients look the task up by ID.
func (h *TaskStreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	var owner *uuid.UUID
	if userID, ok := middleware.GetUserID(r); ok {
		owner = &userID
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.AllowedOrigins,
	})
	if err != nil {
		// Accept has already written the HTTP error
		logger.FromContext(r.Context()).Debug("websocket upgrade failed", redact.Attr(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(h.shutdown, cancel)
	defer stop()

	log := logger.FromContext(ctx)

	session := notify.NewSession(taskID, owner, wsConn{conn: conn}, h.tasks, h.registry, h.cfg.Session, log, h.metrics)
	if err := session.Run(ctx); err != nil {
		log.Error("observer session ended with error", "task_id", taskID, redact.Attr(err))
	}
}
