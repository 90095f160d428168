package realtime

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gorax/shieldflow/internal/config"
	"github.com/gorax/shieldflow/internal/tracing"
)

// Handler upgrades HTTP connections to WebSocket and subscribes them to the
// run/workflow rooms requested via query parameters.
type Handler struct {
	hub    *Hub
	cfg    config.WebSocketConfig
	logger *slog.Logger
}

// NewHandler constructs a Handler over a running Hub.
func NewHandler(hub *Hub, cfg config.WebSocketConfig, logger *slog.Logger) *Handler {
	return &Handler{hub: hub, cfg: cfg, logger: logger}
}

// ServeHTTP upgrades the connection, registers a Client, and subscribes it
// to "run:<id>" and/or "workflow:<id>" rooms per the run_id/workflow_id
// query parameters. At least one must be present.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := tracing.ExtractTraceContext(r.Context(), headerCarrier(r.Header))

	orgID := r.URL.Query().Get("org_id")
	runID := r.URL.Query().Get("run_id")
	workflowID := r.URL.Query().Get("workflow_id")
	if runID == "" && workflowID == "" {
		http.Error(w, "run_id or workflow_id is required", http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.cfg.CheckOrigin(),
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade realtime connection", "trace_id", tracing.GetTraceID(ctx), "error", err)
		return
	}

	client := &Client{
		ID:            uuid.New().String(),
		OrgID:         orgID,
		Conn:          conn,
		Hub:           h.hub,
		Send:          make(chan []byte, 256),
		Subscriptions: make(map[string]bool),
	}
	h.hub.Register <- client

	if runID != "" {
		h.hub.SubscribeClient(client, "run:"+runID)
	}
	if workflowID != "" {
		h.hub.SubscribeClient(client, "workflow:"+workflowID)
	}

	go client.WritePump()
	go client.ReadPump()
}

// headerCarrier flattens an http.Header into the map[string]string shape
// the trace propagator reads, taking the first value of any repeated
// header.
func headerCarrier(h http.Header) map[string]string {
	carrier := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			carrier[k] = v[0]
		}
	}
	return carrier
}
