package mcpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gwerrors "github.com/alexjbarnes/n8n-gateway/internal/errors"
	"github.com/alexjbarnes/n8n-gateway/internal/logging"
	"github.com/alexjbarnes/n8n-gateway/internal/metrics"
	"github.com/alexjbarnes/n8n-gateway/internal/models"
	"github.com/alexjbarnes/n8n-gateway/internal/session"
	"github.com/tidwall/gjson"
)

const (
	// SessionHeader carries the protocol session id.
	SessionHeader = "Mcp-Session-Id"

	maxBodyBytes = 1 << 20
)

// HandlerConfig configures the protocol endpoint.
type HandlerConfig struct {
	ServerURL         string
	Version           string
	HeartbeatInterval time.Duration
	// AllowUnauthenticatedDiscovery lets tools/list through the gate.
	AllowUnauthenticatedDiscovery bool
}

// Handler serves the protocol endpoint: POST for JSON-RPC, GET for the
// heartbeat stream or server info, DELETE to end a session.
type Handler struct {
	cfg        HandlerConfig
	gate       *session.Gate
	linker     *session.Linker
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewHandler creates the protocol handler.
func NewHandler(cfg HandlerConfig, gate *session.Gate, linker *session.Linker, dispatcher *Dispatcher, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}

	return &Handler{
		cfg:        cfg,
		gate:       gate,
		linker:     linker,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeRPC(w, http.StatusRequestEntityTooLarge, failure(nil, CodeInvalidRequest, "request body too large", nil))
		return
	}

	if !gjson.ValidBytes(body) {
		writeRPC(w, http.StatusBadRequest, failure(nil, CodeParseError, "parse error", nil))
		return
	}

	// Peek before the gate so a 401 can echo the id and discovery can
	// be let through.
	doc := gjson.ParseBytes(body)
	if doc.IsArray() {
		writeRPC(w, http.StatusBadRequest, failure(nil, CodeInvalidRequest, "batch requests are not supported", nil))
		return
	}

	method := doc.Get("method").String()
	id := rawID(doc.Get("id"))

	auth, err := h.gate.Authorize(r.Context(), r.Header.Get("Authorization"), r.Header.Get(SessionHeader))
	if err != nil {
		if !(h.cfg.AllowUnauthenticatedDiscovery && method == "tools/list") {
			h.writeUnauthorized(w, id, err)
			return
		}

		auth = nil
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil || req.JSONRPC != "2.0" || req.Method == "" {
		writeRPC(w, http.StatusBadRequest, failure(id, CodeInvalidRequest, "invalid request", nil))
		return
	}

	var ps *models.ProtocolSession

	if auth != nil {
		ps, err = h.linker.LinkOrCreate(r.Context(), r.Header.Get(SessionHeader), req.Method == "initialize", auth)

		switch {
		case errors.Is(err, gwerrors.ErrSessionNotFound):
			writeRPC(w, http.StatusNotFound, failure(id, CodeInvalidRequest, "session not found", nil))
			return
		case err != nil:
			h.logger.Error("linking session", slog.String("error", err.Error()))
			writeRPC(w, http.StatusInternalServerError, failure(id, CodeInternalError, "internal error", nil))

			return
		}
	}

	if ps != nil {
		w.Header().Set(SessionHeader, ps.ID)
	}

	resp := h.dispatcher.Dispatch(r.Context(), &req, auth, ps)

	if req.IsNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	writeRPC(w, http.StatusOK, resp)
}

// handleGet opens the heartbeat stream for clients that accept SSE and
// returns the server info document otherwise.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		h.writeServerInfo(w)
		return
	}

	sessionID := r.Header.Get(SessionHeader)

	if _, err := h.gate.Authorize(r.Context(), r.Header.Get("Authorization"), sessionID); err != nil {
		h.writeUnauthorized(w, nil, err)
		return
	}

	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header is required for streaming", http.StatusBadRequest)
		return
	}

	if _, ok := h.linker.Get(r.Context(), sessionID); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := rc.Flush(); err != nil {
		h.logger.Warn("stream flush unsupported", slog.String("error", err.Error()))
		return
	}

	h.metrics.StreamOpened()
	defer h.metrics.StreamClosed()

	h.logger.Debug("heartbeat stream opened", slog.String("session", logging.Prefix(sessionID)))

	for range heartbeats(r.Context(), h.cfg.HeartbeatInterval) {
		if _, err := io.WriteString(w, "event: ping\ndata: {\"type\":\"ping\"}\n\n"); err != nil {
			return
		}

		if err := rc.Flush(); err != nil {
			return
		}
	}

	h.logger.Debug("heartbeat stream closed", slog.String("session", logging.Prefix(sessionID)))
}

// handleDelete terminates a session. Termination is idempotent: a
// session id that no longer exists answers 200 even when the caller
// could only have authorized through that session.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)

	if _, err := h.gate.Authorize(r.Context(), r.Header.Get("Authorization"), sessionID); err != nil {
		if sessionID != "" {
			if _, ok := h.linker.Get(r.Context(), sessionID); !ok {
				w.WriteHeader(http.StatusOK)
				return
			}
		}

		h.writeUnauthorized(w, nil, err)

		return
	}

	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header is required", http.StatusBadRequest)
		return
	}

	if err := h.linker.Terminate(r.Context(), sessionID); err != nil {
		h.logger.Error("terminating session", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	w.WriteHeader(http.StatusOK)
}

// writeUnauthorized sends the 401 challenge with discovery hints.
func (h *Handler) writeUnauthorized(w http.ResponseWriter, id json.RawMessage, err error) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="n8n-gateway", resource_metadata="%s/.well-known/oauth-protected-resource"`, h.cfg.ServerURL))

	writeRPC(w, http.StatusUnauthorized, failure(id, CodeUnauthorized, "Unauthorized: "+gwerrors.Description(err), map[string]string{
		"auth_url": h.cfg.ServerURL + "/.well-known/oauth-authorization-server",
	}))
}

func (h *Handler) writeServerInfo(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"name":          "n8n-gateway",
		"version":       h.cfg.Version,
		"transport":     "streamable-http",
		"authorization": "OAuth 2.1",
		"protocol":      supportedVersions[0],
		"endpoints": map[string]string{
			"mcp":           "/mcp",
			"health":        "/health",
			"authorization": "/oauth/authorize",
			"token":         "/oauth/token",
			"register":      "/oauth/register",
			"discovery":     "/.well-known/oauth-authorization-server",
			"tokens":        "/tokens",
		},
	})
}

// rawID returns the request id as raw JSON, or nil when absent.
func rawID(v gjson.Result) json.RawMessage {
	if !v.Exists() {
		return nil
	}

	return json.RawMessage(v.Raw)
}

func writeRPC(w http.ResponseWriter, status int, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
