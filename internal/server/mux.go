// Package server assembles the gateway's HTTP surface.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/n8n-gateway/internal/auth"
	"github.com/alexjbarnes/n8n-gateway/internal/metrics"
	"github.com/alexjbarnes/n8n-gateway/internal/store"
	"github.com/gorilla/handlers"
)

// ServerName is reported by /health and the MCP server info.
const ServerName = "n8n-gateway"

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	ServerURL  string
	Version    string
	Endpoints  *auth.Endpoints
	MCPHandler http.Handler
	Store      *store.AuthStore
	// Metrics is served on /metrics when non-nil.
	Metrics     *metrics.Metrics
	CORSOrigins []string
	Logger      *slog.Logger
}

// NewMux builds the HTTP mux with OAuth discovery, registration,
// authorization, token, administration and MCP endpoints, wrapped in
// CORS and panic recovery.
func NewMux(cfg MuxConfig) http.Handler {
	e := cfg.Endpoints

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+auth.ProtectedResourceMetadataPath, auth.HandleProtectedResourceMetadata(cfg.ServerURL))
	mux.HandleFunc("GET "+auth.ServerMetadataPath, auth.HandleServerMetadata(cfg.ServerURL))
	mux.HandleFunc("POST /oauth/register", e.HandleRegistration())
	mux.HandleFunc("GET /oauth/authorize", e.HandleAuthorize())
	mux.HandleFunc("POST /oauth/login", e.HandleLogin())
	mux.HandleFunc("POST /oauth/approve", e.HandleApprove())
	mux.HandleFunc("POST /oauth/logout", e.HandleLogout())
	mux.HandleFunc("POST /oauth/token", e.HandleToken())

	mux.Handle("POST /tokens/register", e.RequireAdmin(e.HandleTokenRegister()))
	mux.Handle("GET /tokens", e.RequireAdmin(e.HandleTokenList()))
	mux.Handle("DELETE /tokens/{token}", e.RequireAdmin(e.HandleTokenRevoke()))

	mux.Handle("/{$}", cfg.MCPHandler)
	mux.Handle("/message", cfg.MCPHandler)
	mux.Handle("/mcp", cfg.MCPHandler)

	mux.HandleFunc("GET /health", handleHealth(cfg))

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "Mcp-Session-Id", "Mcp-Protocol-Version", "Last-Event-ID"}),
		handlers.ExposedHeaders([]string{"Mcp-Session-Id", "WWW-Authenticate"}),
	)

	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{cfg.Logger}),
		handlers.PrintRecoveryStack(false),
	)

	return recovery(cors(mux))
}

type healthResponse struct {
	Status        string `json:"status"`
	Server        string `json:"server"`
	Version       string `json:"version"`
	Sessions      int    `json:"sessions"`
	AdminSessions int    `json:"admin_sessions"`
}

func handleHealth(cfg MuxConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:  "healthy",
			Server:  ServerName,
			Version: cfg.Version,
		}

		if cfg.Store != nil {
			resp.Sessions, _ = cfg.Store.Sessions.Len(r.Context())
			resp.AdminSessions, _ = cfg.Store.AdminSessions.Len(r.Context())
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// recoveryLogger routes gorilla's panic reports into slog.
type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...any) {
	if l.logger == nil {
		return
	}

	l.logger.Error("recovered from panic", slog.String("panic", fmt.Sprint(v...)))
}
