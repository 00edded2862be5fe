package auth

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const maxDescriptionLen = 200

type standaloneRequest struct {
	Description string `json:"description"`
	Scope       string `json:"scope"`
}

type standaloneResponse struct {
	tokenResponse
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
	ExpiresAt   string `json:"expires_at"`
}

// RequireAdmin lets a request through when it carries a usable admin
// session cookie or HTTP Basic credentials of the operator. Basic
// credentials are not evaluated at all while the caller's IP is locked
// out, so a correct guess during the lockout is refused too.
func (e *Endpoints) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := e.admin.Session(r.Context(), adminToken(r)); ok {
			next.ServeHTTP(w, r)
			return
		}

		ip := remoteIP(r)
		if e.logins.blocked(ip) {
			e.logger.Warn("admin api rate limited", slog.String("ip", ip))
			writeRateLimited(w)

			return
		}

		if user, pass, ok := r.BasicAuth(); ok {
			if e.admin.CheckCredentials(user, pass) {
				next.ServeHTTP(w, r)
				return
			}

			e.logins.record(ip)
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="n8n-gateway"`)
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "operator credentials required")
	})
}

// HandleTokenRegister serves POST /tokens/register. The body is
// optional.
func (e *Endpoints) HandleTokenRegister() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var req standaloneRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}

		desc := strings.TrimSpace(req.Description)
		if len(desc) > maxDescriptionLen {
			desc = desc[:maxDescriptionLen]
		}

		tok, err := e.tokens.RegisterStandalone(r.Context(), desc, req.Scope)
		if err != nil {
			e.logger.Error("registering standalone token", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "token registration failed")

			return
		}

		writeToken(w, http.StatusCreated, standaloneResponse{
			tokenResponse: tokenResponse{
				AccessToken: tok.Token,
				TokenType:   "Bearer",
				ExpiresIn:   int(e.tokens.TTL(true).Seconds()),
				Scope:       tok.Scope,
			},
			Description: tok.Description,
			CreatedAt:   tok.CreatedAt.UTC().Format(time.RFC3339),
			ExpiresAt:   tok.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
}

// HandleTokenList serves GET /tokens.
func (e *Endpoints) HandleTokenList() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := e.tokens.List(r.Context())
		if err != nil {
			e.logger.Error("listing tokens", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "listing tokens failed")

			return
		}

		writeToken(w, http.StatusOK, map[string]any{"tokens": list})
	}
}

// HandleTokenRevoke serves DELETE /tokens/{token}.
func (e *Endpoints) HandleTokenRevoke() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.PathValue("token")

		ok, err := e.tokens.Revoke(r.Context(), token)
		if err != nil {
			e.logger.Error("revoking token", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "revocation failed")

			return
		}

		if !ok {
			writeJSONError(w, http.StatusNotFound, "not_found", "token not found")
			return
		}

		writeToken(w, http.StatusOK, map[string]string{"message": "token revoked"})
	}
}
