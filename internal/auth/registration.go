package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	gwerrors "github.com/alexjbarnes/n8n-gateway/internal/errors"
)

// registrationRequest is the DCR POST body (RFC 7591).
type registrationRequest struct {
	ClientName   string   `json:"client_name,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
}

// registrationResponse is the DCR response.
type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// HandleRegistration serves POST /oauth/register.
func (e *Endpoints) HandleRegistration() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !e.registrations.Allow() {
			writeJSONError(w, http.StatusTooManyRequests, "too_many_requests", "registration rate limit exceeded")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var req registrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "invalid request body")
			return
		}

		client, secret, err := e.registry.Register(r.Context(), req.ClientName, req.RedirectURIs)

		switch {
		case errors.Is(err, gwerrors.ErrInvalidRequest):
			writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", gwerrors.Description(err))
			return
		case errors.Is(err, gwerrors.ErrRegistryFull):
			writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "client registry full")
			return
		case err != nil:
			e.logger.Error("registering client", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "registration failed")

			return
		}

		resp := registrationResponse{
			ClientID:                client.ClientID,
			ClientSecret:            secret,
			ClientSecretExpiresAt:   0,
			ClientIDIssuedAt:        client.CreatedAt.Unix(),
			ClientName:              client.ClientName,
			RedirectURIs:            client.RedirectURIs,
			GrantTypes:              []string{"authorization_code"},
			ResponseTypes:           []string{"code"},
			TokenEndpointAuthMethod: "client_secret_post",
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}
