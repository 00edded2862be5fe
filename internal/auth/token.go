package auth

import (
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"

	gwerrors "github.com/alexjbarnes/n8n-gateway/internal/errors"
)

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// HandleToken serves POST /oauth/token for the authorization_code grant.
func (e *Endpoints) HandleToken() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		req, ok := parseTokenRequest(w, r)
		if !ok {
			return
		}

		// grant_type is optional for compatibility; anything else than the
		// code grant is refused.
		if req.GrantType != "" && req.GrantType != "authorization_code" {
			code := gwerrors.ErrUnsupportedGrantType.Error()
			e.metrics.TokenExchange(code)
			writeJSONError(w, http.StatusBadRequest, code, "only authorization_code is supported")

			return
		}

		// Confidential clients authenticate when they send a secret.
		if basicID, basicSecret, hasBasic := r.BasicAuth(); hasBasic {
			if req.ClientID == "" {
				req.ClientID = basicID
			}

			if basicID != req.ClientID {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "client_id mismatch between body and Authorization header")
				return
			}

			req.ClientSecret = basicSecret
		}

		if req.ClientSecret != "" {
			if _, err := e.registry.Authenticate(r.Context(), req.ClientID, req.ClientSecret); err != nil {
				e.metrics.TokenExchange("invalid_client")
				writeJSONError(w, http.StatusUnauthorized, "invalid_client", gwerrors.Description(err))

				return
			}
		}

		tok, err := e.tokens.Exchange(r.Context(), ExchangeRequest{
			Code:         req.Code,
			ClientID:     req.ClientID,
			CodeVerifier: req.CodeVerifier,
			RedirectURI:  req.RedirectURI,
		})
		if err != nil {
			code := gwerrors.OAuthCode(err)
			e.metrics.TokenExchange(code)

			if code == "server_error" {
				e.logger.Error("token exchange", slog.String("error", err.Error()))
				writeJSONError(w, http.StatusInternalServerError, code, "token exchange failed")

				return
			}

			writeJSONError(w, http.StatusBadRequest, code, gwerrors.Description(err))

			return
		}

		e.metrics.TokenExchange("success")
		writeToken(w, http.StatusOK, tokenResponse{
			AccessToken: tok.Token,
			TokenType:   "Bearer",
			ExpiresIn:   int(e.tokens.TTL(false).Seconds()),
			Scope:       tok.Scope,
		})
	}
}

// parseTokenRequest supports both JSON and form-encoded bodies.
func parseTokenRequest(w http.ResponseWriter, r *http.Request) (tokenRequest, bool) {
	var req tokenRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return req, false
		}

		return req, true
	}

	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
		return req, false
	}

	return tokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
	}, true
}

func writeToken(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
