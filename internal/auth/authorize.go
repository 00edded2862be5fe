package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	gwerrors "github.com/alexjbarnes/n8n-gateway/internal/errors"
	"github.com/alexjbarnes/n8n-gateway/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	// AdminCookieName is the operator's browser session cookie.
	AdminCookieName = "admin_session"

	// maxRequestBody limits form and JSON bodies on the OAuth endpoints.
	maxRequestBody = 64 * 1024
)

// EndpointsConfig holds the HTTP-level settings of the OAuth endpoints.
type EndpointsConfig struct {
	ServerURL    string
	CookieTTL    time.Duration
	SecureCookie bool
}

// Endpoints serves the OAuth and token administration routes.
type Endpoints struct {
	cfg           EndpointsConfig
	registry      *ClientRegistry
	admin         *AdminAuthenticator
	issuer        *CodeIssuer
	tokens        *TokenService
	csrf          *CSRFGuard
	metrics       *metrics.Metrics
	logger        *slog.Logger
	logins        *failureLimiter
	registrations *rate.Limiter
}

// NewEndpoints wires the handlers to their services.
func NewEndpoints(cfg EndpointsConfig, registry *ClientRegistry, admin *AdminAuthenticator, issuer *CodeIssuer, tokens *TokenService, csrf *CSRFGuard, m *metrics.Metrics, logger *slog.Logger) *Endpoints {
	if cfg.CookieTTL <= 0 {
		cfg.CookieTTL = 30 * time.Minute
	}

	return &Endpoints{
		cfg:           cfg,
		registry:      registry,
		admin:         admin,
		issuer:        issuer,
		tokens:        tokens,
		csrf:          csrf,
		metrics:       m,
		logger:        logger,
		logins:        newFailureLimiter(loginFailureWindow, loginMaxFailures),
		registrations: newRegistrationLimiter(),
	}
}

// adminToken reads the admin session cookie.
func adminToken(r *http.Request) string {
	c, err := r.Cookie(AdminCookieName)
	if err != nil {
		return ""
	}

	return c.Value
}

func (e *Endpoints) setAdminCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     AdminCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(e.cfg.CookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   e.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// HandleLogout serves POST /oauth/logout. It ends the operator's admin
// session and clears the cookie. Protocol sessions linked to it lose
// their operator credentials with it.
func (e *Endpoints) HandleLogout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token := adminToken(r); token != "" {
			if err := e.admin.Logout(r.Context(), token); err != nil {
				e.logger.Error("admin logout", slog.String("error", err.Error()))
				http.Error(w, "logout failed", http.StatusInternalServerError)

				return
			}
		}

		http.SetCookie(w, &http.Cookie{
			Name:     AdminCookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   e.cfg.SecureCookie,
			SameSite: http.SameSiteLaxMode,
		})
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleAuthorize serves GET /oauth/authorize. It renders the login form
// when no usable admin session exists and the consent form otherwise.
func (e *Endpoints) HandleAuthorize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := AuthorizeRequestFrom(r.URL.Query())

		d, err := e.issuer.Authorize(r.Context(), req, adminToken(r))
		if err != nil {
			e.writeAuthorizeError(w, err)
			return
		}

		switch d.Step {
		case StepRedirectError:
			http.Redirect(w, r, ErrorRedirectURL(d.RedirectURI, req.State, gwerrors.OAuthCode(d.Err), gwerrors.Description(d.Err)), http.StatusFound)
		case StepLogin:
			e.renderForm(w, r, "login", http.StatusOK, req, d.Client.ClientName, d.RedirectURI, "", "")
		case StepConsent:
			e.renderForm(w, r, "consent", http.StatusOK, req, d.Client.ClientName, d.RedirectURI, d.Session.Backend.Host, "")
		}
	}
}

// HandleLogin serves POST /oauth/login. On success it sets the admin
// cookie and sends the browser back to /oauth/authorize, which then
// shows the consent form.
func (e *Endpoints) HandleLogin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form data", http.StatusBadRequest)
			return
		}

		req := AuthorizeRequestFrom(r.PostForm)

		client, redirectURI, err := e.issuer.Resolve(r.Context(), req)
		if err != nil {
			e.writeAuthorizeError(w, err)
			return
		}

		// Check before consuming CSRF so a rate-limited request does not
		// destroy the user's form token.
		ip := remoteIP(r)
		if e.logins.blocked(ip) {
			e.logger.Warn("login rate limited", slog.String("ip", ip))
			e.metrics.AdminLogin("rate_limited")
			writeRateLimited(w)

			return
		}

		if !e.csrf.Consume(r.Context(), r.PostFormValue("csrf_token"), client.ClientID, redirectURI) {
			http.Error(w, "invalid or expired CSRF token", http.StatusForbidden)
			return
		}

		host := r.PostFormValue("n8n_host")

		session, err := e.admin.Login(r.Context(),
			r.PostFormValue("username"),
			r.PostFormValue("password"),
			host,
			r.PostFormValue("n8n_api_key"),
		)

		switch {
		case errors.Is(err, gwerrors.ErrInvalidCredentials):
			e.logins.record(ip)
			e.metrics.AdminLogin("invalid_credentials")
			e.renderForm(w, r, "login", http.StatusUnauthorized, req, client.ClientName, redirectURI, host, "Invalid username or password")

			return
		case errors.Is(err, gwerrors.ErrBackendUnreachable):
			e.metrics.AdminLogin("backend_unreachable")
			e.renderForm(w, r, "login", http.StatusBadGateway, req, client.ClientName, redirectURI, host, "Could not connect to n8n: "+gwerrors.Description(err))

			return
		case err != nil:
			e.logger.Error("admin login", slog.String("error", err.Error()))
			e.metrics.AdminLogin("error")
			http.Error(w, "internal error", http.StatusInternalServerError)

			return
		}

		e.metrics.AdminLogin("success")
		e.setAdminCookie(w, session.Token)
		http.Redirect(w, r, "/oauth/authorize?"+req.Values().Encode(), http.StatusFound)
	}
}

// HandleApprove serves POST /oauth/approve, the consent form target.
func (e *Endpoints) HandleApprove() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form data", http.StatusBadRequest)
			return
		}

		req := AuthorizeRequestFrom(r.PostForm)

		client, redirectURI, err := e.issuer.Resolve(r.Context(), req)
		if err != nil {
			e.writeAuthorizeError(w, err)
			return
		}

		if !e.csrf.Consume(r.Context(), r.PostFormValue("csrf_token"), client.ClientID, redirectURI) {
			http.Error(w, "invalid or expired CSRF token", http.StatusForbidden)
			return
		}

		switch r.PostFormValue("action") {
		case "deny":
			target, err := e.issuer.Deny(r.Context(), req)
			if err != nil {
				e.writeAuthorizeError(w, err)
				return
			}

			e.logger.Info("authorization denied", slog.String("client_id", client.ClientID))
			http.Redirect(w, r, target, http.StatusFound)
		case "approve":
			target, err := e.issuer.Approve(r.Context(), req, adminToken(r))

			switch {
			case errors.Is(err, gwerrors.ErrLoginRequired):
				http.Redirect(w, r, "/oauth/authorize?"+req.Values().Encode(), http.StatusFound)
			case err != nil && Redirectable(err):
				http.Redirect(w, r, ErrorRedirectURL(redirectURI, req.State, gwerrors.OAuthCode(err), gwerrors.Description(err)), http.StatusFound)
			case err != nil:
				e.writeAuthorizeError(w, err)
			default:
				http.Redirect(w, r, target, http.StatusFound)
			}
		default:
			http.Error(w, "action must be approve or deny", http.StatusBadRequest)
		}
	}
}

func (e *Endpoints) renderForm(w http.ResponseWriter, r *http.Request, page string, status int, req *AuthorizeRequest, clientName, redirectURI, host, errMsg string) {
	csrf, err := e.csrf.Issue(r.Context(), req.ClientID, redirectURI)
	if err != nil {
		e.logger.Error("issuing csrf token", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	data := newPageData(req, clientName, redirectURI, csrf)
	data.Host = host
	data.Error = errMsg
	renderPage(w, page, status, data)
}

// writeAuthorizeError reports a non-redirectable authorize failure to
// the user-agent.
func (e *Endpoints) writeAuthorizeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gwerrors.ErrInvalidClient), errors.Is(err, errUnusableRedirect):
		http.Error(w, gwerrors.Description(err), http.StatusBadRequest)
	case errors.Is(err, gwerrors.ErrRegistryFull):
		http.Error(w, "client registry full", http.StatusServiceUnavailable)
	default:
		e.logger.Error("authorize", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
