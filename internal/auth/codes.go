package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	gwerrors "github.com/alexjbarnes/n8n-gateway/internal/errors"
	"github.com/alexjbarnes/n8n-gateway/internal/models"
	"github.com/alexjbarnes/n8n-gateway/internal/store"
)

// authCodeBytes is the number of random bytes in an authorization code.
const authCodeBytes = 32

// AuthorizeRequest carries the OAuth authorize parameters through the
// login and consent pages.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	Resource            string
}

// AuthorizeRequestFrom reads the parameters from a query or form.
func AuthorizeRequestFrom(v url.Values) *AuthorizeRequest {
	return &AuthorizeRequest{
		ResponseType:        v.Get("response_type"),
		ClientID:            v.Get("client_id"),
		RedirectURI:         v.Get("redirect_uri"),
		State:               v.Get("state"),
		CodeChallenge:       v.Get("code_challenge"),
		CodeChallengeMethod: v.Get("code_challenge_method"),
		Scope:               v.Get("scope"),
		Resource:            v.Get("resource"),
	}
}

// Values encodes the request as query parameters, omitting empty ones.
func (r *AuthorizeRequest) Values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}

	set("response_type", r.ResponseType)
	set("client_id", r.ClientID)
	set("redirect_uri", r.RedirectURI)
	set("state", r.State)
	set("code_challenge", r.CodeChallenge)
	set("code_challenge_method", r.CodeChallengeMethod)
	set("scope", r.Scope)
	set("resource", r.Resource)

	return v
}

// Step is what the authorize endpoint shows next.
type Step int

const (
	// StepLogin: no usable admin session, render the login form.
	StepLogin Step = iota
	// StepConsent: the operator is logged in, render the consent form.
	StepConsent
	// StepRedirectError: the request is invalid but its redirect_uri is
	// trusted, so the error goes back to the client.
	StepRedirectError
)

// Decision is the outcome of Authorize.
type Decision struct {
	Step        Step
	Client      *models.Client
	RedirectURI string
	Session     *models.AdminSession
	Err         error
}

// IssuerConfig configures the code issuer.
type IssuerConfig struct {
	// ServerURL is the issuer identifier and the only accepted resource.
	ServerURL   string
	CodeTTL     time.Duration
	RequirePKCE bool
}

// CodeIssuer runs the authorize step of the authorization code flow.
type CodeIssuer struct {
	cfg      IssuerConfig
	registry *ClientRegistry
	admin    *AdminAuthenticator
	codes    store.Table[*models.AuthorizationCode]
	logger   *slog.Logger
	now      func() time.Time
}

// NewCodeIssuer creates an issuer.
func NewCodeIssuer(cfg IssuerConfig, registry *ClientRegistry, admin *AdminAuthenticator, codes store.Table[*models.AuthorizationCode], logger *slog.Logger) *CodeIssuer {
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = 10 * time.Minute
	}

	return &CodeIssuer{
		cfg:      cfg,
		registry: registry,
		admin:    admin,
		codes:    codes,
		logger:   logger,
		now:      time.Now,
	}
}

// Redirectable reports whether an authorize error may be sent to the
// client's redirect_uri. Errors about the client itself or about the
// redirect_uri are shown to the user instead.
func Redirectable(err error) bool {
	return !errorsIsAny(err, gwerrors.ErrInvalidClient, errUnusableRedirect, gwerrors.ErrRegistryFull)
}

// Authorize validates an authorize request and decides whether the
// operator must log in or consent. Unknown clients are auto-registered
// when the registry policy allows. A non-nil error is never
// redirectable; protocol errors that are come back as StepRedirectError.
func (i *CodeIssuer) Authorize(ctx context.Context, req *AuthorizeRequest, adminToken string) (*Decision, error) {
	client, err := i.registry.GetOrAutoRegister(ctx, req.ClientID, req.RedirectURI)
	if err != nil {
		return nil, err
	}

	redirectURI, err := ResolveRedirectURI(client, req.RedirectURI)
	if err != nil {
		return nil, err
	}

	d := &Decision{Client: client, RedirectURI: redirectURI}

	if err := i.validateGrant(req); err != nil {
		d.Step = StepRedirectError
		d.Err = err

		return d, nil
	}

	if s, ok := i.admin.Session(ctx, adminToken); ok {
		d.Step = StepConsent
		d.Session = s

		return d, nil
	}

	d.Step = StepLogin

	return d, nil
}

// Resolve looks up the client and redirect URI without registering
// anything. Used by the form handlers after Authorize has run.
func (i *CodeIssuer) Resolve(ctx context.Context, req *AuthorizeRequest) (*models.Client, string, error) {
	client, err := i.registry.Get(ctx, req.ClientID)
	if err != nil {
		return nil, "", err
	}

	redirectURI, err := ResolveRedirectURI(client, req.RedirectURI)
	if err != nil {
		return nil, "", err
	}

	return client, redirectURI, nil
}

// Approve mints an authorization code for an operator who consented and
// returns the URL to send the user-agent to. ErrLoginRequired means the
// admin session is missing or no longer usable.
func (i *CodeIssuer) Approve(ctx context.Context, req *AuthorizeRequest, adminToken string) (string, error) {
	client, redirectURI, err := i.Resolve(ctx, req)
	if err != nil {
		return "", err
	}

	if err := i.validateGrant(req); err != nil {
		return "", err
	}

	session, ok := i.admin.Session(ctx, adminToken)
	if !ok {
		return "", gwerrors.ErrLoginRequired
	}

	method := req.CodeChallengeMethod
	if req.CodeChallenge != "" && method == "" {
		method = "S256"
	}

	ac := &models.AuthorizationCode{
		Code:                RandomHex(authCodeBytes),
		ClientID:            client.ClientID,
		RedirectURI:         redirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		Scope:               req.Scope,
		Resource:            i.cfg.ServerURL,
		AdminSessionToken:   session.Token,
		ExpiresAt:           i.now().Add(i.cfg.CodeTTL),
	}

	if err := i.codes.Put(ctx, ac.Code, ac); err != nil {
		return "", fmt.Errorf("storing authorization code: %w", err)
	}

	i.logger.Info("authorization code issued", slog.String("client_id", client.ClientID))

	params := url.Values{}
	params.Set("code", ac.Code)

	if req.State != "" {
		params.Set("state", req.State)
	}

	// RFC 9207: include the issuer identifier to prevent mix-up attacks.
	if i.cfg.ServerURL != "" {
		params.Set("iss", i.cfg.ServerURL)
	}

	return appendQuery(redirectURI, params), nil
}

// Deny returns the access_denied redirect. It has no side effects.
func (i *CodeIssuer) Deny(ctx context.Context, req *AuthorizeRequest) (string, error) {
	_, redirectURI, err := i.Resolve(ctx, req)
	if err != nil {
		return "", err
	}

	return ErrorRedirectURL(redirectURI, req.State, gwerrors.ErrAccessDenied.Error(), "the operator denied the request"), nil
}

// validateGrant checks the parameters whose failure is reported to the
// client by redirect.
func (i *CodeIssuer) validateGrant(req *AuthorizeRequest) error {
	if req.ResponseType != "" && req.ResponseType != "code" {
		return gwerrors.Describe(gwerrors.ErrInvalidRequest, "response_type must be \"code\"")
	}

	if req.Resource != "" && !resourceMatches(req.Resource, i.cfg.ServerURL) {
		return gwerrors.Describe(gwerrors.ErrInvalidRequest, "resource parameter does not match this server")
	}

	if req.CodeChallenge == "" {
		if i.cfg.RequirePKCE {
			return gwerrors.Describe(gwerrors.ErrInvalidRequest, "code_challenge is required (PKCE)")
		}

		return nil
	}

	if req.CodeChallengeMethod != "" && req.CodeChallengeMethod != "S256" {
		return gwerrors.Describe(gwerrors.ErrInvalidRequest, "only S256 code_challenge_method is supported")
	}

	// base64url of a SHA-256 digest is always 43 characters.
	if len(req.CodeChallenge) != 43 {
		return gwerrors.Describe(gwerrors.ErrInvalidRequest, "malformed code_challenge")
	}

	return nil
}

// resourceMatches compares a client-supplied resource URI against the
// server's canonical URL, ignoring trailing slashes.
func resourceMatches(resource, serverURL string) bool {
	return strings.TrimRight(resource, "/") == strings.TrimRight(serverURL, "/")
}

// ErrorRedirectURL builds an RFC 6749 Section 4.1.2.1 error redirect.
// Only call it with a validated redirect_uri.
func ErrorRedirectURL(redirectURI, state, errCode, description string) string {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)

	if state != "" {
		params.Set("state", state)
	}

	return appendQuery(redirectURI, params)
}

// appendQuery keeps any query the redirect URI already has.
func appendQuery(uri string, params url.Values) string {
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}

	return uri + sep + params.Encode()
}

// errorsIsAny reports whether err matches any target.
func errorsIsAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}

	return false
}
