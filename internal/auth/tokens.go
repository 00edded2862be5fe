package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	gwerrors "github.com/alexjbarnes/n8n-gateway/internal/errors"
	"github.com/alexjbarnes/n8n-gateway/internal/logging"
	"github.com/alexjbarnes/n8n-gateway/internal/models"
	"github.com/alexjbarnes/n8n-gateway/internal/store"
)

const (
	// accessTokenBytes gives bearer tokens 256 bits of entropy.
	accessTokenBytes = 32

	// tokenPrefixLen is how much of a token List reveals.
	tokenPrefixLen = 8
)

// TokenPolicy sets token lifetimes.
type TokenPolicy struct {
	AccessTokenTTL     time.Duration
	StandaloneTokenTTL time.Duration
	// Resource is stamped on every token (RFC 8707).
	Resource string
}

// ExchangeRequest is the authorization_code grant input.
type ExchangeRequest struct {
	Code         string
	ClientID     string
	CodeVerifier string
	// RedirectURI is checked against the code when present.
	RedirectURI string
}

// TokenSummary is the non-sensitive view of a token.
type TokenSummary struct {
	Prefix      string    `json:"token_prefix"`
	ClientID    string    `json:"client_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Scope       string    `json:"scope,omitempty"`
	Standalone  bool      `json:"standalone"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenService issues, verifies and revokes bearer tokens.
type TokenService struct {
	policy TokenPolicy
	codes  store.Table[*models.AuthorizationCode]
	tokens store.Table[*models.AccessToken]
	logger *slog.Logger
	now    func() time.Time
}

// NewTokenService creates a token service.
func NewTokenService(policy TokenPolicy, codes store.Table[*models.AuthorizationCode], tokens store.Table[*models.AccessToken], logger *slog.Logger) *TokenService {
	if policy.AccessTokenTTL <= 0 {
		policy.AccessTokenTTL = 24 * time.Hour
	}

	if policy.StandaloneTokenTTL <= 0 {
		policy.StandaloneTokenTTL = 90 * 24 * time.Hour
	}

	return &TokenService{
		policy: policy,
		codes:  codes,
		tokens: tokens,
		logger: logger,
		now:    time.Now,
	}
}

// Exchange redeems an authorization code. The code is consumed by the
// first call that presents it, whether or not that call succeeds, so a
// code can never be redeemed twice.
func (s *TokenService) Exchange(ctx context.Context, req ExchangeRequest) (*models.AccessToken, error) {
	if req.Code == "" {
		return nil, gwerrors.Describe(gwerrors.ErrInvalidRequest, "code is required")
	}

	if req.ClientID == "" {
		return nil, gwerrors.Describe(gwerrors.ErrInvalidRequest, "client_id is required")
	}

	ac, ok, err := s.codes.Take(ctx, req.Code)
	if err != nil {
		return nil, fmt.Errorf("consuming authorization code: %w", err)
	}

	if !ok {
		return nil, gwerrors.Describe(gwerrors.ErrInvalidGrant, "invalid or expired authorization code")
	}

	if ac.ClientID != req.ClientID {
		s.logger.Warn("authorization code presented by wrong client",
			slog.String("client_id", req.ClientID),
			slog.String("code_client_id", ac.ClientID),
		)

		return nil, gwerrors.Describe(gwerrors.ErrInvalidGrant, "client_id mismatch")
	}

	if req.RedirectURI != "" && req.RedirectURI != ac.RedirectURI {
		return nil, gwerrors.Describe(gwerrors.ErrInvalidGrant, "redirect_uri mismatch")
	}

	if ac.CodeChallenge != "" {
		if req.CodeVerifier == "" {
			return nil, gwerrors.Describe(gwerrors.ErrInvalidGrant, "code_verifier is required")
		}

		if !validVerifier(req.CodeVerifier) || !verifyPKCE(req.CodeVerifier, ac.CodeChallenge) {
			return nil, gwerrors.Describe(gwerrors.ErrInvalidGrant, "PKCE verification failed")
		}
	}

	now := s.now()
	tok := &models.AccessToken{
		Token:             RandomHex(accessTokenBytes),
		ClientID:          ac.ClientID,
		Scope:             ac.Scope,
		Resource:          s.resource(ac.Resource),
		AdminSessionToken: ac.AdminSessionToken,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.policy.AccessTokenTTL),
	}

	if err := s.tokens.Put(ctx, tok.Token, tok); err != nil {
		return nil, fmt.Errorf("storing access token: %w", err)
	}

	s.logger.Info("access token issued",
		slog.String("client_id", tok.ClientID),
		slog.String("token", logging.Prefix(tok.Token)),
	)

	return tok, nil
}

// RegisterStandalone issues a long-lived token with no operator binding.
func (s *TokenService) RegisterStandalone(ctx context.Context, description, scope string) (*models.AccessToken, error) {
	now := s.now()
	tok := &models.AccessToken{
		Token:       RandomHex(accessTokenBytes),
		Scope:       scope,
		Resource:    s.policy.Resource,
		Description: description,
		Standalone:  true,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.policy.StandaloneTokenTTL),
	}

	if err := s.tokens.Put(ctx, tok.Token, tok); err != nil {
		return nil, fmt.Errorf("storing standalone token: %w", err)
	}

	s.logger.Info("standalone token registered",
		slog.String("token", logging.Prefix(tok.Token)),
		slog.String("description", description),
	)

	return tok, nil
}

// Revoke deletes a token. It reports whether the token existed.
func (s *TokenService) Revoke(ctx context.Context, token string) (bool, error) {
	ok, err := s.tokens.Delete(ctx, token)
	if err != nil {
		return false, fmt.Errorf("revoking token: %w", err)
	}

	if ok {
		s.logger.Info("token revoked", slog.String("token", logging.Prefix(token)))
	}

	return ok, nil
}

// List returns summaries of all live tokens, oldest first.
func (s *TokenService) List(ctx context.Context) ([]TokenSummary, error) {
	all, err := s.tokens.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}

	out := make([]TokenSummary, 0, len(all))
	for _, t := range all {
		out = append(out, TokenSummary{
			Prefix:      t.Token[:min(tokenPrefixLen, len(t.Token))] + "...",
			ClientID:    t.ClientID,
			Description: t.Description,
			Scope:       t.Scope,
			Standalone:  t.Standalone,
			CreatedAt:   t.CreatedAt,
			ExpiresAt:   t.ExpiresAt,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out, nil
}

// Verify returns the token record for a live bearer token.
func (s *TokenService) Verify(ctx context.Context, token string) (*models.AccessToken, bool) {
	if token == "" {
		return nil, false
	}

	t, ok, err := s.tokens.Get(ctx, token)
	if err != nil || !ok {
		return nil, false
	}

	return t, true
}

// TTL returns the configured lifetime for a token kind.
func (s *TokenService) TTL(standalone bool) time.Duration {
	if standalone {
		return s.policy.StandaloneTokenTTL
	}

	return s.policy.AccessTokenTTL
}

func (s *TokenService) resource(fromCode string) string {
	if fromCode != "" {
		return fromCode
	}

	return s.policy.Resource
}
