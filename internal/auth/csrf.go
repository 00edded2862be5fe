package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/alexjbarnes/n8n-gateway/internal/models"
	"github.com/alexjbarnes/n8n-gateway/internal/store"
)

const (
	csrfTokenBytes = 16
	csrfExpiry     = 10 * time.Minute
)

// CSRFGuard issues single-use form tokens bound to a client and
// redirect URI.
type CSRFGuard struct {
	tokens store.Table[*models.CSRFToken]
	now    func() time.Time
}

// NewCSRFGuard creates a guard over the given table.
func NewCSRFGuard(tokens store.Table[*models.CSRFToken]) *CSRFGuard {
	return &CSRFGuard{tokens: tokens, now: time.Now}
}

// Issue creates and stores a token.
func (g *CSRFGuard) Issue(ctx context.Context, clientID, redirectURI string) (string, error) {
	t := &models.CSRFToken{
		Token:       RandomHex(csrfTokenBytes),
		ClientID:    clientID,
		RedirectURI: redirectURI,
		ExpiresAt:   g.now().Add(csrfExpiry),
	}

	if err := g.tokens.Put(ctx, t.Token, t); err != nil {
		return "", fmt.Errorf("storing csrf token: %w", err)
	}

	return t.Token, nil
}

// Consume removes the token and reports whether it was live and bound to
// the same client and redirect URI.
func (g *CSRFGuard) Consume(ctx context.Context, token, clientID, redirectURI string) bool {
	if token == "" {
		return false
	}

	t, ok, err := g.tokens.Take(ctx, token)
	if err != nil || !ok {
		return false
	}

	return t.ClientID == clientID && t.RedirectURI == redirectURI
}
