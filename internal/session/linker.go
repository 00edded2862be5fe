package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gwerrors "github.com/alexjbarnes/n8n-gateway/internal/errors"
	"github.com/alexjbarnes/n8n-gateway/internal/logging"
	"github.com/alexjbarnes/n8n-gateway/internal/models"
	"github.com/alexjbarnes/n8n-gateway/internal/store"
	"github.com/google/uuid"
)

// Linker creates protocol sessions and pins each one to an admin
// session at creation time.
//
// The deployment has a single operator, so a session whose caller
// carries no operator binding of its own is linked to the most recently
// created usable admin session. The link is never changed afterwards.
type Linker struct {
	sessions store.Table[*models.ProtocolSession]
	admin    AdminSessions
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewLinker creates a linker. ttl bounds how long an idle session record
// is kept.
func NewLinker(sessions store.Table[*models.ProtocolSession], admin AdminSessions, ttl time.Duration, logger *slog.Logger) *Linker {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &Linker{
		sessions: sessions,
		admin:    admin,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
}

// LinkOrCreate returns the session for existingID unchanged, or creates
// one when existingID is empty and initialize is set. It returns nil
// without error for a sessionless non-initialize call. An unknown
// existingID, or one owned by another client, is ErrSessionNotFound.
func (l *Linker) LinkOrCreate(ctx context.Context, existingID string, initialize bool, auth *AuthContext) (*models.ProtocolSession, error) {
	if existingID != "" {
		ps, ok, err := l.sessions.Get(ctx, existingID)
		if err != nil {
			return nil, fmt.Errorf("loading session: %w", err)
		}

		if !ok || (auth.ClientID != "" && ps.ClientID != "" && ps.ClientID != auth.ClientID) {
			return nil, gwerrors.ErrSessionNotFound
		}

		return ps, nil
	}

	if !initialize {
		return nil, nil
	}

	var origin string
	if auth.Token != nil {
		origin = auth.Token.Token
	}

	now := l.now()
	ps := &models.ProtocolSession{
		ID:                uuid.NewString(),
		Authenticated:     true,
		AccessToken:       origin,
		AdminSessionToken: l.pick(ctx, auth),
		ClientID:          auth.ClientID,
		CreatedAt:         now,
		ExpiresAt:         now.Add(l.ttl),
	}

	if err := l.sessions.Put(ctx, ps.ID, ps); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}

	l.logger.Info("protocol session created",
		slog.String("session", logging.Prefix(ps.ID)),
		slog.String("client_id", ps.ClientID),
		slog.Bool("linked", ps.AdminSessionToken != ""),
	)

	return ps, nil
}

// pick chooses the admin session to pin. Standalone tokens never bind.
func (l *Linker) pick(ctx context.Context, auth *AuthContext) string {
	if auth.Standalone {
		return ""
	}

	if auth.AdminSessionToken != "" {
		if s, ok := l.admin.Session(ctx, auth.AdminSessionToken); ok {
			return s.Token
		}
	}

	if s, ok := l.admin.MostRecent(ctx); ok {
		return s.Token
	}

	return ""
}

// Get returns a live session.
func (l *Linker) Get(ctx context.Context, id string) (*models.ProtocolSession, bool) {
	if id == "" {
		return nil, false
	}

	ps, ok, err := l.sessions.Get(ctx, id)
	if err != nil {
		return nil, false
	}

	return ps, ok
}

// Terminate deletes a session. Unknown ids are not an error.
func (l *Linker) Terminate(ctx context.Context, id string) error {
	ok, err := l.sessions.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	if ok {
		l.logger.Info("protocol session terminated", slog.String("session", logging.Prefix(id)))
	}

	return nil
}

// Count returns the number of stored sessions.
func (l *Linker) Count(ctx context.Context) int {
	n, err := l.sessions.Len(ctx)
	if err != nil {
		return 0
	}

	return n
}
