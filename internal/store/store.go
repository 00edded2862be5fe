// Package store holds the gateway's authorization state. Every record
// kind lives in its own Table; the in-memory implementation is the only
// one shipped, so all state is lost on restart.
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/alexjbarnes/n8n-gateway/internal/models"
)

// Expirable is implemented by every stored record.
type Expirable interface {
	Expired(now time.Time) bool
}

// Table is a keyed collection of expiring records. Get and Take never
// return an expired record; they evict it instead.
type Table[V Expirable] interface {
	Put(ctx context.Context, key string, v V) error
	Get(ctx context.Context, key string) (V, bool, error)
	// Take atomically returns and removes the record. Of any number of
	// concurrent callers for one key, at most one sees ok == true.
	Take(ctx context.Context, key string) (V, bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context) ([]V, error)
	Len(ctx context.Context) (int, error)
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// AuthStore bundles the tables the gateway needs.
type AuthStore struct {
	Clients       Table[*models.Client]
	AdminSessions Table[*models.AdminSession]
	Codes         Table[*models.AuthorizationCode]
	Tokens        Table[*models.AccessToken]
	Sessions      Table[*models.ProtocolSession]
	CSRF          Table[*models.CSRFToken]
}

// NewMemory returns an AuthStore backed by in-memory maps.
func NewMemory() *AuthStore {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock is NewMemory with an injectable clock for tests.
func NewMemoryWithClock(now func() time.Time) *AuthStore {
	return &AuthStore{
		Clients:       NewMemoryTable[*models.Client](now),
		AdminSessions: NewMemoryTable[*models.AdminSession](now),
		Codes:         NewMemoryTable[*models.AuthorizationCode](now),
		Tokens:        NewMemoryTable[*models.AccessToken](now),
		Sessions:      NewMemoryTable[*models.ProtocolSession](now),
		CSRF:          NewMemoryTable[*models.CSRFToken](now),
	}
}

// SweepResult counts records removed by one sweep, per table.
type SweepResult struct {
	AdminSessions int
	Codes         int
	Tokens        int
	Sessions      int
	CSRF          int
}

// Total is the sum over all tables.
func (r SweepResult) Total() int {
	return r.AdminSessions + r.Codes + r.Tokens + r.Sessions + r.CSRF
}

// Sweep removes expired records from every table.
func (s *AuthStore) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var (
		res SweepResult
		err error
	)

	if res.AdminSessions, err = s.AdminSessions.SweepExpired(ctx, now); err != nil {
		return res, err
	}

	if res.Codes, err = s.Codes.SweepExpired(ctx, now); err != nil {
		return res, err
	}

	if res.Tokens, err = s.Tokens.SweepExpired(ctx, now); err != nil {
		return res, err
	}

	if res.Sessions, err = s.Sessions.SweepExpired(ctx, now); err != nil {
		return res, err
	}

	if res.CSRF, err = s.CSRF.SweepExpired(ctx, now); err != nil {
		return res, err
	}

	return res, nil
}

// RunSweeper sweeps on every tick until ctx is cancelled. It always
// returns nil so it can run directly in an errgroup.
func (s *AuthStore) RunSweeper(ctx context.Context, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			res, err := s.Sweep(ctx, now)
			if err != nil {
				logger.Warn("sweeping expired records", slog.String("error", err.Error()))
				continue
			}

			if res.Total() > 0 {
				logger.Debug("swept expired records",
					slog.Int("admin_sessions", res.AdminSessions),
					slog.Int("codes", res.Codes),
					slog.Int("tokens", res.Tokens),
					slog.Int("sessions", res.Sessions),
					slog.Int("csrf", res.CSRF),
				)
			}
		}
	}
}
