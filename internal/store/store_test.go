package store

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/n8n-gateway/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func code(key string, expires time.Time) *models.AuthorizationCode {
	return &models.AuthorizationCode{Code: key, ClientID: "c", ExpiresAt: expires}
}

// --- Get ---

func TestMemoryTable_PutGet(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tbl := NewMemoryTable[*models.AuthorizationCode](clock.Now)

	require.NoError(t, tbl.Put(ctx, "a", code("a", clock.Now().Add(time.Minute))))

	got, ok, err := tbl.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", got.Code)

	_, ok, err = tbl.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryTable_Get_EvictsExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tbl := NewMemoryTable[*models.AuthorizationCode](clock.Now)

	require.NoError(t, tbl.Put(ctx, "a", code("a", clock.Now().Add(time.Minute))))
	clock.Advance(time.Minute)

	_, ok, err := tbl.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok, "record expiring exactly now is not returned")

	n, _ := tbl.Len(ctx)
	assert.Equal(t, 0, n, "expired record evicted on read")
}

// --- Take ---

func TestMemoryTable_Take_SingleUse(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tbl := NewMemoryTable[*models.AuthorizationCode](clock.Now)

	require.NoError(t, tbl.Put(ctx, "a", code("a", clock.Now().Add(time.Minute))))

	_, ok, _ := tbl.Take(ctx, "a")
	assert.True(t, ok)

	_, ok, _ = tbl.Take(ctx, "a")
	assert.False(t, ok)
}

func TestMemoryTable_Take_ExpiredIsRemoved(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tbl := NewMemoryTable[*models.AuthorizationCode](clock.Now)

	require.NoError(t, tbl.Put(ctx, "a", code("a", clock.Now().Add(time.Second))))
	clock.Advance(2 * time.Second)

	_, ok, _ := tbl.Take(ctx, "a")
	assert.False(t, ok)

	n, _ := tbl.Len(ctx)
	assert.Equal(t, 0, n)
}

func TestMemoryTable_Take_ConcurrentCallersExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	tbl := NewMemoryTable[*models.AuthorizationCode](nil)

	for round := 0; round < 50; round++ {
		require.NoError(t, tbl.Put(ctx, "a", code("a", time.Now().Add(time.Minute))))

		var (
			wins  atomic.Int32
			wg    sync.WaitGroup
			start = make(chan struct{})
		)

		for i := 0; i < 8; i++ {
			wg.Add(1)

			go func() {
				defer wg.Done()
				<-start

				if _, ok, _ := tbl.Take(ctx, "a"); ok {
					wins.Add(1)
				}
			}()
		}

		close(start)
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load(), "round %d", round)
	}
}

// --- Delete / List / Sweep ---

func TestMemoryTable_Delete(t *testing.T) {
	ctx := context.Background()
	tbl := NewMemoryTable[*models.AuthorizationCode](nil)

	require.NoError(t, tbl.Put(ctx, "a", code("a", time.Now().Add(time.Minute))))

	ok, err := tbl.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tbl.Delete(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryTable_List_SkipsExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tbl := NewMemoryTable[*models.AuthorizationCode](clock.Now)

	require.NoError(t, tbl.Put(ctx, "live", code("live", clock.Now().Add(time.Hour))))
	require.NoError(t, tbl.Put(ctx, "dead", code("dead", clock.Now().Add(-time.Second))))

	rows, err := tbl.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "live", rows[0].Code)
}

func TestAuthStore_Sweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := NewMemoryWithClock(clock.Now)
	now := clock.Now()

	require.NoError(t, s.Codes.Put(ctx, "c1", code("c1", now.Add(-time.Second))))
	require.NoError(t, s.Codes.Put(ctx, "c2", code("c2", now.Add(time.Hour))))
	require.NoError(t, s.Tokens.Put(ctx, "t1", &models.AccessToken{Token: "t1", ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, s.Sessions.Put(ctx, "s1", &models.ProtocolSession{ID: "s1", ExpiresAt: now}))
	require.NoError(t, s.AdminSessions.Put(ctx, "a1", &models.AdminSession{Token: "a1", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, s.CSRF.Put(ctx, "x1", &models.CSRFToken{Token: "x1", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, s.Clients.Put(ctx, "client", &models.Client{ClientID: "client"}))

	res, err := s.Sweep(ctx, now)
	require.NoError(t, err)

	assert.Equal(t, SweepResult{Codes: 1, Tokens: 1, Sessions: 1, CSRF: 1}, res)
	assert.Equal(t, 4, res.Total())

	n, _ := s.Clients.Len(ctx)
	assert.Equal(t, 1, n, "clients never expire")
}

func TestAuthStore_RunSweeper_StopsOnCancel(t *testing.T) {
	s := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, s.Codes.Put(ctx, "c", code("c", time.Now().Add(-time.Second))))

	done := make(chan error, 1)

	go func() {
		done <- s.RunSweeper(ctx, 5*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	require.Eventually(t, func() bool {
		n, _ := s.Codes.Len(context.Background())
		return n == 0
	}, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
