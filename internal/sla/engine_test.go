package sla

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finguard/internal/db"
	"finguard/internal/migrate"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T, buffer int) (*Engine, *clock, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(conn, Options{Now: clk.Now, Buffer: buffer}), clk, conn
}

func drain(e *Engine) []Expiry {
	var out []Expiry
	for {
		select {
		case exp := <-e.Expired():
			out = append(out, exp)
		default:
			return out
		}
	}
}

func TestTickSendsOverdueTimersOnce(t *testing.T) {
	e, clk, _ := newTestEngine(t, 8)
	ctx := context.Background()

	timer, err := e.StartTimer(ctx, "req-1", "review", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), timer.Generation)
	assert.Equal(t, "2024-01-01T01:00:00Z", timer.Deadline)

	n, err := e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clk.Advance(time.Hour)
	n, err = e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// In flight: a second tick does not resend.
	n, err = e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got := drain(e)
	require.Len(t, got, 1)
	assert.Equal(t, "req-1", got[0].RequestID)
	assert.Equal(t, "review", got[0].Stage)
	assert.Equal(t, int64(1), got[0].Generation)

	// Released without ack: fires again (at-least-once).
	e.Done(got[0])
	n, err = e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRestartBumpsGenerationAndStaleAckFails(t *testing.T) {
	e, clk, conn := newTestEngine(t, 8)
	ctx := context.Background()

	_, err := e.StartTimer(ctx, "req-1", "review", time.Minute)
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, err = e.Tick(ctx)
	require.NoError(t, err)
	stale := drain(e)[0]

	restarted, err := e.StartTimer(ctx, "req-1", "review", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), restarted.Generation)

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	ok, err := e.AckTx(ctx, tx, stale)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, tx.Rollback())

	clk.Advance(time.Hour)
	_, err = e.Tick(ctx)
	require.NoError(t, err)
	fresh := drain(e)
	require.Len(t, fresh, 1)
	assert.Equal(t, int64(2), fresh[0].Generation)

	tx, err = conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	ok, err = e.AckTx(ctx, tx, fresh[0])
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, tx.Commit())

	pending, err := e.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCancelRemovesTimer(t *testing.T) {
	e, clk, _ := newTestEngine(t, 8)
	ctx := context.Background()
	_, err := e.StartTimer(ctx, "req-1", "review", time.Minute)
	require.NoError(t, err)
	require.NoError(t, e.CancelTimer(ctx, "req-1", "review"))
	require.NoError(t, e.CancelTimer(ctx, "req-1", "review"))

	clk.Advance(time.Hour)
	n, err := e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	timers, err := e.Timers(ctx, "req-1")
	require.NoError(t, err)
	assert.Empty(t, timers)
}

func TestTickDoesNotBlockOnFullChannel(t *testing.T) {
	e, clk, _ := newTestEngine(t, 1)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := e.StartTimer(ctx, id, "review", time.Minute)
		require.NoError(t, err)
	}
	clk.Advance(time.Minute)
	n, err := e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	first := drain(e)
	require.Len(t, first, 1)
	n, err = e.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStartPollsOnSchedule(t *testing.T) {
	e, clk, _ := newTestEngine(t, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := e.StartTimer(ctx, "req-1", "review", time.Second)
	require.NoError(t, err)
	clk.Advance(time.Minute)

	require.NoError(t, e.Start(ctx, "@every 1s"))
	defer e.Stop()

	select {
	case exp := <-e.Expired():
		assert.Equal(t, "req-1", exp.RequestID)
	case <-time.After(5 * time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	e, _, _ := newTestEngine(t, 1)
	require.Error(t, e.Start(context.Background(), "every now and then"))
}
