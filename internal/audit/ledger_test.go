package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finguard/internal/db"
	"finguard/internal/domain"
	"finguard/internal/metrics"
	"finguard/internal/migrate"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return conn
}

func newTestLedger(t *testing.T) (*Ledger, *sql.DB) {
	t.Helper()
	conn := openTestDB(t)
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return New(conn, Options{Now: func() time.Time { return fixed }, Metrics: metrics.New(nil)}), conn
}

func appendN(t *testing.T, l *Ledger, n int) []domain.AuditEntry {
	t.Helper()
	var out []domain.AuditEntry
	for i := 0; i < n; i++ {
		e, err := l.Append(context.Background(), domain.EventStageEntered, map[string]any{"request_id": fmt.Sprintf("req-%d", i), "stage_index": i})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestAppendChainsEntries(t *testing.T) {
	l, _ := newTestLedger(t)
	entries := appendN(t, l, 3)

	assert.Equal(t, int64(1), entries[0].SequenceNo)
	assert.Equal(t, DefaultGenesis, entries[0].PrevHash)
	assert.Equal(t, EntryDigest(entries[0]), entries[1].PrevHash)
	assert.Equal(t, EntryDigest(entries[1]), entries[2].PrevHash)

	report, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid, report.Reason)
	assert.Equal(t, int64(3), report.Entries)
	assert.Equal(t, EntryDigest(entries[2]), report.HeadHash)
}

func TestPayloadIsStoredCanonical(t *testing.T) {
	l, _ := newTestLedger(t)
	e, err := l.Append(context.Background(), domain.EventWorkflowStarted, map[string]any{"b": 1, "a": "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"x","b":1}`, string(e.Payload))
	assert.Equal(t, `{"a":"x","b":1}`, string(e.Payload))
}

func TestTransactRollsBackOnError(t *testing.T) {
	l, conn := newTestLedger(t)
	boom := errors.New("boom")
	_, err := l.Transact(context.Background(), func(tx *sql.Tx, rec *Recorder) error {
		if _, err := rec.Append(context.Background(), domain.EventWorkflowStarted, nil); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT count(*) FROM audit_entries`).Scan(&n))
	assert.Equal(t, 0, n)

	e, err := l.Append(context.Background(), domain.EventWorkflowStarted, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.SequenceNo)
	assert.Equal(t, DefaultGenesis, e.PrevHash)
}

func TestTransactAppendsSeveralEntriesAtomically(t *testing.T) {
	l, _ := newTestLedger(t)
	entries, err := l.Transact(context.Background(), func(tx *sql.Tx, rec *Recorder) error {
		for _, typ := range []string{domain.EventWorkflowStarted, domain.EventStageEntered} {
			if _, err := rec.Append(context.Background(), typ, map[string]any{"request_id": "r1"}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(2), entries[1].SequenceNo)
	ok, err := l.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	l, conn := newTestLedger(t)
	appendN(t, l, 3)

	_, err := conn.Exec(`DROP TRIGGER audit_entries_no_update`)
	require.NoError(t, err)
	_, err = conn.Exec(`UPDATE audit_entries SET payload_json='{"request_id":"forged","stage_index":1}' WHERE sequence_no=2`)
	require.NoError(t, err)

	report, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, int64(2), report.BrokenAt)
	assert.True(t, l.Halted())

	_, err = l.Append(context.Background(), domain.EventStageEntered, nil)
	require.ErrorIs(t, err, domain.ErrLedgerCorruption)

	_, err = l.Resume(context.Background())
	require.ErrorIs(t, err, domain.ErrLedgerCorruption)
	assert.True(t, l.Halted())
}

func TestVerifyDetectsSequenceGap(t *testing.T) {
	l, conn := newTestLedger(t)
	appendN(t, l, 3)
	_, err := conn.Exec(`DROP TRIGGER audit_entries_no_delete`)
	require.NoError(t, err)
	_, err = conn.Exec(`DELETE FROM audit_entries WHERE sequence_no=2`)
	require.NoError(t, err)

	report, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, int64(2), report.BrokenAt)
	assert.Contains(t, report.Reason, "sequence gap")
}

func TestVerifyDetectsTruncatedTail(t *testing.T) {
	l, conn := newTestLedger(t)
	appendN(t, l, 3)
	_, err := conn.Exec(`DROP TRIGGER audit_entries_no_delete`)
	require.NoError(t, err)
	_, err = conn.Exec(`DELETE FROM audit_entries WHERE sequence_no=3`)
	require.NoError(t, err)

	ok, err := l.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, l.Halted())

	// The remaining prefix is intact, so an operator may resume from it.
	report, err := l.Resume(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.False(t, l.Halted())

	e, err := l.Append(context.Background(), domain.EventStageEntered, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.SequenceNo)
}

func TestAppendDetectsRewrittenHead(t *testing.T) {
	l, conn := newTestLedger(t)
	appendN(t, l, 2)
	_, err := conn.Exec(`DROP TRIGGER audit_entries_no_delete`)
	require.NoError(t, err)
	_, err = conn.Exec(`DELETE FROM audit_entries WHERE sequence_no=2`)
	require.NoError(t, err)

	_, err = l.Append(context.Background(), domain.EventStageEntered, nil)
	require.ErrorIs(t, err, domain.ErrLedgerCorruption)
	assert.True(t, l.Halted())
	assert.Contains(t, l.HaltReason(), "truncated")
}

func TestAppendAcceptsEntriesFromAnotherWriter(t *testing.T) {
	conn := openTestDB(t)
	first := New(conn, Options{})
	second := New(conn, Options{})

	_, err := first.Append(context.Background(), domain.EventWorkflowStarted, nil)
	require.NoError(t, err)
	_, err = second.Append(context.Background(), domain.EventStageEntered, nil)
	require.NoError(t, err)
	e, err := first.Append(context.Background(), domain.EventStageAdvanced, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.SequenceNo)
	assert.False(t, first.Halted())
}

func TestConcurrentAppendsKeepChainValid(t *testing.T) {
	l, _ := newTestLedger(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(context.Background(), domain.EventStageEntered, map[string]any{"n": i})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	report, err := l.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Valid, report.Reason)
	assert.Equal(t, int64(20), report.HeadSequence)
}

func TestExportPaginates(t *testing.T) {
	l, _ := newTestLedger(t)
	appendN(t, l, 5)

	page, err := l.Export(context.Background(), 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(1), page[0].SequenceNo)

	page, err = l.Export(context.Background(), 2, 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, int64(3), page[0].SequenceNo)
	assert.Equal(t, int64(5), page[2].SequenceNo)
}

func TestCustomGenesis(t *testing.T) {
	conn := openTestDB(t)
	l := New(conn, Options{Genesis: "sha256:feed"})
	e, err := l.Append(context.Background(), domain.EventWorkflowStarted, nil)
	require.NoError(t, err)
	assert.Equal(t, "sha256:feed", e.PrevHash)

	seq, head, err := l.Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
	assert.Equal(t, EntryDigest(e), head)
}

func TestIsBusy(t *testing.T) {
	assert.True(t, isBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, isBusy(errors.New("constraint failed")))
}
