package migrate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finguard/internal/db"
	"finguard/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, migrate.Migrate(conn))
	require.NoError(t, migrate.Migrate(conn))

	latest, err := migrate.Latest()
	require.NoError(t, err)
	v, err := migrate.Version(conn)
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	for _, table := range []string{"governance_requests", "workflow_instances", "approval_decisions", "sla_timers", "action_outbox", "audit_entries", "api_keys"} {
		var n int
		err := conn.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "table %s", table)
	}
}

func TestAuditEntriesAreAppendOnly(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))

	_, err = conn.Exec(`INSERT INTO audit_entries(sequence_no,prev_hash,payload_hash,event_type,payload_json,recorded_at) VALUES (1,'g','p','X','{}','2024-01-01T00:00:00Z')`)
	require.NoError(t, err)

	_, err = conn.Exec(`UPDATE audit_entries SET payload_json='{"x":1}' WHERE sequence_no=1`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = conn.Exec(`DELETE FROM audit_entries WHERE sequence_no=1`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}
