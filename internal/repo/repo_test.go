package repo

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finguard/internal/db"
	"finguard/internal/domain"
	"finguard/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Repo{DB: conn}
}

func inTx(t *testing.T, r Repo, fn func(tx *sql.Tx)) {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func sampleInstance(id string) domain.WorkflowInstance {
	return domain.WorkflowInstance{
		RequestID:   id,
		ActionType:  "actual_posting",
		SubmittedBy: "ana",
		Stages: []domain.StageDefinition{
			{Name: "controller-review", RequiredRole: "manager", SLASeconds: 3600, Escalation: []domain.EscalationTier{{Roles: []string{"cfo"}}}},
		},
		Status:    domain.StatusPending,
		CreatedAt: "2024-01-01T00:00:00Z",
		UpdatedAt: "2024-01-01T00:00:00Z",
	}
}

func TestRequestRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	req := domain.GovernanceRequest{
		ID:          "req-1",
		Actor:       domain.Actor{ID: "ana", Roles: []string{"analyst"}},
		ActionType:  "actual_posting",
		Payload:     map[string]any{"amount": 10.5},
		SubmittedAt: "2024-01-01T00:00:00Z",
	}
	verdict := domain.RuleVerdict{RequestID: "req-1", Passed: true, Violations: []domain.Violation{{RuleID: "ACT-003", Severity: domain.SeverityWarning}}}
	inTx(t, r, func(tx *sql.Tx) { require.NoError(t, r.InsertRequestTx(ctx, tx, req, verdict)) })

	got, v, err := r.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, req, got)
	assert.Equal(t, verdict, v)

	_, _, err = r.GetRequest(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	recent, err := r.RecentRequests(ctx, "actual_posting", "2023-12-01T00:00:00Z", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)

	recent, err = r.RecentRequests(ctx, "actual_posting", "2024-02-01T00:00:00Z", 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestInstanceLifecycle(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	inst := sampleInstance("req-1")
	inTx(t, r, func(tx *sql.Tx) { require.NoError(t, r.InsertInstanceTx(ctx, tx, inst)) })

	inst.Status = domain.StatusInReview
	inst.EscalationTier = 1
	inst.UpdatedAt = "2024-01-01T01:00:00Z"
	inTx(t, r, func(tx *sql.Tx) { require.NoError(t, r.UpdateInstanceTx(ctx, tx, inst)) })

	got, err := r.GetInstance(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, inst, got)

	inTx(t, r, func(tx *sql.Tx) {
		err := r.UpdateInstanceTx(ctx, tx, sampleInstance("nope"))
		require.ErrorIs(t, err, ErrNotFound)
	})

	list, err := r.ListInstances(ctx, domain.StatusInReview, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	list, err = r.ListInstances(ctx, domain.StatusApproved, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestReplaceInstanceOverwrites(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	inst := sampleInstance("req-1")
	inTx(t, r, func(tx *sql.Tx) { require.NoError(t, r.ReplaceInstanceTx(ctx, tx, inst)) })
	inst.Status = domain.StatusApproved
	inst.CurrentStageIndex = 1
	inTx(t, r, func(tx *sql.Tx) { require.NoError(t, r.ReplaceInstanceTx(ctx, tx, inst)) })

	got, err := r.GetInstance(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)
	assert.Equal(t, 1, got.CurrentStageIndex)
}

func TestDecisionsAndOutbox(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	inTx(t, r, func(tx *sql.Tx) {
		require.NoError(t, r.InsertInstanceTx(ctx, tx, sampleInstance("req-1")))
		require.NoError(t, r.InsertDecisionTx(ctx, tx, domain.ApprovalDecision{
			RequestID: "req-1", StageName: "controller-review", Approver: "max", Decision: domain.DecisionApprove, DecidedAt: "2024-01-01T00:00:00Z",
		}))
	})
	decisions, err := r.ListDecisions(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, domain.DecisionApprove, decisions[0].Decision)

	inst := sampleInstance("req-1")
	inst.Status = domain.StatusApproved
	inTx(t, r, func(tx *sql.Tx) { require.NoError(t, r.UpdateInstanceTx(ctx, tx, inst)) })

	missing, err := r.MissingActions(ctx)
	require.NoError(t, err)
	require.Len(t, missing, 1)

	inTx(t, r, func(tx *sql.Tx) {
		added, err := r.EnqueueActionTx(ctx, tx, "req-1", domain.ActionCommit, "2024-01-01T00:00:00Z")
		require.NoError(t, err)
		assert.True(t, added)
		added, err = r.EnqueueActionTx(ctx, tx, "req-1", domain.ActionDiscard, "2024-01-01T00:00:00Z")
		require.NoError(t, err)
		assert.False(t, added)
	})

	missing, err = r.MissingActions(ctx)
	require.NoError(t, err)
	assert.Empty(t, missing)

	require.NoError(t, r.RecordAttempt(ctx, "req-1", "connection refused"))
	pending, err := r.PendingActions(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.ActionCommit, pending[0].Action)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "connection refused", pending[0].LastError)

	pending, err = r.PendingActions(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	ok, err := r.MarkDelivered(ctx, "req-1", "2024-01-01T00:01:00Z")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.MarkDelivered(ctx, "req-1", "2024-01-01T00:02:00Z")
	require.NoError(t, err)
	assert.False(t, ok)

	entry, err := r.GetAction(ctx, "req-1")
	require.NoError(t, err)
	require.NotNil(t, entry.DeliveredAt)
	assert.Equal(t, "2024-01-01T00:01:00Z", *entry.DeliveredAt)
}

func TestAPIKeys(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	key := domain.APIKey{
		ID:          "key-1",
		ActorID:     "planning-app",
		Name:        "planning",
		KeyHash:     HashAPIKey("fgk_secret"),
		Roles:       []string{"analyst"},
		Permissions: []string{"audit.read"},
		CreatedAt:   "2024-01-01T00:00:00Z",
	}
	require.NoError(t, r.InsertAPIKey(ctx, key))
	require.Error(t, r.InsertAPIKey(ctx, domain.APIKey{ID: "key-2", ActorID: "x"}), "hash is required")

	got, err := r.GetAPIKeyByHash(ctx, HashAPIKey(" fgk_secret "))
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = r.GetAPIKeyByHash(ctx, HashAPIKey("other"))
	assert.ErrorIs(t, err, ErrNotFound)

	keys, err := r.ListAPIKeys(ctx, "planning-app")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	keys, err = r.ListAPIKeys(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, r.DeleteAPIKey(ctx, "key-1"))
	assert.ErrorIs(t, r.DeleteAPIKey(ctx, "key-1"), ErrNotFound)
}
