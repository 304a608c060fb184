package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/crabzie/clusterforge/internal/core/domain"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type capturedExec struct {
	sql  string
	args []any
}

type fakeExecer struct {
	calls []capturedExec
	err   error
}

func (f *fakeExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, capturedExec{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func newTestRepository(t *testing.T, db Execer) *telemetryRepository {
	qb := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
	return NewTelemetryRepository(db, qb, zaptest.NewLogger(t))
}

func TestRecordDecision(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("placed decision", func(t *testing.T) {
		db := &fakeExecer{}
		r := newTestRepository(t, db)
		d := domain.SchedulingDecision{
			TaskID: 4, TargetNode: 2, MemoryScore: 0.7, CPUScore: 0.5, OverallScore: 0.62,
			Reasoning: "node 2 scored 0.620", Alternatives: []int{1, 3}, DecidedAt: at,
		}
		require.NoError(t, r.RecordDecision(ctx, d))

		require.Len(t, db.calls, 1)
		c := db.calls[0]
		assert.Contains(t, c.sql, "INSERT INTO scheduling_decisions")
		assert.Contains(t, c.sql, "$8")
		assert.Equal(t, []any{4, 2, 0.7, 0.5, 0.62, "node 2 scored 0.620", []int{1, 3}, at}, c.args)
	})

	t.Run("unplaced decision stores an empty alternative list", func(t *testing.T) {
		db := &fakeExecer{}
		r := newTestRepository(t, db)
		require.NoError(t, r.RecordDecision(ctx, domain.SchedulingDecision{TaskID: 1, TargetNode: domain.NoNode}))
		assert.Equal(t, []int{}, db.calls[0].args[6])
		assert.Equal(t, domain.NoNode, db.calls[0].args[1])
	})

	t.Run("exec failure", func(t *testing.T) {
		db := &fakeExecer{err: errors.New("relation does not exist")}
		r := newTestRepository(t, db)
		assert.ErrorContains(t, r.RecordDecision(ctx, domain.SchedulingDecision{TaskID: 1}), "relation does not exist")
	})
}

func TestRecordEvent(t *testing.T) {
	db := &fakeExecer{}
	r := newTestRepository(t, db)
	at := time.Now()

	ev := domain.Event{Kind: domain.EventTaskRequeued, TaskID: 3, NodeID: 1, Detail: "node failed", At: at}
	require.NoError(t, r.RecordEvent(context.Background(), ev))

	require.Len(t, db.calls, 1)
	assert.Contains(t, db.calls[0].sql, "INSERT INTO task_events (kind,task_id,node_id,detail,occurred_at)")
	assert.Equal(t, []any{"task_requeued", 3, 1, "node failed", at}, db.calls[0].args)
}
