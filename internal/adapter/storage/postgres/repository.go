package postgres

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/crabzie/clusterforge/internal/core/domain"
	"github.com/crabzie/clusterforge/internal/core/port"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

var _ port.TelemetrySink = &telemetryRepository{}

// Execer is satisfied by *pgxpool.Pool
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type telemetryRepository struct {
	db  Execer
	qb  squirrel.StatementBuilderType
	log *zap.Logger
}

// NewTelemetryRepository creates the audit log writer; qb must use dollar placeholders
func NewTelemetryRepository(db Execer, qb squirrel.StatementBuilderType, log *zap.Logger) *telemetryRepository {
	return &telemetryRepository{
		db:  db,
		qb:  qb,
		log: log,
	}
}

func (r *telemetryRepository) RecordDecision(ctx context.Context, d domain.SchedulingDecision) error {
	alternatives := d.Alternatives
	if alternatives == nil {
		alternatives = []int{}
	}
	query, args, err := r.qb.Insert("scheduling_decisions").
		Columns("task_id", "target_node_id", "memory_score", "cpu_score", "overall_score", "reasoning", "alternatives", "decided_at").
		Values(d.TaskID, d.TargetNode, d.MemoryScore, d.CPUScore, d.OverallScore, d.Reasoning, alternatives, d.DecidedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build decision insert: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		r.log.Error("Failed to save decision", zap.Int("task_id", d.TaskID), zap.Error(err))
		return err
	}
	return nil
}

func (r *telemetryRepository) RecordEvent(ctx context.Context, e domain.Event) error {
	query, args, err := r.qb.Insert("task_events").
		Columns("kind", "task_id", "node_id", "detail", "occurred_at").
		Values(string(e.Kind), e.TaskID, e.NodeID, e.Detail, e.At).
		ToSql()
	if err != nil {
		return fmt.Errorf("build event insert: %w", err)
	}
	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		r.log.Error("Failed to save event", zap.String("kind", string(e.Kind)), zap.Error(err))
		return err
	}
	return nil
}
