// Package telemetry holds TelemetrySink implementations that do not need a
// backing store: a structured log sink and a fan-out over several sinks.
package telemetry

import (
	"context"
	"errors"

	"github.com/crabzie/clusterforge/internal/core/domain"
	"github.com/crabzie/clusterforge/internal/core/port"
	"go.uber.org/zap"
)

var (
	_ port.TelemetrySink = &logSink{}
	_ port.TelemetrySink = Fanout{}
)

type logSink struct {
	log *zap.Logger
}

// NewLogSink writes one structured log line per decision and event
func NewLogSink(log *zap.Logger) *logSink {
	return &logSink{log: log.Named("telemetry")}
}

func (s *logSink) RecordDecision(_ context.Context, d domain.SchedulingDecision) error {
	if !d.Placed() {
		s.log.Info("Scheduling decision",
			zap.Int("task_id", d.TaskID),
			zap.Bool("placed", false),
			zap.String("reasoning", d.Reasoning),
		)
		return nil
	}
	s.log.Info("Scheduling decision",
		zap.Int("task_id", d.TaskID),
		zap.Int("node_id", d.TargetNode),
		zap.Float64("memory_score", d.MemoryScore),
		zap.Float64("cpu_score", d.CPUScore),
		zap.Float64("overall_score", d.OverallScore),
		zap.Ints("alternatives", d.Alternatives),
		zap.String("reasoning", d.Reasoning),
	)
	return nil
}

func (s *logSink) RecordEvent(_ context.Context, e domain.Event) error {
	fields := []zap.Field{
		zap.String("kind", string(e.Kind)),
		zap.Int("task_id", e.TaskID),
		zap.Int("node_id", e.NodeID),
	}
	if e.Detail != "" {
		fields = append(fields, zap.String("detail", e.Detail))
	}
	s.log.Info("Lifecycle event", fields...)
	return nil
}

// Fanout forwards every record to all sinks and joins their errors
type Fanout []port.TelemetrySink

func (f Fanout) RecordDecision(ctx context.Context, d domain.SchedulingDecision) error {
	var errs []error
	for _, s := range f {
		if err := s.RecordDecision(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) RecordEvent(ctx context.Context, e domain.Event) error {
	var errs []error
	for _, s := range f {
		if err := s.RecordEvent(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
