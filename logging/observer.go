package logging

import (
	"context"

	"go.uber.org/zap"

	"github.com/dcshock/stagechain/pipeline"
)

// Observer logs run and stage events. Successful stages log at debug, failed
// stages at warn; a run that ends at _abort logs at error.
type Observer struct {
	pipeline.NopObserver
	log *zap.Logger
}

// NewObserver returns an Observer writing to log.
func NewObserver(log *zap.Logger) *Observer {
	return &Observer{log: log}
}

// BeforeRun implements pipeline.Observer.
func (o *Observer) BeforeRun(_ context.Context, runID, chain string, state *pipeline.State) error {
	o.log.Info("run started",
		zap.String("run_id", runID),
		zap.String("chain", chain),
		zap.Strings("context_keys", state.Keys()))
	return nil
}

// BeforeStage implements pipeline.Observer.
func (o *Observer) BeforeStage(_ context.Context, runID, stage string, step int, _ *pipeline.State) error {
	o.log.Debug("stage started",
		zap.String("run_id", runID),
		zap.String("stage", stage),
		zap.Int("step", step))
	return nil
}

// AfterStage implements pipeline.Observer.
func (o *Observer) AfterStage(_ context.Context, ev pipeline.StageEvent, _ *pipeline.State) error {
	fields := []zap.Field{
		zap.String("run_id", ev.RunID),
		zap.String("chain", ev.Chain),
		zap.String("stage", ev.Stage),
		zap.Int("step", ev.Step),
		zap.Stringer("outcome", ev.Outcome),
		zap.String("next", ev.Next),
		zap.Duration("duration", ev.Duration),
	}
	if ev.Err != nil {
		o.log.Warn("stage failed", append(fields, zap.Error(ev.Err))...)
		return nil
	}
	o.log.Debug("stage done", fields...)
	return nil
}

// AfterRun implements pipeline.Observer.
func (o *Observer) AfterRun(_ context.Context, report *pipeline.Report, runErr error) error {
	fields := []zap.Field{
		zap.String("run_id", report.RunID),
		zap.String("chain", report.Chain),
		zap.String("terminal", report.Terminal),
		zap.Strings("path", report.Path()),
		zap.Int("steps", report.TotalSteps),
	}
	if runErr != nil {
		o.log.Error("run aborted", append(fields, zap.Error(runErr))...)
		return nil
	}
	o.log.Info("run finished", fields...)
	return nil
}

var _ pipeline.Observer = (*Observer)(nil)
