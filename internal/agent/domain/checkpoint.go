package domain

import (
	"time"

	"tether/internal/agent/ports"
	"tether/internal/budget"
)

// saveCheckpoint persists a progress snapshot. Failures are logged and
// counted but never stop the task; losing a snapshot only costs resumption.
func (r *taskRuntime) saveCheckpoint() {
	if r.engine.checkpoints == nil {
		return
	}

	cp := &ports.Checkpoint{
		TaskID:    r.task.ID,
		Step:      r.steps,
		History:   append([]ports.Step(nil), r.history...),
		Budget:    r.ledger.Report(),
		CreatedAt: time.Now(),
	}
	if err := r.engine.checkpoints.Save(r.ctx, cp); err != nil {
		r.engine.logger.Warn("Checkpoint save failed for %s at step %d: %v", r.task.ID, cp.Step, err)
		r.engine.metrics.RecordCheckpointError()
		return
	}

	r.engine.logger.Debug("Checkpoint saved for %s at step %d", r.task.ID, cp.Step)
	r.engine.metrics.RecordCheckpoint()
	r.emit(ports.Event{Type: ports.EventCheckpoint})
}

// restoreCheckpoint rewinds the runtime to the task's latest snapshot when
// resume is enabled. The snapshot stays in the store until the task
// completes, so a second interruption can still resume.
func (r *taskRuntime) restoreCheckpoint() {
	if !r.engine.resume || r.engine.checkpoints == nil {
		return
	}

	cp, err := r.engine.checkpoints.Latest(r.ctx, r.task.ID)
	if err != nil {
		r.engine.logger.Warn("Checkpoint restore failed for %s: %v", r.task.ID, err)
		return
	}
	if cp == nil {
		return
	}

	r.history = append([]ports.Step(nil), cp.History...)
	r.steps = cp.Step
	r.ledger = budget.NewLedgerFromReport(r.engine.limits, cp.Budget, budget.WithLogger(r.engine.logger))
	r.engine.logger.Info("Task %s resumed from checkpoint at step %d (%d history entries)",
		r.task.ID, cp.Step, len(cp.History))
}

func (r *taskRuntime) clearCheckpoint() {
	if r.engine.checkpoints == nil {
		return
	}
	if err := r.engine.checkpoints.Delete(r.ctx, r.task.ID); err != nil {
		r.engine.logger.Warn("Checkpoint cleanup failed for %s: %v", r.task.ID, err)
	}
}
