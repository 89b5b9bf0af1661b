package workgraph

import (
	"context"
	"fmt"
)

// Escalator is told about units that failed for good, together with the
// units that transitively depend on them and will therefore be blocked.
type Escalator interface {
	Escalate(ctx context.Context, unit *Unit, dependents []string)
}

// EscalatorFunc adapts a function to the Escalator interface.
type EscalatorFunc func(ctx context.Context, unit *Unit, dependents []string)

func (f EscalatorFunc) Escalate(ctx context.Context, unit *Unit, dependents []string) {
	f(ctx, unit, dependents)
}

// NopEscalator ignores escalations.
type NopEscalator struct{}

func (NopEscalator) Escalate(ctx context.Context, unit *Unit, dependents []string) {}

// handleFailure decides whether a failed attempt is retried or final.
// Must hold the mutex.
func (e *Execution) handleFailure(ctx context.Context, unit *Unit, err error) {
	classified := ClassifyError(err)
	if !classified.Retryable() {
		e.fail(ctx, unit, classified)
		return
	}
	if unit.Attempt >= unit.MaxAttempts {
		e.fail(ctx, unit, fmt.Errorf("%w after %d retries: %w", ErrRetriesExhausted, unit.Attempt, err))
		return
	}

	unit.Attempt++
	delay := e.retryPolicy.Delay(unit.Attempt)
	now := e.clock.Now()
	unit.Status = UnitPending
	unit.Progress = 0
	unit.Error = err.Error()
	unit.EndedAt = now
	unit.NotBefore = now.Add(delay)
	e.recorder.Record(ctx, unit, EventRetried, map[string]any{
		"delay":      delay.String(),
		"error_type": classified.Type,
	})
	e.metrics.unitRetried(unit.Kind)
	e.refresh()
	e.logger.Warn("unit failed, retrying",
		"unit_id", unit.ID,
		"attempt", unit.Attempt,
		"max_attempts", unit.MaxAttempts,
		"delay", delay,
		"error", err)

	event := &UnitExecutionEvent{
		ExecutionID: e.id,
		GraphID:     e.graph.ID,
		UnitID:      unit.ID,
		Kind:        unit.Kind,
		Attempt:     unit.Attempt,
		NextAttempt: unit.NotBefore,
		Error:       err,
	}
	attempt := unit.Attempt
	e.after(func() {
		if e.formatter != nil {
			e.formatter.PrintUnitRetry(unit.ID, attempt, err)
		}
		e.callbacks.OnUnitRetry(ctx, event)
	})
}

// fail marks a unit failed without further retries and escalates it.
// Must hold the mutex.
func (e *Execution) fail(ctx context.Context, unit *Unit, err error) {
	now := e.clock.Now()
	unit.Status = UnitFailed
	unit.Error = err.Error()
	unit.EndedAt = now
	e.recorder.Record(ctx, unit, EventFailed, map[string]any{"error_type": ClassifyError(err).Type})
	e.metrics.unitFinished(unit.Kind, UnitFailed, elapsed(unit, now))
	e.refresh()
	if !e.graph.AutoMode {
		e.halted = true
	}
	e.logger.Error("unit failed", "unit_id", unit.ID, "attempt", unit.Attempt, "error", err)

	escalate := ClassifyError(err).Type != ErrorTypeCancelled
	snapshot := unit.Clone()
	dependents := e.resolver.Descendants(unit.ID)
	e.after(func() {
		if e.formatter != nil {
			e.formatter.PrintUnitError(snapshot.ID, err)
		}
		if escalate {
			e.escalator.Escalate(ctx, snapshot, dependents)
		}
	})
}

// RollbackOptions configures Rollback.
type RollbackOptions struct {
	// Cascade also rolls back completed units that transitively depend on
	// the target, latest first.
	Cascade bool
}

// Rollback undoes a completed unit by running its compensation and marking
// it rolled-back. A checkpoint is taken first. Pending units that depend on
// a rolled-back unit become blocked.
func (e *Execution) Rollback(ctx context.Context, unitID string, opts RollbackOptions) error {
	e.rollbackMu.Lock()
	defer e.rollbackMu.Unlock()

	e.mutex.Lock()
	unit, ok := e.resolver.Unit(unitID)
	if !ok {
		e.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrUnitNotFound, unitID)
	}
	if unit.Status != UnitCompleted {
		status := unit.Status
		e.mutex.Unlock()
		return fmt.Errorf("%w: unit %s is %s", ErrInvalidRollback, unitID, status)
	}
	targets := []string{}
	if opts.Cascade {
		descendants := e.resolver.Descendants(unitID)
		for i := len(descendants) - 1; i >= 0; i-- {
			if u, _ := e.resolver.Unit(descendants[i]); u.Status == UnitCompleted {
				targets = append(targets, u.ID)
			}
		}
	}
	targets = append(targets, unitID)
	snapshot := e.prepareCheckpoint()
	e.unlockAndFlush(ctx)

	if _, err := e.saveCheckpoint(ctx, snapshot, CheckpointRollback); err != nil {
		return fmt.Errorf("failed to checkpoint before rollback: %w", err)
	}
	for _, id := range targets {
		if err := e.rollbackUnit(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (e *Execution) rollbackUnit(ctx context.Context, unitID string) error {
	e.mutex.RLock()
	unit, _ := e.resolver.Unit(unitID)
	clone := unit.Clone()
	e.mutex.RUnlock()
	if clone.Status != UnitCompleted {
		return fmt.Errorf("%w: unit %s is %s", ErrInvalidRollback, unitID, clone.Status)
	}

	compensator := e.compensator
	if executor, err := e.executors.Lookup(clone.Kind); err == nil {
		if c, ok := executor.(Compensator); ok {
			compensator = c
		}
	}
	if compensator != nil {
		if err := compensator.Compensate(ctx, clone); err != nil {
			e.logger.Error("compensation failed", "unit_id", unitID, "error", err)
			return fmt.Errorf("failed to compensate unit %s: %w", unitID, err)
		}
	}

	e.mutex.Lock()
	if unit.Status != UnitCompleted {
		status := unit.Status
		e.mutex.Unlock()
		return fmt.Errorf("%w: unit %s is %s", ErrInvalidRollback, unitID, status)
	}
	unit.Status = UnitRolledBack
	unit.Progress = 0
	unit.EndedAt = e.clock.Now()
	e.recorder.Record(ctx, unit, EventRolledBack, nil)
	e.metrics.unitFinished(unit.Kind, UnitRolledBack, 0)
	e.refresh()
	e.logger.Info("unit rolled back", "unit_id", unitID)
	e.settle(ctx)
	e.unlockAndFlush(ctx)
	e.signal()
	return nil
}
