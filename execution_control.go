package workgraph

import (
	"context"
	"fmt"
	"time"
)

// Pause stops dispatching new units. Units already running finish and their
// results are recorded. Run keeps blocking until Resume or Stop.
func (e *Execution) Pause() {
	e.mutex.Lock()
	if !e.paused {
		e.paused = true
		if e.graph.Status == GraphRunning {
			e.graph.Status = GraphPaused
		}
		e.dirty = true
		e.logger.Info("execution paused")
	}
	e.unlockAndFlush(context.Background())
	e.signal()
}

// Resume continues dispatching after Pause.
func (e *Execution) Resume() {
	e.mutex.Lock()
	if e.paused {
		e.paused = false
		if e.graph.Status == GraphPaused {
			e.graph.Status = GraphRunning
		}
		e.dirty = true
		e.logger.Info("execution resumed")
	}
	e.unlockAndFlush(context.Background())
	e.signal()
}

// Paused reports whether dispatch is paused.
func (e *Execution) Paused() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.paused
}

// Stop cancels the run. Running units are cancelled, marked failed with
// ErrCancelled and their eventual results discarded. Stop may be called
// any number of times and before Run.
func (e *Execution) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.mutex.RLock()
		cancel := e.cancel
		e.mutex.RUnlock()
		if cancel != nil {
			cancel()
		}
		e.logger.Info("execution stop requested")
	})
}

// Done is closed when Run returns.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// AddUnit submits a new unit to the execution. The unit is copied and
// queued; it may depend on existing units but nothing existing may depend
// on it.
func (e *Execution) AddUnit(ctx context.Context, unit *Unit) error {
	if unit == nil {
		return fmt.Errorf("unit is required")
	}
	if _, err := e.executors.Lookup(unit.Kind); err != nil {
		return fmt.Errorf("unit %q: %w", unit.ID, err)
	}
	u := unit.Clone()
	e.mutex.Lock()
	if e.finished {
		e.mutex.Unlock()
		return fmt.Errorf("execution %s has finished", e.id)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = e.clock.Now()
	}
	u.Status = UnitPending
	u.Progress = 0
	if err := e.resolver.AddUnit(u); err != nil {
		e.mutex.Unlock()
		return err
	}
	e.recorder.Record(ctx, u, EventQueued, nil)
	e.refresh()
	e.logger.Info("unit added", "unit_id", u.ID, "kind", u.Kind, "priority", u.Priority)
	e.unlockAndFlush(ctx)
	e.signal()
	return nil
}

// Checkpoint takes a manual checkpoint of the current graph state.
func (e *Execution) Checkpoint(ctx context.Context) (*CheckpointRecord, error) {
	return e.checkpoint(ctx, CheckpointManual)
}

func (e *Execution) checkpoint(ctx context.Context, reason CheckpointReason) (*CheckpointRecord, error) {
	e.mutex.Lock()
	snapshot := e.prepareCheckpoint()
	e.unlockAndFlush(ctx)
	return e.saveCheckpoint(ctx, snapshot, reason)
}

// prepareCheckpoint stamps the graph and returns a copy to persist. Must
// hold the mutex.
func (e *Execution) prepareCheckpoint() *Graph {
	e.graph.LastCheckpointAt = e.clock.Now()
	e.refresh()
	return e.graph.Clone()
}

func (e *Execution) saveCheckpoint(ctx context.Context, snapshot *Graph, reason CheckpointReason) (*CheckpointRecord, error) {
	record, err := e.checkpointer.Checkpoint(ctx, snapshot, reason)
	if err != nil {
		return nil, err
	}
	if record != nil {
		e.logger.Debug("checkpoint taken", "checkpoint_id", record.ID, "reason", reason)
	}
	return record, nil
}

// Graph returns a copy of the graph in its current state.
func (e *Execution) Graph() *Graph {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.graph.Clone()
}

// Status returns the current graph status.
func (e *Execution) Status() GraphStatus {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.graph.Status
}

// Summary summarizes the current graph state.
func (e *Execution) Summary() Summary {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return Summarize(e.graph)
}

// Unit returns a copy of a unit.
func (e *Execution) Unit(id string) (*Unit, bool) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	unit, ok := e.resolver.Unit(id)
	if !ok {
		return nil, false
	}
	return unit.Clone(), true
}

// Units returns copies of all units in declaration order.
func (e *Execution) Units() []*Unit {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	units := make([]*Unit, len(e.graph.Units))
	for i, unit := range e.graph.Units {
		units[i] = unit.Clone()
	}
	return units
}

// RestoreExecution loads a graph from a checkpoint and submits it. Units
// that were running when the checkpoint was taken are queued again;
// completed units are kept as they are.
func RestoreExecution(ctx context.Context, checkpointID string, opts ExecutionOptions) (*Execution, error) {
	if opts.Checkpointer == nil {
		return nil, fmt.Errorf("checkpointer is required")
	}
	g, err := opts.Checkpointer.Restore(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	opts.Graph = g
	return NewExecution(opts)
}

// ResumeLatest restores the most recent checkpoint of a graph and submits
// it.
func ResumeLatest(ctx context.Context, graphID string, opts ExecutionOptions) (*Execution, error) {
	if opts.Checkpointer == nil {
		return nil, fmt.Errorf("checkpointer is required")
	}
	record, err := opts.Checkpointer.Latest(ctx, graphID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("no checkpoint found for graph %s", graphID)
	}
	return RestoreExecution(ctx, record.ID, opts)
}

// elapsed reports how long the unit has been running.
func elapsed(unit *Unit, now time.Time) time.Duration {
	if unit.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(unit.StartedAt)
}
