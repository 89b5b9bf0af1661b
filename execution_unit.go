package workgraph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/deepnoodle-ai/workgraph/script"
)

// dispatch starts ready units up to the concurrency limit. Conditional
// targets whose condition does not hold are skipped instead. Must hold the
// mutex.
func (e *Execution) dispatch(ctx context.Context) bool {
	if e.paused || e.halted || ctx.Err() != nil {
		return false
	}
	changed := false
	for _, unit := range e.resolver.ReadyAt(e.clock.Now()) {
		if len(e.running) >= e.concurrency {
			break
		}
		if unit.Status != UnitPending {
			continue
		}
		take, err := e.evaluateConditions(ctx, unit)
		if err != nil {
			e.fail(ctx, unit, NewFatalError(fmt.Errorf("condition evaluation failed: %w", err)))
			changed = true
			if e.halted {
				break
			}
			continue
		}
		if !take {
			e.skip(ctx, unit, "condition not met")
			changed = true
			continue
		}
		params, err := e.renderParameters(ctx, unit)
		if err != nil {
			e.fail(ctx, unit, NewFatalError(err))
			changed = true
			if e.halted {
				break
			}
			continue
		}
		e.startUnit(ctx, unit, params)
		changed = true
		// Sequential siblings depend on the running set; recompute.
		return true
	}
	return changed
}

func (e *Execution) skip(ctx context.Context, unit *Unit, reason string) {
	unit.Status = UnitSkipped
	unit.Progress = 100
	unit.EndedAt = e.clock.Now()
	e.recorder.Record(ctx, unit, EventSkipped, map[string]any{"reason": reason})
	e.metrics.unitFinished(unit.Kind, UnitSkipped, 0)
	e.logger.Info("unit skipped", "unit_id", unit.ID, "reason", reason)
	e.refresh()
}

// evaluateConditions returns true when every conditional edge into unit
// holds.
func (e *Execution) evaluateConditions(ctx context.Context, unit *Unit) (bool, error) {
	for _, edge := range e.resolver.IncomingEdges(unit.ID) {
		if edge.Kind != EdgeConditional {
			continue
		}
		source, _ := e.resolver.Unit(edge.From)
		ok, err := e.evaluateCondition(ctx, edge.Condition, source.Output)
		if err != nil {
			return false, fmt.Errorf("edge %s->%s: %w", edge.From, edge.To, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Execution) evaluateCondition(ctx context.Context, condition string, output any) (bool, error) {
	if pred, ok := e.conditions[condition]; ok {
		return pred(ctx, output)
	}
	return script.EvalBool(ctx, e.compiler, condition, map[string]any{
		"output":  plainValue(output),
		"outputs": e.outputs(),
	})
}

// outputs returns the outputs of completed units keyed by unit id.
func (e *Execution) outputs() map[string]any {
	outputs := map[string]any{}
	for _, unit := range e.graph.Units {
		if unit.Status == UnitCompleted && unit.Output != nil {
			outputs[unit.ID] = plainValue(unit.Output)
		}
	}
	return outputs
}

// renderParameters evaluates ${...} templates in string parameters against
// the outputs of completed units.
func (e *Execution) renderParameters(ctx context.Context, unit *Unit) (map[string]any, error) {
	if len(unit.Parameters) == 0 {
		return copyMap(unit.Parameters), nil
	}
	params := make(map[string]any, len(unit.Parameters))
	var globals map[string]any
	for key, value := range unit.Parameters {
		s, ok := value.(string)
		if !ok || !script.HasExpressions(s) {
			params[key] = value
			continue
		}
		if globals == nil {
			globals = map[string]any{
				"outputs": e.outputs(),
				"params":  plainValue(unit.Parameters),
				"unit":    map[string]any{"id": unit.ID, "kind": unit.Kind, "attempt": unit.Attempt},
			}
		}
		tmpl, err := script.NewTemplate(e.compiler, s)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", key, err)
		}
		rendered, err := tmpl.Eval(ctx, globals)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", key, err)
		}
		params[key] = rendered
	}
	return params, nil
}

// plainValue converts arbitrary Go values into maps, slices and scalars
// that the scripting engine understands.
func plainValue(v any) any {
	switch v.(type) {
	case nil, string, bool, int, int64, float64, map[string]any, []any:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data)
	}
	return out
}

func (e *Execution) timeoutFor(unit *Unit) time.Duration {
	if unit.Timeout > 0 {
		return unit.Timeout
	}
	if d, ok := e.timeouts[unit.Kind]; ok {
		return d
	}
	return e.defaultTimeout
}

// startUnit marks the unit running and executes it in a new goroutine.
// Must hold the mutex.
func (e *Execution) startUnit(ctx context.Context, unit *Unit, params map[string]any) {
	executor, _ := e.executors.Lookup(unit.Kind)
	now := e.clock.Now()
	unit.Status = UnitRunning
	unit.StartedAt = now
	unit.EndedAt = time.Time{}
	unit.NotBefore = time.Time{}
	unit.Progress = 0
	unit.Error = ""

	e.nextToken++
	token := e.nextToken
	timeout := e.timeoutFor(unit)
	var unitCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		unitCtx, cancel = clockwork.WithTimeout(ctx, e.clock, timeout)
	} else {
		unitCtx, cancel = context.WithCancel(ctx)
	}
	e.running[unit.ID] = &inflight{token: token, cancel: cancel}

	e.recorder.Record(ctx, unit, EventStarted, nil)
	e.metrics.unitStarted(unit.Kind)
	e.refresh()
	e.logger.Debug("unit started", "unit_id", unit.ID, "kind", unit.Kind, "attempt", unit.Attempt)

	clone := unit.Clone()
	clone.Parameters = params
	event := &UnitExecutionEvent{
		ExecutionID: e.id,
		GraphID:     e.graph.ID,
		UnitID:      unit.ID,
		Kind:        unit.Kind,
		Attempt:     unit.Attempt,
		Parameters:  copyMap(params),
		StartTime:   now,
	}
	e.after(func() {
		if e.formatter != nil {
			e.formatter.PrintUnitStart(unit.ID, unit.Kind)
		}
		e.callbacks.BeforeUnitExecution(ctx, event)
	})

	go e.runUnit(ctx, unitCtx, cancel, executor, clone, token, timeout)
}

// runUnit executes one attempt of a unit and reports the result.
func (e *Execution) runUnit(runCtx, unitCtx context.Context, cancel context.CancelFunc, executor Executor, unit *Unit, token uint64, timeout time.Duration) {
	defer cancel()

	reporter := func(progress int) {
		e.send(unitUpdate{unitID: unit.ID, token: token, progress: clampProgress(progress)})
	}
	ctx := WithLogger(unitCtx, e.logger.With("unit_id", unit.ID))
	ctx = WithCompiler(ctx, e.compiler)
	ctx = WithProgressReporter(ctx, reporter)
	ctx = withUnitID(ctx, unit.ID)

	ctx, span := e.tracer.Start(ctx, "workgraph.unit "+unit.Kind,
		trace.WithAttributes(
			attribute.String("workgraph.graph_id", e.graph.ID),
			attribute.String("workgraph.unit_id", unit.ID),
			attribute.String("workgraph.unit_kind", unit.Kind),
			attribute.Int("workgraph.attempt", unit.Attempt),
		))
	started := e.clock.Now()
	output, err := safeExecute(ctx, executor, unit)
	ended := e.clock.Now()

	if err != nil && errors.Is(unitCtx.Err(), context.DeadlineExceeded) && runCtx.Err() == nil {
		err = &UnitError{
			Type:    ErrorTypeTimeout,
			Cause:   fmt.Sprintf("unit %s exceeded %s", unit.ID, timeout),
			Wrapped: fmt.Errorf("%w: %w", ErrUnitTimeout, err),
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	e.send(unitUpdate{
		unitID:  unit.ID,
		token:   token,
		done:    true,
		output:  output,
		err:     err,
		started: started,
		ended:   ended,
	})
}

func safeExecute(ctx context.Context, executor Executor, unit *Unit) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor %s panicked: %v", executor.Kind(), r)
		}
	}()
	return executor.Execute(ctx, unit)
}

// send delivers an update to the coordinator, or drops it once the run is
// over.
func (e *Execution) send(upd unitUpdate) {
	select {
	case e.updates <- upd:
	case <-e.done:
	}
}

// applyUpdate records progress or the outcome of a unit attempt. Updates
// from attempts that are no longer current are ignored. Must hold the
// mutex.
func (e *Execution) applyUpdate(ctx context.Context, upd unitUpdate) {
	inf, ok := e.running[upd.unitID]
	if !ok || inf.token != upd.token {
		return
	}
	unit, _ := e.resolver.Unit(upd.unitID)

	if !upd.done {
		if upd.progress == unit.Progress || upd.progress >= 100 {
			return
		}
		unit.Progress = upd.progress
		e.recorder.Record(ctx, unit, EventProgressed, nil)
		e.refresh()
		return
	}

	delete(e.running, upd.unitID)
	duration := upd.ended.Sub(upd.started)
	event := &UnitExecutionEvent{
		ExecutionID: e.id,
		GraphID:     e.graph.ID,
		UnitID:      unit.ID,
		Kind:        unit.Kind,
		Attempt:     unit.Attempt,
		Result:      upd.output,
		StartTime:   upd.started,
		EndTime:     upd.ended,
		Duration:    duration,
		Error:       upd.err,
	}
	if upd.err != nil {
		e.after(func() { e.callbacks.AfterUnitExecution(ctx, event) })
		e.handleFailure(ctx, unit, upd.err)
		return
	}
	e.complete(ctx, unit, upd.output, duration)
	e.after(func() {
		if e.formatter != nil {
			e.formatter.PrintUnitOutput(unit.ID, upd.output)
		}
		e.callbacks.AfterUnitExecution(ctx, event)
	})
}

func (e *Execution) complete(ctx context.Context, unit *Unit, output any, duration time.Duration) {
	unit.Status = UnitCompleted
	unit.Progress = 100
	unit.Output = output
	unit.Error = ""
	unit.EndedAt = e.clock.Now()
	e.recorder.Record(ctx, unit, EventCompleted, nil)
	e.metrics.unitFinished(unit.Kind, UnitCompleted, duration)
	e.refresh()
	e.logger.Info("unit completed", "unit_id", unit.ID, "duration", duration)

	e.sinceCheck++
	if n := e.graph.CheckpointIntervalUnits; n > 0 && e.sinceCheck >= n {
		e.sinceCheck = 0
		snapshot := e.prepareCheckpoint()
		e.after(func() {
			if _, err := e.saveCheckpoint(ctx, snapshot, CheckpointInterval); err != nil {
				e.logger.Error("failed to save interval checkpoint", "error", err)
			}
		})
	}
}
