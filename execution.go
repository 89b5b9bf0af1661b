package workgraph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/deepnoodle-ai/workgraph/retry"
	"github.com/deepnoodle-ai/workgraph/script"
)

// DefaultConcurrency is the number of units run at once when
// ExecutionOptions.Concurrency is unset.
const DefaultConcurrency = 4

// NewExecutionID returns a new prefixed id for an execution
func NewExecutionID() string {
	return newID("exec")
}

// PredicateFunc decides whether a conditional edge is taken, given the
// output of the edge's source unit.
type PredicateFunc func(ctx context.Context, output any) (bool, error)

// ExecutionOptions configures a new execution
type ExecutionOptions struct {
	Graph       *Graph
	Executors   []Executor
	ExecutionID string

	// Concurrency caps the number of units running at once.
	Concurrency int

	// Timeouts holds per-kind execution timeouts. A unit's own Timeout
	// takes precedence; DefaultTimeout applies to kinds not listed.
	Timeouts       map[string]time.Duration
	DefaultTimeout time.Duration

	// RetryPolicy computes the backoff between attempts. Nil uses
	// retry.DefaultPolicy().
	RetryPolicy *retry.Policy

	// Conditions are named predicates usable as edge conditions. Conditions
	// not found here are evaluated as script expressions.
	Conditions     map[string]PredicateFunc
	ScriptCompiler script.Compiler

	Journal      Journal
	Checkpointer Checkpointer
	// CheckpointInterval takes a checkpoint on a wall-clock timer while
	// the execution runs. Zero disables the timer.
	CheckpointInterval time.Duration
	GraphStore         *GraphStore

	// Escalator is told about units that failed for good.
	Escalator Escalator
	// Compensator undoes units whose executor is not a Compensator.
	Compensator Compensator

	ExecutionCallbacks ExecutionCallbacks
	Formatter          Formatter
	Logger             *slog.Logger
	Clock              clockwork.Clock
	Metrics            *Metrics
	Tracer             trace.Tracer

	// KeepAlive keeps Run waiting for new units after the graph drains.
	// Run then returns only when stopped.
	KeepAlive bool

	// ResetFailed re-queues failed and blocked units on submission.
	ResetFailed bool
}

type inflight struct {
	token  uint64
	cancel context.CancelFunc
}

// unitUpdate carries progress or a result from a unit goroutine to the
// coordinator.
type unitUpdate struct {
	unitID   string
	token    uint64
	done     bool
	progress int
	output   any
	err      error
	started  time.Time
	ended    time.Time
}

// Execution runs a graph. A single coordinator goroutine, started by Run,
// owns all mutation of the graph while it runs; other goroutines read it
// through the accessor methods.
type Execution struct {
	id    string
	graph *Graph

	resolver  *Resolver
	executors ExecutorRegistry
	recorder  *Recorder

	concurrency    int
	timeouts       map[string]time.Duration
	defaultTimeout time.Duration
	retryPolicy    *retry.Policy
	conditions     map[string]PredicateFunc
	compiler       script.Compiler

	checkpointer       Checkpointer
	checkpointInterval time.Duration
	graphStore         *GraphStore
	escalator          Escalator
	compensator        Compensator
	callbacks          ExecutionCallbacks
	formatter          Formatter
	logger             *slog.Logger
	clock              clockwork.Clock
	metrics            *Metrics
	tracer             trace.Tracer
	keepAlive          bool

	mutex      sync.RWMutex
	effects    []func()
	dirty      bool
	started    bool
	finished   bool
	paused     bool
	halted     bool
	cancel     context.CancelFunc
	running    map[string]*inflight
	nextToken  uint64
	sinceCheck int

	updates    chan unitUpdate
	wake       chan struct{}
	stopCh     chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	rollbackMu sync.Mutex
}

// NewExecution submits a graph for execution. The graph is validated,
// every unit kind must have an executor, idle units are queued and units
// left running by an interrupted run are queued again. The execution takes
// ownership of the graph.
func NewExecution(opts ExecutionOptions) (*Execution, error) {
	if opts.Graph == nil {
		return nil, fmt.Errorf("graph is required")
	}
	if err := opts.Graph.Validate(); err != nil {
		return nil, err
	}
	resolver, err := NewResolver(opts.Graph)
	if err != nil {
		return nil, err
	}
	executors := NewExecutorRegistry(opts.Executors...)
	for _, unit := range opts.Graph.Units {
		if _, err := executors.Lookup(unit.Kind); err != nil {
			return nil, fmt.Errorf("unit %q: %w", unit.ID, err)
		}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.RetryPolicy == nil {
		opts.RetryPolicy = retry.DefaultPolicy()
	}
	if opts.ScriptCompiler == nil {
		opts.ScriptCompiler = script.NewRisorScriptingEngine(script.DefaultRisorGlobals())
	}
	if opts.Logger == nil {
		opts.Logger = NewDiscardLogger()
	}
	if opts.Journal == nil {
		opts.Journal = NewNullJournal()
	}
	if opts.Checkpointer == nil {
		opts.Checkpointer = NewNullCheckpointer()
	}
	if opts.ExecutionID == "" {
		opts.ExecutionID = NewExecutionID()
	}
	if opts.ExecutionCallbacks == nil {
		opts.ExecutionCallbacks = &BaseExecutionCallbacks{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/deepnoodle-ai/workgraph")
	}
	if opts.Escalator == nil {
		opts.Escalator = NopEscalator{}
	}

	g := opts.Graph
	logger := opts.Logger.With("execution_id", opts.ExecutionID, "graph_id", g.ID)
	recorder, err := NewRecorder(context.Background(), RecorderOptions{
		GraphID: g.ID,
		Journal: opts.Journal,
		Clock:   opts.Clock,
		Logger:  logger,
		Cursor:  g.LogCursor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	e := &Execution{
		id:                 opts.ExecutionID,
		graph:              g,
		resolver:           resolver,
		executors:          executors,
		recorder:           recorder,
		concurrency:        opts.Concurrency,
		timeouts:           opts.Timeouts,
		defaultTimeout:     opts.DefaultTimeout,
		retryPolicy:        opts.RetryPolicy,
		conditions:         opts.Conditions,
		compiler:           opts.ScriptCompiler,
		checkpointer:       opts.Checkpointer,
		checkpointInterval: opts.CheckpointInterval,
		graphStore:         opts.GraphStore,
		escalator:          opts.Escalator,
		compensator:        opts.Compensator,
		callbacks:          opts.ExecutionCallbacks,
		formatter:          opts.Formatter,
		logger:             logger,
		clock:              opts.Clock,
		metrics:            opts.Metrics,
		tracer:             opts.Tracer,
		keepAlive:          opts.KeepAlive,
		running:            map[string]*inflight{},
		updates:            make(chan unitUpdate, 100),
		wake:               make(chan struct{}, 1),
		stopCh:             make(chan struct{}),
		done:               make(chan struct{}),
	}
	e.submit(context.Background(), opts.ResetFailed)
	return e, nil
}

// submit queues idle units and recovers units interrupted by a previous run.
func (e *Execution) submit(ctx context.Context, resetFailed bool) {
	resumed := 0
	for _, unit := range e.graph.Units {
		from := unit.Status
		switch unit.Status {
		case UnitIdle:
		case UnitRunning:
			resumed++
		case UnitFailed, UnitBlocked:
			if !resetFailed {
				continue
			}
			unit.Attempt = 0
			resumed++
		default:
			continue
		}
		unit.Status = UnitPending
		unit.Progress = 0
		unit.Error = ""
		unit.NotBefore = time.Time{}
		var data map[string]any
		if from != UnitIdle {
			data = map[string]any{"from": string(from)}
		}
		e.recorder.Record(ctx, unit, EventQueued, data)
	}
	e.graph.Status = GraphReady
	e.graph.Error = ""
	e.graph.EndedAt = time.Time{}
	e.refresh()
	if resumed > 0 {
		e.logger.Info("resubmitted interrupted units", "units", resumed)
	}
}

// ID returns the execution ID
func (e *Execution) ID() string {
	return e.id
}

func (e *Execution) start() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true
	return nil
}

// Run executes the graph, blocking until every unit is terminal, the run is
// stopped or no further progress is possible. It returns nil when the graph
// completed, an error wrapping ErrExecutionFailed when units failed or were
// blocked, and ErrCancelled when stopped.
func (e *Execution) Run(ctx context.Context) error {
	if err := e.start(); err != nil {
		return err
	}
	defer close(e.done)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mutex.Lock()
	e.cancel = cancel
	startTime := e.clock.Now()
	e.graph.Status = GraphRunning
	if e.paused {
		e.graph.Status = GraphPaused
	}
	if e.graph.StartedAt.IsZero() {
		e.graph.StartedAt = startTime
	}
	e.dirty = true
	event := e.graphEvent(nil)
	e.unlockAndFlush(runCtx)

	select {
	case <-e.stopCh:
		return e.finishCancelled(ctx, startTime)
	default:
	}

	e.callbacks.BeforeGraphExecution(runCtx, event)
	e.logger.Info("execution started", "units", event.UnitCount)

	var tickerC <-chan time.Time
	if e.checkpointInterval > 0 {
		ticker := e.clock.NewTicker(e.checkpointInterval)
		defer ticker.Stop()
		tickerC = ticker.Chan()
	}

	for {
		e.mutex.Lock()
		e.advance(runCtx)
		finished, stuck := e.evaluateLoop()
		wakeAt := e.nextWake()
		e.unlockAndFlush(runCtx)

		if finished {
			break
		}
		if stuck {
			return e.finish(ctx, startTime, ErrNoProgress)
		}

		var timerC <-chan time.Time
		var timer clockwork.Timer
		if !wakeAt.IsZero() {
			timer = e.clock.NewTimer(wakeAt.Sub(e.clock.Now()))
			timerC = timer.Chan()
		}
		select {
		case <-runCtx.Done():
			if timer != nil {
				timer.Stop()
			}
			return e.finishCancelled(ctx, startTime)
		case upd := <-e.updates:
			e.mutex.Lock()
			e.applyUpdate(runCtx, upd)
			e.drainUpdates(runCtx)
			e.unlockAndFlush(runCtx)
		case <-e.wake:
		case <-timerC:
		case <-tickerC:
			if _, err := e.checkpoint(runCtx, CheckpointTimer); err != nil {
				e.logger.Error("failed to save timer checkpoint", "error", err)
			}
		}
		if timer != nil {
			timer.Stop()
		}
	}
	return e.finish(ctx, startTime, nil)
}

// drainUpdates applies any further updates that are already queued.
func (e *Execution) drainUpdates(ctx context.Context) {
	for {
		select {
		case upd := <-e.updates:
			e.applyUpdate(ctx, upd)
		default:
			return
		}
	}
}

// advance settles unreachable units and dispatches ready ones until the
// graph stops changing. Must hold the mutex.
func (e *Execution) advance(ctx context.Context) {
	for {
		changed := e.settle(ctx)
		if e.dispatch(ctx) {
			changed = true
		}
		if !changed {
			return
		}
	}
}

// settle marks pending units whose prerequisites can never complete.
func (e *Execution) settle(ctx context.Context) bool {
	transitions := e.resolver.Unreachable()
	now := e.clock.Now()
	for _, tr := range transitions {
		unit, _ := e.resolver.Unit(tr.UnitID)
		unit.Status = tr.Status
		unit.EndedAt = now
		switch tr.Status {
		case UnitSkipped:
			unit.Progress = 100
			e.recorder.Record(ctx, unit, EventSkipped, map[string]any{"reason": tr.Cause})
		case UnitBlocked:
			unit.Error = tr.Cause
			e.recorder.Record(ctx, unit, EventBlocked, map[string]any{"reason": tr.Cause})
			if !e.graph.AutoMode {
				e.halted = true
			}
		}
		e.metrics.unitFinished(unit.Kind, unit.Status, 0)
		e.logger.Debug("unit settled", "unit_id", unit.ID, "status", unit.Status, "reason", tr.Cause)
	}
	if len(transitions) > 0 {
		e.refresh()
		return true
	}
	return false
}

// evaluateLoop decides whether the run is over. Must hold the mutex.
func (e *Execution) evaluateLoop() (finished, stuck bool) {
	if len(e.running) > 0 || e.paused {
		return false, false
	}
	pending := 0
	for _, unit := range e.graph.Units {
		if unit.Status == UnitPending {
			pending++
		}
	}
	if pending == 0 || e.halted {
		return !e.keepAlive, false
	}
	if len(e.resolver.ReadySet()) == 0 {
		return false, true
	}
	return false, false
}

// nextWake returns the earliest backoff deadline among units that are
// otherwise ready, or zero. Must hold the mutex.
func (e *Execution) nextWake() time.Time {
	if e.paused || e.halted {
		return time.Time{}
	}
	now := e.clock.Now()
	var next time.Time
	for _, unit := range e.resolver.ReadySet() {
		if unit.NotBefore.After(now) && (next.IsZero() || unit.NotBefore.Before(next)) {
			next = unit.NotBefore
		}
	}
	return next
}

// refresh recomputes graph level aggregates. Must hold the mutex.
func (e *Execution) refresh() {
	e.graph.OverallProgress = OverallProgress(e.graph.Units)
	e.graph.LogCursor = e.recorder.Cursor()
	e.dirty = true
}

// after queues fn to run once the mutex is released. Must hold the mutex.
func (e *Execution) after(fn func()) {
	e.effects = append(e.effects, fn)
}

// unlockAndFlush releases the mutex and then runs queued side effects such
// as callbacks and persistence, so that they may call back into the
// execution.
func (e *Execution) unlockAndFlush(ctx context.Context) {
	effects := e.effects
	e.effects = nil
	var snapshot *Graph
	if e.dirty && e.graphStore != nil {
		snapshot = e.graph.Clone()
	}
	e.dirty = false
	e.mutex.Unlock()

	for _, fn := range effects {
		fn()
	}
	if snapshot != nil {
		if err := e.graphStore.Save(ctx, snapshot); err != nil {
			e.logger.Error("failed to persist graph", "error", err)
		}
	}
}

func (e *Execution) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Execution) graphEvent(err error) *GraphExecutionEvent {
	return &GraphExecutionEvent{
		ExecutionID: e.id,
		GraphID:     e.graph.ID,
		GraphName:   e.graph.Name,
		Status:      e.graph.Status,
		StartTime:   e.graph.StartedAt,
		EndTime:     e.graph.EndedAt,
		UnitCount:   len(e.graph.Units),
		Summary:     Summarize(e.graph),
		Error:       err,
	}
}

// finish computes the final graph status, takes the final checkpoint and
// reports the outcome.
func (e *Execution) finish(ctx context.Context, startTime time.Time, runErr error) error {
	e.mutex.Lock()
	summary := Summarize(e.graph)
	finalErr := runErr
	switch {
	case runErr != nil:
		e.graph.Status = GraphFailed
	case summary.Failed > 0 || summary.Blocked > 0:
		e.graph.Status = GraphFailed
		finalErr = fmt.Errorf("%w: %d failed, %d blocked", ErrExecutionFailed, summary.Failed, summary.Blocked)
	case summary.Pending > 0 || summary.Idle > 0:
		e.graph.Status = GraphFailed
		finalErr = fmt.Errorf("%w: %d units not run", ErrExecutionFailed, summary.Pending+summary.Idle)
	default:
		e.graph.Status = GraphCompleted
	}
	endTime := e.clock.Now()
	e.graph.EndedAt = endTime
	if finalErr != nil {
		e.graph.Error = finalErr.Error()
	}
	e.finished = true
	e.refresh()
	event := e.graphEvent(finalErr)
	event.Duration = endTime.Sub(startTime)
	status := e.graph.Status
	e.unlockAndFlush(ctx)

	if _, err := e.checkpoint(ctx, CheckpointFinal); err != nil {
		e.logger.Error("failed to save final checkpoint", "error", err)
	}
	e.metrics.graphFinished(status, event.Duration)
	if finalErr != nil {
		e.logger.Error("execution failed",
			"status", status,
			"failed", summary.Failed,
			"blocked", summary.Blocked,
			"error", finalErr)
	} else {
		e.logger.Info("execution completed", "units", summary.TotalUnits, "duration", event.Duration)
	}
	e.callbacks.AfterGraphExecution(ctx, event)
	return finalErr
}

// finishCancelled fails every running unit with ErrCancelled and abandons
// their results.
func (e *Execution) finishCancelled(ctx context.Context, startTime time.Time) error {
	// The parent context may be what was cancelled, so persist with one
	// that is still live.
	ctx = context.WithoutCancel(ctx)
	e.mutex.Lock()
	now := e.clock.Now()
	for id, inf := range e.running {
		inf.cancel()
		unit, _ := e.resolver.Unit(id)
		unit.Status = UnitFailed
		unit.Error = ErrCancelled.Error()
		unit.EndedAt = now
		e.recorder.Record(ctx, unit, EventFailed, map[string]any{"reason": "cancelled"})
		e.metrics.unitFinished(unit.Kind, UnitFailed, now.Sub(unit.StartedAt))
		delete(e.running, id)
	}
	e.refresh()
	e.unlockAndFlush(ctx)
	return e.finish(ctx, startTime, ErrCancelled)
}
