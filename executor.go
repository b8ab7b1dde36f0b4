package loom

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Executor orchestrates one execution end-to-end: it parses steps, resolves
// variables, invokes handlers, applies the retry policy, and commits the
// terminal status. Executions run concurrently with each other; steps within
// one execution run strictly in sequence.
type Executor struct {
	store    Store
	registry *Registry
	policy   RetryPolicy
	logger   *ExecutionLogger
	tracer   Tracer
	metrics  Metrics
	wg       sync.WaitGroup
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) ExecutorOption {
	return func(e *Executor) { e.policy = p }
}

// WithTracer sets a tracer for execution and step spans. When unset, span
// creation is skipped.
func WithTracer(t Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithMetrics sets the metrics sink for execution and step outcomes. The
// trigger layer records its poll and delivery counts through the same sink.
// When unset, recording is skipped.
func WithMetrics(m Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates an Executor over the given store and registry.
func NewExecutor(store Store, registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:    store,
		registry: registry,
		policy:   DefaultRetryPolicy(),
		logger:   NewExecutionLogger(store),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewExecution creates a PENDING execution record for an automation. Trigger
// producers call this before handing off to Execute (or ExecuteAsync), so the
// record exists even if the process dies before the first transition.
func (e *Executor) NewExecution(ctx context.Context, automationID string, input map[string]any) (Execution, error) {
	exec := Execution{
		ID:           NewID(),
		AutomationID: automationID,
		Input:        SanitizeMap(input),
		Status:       ExecPending,
		CreatedAt:    NowUnix(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return Execution{}, fmt.Errorf("create execution: %w", err)
	}
	return exec, nil
}

// ExecuteAsync runs Execute on a background goroutine tracked for graceful
// shutdown. The caller's context is deliberately not inherited: an execution
// started by a webhook must outlive the HTTP request that triggered it.
func (e *Executor) ExecuteAsync(auto Automation, executionID string, user User, input map[string]any) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.Execute(context.Background(), auto, executionID, user, input); err != nil {
			log.Printf("loom: execution %s (%s): %v", executionID, auto.Name, err)
		}
	}()
}

// Wait blocks until every in-flight execution reaches its commit boundary,
// or the timeout elapses. Returns true when all executions drained.
func (e *Executor) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Execute drives one execution to a terminal state. It never rejects its
// input: malformed steps and handler failures all flow through the error
// taxonomy, are committed to the execution record, and come back as the
// returned error alongside the terminal record. Unexpected faults inside the
// executor itself are captured as an InternalError and committed the same
// way — trigger callers only ever observe the persisted record.
func (e *Executor) Execute(ctx context.Context, auto Automation, executionID string, user User, input map[string]any) (exec Execution, err error) {
	exec = Execution{
		ID:           executionID,
		AutomationID: auto.ID,
		Input:        SanitizeMap(input),
		Status:       ExecRunning,
		StartedAt:    NowUnix(),
		CreatedAt:    NowUnix(),
	}

	mem := NewContextMemory(executionID, auto.ID, user)
	for k, v := range input {
		mem.Set(k, v)
	}

	ctx, span := e.startSpan(ctx, "execution",
		StringAttr("automation_id", auto.ID),
		StringAttr("execution_id", executionID),
	)
	defer func() { e.endSpan(span, err) }()

	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = &InternalError{Err: fmt.Errorf("panic: %v", r)}
			e.commit(&exec, mem, started, err)
		}
	}()

	if logErr := e.logger.StateTransition(ctx, executionID, ExecPending, ExecRunning, nil); logErr != nil {
		log.Printf("loom: execution %s: %v", executionID, logErr)
	}
	if updErr := e.logger.UpdateStatus(ctx, exec); updErr != nil {
		log.Printf("loom: execution %s: %v", executionID, updErr)
	}

	for i, step := range auto.Steps {
		index := i + 1 // 1-based in logs and records

		def, handler, ok := e.registry.Lookup(step.Type)
		if !ok {
			err = &UnsupportedStepError{Type: step.Type, Suggestion: e.registry.Suggest(step.Type)}
			e.commit(&exec, mem, started, err)
			return exec, err
		}
		if handler == nil {
			err = &StepFailedError{Index: index, Type: step.Type,
				Err: fmt.Errorf("tool %q (v%s) has no handler bound", def.Name, def.Version)}
			e.commit(&exec, mem, started, err)
			return exec, err
		}

		record, output, stepErr := e.runStep(ctx, mem, executionID, index, step, handler)
		exec.Steps = append(exec.Steps, record)
		exec.TotalRetries += record.Retries
		if logErr := e.logger.StepResult(ctx, executionID, record); logErr != nil {
			log.Printf("loom: execution %s: %v", executionID, logErr)
		}

		if stepErr != nil {
			err = &StepFailedError{Index: index, Type: step.Type, Err: stepErr}
			e.commit(&exec, mem, started, err)
			return exec, err
		}

		mem.StoreStepOutput(index, step.OutputAs, output)
	}

	e.commit(&exec, mem, started, nil)
	return exec, nil
}

// runStep resolves and invokes a single step, applying the retry policy.
// The returned record is final: on failure its Error field is set and
// Retries counts the retries actually consumed.
func (e *Executor) runStep(ctx context.Context, mem *ContextMemory, executionID string, index int, step Step, handler Handler) (StepRecord, map[string]any, error) {
	record := StepRecord{Index: index, Type: step.Type}

	ctx, span := e.startSpan(ctx, "step",
		StringAttr("tool", step.Type),
		IntAttr("index", index),
	)

	var lastErr error
	for attempt := 0; ; attempt++ {
		snapshot := mem.BuildStepContext()
		params := ResolveParams(step.Params, snapshot)

		start := time.Now()
		output, err := invokeHandler(ctx, handler, params, snapshot)
		record.DurationMS += time.Since(start).Milliseconds()

		if err == nil {
			record.Output = SanitizeMap(output)
			if e.metrics != nil {
				e.metrics.StepFinished(ctx, step.Type, false, record.DurationMS, record.Retries)
			}
			e.endSpan(span, nil)
			return record, output, nil
		}
		lastErr = err

		if !e.policy.Transient(err) || attempt >= e.policy.MaxRetries {
			break
		}

		delay := e.policy.Delay(attempt)
		record.Retries++
		if logErr := e.logger.StateTransition(ctx, executionID, ExecRunning, ExecRetrying, map[string]any{
			"step_index": index,
			"attempt":    attempt + 1,
			"error":      err.Error(),
			"delay_ms":   delay.Milliseconds(),
		}); logErr != nil {
			log.Printf("loom: execution %s: %v", executionID, logErr)
		}

		if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
			// Cancelled mid-backoff: the retry never happens, but the
			// retrying bracket must still close so the terminal transition
			// leaves from running. The write uses a background context —
			// the cancellation that interrupted the sleep must not also
			// swallow the log entry.
			if logErr := e.logger.StateTransition(context.Background(), executionID, ExecRetrying, ExecRunning, map[string]any{
				"step_index":  index,
				"interrupted": sleepErr.Error(),
			}); logErr != nil {
				log.Printf("loom: execution %s: %v", executionID, logErr)
			}
			lastErr = sleepErr
			break
		}

		if logErr := e.logger.StateTransition(ctx, executionID, ExecRetrying, ExecRunning, map[string]any{
			"step_index":   index,
			"next_attempt": attempt + 2,
		}); logErr != nil {
			log.Printf("loom: execution %s: %v", executionID, logErr)
		}
	}

	record.Error = lastErr.Error()
	if e.metrics != nil {
		e.metrics.StepFinished(ctx, step.Type, true, record.DurationMS, record.Retries)
	}
	e.endSpan(span, lastErr)
	return record, nil, lastErr
}

// invokeHandler calls a handler with panic isolation: a panicking
// integration fails its step instead of tearing down the executor.
func invokeHandler(ctx context.Context, handler Handler, params, snapshot map[string]any) (output map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			output, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, params, snapshot)
}

// commit writes the terminal state: the final transition, the summarized
// context snapshot (persisted on failure too, for debugging), and the
// execution record with aggregate duration and step results. The terminal
// status write happens strictly after every step-result write.
func (e *Executor) commit(exec *Execution, mem *ContextMemory, started time.Time, cause error) {
	// Commits run on a background context: a cancelled trigger context must
	// not block the terminal write.
	ctx := context.Background()

	exec.FinishedAt = NowUnix()
	exec.DurationMS = time.Since(started).Milliseconds()
	if exec.DurationMS < 1 {
		exec.DurationMS = 1
	}
	exec.ContextSnapshot = mem.Snapshot()

	var meta map[string]any
	if cause == nil {
		exec.Status = ExecSuccess
	} else {
		exec.Status = ExecFailed
		exec.Error = cause.Error()
		meta = map[string]any{"error": cause.Error()}
	}

	if err := e.logger.StateTransition(ctx, exec.ID, ExecRunning, exec.Status, meta); err != nil {
		log.Printf("loom: execution %s: %v", exec.ID, err)
	}
	if err := e.logger.UpdateStatus(ctx, *exec); err != nil {
		log.Printf("loom: execution %s: %v", exec.ID, err)
	}
	if e.metrics != nil {
		e.metrics.ExecutionFinished(ctx, exec.Status, exec.DurationMS)
	}
}

// sleepCtx sleeps for d unless ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// --- tracer plumbing (nil-safe) ---

func (e *Executor) startSpan(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	if e.tracer == nil {
		return ctx, nil
	}
	return e.tracer.Start(ctx, name, attrs...)
}

func (e *Executor) endSpan(span Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.Error(err)
	}
	span.End()
}
