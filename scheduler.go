package loom

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler converts trigger specifications into recurring invocations of
// the Executor and manages the per-automation job lifecycle. The job table
// is the only mutable scheduler state and is serialized behind a mutex; the
// cron layer has 1-minute resolution.
type Scheduler struct {
	store  Store
	exec   *Executor
	poller *RSSPoller

	cron *cron.Cron
	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

// NewScheduler creates a scheduler over the given store and executor. The
// poller handles rss triggers; pass nil to disable feed polling.
func NewScheduler(store Store, exec *Executor, poller *RSSPoller) *Scheduler {
	return &Scheduler{
		store:  store,
		exec:   exec,
		poller: poller,
		cron:   cron.New(),
		jobs:   make(map[string]cron.EntryID),
	}
}

// Start loads every active automation, schedules the ones whose trigger has
// a schedule, and starts the cron runner. Individual scheduling failures are
// logged and skipped so one bad automation cannot hold up the rest.
func (s *Scheduler) Start(ctx context.Context) error {
	autos, err := s.store.ListActiveAutomations(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load active automations: %w", err)
	}
	for _, auto := range autos {
		if err := s.schedule(auto); err != nil {
			log.Printf("loom: scheduler: skipping %s (%s): %v", auto.ID, auto.Name, err)
		}
	}
	s.cron.Start()
	log.Printf("loom: scheduler started with %d jobs", s.ActiveJobs())
	return nil
}

// Stop cancels all jobs and waits for in-flight job callbacks to return, up
// to the context deadline.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		log.Println("loom: scheduler stopped")
	case <-ctx.Done():
		log.Println("loom: scheduler stop timed out")
	}
}

// ActiveJobs returns the number of scheduled jobs. Surfaced by /health.
func (s *Scheduler) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Activate validates an automation, marks it active, schedules it, and runs
// it once immediately in the background for responsiveness. If scheduling
// fails the status change is rolled back, keeping the job table and the
// persisted status consistent (best-effort: there is a small window between
// the store write and the rollback).
func (s *Scheduler) Activate(ctx context.Context, automationID string) error {
	auto, err := s.store.GetAutomation(ctx, automationID)
	if err != nil {
		return fmt.Errorf("scheduler: activate %s: %w", automationID, err)
	}
	if err := s.validate(auto); err != nil {
		return err
	}

	prev := auto.Status
	if err := s.store.UpdateAutomationStatus(ctx, auto.ID, StatusActive); err != nil {
		return fmt.Errorf("scheduler: activate %s: %w", automationID, err)
	}
	auto.Status = StatusActive

	if err := s.schedule(auto); err != nil {
		if rbErr := s.store.UpdateAutomationStatus(ctx, auto.ID, prev); rbErr != nil {
			log.Printf("loom: scheduler: rollback of %s failed: %v", auto.ID, rbErr)
		}
		return err
	}

	go s.fire(auto)
	return nil
}

// Deactivate pauses an automation and removes its job. The store write goes
// first; job removal cannot fail, so no rollback path is needed here.
func (s *Scheduler) Deactivate(ctx context.Context, automationID string) error {
	if err := s.store.UpdateAutomationStatus(ctx, automationID, StatusPaused); err != nil {
		return fmt.Errorf("scheduler: deactivate %s: %w", automationID, err)
	}
	s.unschedule(automationID)
	return nil
}

// RunNow dispatches one execution of an automation regardless of its trigger
// type. This is the entry point for manual triggers; the activation-time
// immediate run goes through fire instead. The execution record is created
// before return; the run itself is asynchronous.
func (s *Scheduler) RunNow(ctx context.Context, automationID string) (Execution, error) {
	auto, err := s.store.GetAutomation(ctx, automationID)
	if err != nil {
		return Execution{}, fmt.Errorf("scheduler: run %s: %w", automationID, err)
	}
	user, err := s.store.GetUser(ctx, auto.UserID)
	if err != nil {
		return Execution{}, fmt.Errorf("scheduler: run %s: %w", automationID, err)
	}
	exec, err := s.exec.NewExecution(ctx, auto.ID, map[string]any{"triggerType": "manual"})
	if err != nil {
		return Execution{}, err
	}
	s.exec.ExecuteAsync(auto, exec.ID, user, map[string]any{"triggerType": "manual"})
	return exec, nil
}

// schedule adds the automation's job to the cron table. The trigger union is
// handled exhaustively: manual and webhook triggers have no schedule, rss
// triggers schedule the poller, event triggers are reserved. An unknown tag
// here is a programmer error — Validate has already run.
func (s *Scheduler) schedule(auto Automation) error {
	switch auto.Trigger.Type {
	case TriggerManual, TriggerWebhook:
		return nil
	case TriggerEvent:
		// Reserved: no schedule until an event source exists.
		return nil
	case TriggerInterval, TriggerDaily:
		spec, err := auto.Trigger.CronSpec()
		if err != nil {
			return err
		}
		return s.addJob(auto.ID, spec, func() { s.tick(auto.ID) })
	case TriggerRSS:
		if s.poller == nil {
			return fmt.Errorf("scheduler: automation %s has an rss trigger but no poller is configured", auto.ID)
		}
		spec, err := auto.Trigger.PollCronSpec()
		if err != nil {
			return err
		}
		return s.addJob(auto.ID, spec, func() { s.pollTick(auto.ID) })
	default:
		return fmt.Errorf("scheduler: automation %s has unknown trigger type %q", auto.ID, auto.Trigger.Type)
	}
}

func (s *Scheduler) addJob(automationID, spec string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, exists := s.jobs[automationID]; exists {
		s.cron.Remove(old)
		delete(s.jobs, automationID)
	}
	id, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("scheduler: add job %s (%s): %w", automationID, spec, err)
	}
	s.jobs[automationID] = id
	return nil
}

func (s *Scheduler) unschedule(automationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, exists := s.jobs[automationID]; exists {
		s.cron.Remove(id)
		delete(s.jobs, automationID)
	}
}

// tick fires on a cron edge for an interval or daily trigger. The
// automation is re-read so edits between ticks take effect, and a paused
// automation whose job removal raced the tick is skipped.
func (s *Scheduler) tick(automationID string) {
	ctx := context.Background()
	auto, err := s.store.GetAutomation(ctx, automationID)
	if err != nil {
		log.Printf("loom: scheduler: tick %s: %v", automationID, err)
		return
	}
	if auto.Status != StatusActive {
		return
	}
	s.fire(auto)
}

// pollTick fires on a cron edge for an rss trigger.
func (s *Scheduler) pollTick(automationID string) {
	ctx := context.Background()
	auto, err := s.store.GetAutomation(ctx, automationID)
	if err != nil {
		log.Printf("loom: scheduler: poll %s: %v", automationID, err)
		return
	}
	if auto.Status != StatusActive {
		return
	}
	if err := s.poller.Poll(ctx, auto); err != nil {
		log.Printf("loom: rss poll %s (%s): %v", auto.ID, auto.Name, err)
	}
}

// fire creates and dispatches one execution of auto. For rss automations the
// activation-time immediate run goes through the poller instead, so a burst
// of old items is not replayed as a scheduled run.
func (s *Scheduler) fire(auto Automation) {
	ctx := context.Background()
	if auto.Trigger.Type == TriggerRSS {
		if s.poller != nil {
			if err := s.poller.Poll(ctx, auto); err != nil {
				log.Printf("loom: rss poll %s (%s): %v", auto.ID, auto.Name, err)
			}
		}
		return
	}

	user, err := s.store.GetUser(ctx, auto.UserID)
	if err != nil {
		log.Printf("loom: scheduler: fire %s: %v", auto.ID, err)
		return
	}
	input := map[string]any{"triggerType": string(auto.Trigger.Type)}
	exec, err := s.exec.NewExecution(ctx, auto.ID, input)
	if err != nil {
		log.Printf("loom: scheduler: fire %s: %v", auto.ID, err)
		return
	}
	s.exec.ExecuteAsync(auto, exec.ID, user, input)
}

// validate checks an automation at the activation boundary: the trigger
// parses, steps are non-empty, every step type is registered, and required
// parameters are present. Parameter values that are {{path}} references are
// opaque until run time, so only presence is checked here; fully resolved
// maps are schema-validated at the RPC boundary.
func (s *Scheduler) validate(auto Automation) error {
	if err := auto.Trigger.Validate(); err != nil {
		return err
	}
	if len(auto.Steps) == 0 {
		return &ValidationError{Field: "steps", Message: "automation has no steps"}
	}
	for i, step := range auto.Steps {
		def, _, ok := s.exec.registry.Lookup(step.Type)
		if !ok {
			msg := fmt.Sprintf("step %d: unknown tool %q", i+1, step.Type)
			if suggestion := s.exec.registry.Suggest(step.Type); suggestion != "" {
				msg += fmt.Sprintf(" — did you mean %q?", suggestion)
			}
			return &ValidationError{Field: "steps", Message: msg}
		}
		if err := checkRequired(def, step.Params); err != nil {
			return &ValidationError{Field: "steps", Message: fmt.Sprintf("step %d (%s): %v", i+1, step.Type, err)}
		}
	}
	return nil
}

// checkRequired verifies the schema's required properties are present in the
// parameter map.
func checkRequired(def Definition, params map[string]any) error {
	required, _ := def.InputSchema["required"].([]any)
	for _, r := range required {
		name, ok := r.(string)
		if !ok {
			continue
		}
		if _, present := params[name]; !present {
			return fmt.Errorf("missing required parameter %q", name)
		}
	}
	return nil
}

// Stop helper for callers without a deadline in hand.
func (s *Scheduler) StopWithTimeout(d time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	s.Stop(ctx)
}
