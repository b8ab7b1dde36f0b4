package loom

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newSchedulerFixture(t *testing.T) (*Scheduler, *fakeStore, *Executor) {
	t.Helper()
	store := newFakeStore()
	store.putUser(testUser())

	r := NewRegistry()
	for _, name := range []string{"fetch_stock_price", "send_email"} {
		if err := r.Define(Definition{
			Name:    name,
			Version: "1.0.0",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []any{},
			},
		}); err != nil {
			t.Fatal(err)
		}
		r.Bind(name, nopHandler)
	}

	exec := NewExecutor(store, r, WithRetryPolicy(fastRetryPolicy()))
	return NewScheduler(store, exec, NewRSSPoller(store, exec)), store, exec
}

// eventually polls cond until it returns true or the deadline passes.
func eventually(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestSchedulerActivateSchedulesAndRunsOnce(t *testing.T) {
	s, store, exec := newSchedulerFixture(t)
	ctx := context.Background()

	auto := stockAutomation()
	auto.Status = StatusDraft
	if err := store.CreateAutomation(ctx, auto); err != nil {
		t.Fatal(err)
	}

	if err := s.Activate(ctx, auto.ID); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	got, _ := store.GetAutomation(ctx, auto.ID)
	if got.Status != StatusActive {
		t.Errorf("status = %s", got.Status)
	}
	if s.ActiveJobs() != 1 {
		t.Errorf("active jobs = %d", s.ActiveJobs())
	}

	// Activation runs the automation once immediately in the background.
	ok := eventually(t, 2*time.Second, func() bool {
		execs, _ := store.ListExecutions(ctx, auto.ID, 10)
		return len(execs) == 1
	})
	if !ok {
		t.Fatal("no immediate run after activation")
	}
	exec.Wait(2 * time.Second)

	execs, _ := store.ListExecutions(ctx, auto.ID, 10)
	if execs[0].Status != ExecSuccess {
		t.Errorf("immediate run status = %s (%s)", execs[0].Status, execs[0].Error)
	}
}

func TestSchedulerActivateValidation(t *testing.T) {
	s, store, _ := newSchedulerFixture(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*Automation)
	}{
		{"interval 60m", func(a *Automation) { a.Trigger.Every = "60m" }},
		{"daily 24:00", func(a *Automation) { a.Trigger = Trigger{Type: TriggerDaily, At: "24:00"} }},
		{"daily 9:5", func(a *Automation) { a.Trigger = Trigger{Type: TriggerDaily, At: "9:5"} }},
		{"no steps", func(a *Automation) { a.Steps = nil }},
		{"unknown tool", func(a *Automation) { a.Steps[0].Type = "fetch_stonk_price" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			auto := stockAutomation()
			auto.ID = "auto_" + tc.name
			auto.Status = StatusDraft
			tc.mutate(&auto)
			if err := store.CreateAutomation(ctx, auto); err != nil {
				t.Fatal(err)
			}

			err := s.Activate(ctx, auto.ID)
			if err == nil {
				t.Fatal("expected validation error")
			}
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Errorf("error type = %T: %v", err, err)
			}

			// Status unchanged on rejection.
			got, _ := store.GetAutomation(ctx, auto.ID)
			if got.Status != StatusDraft {
				t.Errorf("status = %s after rejected activation", got.Status)
			}
		})
	}
}

func TestSchedulerValidationSuggestsToolName(t *testing.T) {
	s, store, _ := newSchedulerFixture(t)
	ctx := context.Background()

	auto := stockAutomation()
	auto.Status = StatusDraft
	auto.Steps[0].Type = "fetch_stonk_price"
	if err := store.CreateAutomation(ctx, auto); err != nil {
		t.Fatal(err)
	}

	err := s.Activate(ctx, auto.ID)
	if err == nil {
		t.Fatal("expected error")
	}
	want := `did you mean "fetch_stock_price"?`
	if got := err.Error(); !strings.Contains(got, want) {
		t.Errorf("error = %q, want substring %q", got, want)
	}
}

func TestSchedulerDeactivateRemovesJob(t *testing.T) {
	s, store, _ := newSchedulerFixture(t)
	ctx := context.Background()

	auto := stockAutomation()
	auto.Status = StatusDraft
	if err := store.CreateAutomation(ctx, auto); err != nil {
		t.Fatal(err)
	}
	if err := s.Activate(ctx, auto.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Deactivate(ctx, auto.ID); err != nil {
		t.Fatal(err)
	}

	if s.ActiveJobs() != 0 {
		t.Errorf("active jobs = %d after deactivation", s.ActiveJobs())
	}
	got, _ := store.GetAutomation(ctx, auto.ID)
	if got.Status != StatusPaused {
		t.Errorf("status = %s", got.Status)
	}
}

func TestSchedulerStartLoadsActiveAutomations(t *testing.T) {
	s, store, _ := newSchedulerFixture(t)
	ctx := context.Background()

	active := stockAutomation()
	draft := stockAutomation()
	draft.ID = "auto_2"
	draft.Status = StatusDraft
	manual := stockAutomation()
	manual.ID = "auto_3"
	manual.Trigger = Trigger{Type: TriggerManual}

	for _, a := range []Automation{active, draft, manual} {
		if err := store.CreateAutomation(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.StopWithTimeout(time.Second)

	// Only the active interval automation gets a job; manual never
	// schedules and drafts are ignored.
	if s.ActiveJobs() != 1 {
		t.Errorf("active jobs = %d, want 1", s.ActiveJobs())
	}
}

func TestSchedulerRollbackOnScheduleFailure(t *testing.T) {
	store := newFakeStore()
	store.putUser(testUser())

	r := NewRegistry()
	if err := r.Define(Definition{Name: "echo", Version: "1.0.0"}); err != nil {
		t.Fatal(err)
	}
	r.Bind("echo", nopHandler)
	exec := NewExecutor(store, r)

	// No poller configured: scheduling an rss automation fails after the
	// status write, which must roll back.
	s := NewScheduler(store, exec, nil)
	ctx := context.Background()

	auto := Automation{
		ID:      "auto_rss",
		UserID:  "user_1",
		Name:    "feed-watch",
		Trigger: Trigger{Type: TriggerRSS, URL: "https://example.com/feed.xml"},
		Steps:   []Step{{Type: "echo", Params: map[string]any{}}},
		Status:  StatusDraft,
	}
	if err := store.CreateAutomation(ctx, auto); err != nil {
		t.Fatal(err)
	}

	if err := s.Activate(ctx, auto.ID); err == nil {
		t.Fatal("expected scheduling failure")
	}

	got, _ := store.GetAutomation(ctx, auto.ID)
	if got.Status != StatusDraft {
		t.Errorf("status = %s, want rollback to draft", got.Status)
	}
	if s.ActiveJobs() != 0 {
		t.Errorf("active jobs = %d", s.ActiveJobs())
	}
}

func TestSchedulerRunNow(t *testing.T) {
	s, store, exec := newSchedulerFixture(t)
	ctx := context.Background()

	auto := stockAutomation()
	auto.Trigger = Trigger{Type: TriggerManual}
	if err := store.CreateAutomation(ctx, auto); err != nil {
		t.Fatal(err)
	}

	rec, err := s.RunNow(ctx, auto.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID == "" || rec.Status != ExecPending {
		t.Errorf("execution record = %+v", rec)
	}

	exec.Wait(2 * time.Second)
	stored, _ := store.GetExecution(ctx, rec.ID)
	if stored.Status != ExecSuccess {
		t.Errorf("status = %s (%s)", stored.Status, stored.Error)
	}
}
