package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loomhq/loom"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleAutomation() loom.Automation {
	return loom.Automation{
		ID:          "auto_1",
		UserID:      "user_1",
		Name:        "daily-stock",
		Description: "mail me the price",
		Trigger:     loom.Trigger{Type: loom.TriggerInterval, Every: "5m"},
		Steps: []loom.Step{
			{Type: "fetch_stock_price", Params: map[string]any{"symbol": "AAPL"}},
			{Type: "send_email", Params: map[string]any{"to": "{{user.email}}"}, OutputAs: "mail"},
		},
		Status:    loom.StatusDraft,
		AuxState:  map[string]string{"sheet_id": "sheet-9"},
		CreatedAt: 1700000000,
		UpdatedAt: 1700000000,
	}
}

func TestAutomationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := sampleAutomation()
	if err := s.CreateAutomation(ctx, in); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetAutomation(ctx, "auto_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != in.Name || got.Trigger.Every != "5m" || got.Status != loom.StatusDraft {
		t.Errorf("automation = %+v", got)
	}
	if len(got.Steps) != 2 || got.Steps[1].OutputAs != "mail" {
		t.Errorf("steps = %+v", got.Steps)
	}
	if got.Steps[0].Params["symbol"] != "AAPL" {
		t.Errorf("step params = %#v", got.Steps[0].Params)
	}
	if got.AuxState["sheet_id"] != "sheet-9" {
		t.Errorf("aux state = %#v", got.AuxState)
	}

	if err := s.UpdateAutomationStatus(ctx, "auto_1", loom.StatusActive); err != nil {
		t.Fatal(err)
	}
	active, err := s.ListActiveAutomations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != "auto_1" {
		t.Errorf("active = %+v", active)
	}

	if err := s.UpdateAutomationStatus(ctx, "nope", loom.StatusActive); err == nil {
		t.Error("status update on missing row succeeded")
	}
}

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateExecution(ctx, loom.Execution{
		ID:           "exec_1",
		AutomationID: "auto_1",
		Status:       loom.ExecPending,
		Input:        map[string]any{"triggerType": "manual"},
		CreatedAt:    1700000000,
	}); err != nil {
		t.Fatal(err)
	}

	transitions := []loom.StateTransition{
		{From: loom.ExecPending, To: loom.ExecRunning, AtMS: 1},
		{From: loom.ExecRunning, To: loom.ExecRetrying, AtMS: 2, Metadata: map[string]any{"step_index": 1, "attempt": 1}},
		{From: loom.ExecRetrying, To: loom.ExecRunning, AtMS: 3},
		{From: loom.ExecRunning, To: loom.ExecSuccess, AtMS: 4},
	}
	for _, tr := range transitions {
		if err := s.AppendStateTransition(ctx, "exec_1", tr); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListStateTransitions(ctx, "exec_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("transitions = %d", len(got))
	}
	for i, tr := range got {
		if tr.From != transitions[i].From || tr.To != transitions[i].To {
			t.Errorf("transition %d = %s→%s", i, tr.From, tr.To)
		}
	}
	// Metadata survives the JSON round-trip (numbers come back as float64).
	if got[1].Metadata["attempt"] != float64(1) {
		t.Errorf("metadata = %#v", got[1].Metadata)
	}

	steps := []loom.StepRecord{
		{Index: 1, Type: "fetch_stock_price", DurationMS: 12, Retries: 1, Output: map[string]any{"price": "190.23"}},
		{Index: 2, Type: "send_email", DurationMS: 30, Output: map[string]any{"sent": true}},
	}
	for _, r := range steps {
		if err := s.AppendStepRecord(ctx, "exec_1", r); err != nil {
			t.Fatal(err)
		}
	}
	gotSteps, err := s.ListStepRecords(ctx, "exec_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(gotSteps) != 2 || gotSteps[0].Output["price"] != "190.23" {
		t.Errorf("step records = %+v", gotSteps)
	}

	final := loom.Execution{
		ID:           "exec_1",
		AutomationID: "auto_1",
		Status:       loom.ExecSuccess,
		StartedAt:    1700000001,
		FinishedAt:   1700000002,
		Steps:        steps,
		DurationMS:   42,
		TotalRetries: 1,
		ContextSnapshot: map[string]any{
			"stepOutputs": map[string]any{"step_1": map[string]any{"price": "190.23"}},
		},
		CreatedAt: 1700000000,
	}
	if err := s.UpdateExecution(ctx, final); err != nil {
		t.Fatal(err)
	}
	stored, err := s.GetExecution(ctx, "exec_1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != loom.ExecSuccess || stored.TotalRetries != 1 || len(stored.Steps) != 2 {
		t.Errorf("execution = %+v", stored)
	}
	outputs := stored.ContextSnapshot["stepOutputs"].(map[string]any)
	if outputs["step_1"].(map[string]any)["price"] != "190.23" {
		t.Errorf("snapshot = %#v", stored.ContextSnapshot)
	}
}

func TestDeleteAutomationCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateAutomation(ctx, sampleAutomation()); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateExecution(ctx, loom.Execution{ID: "exec_1", AutomationID: "auto_1", Status: loom.ExecSuccess, CreatedAt: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendStateTransition(ctx, "exec_1", loom.StateTransition{From: loom.ExecPending, To: loom.ExecRunning, AtMS: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendStepRecord(ctx, "exec_1", loom.StepRecord{Index: 1, Type: "t"}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutRSSPollState(ctx, loom.RSSPollState{AutomationID: "auto_1", LastPolledAt: 1, SeenIDs: []string{"a"}, FeedURL: "u"}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteAutomation(ctx, "auto_1"); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetAutomation(ctx, "auto_1"); err == nil {
		t.Error("automation survived delete")
	}
	if _, err := s.GetExecution(ctx, "exec_1"); err == nil {
		t.Error("execution survived cascade")
	}
	ts, _ := s.ListStateTransitions(ctx, "exec_1")
	if len(ts) != 0 {
		t.Error("state log survived cascade")
	}
	steps, _ := s.ListStepRecords(ctx, "exec_1")
	if len(steps) != 0 {
		t.Error("step logs survived cascade")
	}
	if _, found, _ := s.GetRSSPollState(ctx, "auto_1"); found {
		t.Error("rss poll state survived cascade")
	}
}

func TestRSSPollStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, found, err := s.GetRSSPollState(ctx, "auto_1"); err != nil || found {
		t.Fatalf("empty lookup = found=%v err=%v", found, err)
	}

	st := loom.RSSPollState{
		AutomationID: "auto_1",
		LastPolledAt: 1700000000,
		SeenIDs:      []string{"D", "A", "B", "C"},
		FeedURL:      "https://example.com/feed.xml",
	}
	if err := s.PutRSSPollState(ctx, st); err != nil {
		t.Fatal(err)
	}

	got, found, err := s.GetRSSPollState(ctx, "auto_1")
	if err != nil || !found {
		t.Fatal(err)
	}
	if len(got.SeenIDs) != 4 || got.SeenIDs[0] != "D" {
		t.Errorf("seen ids = %v", got.SeenIDs)
	}

	// Upsert advances in place.
	st.LastPolledAt = 1700000100
	st.SeenIDs = []string{"E", "D"}
	if err := s.PutRSSPollState(ctx, st); err != nil {
		t.Fatal(err)
	}
	got, _, _ = s.GetRSSPollState(ctx, "auto_1")
	if got.LastPolledAt != 1700000100 || got.SeenIDs[0] != "E" {
		t.Errorf("upsert = %+v", got)
	}
}

func TestUserTokensAndConfig(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.PutUser(ctx, loom.User{ID: "user_1", Email: "ada@example.com", Handles: map[string]string{"telegram": "@ada"}}); err != nil {
		t.Fatal(err)
	}
	u, err := s.GetUser(ctx, "user_1")
	if err != nil {
		t.Fatal(err)
	}
	if u.Email != "ada@example.com" || u.Handles["telegram"] != "@ada" {
		t.Errorf("user = %+v", u)
	}

	tok := loom.UserToken{
		UserID:       "user_1",
		Service:      "sheets",
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		TokenType:    "Bearer",
		Expiry:       1700000000,
		UpdatedAt:    1700000000,
	}
	if err := s.PutUserToken(ctx, tok); err != nil {
		t.Fatal(err)
	}
	got, found, err := s.GetUserToken(ctx, "user_1", "sheets")
	if err != nil || !found {
		t.Fatal(err)
	}
	if got.AccessToken != "at-1" || got.RefreshToken != "rt-1" {
		t.Errorf("token = %+v", got)
	}

	tok.AccessToken = "at-2"
	if err := s.PutUserToken(ctx, tok); err != nil {
		t.Fatal(err)
	}
	got, _, _ = s.GetUserToken(ctx, "user_1", "sheets")
	if got.AccessToken != "at-2" {
		t.Errorf("refreshed token = %+v", got)
	}

	if err := s.DeleteUserToken(ctx, "user_1", "sheets"); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := s.GetUserToken(ctx, "user_1", "sheets"); found {
		t.Error("token survived delete")
	}

	if err := s.SetConfig(ctx, "rss.seen_cap", "250"); err != nil {
		t.Fatal(err)
	}
	v, err := s.GetConfig(ctx, "rss.seen_cap")
	if err != nil || v != "250" {
		t.Errorf("config = %q (%v)", v, err)
	}
	if v, _ := s.GetConfig(ctx, "missing"); v != "" {
		t.Errorf("missing config = %q", v)
	}
}
