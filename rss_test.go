package loom

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// feedServer serves an RSS 2.0 document whose items can be swapped between
// polls.
type feedServer struct {
	*httptest.Server
	items atomic.Value // []string of guids
}

func newFeedServer(items ...string) *feedServer {
	fs := &feedServer{}
	fs.items.Store(items)
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		var b strings.Builder
		b.WriteString(`<?xml version="1.0"?><rss version="2.0"><channel><title>test feed</title>`)
		for _, guid := range fs.items.Load().([]string) {
			fmt.Fprintf(&b, `<item><title>item %s</title><link>https://example.com/%s</link><guid>%s</guid></item>`, guid, guid, guid)
		}
		b.WriteString(`</channel></rss>`)
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(b.String()))
	}))
	return fs
}

func (fs *feedServer) setItems(items ...string) {
	fs.items.Store(items)
}

func rssAutomation(url string) Automation {
	return Automation{
		ID:      "auto_rss",
		UserID:  "user_1",
		Name:    "feed-watch",
		Trigger: Trigger{Type: TriggerRSS, URL: url, Interval: "15m"},
		Steps: []Step{
			{Type: "echo", Params: map[string]any{}},
		},
		Status: StatusActive,
	}
}

func newRSSFixture(t *testing.T) (*RSSPoller, *fakeStore, *Executor, *map[string]any) {
	t.Helper()
	store := newFakeStore()
	store.putUser(testUser())

	var captured map[string]any
	r := NewRegistry()
	if err := r.Define(Definition{Name: "echo", Version: "1.0.0"}); err != nil {
		t.Fatal(err)
	}
	r.Bind("echo", func(_ context.Context, _, execCtx map[string]any) (map[string]any, error) {
		captured = execCtx
		return map[string]any{"ok": true}, nil
	})

	exec := NewExecutor(store, r, WithRetryPolicy(fastRetryPolicy()))
	return NewRSSPoller(store, exec), store, exec, &captured
}

func TestRSSPollLifecycle(t *testing.T) {
	fs := newFeedServer("A", "B", "C")
	defer fs.Close()

	poller, store, exec, captured := newRSSFixture(t)
	auto := rssAutomation(fs.URL)
	ctx := context.Background()

	// First poll seeds the seen-set; no execution.
	if err := poller.Poll(ctx, auto); err != nil {
		t.Fatal(err)
	}
	execs, _ := store.ListExecutions(ctx, auto.ID, 10)
	if len(execs) != 0 {
		t.Fatalf("first poll created %d executions", len(execs))
	}
	state, found, _ := store.GetRSSPollState(ctx, auto.ID)
	if !found {
		t.Fatal("poll state not seeded")
	}
	if got := strings.Join(state.SeenIDs, ","); got != "A,B,C" {
		t.Errorf("seeded seen-set = %s", got)
	}

	// New item D appears at the head.
	fs.setItems("D", "A", "B", "C")
	if err := poller.Poll(ctx, auto); err != nil {
		t.Fatal(err)
	}
	if !exec.Wait(2 * time.Second) {
		t.Fatal("execution did not drain")
	}

	execs, _ = store.ListExecutions(ctx, auto.ID, 10)
	if len(execs) != 1 {
		t.Fatalf("second poll created %d executions, want 1", len(execs))
	}

	snap := *captured
	if snap["triggerType"] != "rss" {
		t.Errorf("triggerType = %v", snap["triggerType"])
	}
	newItems := snap["rssNewItems"].([]any)
	if len(newItems) != 1 {
		t.Fatalf("rssNewItems = %#v", newItems)
	}
	if newItems[0].(map[string]any)["guid"] != "D" {
		t.Errorf("new item = %#v", newItems[0])
	}
	feedInfo := snap["rssFeed"].(map[string]any)
	if feedInfo["title"] != "test feed" {
		t.Errorf("rssFeed = %#v", feedInfo)
	}

	state, _, _ = store.GetRSSPollState(ctx, auto.ID)
	if got := strings.Join(state.SeenIDs, ","); got != "D,A,B,C" {
		t.Errorf("seen-set after new item = %s", got)
	}

	// Identical feed again: no further executions.
	if err := poller.Poll(ctx, auto); err != nil {
		t.Fatal(err)
	}
	exec.Wait(time.Second)
	execs, _ = store.ListExecutions(ctx, auto.ID, 10)
	if len(execs) != 1 {
		t.Errorf("third poll created extra executions: %d", len(execs))
	}
}

func TestRSSSeenSetUpdatedBeforeDispatch(t *testing.T) {
	fs := newFeedServer("A")
	defer fs.Close()

	store := newFakeStore()
	store.putUser(testUser())

	// The handler inspects the stored seen-set while the execution is still
	// running: the new item must already be committed.
	var seenDuringRun []string
	r := NewRegistry()
	if err := r.Define(Definition{Name: "echo", Version: "1.0.0"}); err != nil {
		t.Fatal(err)
	}
	r.Bind("echo", func(ctx context.Context, _, _ map[string]any) (map[string]any, error) {
		st, _, _ := store.GetRSSPollState(ctx, "auto_rss")
		seenDuringRun = st.SeenIDs
		return nil, nil
	})

	exec := NewExecutor(store, r, WithRetryPolicy(fastRetryPolicy()))
	poller := NewRSSPoller(store, exec)
	auto := rssAutomation(fs.URL)
	ctx := context.Background()

	if err := poller.Poll(ctx, auto); err != nil { // seed
		t.Fatal(err)
	}
	fs.setItems("B", "A")
	if err := poller.Poll(ctx, auto); err != nil {
		t.Fatal(err)
	}
	exec.Wait(2 * time.Second)

	if got := strings.Join(seenDuringRun, ","); got != "B,A" {
		t.Errorf("seen-set during execution = %s, want B,A", got)
	}
}

func TestRSSSeenSetCapped(t *testing.T) {
	ids := make([]string, 130)
	for i := range ids {
		ids[i] = fmt.Sprintf("item-%03d", i)
	}
	fs := newFeedServer(ids...)
	defer fs.Close()

	poller, store, _, _ := newRSSFixture(t)
	auto := rssAutomation(fs.URL)
	ctx := context.Background()

	if err := poller.Poll(ctx, auto); err != nil {
		t.Fatal(err)
	}
	state, _, _ := store.GetRSSPollState(ctx, auto.ID)
	if len(state.SeenIDs) != DefaultSeenCap {
		t.Errorf("seen-set size = %d, want %d", len(state.SeenIDs), DefaultSeenCap)
	}
	// The cap keeps the newest (head-of-feed) identifiers.
	if state.SeenIDs[0] != "item-000" || state.SeenIDs[99] != "item-099" {
		t.Errorf("seen-set window = [%s ... %s]", state.SeenIDs[0], state.SeenIDs[len(state.SeenIDs)-1])
	}
}

func TestRSSFeedURLChangeReseeds(t *testing.T) {
	fs := newFeedServer("A", "B")
	defer fs.Close()

	poller, store, exec, _ := newRSSFixture(t)
	auto := rssAutomation(fs.URL)
	ctx := context.Background()

	if err := poller.Poll(ctx, auto); err != nil {
		t.Fatal(err)
	}

	// Same automation now points at a different feed: reseed, no trigger.
	fs2 := newFeedServer("X", "Y")
	defer fs2.Close()
	auto.Trigger.URL = fs2.URL

	if err := poller.Poll(ctx, auto); err != nil {
		t.Fatal(err)
	}
	exec.Wait(time.Second)
	execs, _ := store.ListExecutions(ctx, auto.ID, 10)
	if len(execs) != 0 {
		t.Errorf("url change triggered %d executions", len(execs))
	}
	state, _, _ := store.GetRSSPollState(ctx, auto.ID)
	if got := strings.Join(state.SeenIDs, ","); got != "X,Y" {
		t.Errorf("reseeded seen-set = %s", got)
	}
}
