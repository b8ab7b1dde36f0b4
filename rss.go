package loom

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"
)

// DefaultSeenCap bounds the per-automation rolling set of seen RSS item
// identifiers. Feeds that burst more than this many new items between polls
// may have the overflow missed; the cap trades that risk for bounded state.
const DefaultSeenCap = 100

// rssUserAgent identifies the poller to feed servers.
const rssUserAgent = "loom-rss/1.0 (+https://github.com/loomhq/loom)"

// RSSPoller periodically fetches feeds for rss-triggered automations,
// detects new items against a durable seen-set, and invokes the executor
// when there is something new. The seen-set is committed before the executor
// runs, so a slow execution cannot cause the same items to trigger twice.
type RSSPoller struct {
	store   Store
	exec    *Executor
	parser  *gofeed.Parser
	seenCap int
}

// RSSOption configures an RSSPoller.
type RSSOption func(*RSSPoller)

// WithSeenCap overrides the seen-set size bound.
func WithSeenCap(n int) RSSOption {
	return func(p *RSSPoller) {
		if n > 0 {
			p.seenCap = n
		}
	}
}

// NewRSSPoller creates a poller. The feed client sets a descriptive
// user-agent and enforces a 15-second read timeout.
func NewRSSPoller(store Store, exec *Executor, opts ...RSSOption) *RSSPoller {
	parser := gofeed.NewParser()
	parser.UserAgent = rssUserAgent
	parser.Client = &http.Client{Timeout: 15 * time.Second}

	p := &RSSPoller{
		store:   store,
		exec:    exec,
		parser:  parser,
		seenCap: DefaultSeenCap,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll fetches the automation's feed once. The first poll of a feed (or of a
// changed feed URL) only seeds the seen-set — old items never trigger. On
// later polls, items are new when their identifier is not in the seen-set
// and their published date, if present, is after the last poll time.
func (p *RSSPoller) Poll(ctx context.Context, auto Automation) error {
	url := auto.Trigger.URL
	if url == "" {
		return &ValidationError{Field: "trigger.url", Message: "rss automation has no feed url"}
	}

	state, found, err := p.store.GetRSSPollState(ctx, auto.ID)
	if err != nil {
		return fmt.Errorf("rss: load poll state: %w", err)
	}

	feed, err := p.parser.ParseURLWithContext(url, ctx)
	if err != nil {
		return fmt.Errorf("rss: fetch %s: %w", url, err)
	}

	now := NowUnix()
	if !found || state.FeedURL != url {
		seed := RSSPollState{
			AutomationID: auto.ID,
			LastPolledAt: now,
			SeenIDs:      p.collectIDs(feed.Items, nil),
			FeedURL:      url,
		}
		if err := p.store.PutRSSPollState(ctx, seed); err != nil {
			return fmt.Errorf("rss: seed poll state: %w", err)
		}
		log.Printf("loom: rss: seeded %s with %d items", auto.ID, len(seed.SeenIDs))
		p.recordPoll(ctx, 0)
		return nil
	}

	seen := make(map[string]bool, len(state.SeenIDs))
	for _, id := range state.SeenIDs {
		seen[id] = true
	}
	lastPoll := time.Unix(state.LastPolledAt, 0)

	var newItems []*gofeed.Item
	for _, item := range feed.Items {
		if seen[itemID(item)] {
			continue
		}
		if item.PublishedParsed != nil && !item.PublishedParsed.After(lastPoll) {
			continue
		}
		newItems = append(newItems, item)
	}

	state.LastPolledAt = now
	if len(newItems) == 0 {
		if err := p.store.PutRSSPollState(ctx, state); err != nil {
			return fmt.Errorf("rss: update poll state: %w", err)
		}
		p.recordPoll(ctx, 0)
		return nil
	}

	// Commit the advanced seen-set before dispatching: if the execution is
	// slow, the next tick must not re-trigger on the same items.
	state.SeenIDs = p.collectIDs(feed.Items, state.SeenIDs)
	if err := p.store.PutRSSPollState(ctx, state); err != nil {
		return fmt.Errorf("rss: update poll state: %w", err)
	}

	user, err := p.store.GetUser(ctx, auto.UserID)
	if err != nil {
		return fmt.Errorf("rss: load user: %w", err)
	}

	input := map[string]any{
		"triggerType": "rss",
		"rssFeed": map[string]any{
			"title": feed.Title,
			"url":   url,
		},
		"rssNewItems": itemMaps(newItems),
	}
	exec, err := p.exec.NewExecution(ctx, auto.ID, input)
	if err != nil {
		return err
	}
	log.Printf("loom: rss: %s has %d new items, execution %s", auto.ID, len(newItems), exec.ID)
	p.recordPoll(ctx, len(newItems))
	p.exec.ExecuteAsync(auto, exec.ID, user, input)
	return nil
}

// recordPoll reports one completed poll to the metrics sink, if any.
func (p *RSSPoller) recordPoll(ctx context.Context, newItems int) {
	if m := p.exec.metrics; m != nil {
		m.RSSPolled(ctx, newItems)
	}
}

// collectIDs builds the next seen-set: identifiers of the current feed in
// feed order, topped up with previous ids, capped at seenCap.
func (p *RSSPoller) collectIDs(items []*gofeed.Item, previous []string) []string {
	out := make([]string, 0, p.seenCap)
	have := make(map[string]bool, p.seenCap)
	add := func(id string) {
		if id == "" || have[id] || len(out) >= p.seenCap {
			return
		}
		have[id] = true
		out = append(out, id)
	}
	for _, item := range items {
		add(itemID(item))
	}
	for _, id := range previous {
		add(id)
	}
	return out
}

// itemID picks a stable identifier for a feed item: guid, falling back to
// link, falling back to title.
func itemID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	if item.Link != "" {
		return item.Link
	}
	return item.Title
}

// itemMaps converts feed items to the plain maps handlers and the resolver
// work with.
func itemMaps(items []*gofeed.Item) []any {
	out := make([]any, len(items))
	for i, item := range items {
		m := map[string]any{
			"title": item.Title,
			"link":  item.Link,
			"guid":  item.GUID,
		}
		if item.Published != "" {
			m["published"] = item.Published
		}
		if item.Description != "" {
			m["description"] = item.Description
		}
		out[i] = m
	}
	return out
}
