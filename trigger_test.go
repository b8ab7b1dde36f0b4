package loom

import (
	"encoding/json"
	"testing"
)

func TestTriggerValidate(t *testing.T) {
	valid := []Trigger{
		{Type: TriggerManual},
		{Type: TriggerInterval, Every: "5m"},
		{Type: TriggerInterval, Every: "59m"},
		{Type: TriggerInterval, Every: "30s"},
		{Type: TriggerInterval, Every: "2h"},
		{Type: TriggerDaily, At: "09:00"},
		{Type: TriggerDaily, At: "9:00"},
		{Type: TriggerDaily, At: "23:59"},
		{Type: TriggerWebhook, Secret: "deadbeef"},
		{Type: TriggerWebhook},
		{Type: TriggerRSS, URL: "https://example.com/feed.xml"},
		{Type: TriggerRSS, URL: "https://example.com/feed.xml", Interval: "30m"},
		{Type: TriggerEvent},
	}
	for _, tr := range valid {
		if err := tr.Validate(); err != nil {
			t.Errorf("Validate(%+v) = %v, want nil", tr, err)
		}
	}

	invalid := []Trigger{
		{},
		{Type: "cron"},
		{Type: TriggerInterval},
		{Type: TriggerInterval, Every: "60m"},
		{Type: TriggerInterval, Every: "90s"},
		{Type: TriggerInterval, Every: "24h"},
		{Type: TriggerInterval, Every: "0m"},
		{Type: TriggerInterval, Every: "m"},
		{Type: TriggerInterval, Every: "5x"},
		{Type: TriggerDaily},
		{Type: TriggerDaily, At: "24:00"},
		{Type: TriggerDaily, At: "9:5"},
		{Type: TriggerDaily, At: "12:60"},
		{Type: TriggerDaily, At: "noon"},
		{Type: TriggerRSS},
		{Type: TriggerRSS, URL: "https://example.com/feed.xml", Interval: "61m"},
	}
	for _, tr := range invalid {
		err := tr.Validate()
		if err == nil {
			t.Errorf("Validate(%+v) = nil, want error", tr)
			continue
		}
		if _, ok := err.(*ValidationError); !ok {
			t.Errorf("Validate(%+v) error type = %T", tr, err)
		}
	}
}

func TestTriggerCronSpec(t *testing.T) {
	cases := []struct {
		trigger Trigger
		want    string
	}{
		{Trigger{Type: TriggerInterval, Every: "5m"}, "*/5 * * * *"},
		{Trigger{Type: TriggerInterval, Every: "30s"}, "*/1 * * * *"}, // sub-minute coerced
		{Trigger{Type: TriggerInterval, Every: "2h"}, "0 */2 * * *"},
		{Trigger{Type: TriggerInterval, Every: "3d"}, "0 0 */3 * *"},
		{Trigger{Type: TriggerInterval, Every: "1w"}, "0 0 * * 1"},
		{Trigger{Type: TriggerDaily, At: "09:00"}, "0 9 * * *"},
		{Trigger{Type: TriggerDaily, At: "23:59"}, "59 23 * * *"},
	}
	for _, tc := range cases {
		got, err := tc.trigger.CronSpec()
		if err != nil {
			t.Errorf("CronSpec(%+v): %v", tc.trigger, err)
			continue
		}
		if got != tc.want {
			t.Errorf("CronSpec(%+v) = %q, want %q", tc.trigger, got, tc.want)
		}
	}

	if _, err := (Trigger{Type: TriggerManual}).CronSpec(); err == nil {
		t.Error("manual trigger produced a cron spec")
	}
}

func TestTriggerPollCronSpec(t *testing.T) {
	tr := Trigger{Type: TriggerRSS, URL: "https://example.com/feed.xml"}
	got, err := tr.PollCronSpec()
	if err != nil {
		t.Fatal(err)
	}
	if got != "*/15 * * * *" {
		t.Errorf("default poll spec = %q", got)
	}

	tr.Interval = "5m"
	got, _ = tr.PollCronSpec()
	if got != "*/5 * * * *" {
		t.Errorf("custom poll spec = %q", got)
	}
}

func TestTriggerJSONRoundTrip(t *testing.T) {
	raw := `{"type":"rss","url":"https://example.com/feed.xml","interval":"15m"}`
	var tr Trigger
	if err := json.Unmarshal([]byte(raw), &tr); err != nil {
		t.Fatal(err)
	}
	if tr.Type != TriggerRSS || tr.URL != "https://example.com/feed.xml" || tr.Interval != "15m" {
		t.Errorf("trigger = %+v", tr)
	}
}

func TestStepJSONShape(t *testing.T) {
	raw := `{"type":"send_email","to":"{{user.email}}","subject":"AAPL","body":"Price: {{step_1.price}}","outputAs":"mail"}`
	var s Step
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		t.Fatal(err)
	}
	if s.Type != "send_email" || s.OutputAs != "mail" {
		t.Errorf("step = %+v", s)
	}
	if s.Params["to"] != "{{user.email}}" || len(s.Params) != 3 {
		t.Errorf("params = %#v", s.Params)
	}

	// Round-trip keeps the flat wire form.
	out, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	var flat map[string]any
	if err := json.Unmarshal(out, &flat); err != nil {
		t.Fatal(err)
	}
	if flat["type"] != "send_email" || flat["outputAs"] != "mail" || flat["subject"] != "AAPL" {
		t.Errorf("wire form = %#v", flat)
	}
}
