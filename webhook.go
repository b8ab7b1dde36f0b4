package loom

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
)

// webhookMaxBody caps webhook payloads at 1 MB.
const webhookMaxBody = 1 << 20

// Webhook signature headers. Both carry a hex HMAC-SHA-256 of the raw body;
// the hub-style header may prefix it with "sha256=".
const (
	headerWebhookSecret = "X-Webhook-Secret"
	headerHubSignature  = "X-Hub-Signature-256"
)

// forwardedHeaders are the request headers captured into execution metadata.
var forwardedHeaders = []string{"Content-Type", "User-Agent", "X-Request-Id"}

// WebhookIntake receives external payloads for webhook-triggered
// automations, verifies signatures, and enqueues executor invocations. The
// HTTP 200 is sent before the execution begins: callers never observe step
// outcomes synchronously, only the persisted execution record.
type WebhookIntake struct {
	store Store
	exec  *Executor
	// globalSecret applies when an automation's trigger carries no secret of
	// its own. Empty disables the process-wide requirement.
	globalSecret string
}

// NewWebhookIntake creates the intake handler. globalSecret may be empty.
func NewWebhookIntake(store Store, exec *Executor, globalSecret string) *WebhookIntake {
	return &WebhookIntake{store: store, exec: exec, globalSecret: globalSecret}
}

// ServeHTTP routes POST /{automation_id} deliveries and GET /{automation_id}
// readiness probes. The automation id is the final path segment.
func (w *WebhookIntake) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	id := strings.Trim(r.URL.Path, "/")
	if i := strings.LastIndexByte(id, '/'); i >= 0 {
		id = id[i+1:]
	}
	if id == "" {
		writeJSON(rw, http.StatusNotFound, map[string]any{"error": "missing automation id"})
		return
	}

	switch r.Method {
	case http.MethodPost:
		w.deliver(rw, r, id)
	case http.MethodGet:
		w.probe(rw, r, id)
	default:
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	}
}

// deliver handles one webhook POST.
func (w *WebhookIntake) deliver(rw http.ResponseWriter, r *http.Request, automationID string) {
	ctx := r.Context()

	auto, err := w.store.GetAutomation(ctx, automationID)
	if err != nil {
		writeJSON(rw, http.StatusNotFound, map[string]any{"error": "unknown automation"})
		return
	}
	if auto.Trigger.Type != TriggerWebhook {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"error": "automation is not webhook-triggered"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, webhookMaxBody))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"error": "unreadable body"})
		return
	}

	secret := auto.Trigger.Secret
	if secret == "" {
		secret = w.globalSecret
	}
	if secret != "" && !verifySignature(body, secret, r.Header) {
		w.record(ctx, "unauthorized")
		writeJSON(rw, http.StatusUnauthorized, map[string]any{"error": "invalid signature"})
		return
	}

	if auto.Status != StatusActive {
		w.record(ctx, "skipped")
		writeJSON(rw, http.StatusOK, map[string]any{
			"status": "skipped",
			"reason": "automation is not active",
		})
		return
	}

	var payload any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			payload = string(body)
		}
	}

	headers := make(map[string]any)
	for _, h := range forwardedHeaders {
		if v := r.Header.Get(h); v != "" {
			headers[h] = v
		}
	}
	input := map[string]any{
		"triggerType":    "webhook",
		"webhookPayload": payload,
		"webhookMeta": map[string]any{
			"receivedAt": NowUnix(),
			"sourceIp":   clientIP(r),
			"headers":    headers,
		},
	}

	user, err := w.store.GetUser(ctx, auto.UserID)
	if err != nil {
		log.Printf("loom: webhook %s: load user: %v", automationID, err)
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"error": "internal"})
		return
	}
	exec, err := w.exec.NewExecution(ctx, auto.ID, input)
	if err != nil {
		log.Printf("loom: webhook %s: %v", automationID, err)
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"error": "internal"})
		return
	}

	// Acknowledge first; the run is asynchronous and its failures surface
	// only through the execution log.
	w.record(ctx, "accepted")
	writeJSON(rw, http.StatusOK, map[string]any{"execution_id": exec.ID})
	w.exec.ExecuteAsync(auto, exec.ID, user, input)
}

// record reports one delivery outcome to the metrics sink, if any.
func (w *WebhookIntake) record(ctx context.Context, outcome string) {
	if m := w.exec.metrics; m != nil {
		m.WebhookDelivered(ctx, outcome)
	}
}

// probe answers GET with a readiness document for the automation's hook.
func (w *WebhookIntake) probe(rw http.ResponseWriter, r *http.Request, automationID string) {
	auto, err := w.store.GetAutomation(r.Context(), automationID)
	if err != nil {
		writeJSON(rw, http.StatusNotFound, map[string]any{"error": "unknown automation"})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":        "ready",
		"automation_id": auto.ID,
		"trigger":       string(auto.Trigger.Type),
		"active":        auto.Status == StatusActive,
	})
}

// verifySignature checks the request's HMAC-SHA-256 against the raw body.
// Comparison is constant time.
func verifySignature(body []byte, secret string, h http.Header) bool {
	sig := h.Get(headerWebhookSecret)
	if sig == "" {
		sig = strings.TrimPrefix(h.Get(headerHubSignature), "sha256=")
	}
	if sig == "" {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return fwd
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		log.Printf("loom: write response: %v", err)
	}
}
