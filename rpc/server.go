package rpc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/loomhq/loom"
)

// requestTimeout bounds one RPC request. It leaves margin under the typical
// upstream 30-second request cap; on expiry the in-flight handler context is
// cancelled and the client receives a -32000 error.
const requestTimeout = 25 * time.Second

// maxRequestBody caps RPC request bodies at 4 MB.
const maxRequestBody = 4 << 20

// Server is the tool-discovery RPC surface: an http.Handler speaking
// JSON-RPC 2.0 on POST. GET and DELETE return 405 with a JSON-RPC error
// body. The server is stateless — every request is dispatched against the
// registry and store as they stand.
type Server struct {
	name    string
	version string

	registry *loom.Registry
	store    loom.Store
	logger   *loom.ExecutionLogger
	metrics  loom.Metrics
	timeout  time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records tools/call counts against m.
func WithMetrics(m loom.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates an RPC server over the given registry and store.
func New(name, version string, registry *loom.Registry, store loom.Store, opts ...Option) *Server {
	s := &Server{
		name:     name,
		version:  version,
		registry: registry,
		store:    store,
		logger:   loom.NewExecutionLogger(store),
		timeout:  requestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ToolCount returns the number of externally callable tools. Surfaced by
// /health.
func (s *Server) ToolCount() int {
	return len(s.registry.ListExposable())
}

// ServeHTTP implements the endpoint's method contract and the request
// timeout.
func (s *Server) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeRPC(rw, http.StatusMethodNotAllowed, response{
			JSONRPC: "2.0",
			ID:      json.RawMessage("null"),
			Error:   &rpcError{Code: errCodeServer, Message: "method not allowed: " + r.Method},
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeRPC(rw, http.StatusOK, response{
			JSONRPC: "2.0",
			ID:      json.RawMessage("null"),
			Error:   &rpcError{Code: errCodeParse, Message: "unreadable body"},
		})
		return
	}

	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPC(rw, http.StatusOK, response{
			JSONRPC: "2.0",
			ID:      json.RawMessage("null"),
			Error:   &rpcError{Code: errCodeParse, Message: "parse error"},
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	// Dispatch on a goroutine so a stuck handler cannot hold the response
	// past the timeout; cancel reaches it through ctx.
	results := make(chan *response, 1)
	go func() { results <- s.dispatch(ctx, &req) }()

	select {
	case resp := <-results:
		if resp == nil || req.isNotification() {
			rw.WriteHeader(http.StatusAccepted) // notification: no body
			return
		}
		writeRPC(rw, http.StatusOK, *resp)
	case <-ctx.Done():
		writeRPC(rw, http.StatusOK, response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: errCodeServer, Message: fmt.Sprintf("Request timeout after %s", s.timeout)},
		})
	}
}

// dispatch routes a request. Returns nil for the notifications/* methods and
// for notifications of unknown methods; ServeHTTP discards the response of
// any other notification.
func (s *Server) dispatch(ctx context.Context, req *request) *response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized", "notifications/cancelled":
		return nil
	case "ping":
		return respond(req.ID, struct{}{})
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "resources/list":
		return s.handleResourcesList(req)
	case "resources/read":
		return s.handleResourcesRead(req)
	default:
		if req.isNotification() {
			return nil
		}
		return respondError(req.ID, errCodeMethodNotFound, "method not found: "+req.Method)
	}
}

// --- handlers ---

func (s *Server) handleInitialize(req *request) *response {
	return respond(req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: serverCapabilities{
			Tools:     &capability{},
			Resources: &capability{},
		},
		ServerInfo: serverInfo{Name: s.name, Version: s.version},
	})
}

func (s *Server) handleToolsList(req *request) *response {
	defs := s.registry.ListExposable()
	tools := make([]toolDescriptor, len(defs))
	for i, def := range defs {
		tools[i] = toolDescriptor{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		}
	}
	return respond(req.ID, toolsListResult{Tools: tools})
}

// handleToolsCall runs one tool as a single-step execution: the invocation
// is logged through the same transition and step-result pipeline the
// workflow executor uses, under an execution id of the form
// rpc_<timestamp>_<random>. Tool failures come back in the result envelope
// with isError set; the transport only fails on malformed requests.
func (s *Server) handleToolsCall(ctx context.Context, req *request) *response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return respondError(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}

	def, handler, ok := s.registry.Lookup(params.Name)
	if !ok {
		msg := "unknown tool: " + params.Name
		if suggestion := s.registry.Suggest(params.Name); suggestion != "" {
			msg += fmt.Sprintf(" — did you mean %q?", suggestion)
		}
		s.record(ctx, params.Name, true)
		return respond(req.ID, errorResult(errJSON(msg)))
	}
	if !def.ExternallyExposable {
		s.record(ctx, params.Name, true)
		return respond(req.ID, errorResult(errJSON("tool is not externally callable: "+params.Name)))
	}
	if handler == nil {
		s.record(ctx, params.Name, true)
		return respond(req.ID, errorResult(errJSON("tool has no handler bound: "+params.Name)))
	}

	// RPC arguments are fully resolved values, so the whole input schema
	// applies here (unlike stored steps, whose templates are opaque until
	// run time).
	if err := s.registry.ValidateParams(params.Name, params.Arguments); err != nil {
		s.record(ctx, params.Name, true)
		return respond(req.ID, errorResult(errJSON(err.Error())))
	}

	execID := newRPCExecutionID()
	exec := loom.Execution{
		ID:        execID,
		Status:    loom.ExecRunning,
		Input:     loom.SanitizeMap(map[string]any{"tool": params.Name, "arguments": params.Arguments}),
		StartedAt: loom.NowUnix(),
		CreatedAt: loom.NowUnix(),
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		log.Printf("loom: rpc: create execution %s: %v", execID, err)
	}
	s.logTransition(ctx, execID, loom.ExecPending, loom.ExecRunning, nil)

	mem := loom.NewContextMemory(execID, "", loom.User{})
	mem.Set("triggerType", "rpc")
	snapshot := mem.BuildStepContext()

	start := time.Now()
	output, err := invoke(ctx, handler, params.Arguments, snapshot)
	record := loom.StepRecord{
		Index:      1,
		Type:       params.Name,
		DurationMS: time.Since(start).Milliseconds(),
		Output:     loom.SanitizeMap(output),
	}
	if err != nil {
		record.Error = err.Error()
	}
	if logErr := s.logger.StepResult(ctx, execID, record); logErr != nil {
		log.Printf("loom: rpc: %v", logErr)
	}

	// Commits survive request-context cancellation.
	commitCtx := context.Background()
	exec.Steps = []loom.StepRecord{record}
	exec.FinishedAt = loom.NowUnix()
	exec.DurationMS = time.Since(start).Milliseconds()

	if err != nil {
		exec.Status = loom.ExecFailed
		exec.Error = err.Error()
		s.logTransition(commitCtx, execID, loom.ExecRunning, loom.ExecFailed, map[string]any{"error": err.Error()})
		s.updateExecution(commitCtx, exec)
		s.record(commitCtx, params.Name, true)
		return respond(req.ID, errorResult(errJSON(err.Error())))
	}

	exec.Status = loom.ExecSuccess
	s.logTransition(commitCtx, execID, loom.ExecRunning, loom.ExecSuccess, nil)
	s.updateExecution(commitCtx, exec)
	s.record(commitCtx, params.Name, false)

	text, marshalErr := json.Marshal(output)
	if marshalErr != nil {
		return respond(req.ID, errorResult(errJSON("unserializable tool output: "+marshalErr.Error())))
	}
	return respond(req.ID, textResult(string(text)))
}

func (s *Server) handleResourcesList(req *request) *response {
	return respond(req.ID, resourcesListResult{Resources: []resourceDef{
		{
			URI:         "loom://tools",
			Name:        "Tool catalog",
			Description: "Every registered tool definition with input schemas",
			MimeType:    "application/json",
		},
		{
			URI:         "loom://categories",
			Name:        "Tool categories",
			Description: "Tool names grouped by category",
			MimeType:    "application/json",
		},
		{
			URI:         "loom://registry",
			Name:        "Registry metadata",
			Description: "Tool counts and exposure summary",
			MimeType:    "application/json",
		},
	}})
}

func (s *Server) handleResourcesRead(req *request) *response {
	var params resourceReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return respondError(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}

	var doc any
	switch params.URI {
	case "loom://tools":
		doc = s.registry.List()
	case "loom://categories":
		byCategory := make(map[string][]string)
		for _, def := range s.registry.List() {
			byCategory[def.Category] = append(byCategory[def.Category], def.Name)
		}
		doc = byCategory
	case "loom://registry":
		doc = map[string]any{
			"totalTools":     len(s.registry.List()),
			"exposableCount": len(s.registry.ListExposable()),
			"protocol":       protocolVersion,
		}
	default:
		return respondError(req.ID, errCodeInvalidParams, "resource not found: "+params.URI)
	}

	text, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return respondError(req.ID, errCodeInternal, "marshal resource: "+err.Error())
	}
	return respond(req.ID, resourceReadResult{Contents: []resourceContent{{
		URI:      params.URI,
		MimeType: "application/json",
		Text:     string(text),
	}}})
}

// --- helpers ---

// invoke calls a handler with panic isolation, mirroring the executor.
func invoke(ctx context.Context, handler loom.Handler, args, snapshot map[string]any) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	if args == nil {
		args = map[string]any{}
	}
	return handler(ctx, args, snapshot)
}

// record reports one tools/call outcome to the metrics sink, if any.
func (s *Server) record(ctx context.Context, tool string, isError bool) {
	if s.metrics != nil {
		s.metrics.RPCToolCalled(ctx, tool, isError)
	}
}

func (s *Server) logTransition(ctx context.Context, execID string, from, to loom.ExecutionStatus, meta map[string]any) {
	if err := s.logger.StateTransition(ctx, execID, from, to, meta); err != nil {
		log.Printf("loom: rpc: %v", err)
	}
}

func (s *Server) updateExecution(ctx context.Context, exec loom.Execution) {
	if err := s.logger.UpdateStatus(ctx, exec); err != nil {
		log.Printf("loom: rpc: %v", err)
	}
}

// newRPCExecutionID mints an execution id in the rpc_<timestamp>_<random>
// form, keeping RPC-originated runs recognizable in the execution log.
func newRPCExecutionID() string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("rpc_%d_%s", time.Now().UnixMilli(), hex.EncodeToString(buf[:]))
}

func errJSON(msg string) string {
	raw, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return `{"error":"internal"}`
	}
	return string(raw)
}

func respond(id json.RawMessage, result any) *response {
	return &response{JSONRPC: "2.0", ID: id, Result: result}
}

func respondError(id json.RawMessage, code int, message string) *response {
	return &response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

func writeRPC(rw http.ResponseWriter, status int, resp response) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(resp); err != nil {
		log.Printf("loom: rpc: write response: %v", err)
	}
}
