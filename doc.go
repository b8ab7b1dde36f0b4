// Package loom is the execution core of a multi-tenant workflow automation
// backend. Users define automations — a trigger plus an ordered sequence of
// steps — and loom durably stores them, schedules them, executes them, and
// logs the full lifecycle of every run.
//
// The core pieces:
//
//   - Registry: the single source of truth for executable step types, their
//     JSON-schema inputs, and the handlers bound to them.
//   - Executor: the sequential step runner with variable resolution,
//     retry/backoff, and per-execution context memory.
//   - Scheduler, RSSPoller, WebhookIntake: trigger producers whose only
//     output is a call into the Executor.
//   - ExecutionLogger: durable state transitions, step results, and a
//     summarized context snapshot per execution.
//
// The rpc subpackage exposes the registry and a tool-invocation entry point
// to external AI clients over JSON-RPC 2.0. Persistence implementations live
// under store/ (SQLite and Postgres). Integrations are opaque to the core:
// a Handler is any callable that consumes a parameter map plus an execution
// context and yields a structured output or an error.
package loom
