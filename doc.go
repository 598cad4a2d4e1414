// Package relay provides a lightweight, embeddable workflow and scheduling
// engine for Go.
//
// Relay is built for backend services that need reliable multi-step
// operations: every workflow persists its position after each step, so a
// crash mid-run never loses progress, and any worker can resume where the
// last one stopped. It runs fully in Go and integrates into existing
// codebases without extra infrastructure.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Runner
//  2. Scheduler
//  3. Worker
//  4. Job queue
//  5. Resilience primitives
//
// # Runner
//
// The Runner executes persisted workflows one step at a time. A workflow is
// an ordered list of steps; each step names a handler type registered on a
// HandlerRegistry and carries its own configuration and retry budget. After
// every step the full state (current position, accumulated step results,
// per-step retry counts) is written back to the store, and a
// conditional-update lock guarantees each step runs on exactly one worker
// even when many compete for the same workflow.
//
// Stores are pluggable: in-memory (tests), SQLite (embedded durability) and
// PostgreSQL.
//
// # Scheduler
//
// The Scheduler owns cron-driven recurring triggers. Firing a schedule
// never executes anything inline: it submits a job to the queue, so trigger
// cadence stays decoupled from execution time. Consecutive execution
// failures retry with exponential backoff and eventually flip the schedule
// to failed, where it stays until an explicit Retry. A backup sweep
// re-fires schedules whose timers were lost to a restart.
//
// # Worker
//
// A Worker pulls jobs from the queue and drives workflows through the
// Runner. Workers are stateless and scale horizontally; a job's TaskID
// makes redelivery safe. When a step fails with retries remaining, the
// worker re-enqueues the job with the step's backoff instead of blocking.
//
// # Job queue
//
// Queues order eligible jobs by priority and honor per-job delays. Three
// implementations ship: in-memory, SQLite and Redis.
//
// # Resilience
//
// The resilience package provides the two primitives step handlers reach
// for when calling flaky dependencies: Do, a generic retry helper with
// exponential backoff and jitter, and CircuitBreaker, a named
// closed/open/half-open breaker whose state can persist across restarts.
// Compose them with the retry inside the breaker so the breaker sees one
// outcome per logical call.
//
// # Getting started
//
// LocalRunner wires the in-memory variants of everything together for
// development and tests. NewSQLiteBundle does the same on a single SQLite
// database for durable single-node deployments.
package relay
