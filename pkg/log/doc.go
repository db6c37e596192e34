/*
Package log provides structured logging for dirstore using zerolog.

The log package wraps zerolog to give every component of the storage
core — the write orchestrator and the two backends — a shared,
field-consistent logger: JSON in production,
human-readable console output in development, with one configured
level and output destination for the whole process.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Context Loggers                     │          │
	│  │  - WithComponent("orchestrator")            │          │
	│  │  - WithDN("uid=bob,ou=people,dc=example")   │          │
	│  │  - WithOperation("modrdn")                  │          │
	│  │  - WithRetry(3)                             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {"level":"warn","component":"orchestrator",│          │
	│  │   "op":"add","retry":2,"dn":"uid=bob,...",  │          │
	│  │   "time":"2026-07-30T10:30:00Z",            │          │
	│  │   "message":"deadlock, retrying"}           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  10:30AM WRN deadlock, retrying op=add       │          │
	│  │              retry=2 dn=uid=bob,...          │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from every dirstore package
  - Thread-safe concurrent writes

Log Levels:
  - Debug: per-index-update tracing
  - Info: general operational messages
  - Warn: retried writes, recoverable backend conditions
  - Error: terminal operation failures
  - Fatal: startup faults only (bad config, unopenable data directory)

Context Loggers:
  - WithComponent: tag logs with the emitting subsystem
  - WithDN: tag logs with the entry a write targets
  - WithOperation: tag logs with add/modify/modrdn/delete
  - WithRetry: tag logs with the current deadlock-retry attempt

# Usage

Initializing the Logger:

	import "github.com/rcastellor/dirstore/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Logging a retried write:

	log.WithRetry(attempt).Warn().
		Str("op", "add").
		Msg("deadlock, retrying")

or with every field on the global logger:

	log.Logger.Warn().
		Str("op", "add").
		Str("dn", target.DN.String()).
		Int("retry", attempt).
		Msg("deadlock, retrying")

The change log writer (pkg/changelog) deliberately never calls into
this package: its contract is "append or fail loudly to its own
caller", not "log and continue" — see pkg/changelog's package doc.
*/
package log
