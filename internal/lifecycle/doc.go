// Package lifecycle enforces the conversation state machine and owns all
// conversation/message mutations.
//
// # State machine
//
// Conversation status moves along a fixed graph:
//
//	open ──────────► in_progress ──► closed
//	  │                   │
//	  └──► closed         └──► transferred ──► (successor: open)
//
// closed and transferred are terminal. A transfer spawns a fresh open
// conversation linked via transferred_from; the transcript is never
// duplicated into the successor.
//
// # Single writer
//
// Every mutation for a given conversation runs inside a per-conversation
// lock, so the stored order of messages is the commit order and racing
// status changes resolve deterministically: the loser sees the new
// status and fails with ErrInvalidTransition.
//
// # Persistence retries
//
// Unexpected storage failures are retried a bounded number of times at
// this boundary before surfacing to the caller. Domain outcomes
// (not found, stale status) are never retried.
package lifecycle
