// Package store provides persistence for conversations, messages,
// and participants.
//
// # Overview
//
// The store is the persistence collaborator consumed by the conversation
// lifecycle manager. It owns the SQLite schema and exposes the query
// contracts the rest of the system needs; business rules (status
// transitions, validation, closed-conversation policy) live one layer
// up in the lifecycle package.
//
// # Entities
//
//   - Conversation: support thread between a user and zero-or-one admin
//   - Message: immutable after creation except read_at
//   - Participant: (conversation, user) pair with a role
//
// # Concurrency invariants
//
// AddMessage inserts the message and bumps the conversation's updated_at
// in one transaction, so list views sorted by recency never lag behind
// the newest message. Status updates are guarded by the expected prior
// status (compare-and-swap semantics): a concurrent transition surfaces
// as ErrStaleStatus instead of silently overwriting.
//
// Message retrieval order equals commit order (created_at with rowid as
// the tiebreak), which matches broadcast order in the gateway.
package store
