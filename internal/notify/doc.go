// Package notify decides which events surface as user-visible alerts.
//
// The router is given an event plus the candidate recipients and
// applies a fixed policy: never notify the actor about their own
// event; suppress alerts for the conversation the recipient currently
// has focused (unread counters still update); join/leave never alert;
// every delivered notification carries a stable dedupe tag so a
// replayed event cannot surface twice.
//
// Candidate resolution is the caller's job. The socket hub sends room
// members for ordinary messages and all admins for new conversations
// and urgent messages, since unassigned conversations form a shared
// admin queue.
//
// The reconciler recomputes unread counts on a fixed interval as the
// source of truth; push updates are only an optimization over it.
package notify
