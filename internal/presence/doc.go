// Package presence tracks who is typing in which conversation.
//
// Typing state is ephemeral by design: it is held in process memory,
// expires after a short TTL when no refresh arrives, and is never
// written to the store. A process restart silently clears all
// indicators, which is the correct behavior since the sockets that
// produced them are gone too.
//
// The tracker only answers "did the observable state change" so the
// socket hub can broadcast typing start/stop exactly once per
// transition instead of once per keystroke.
package presence
