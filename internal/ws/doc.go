// Package ws terminates authenticated WebSocket connections and
// relays frames between them.
//
// Ordering: frames from one connection are processed strictly in
// arrival order because the read loop dispatches synchronously.
// Within one conversation, the per-room lock spans persist plus
// fan-out, so every member observes messages in commit order. There
// is no ordering guarantee across conversations, and typing frames
// are best-effort.
//
// The hub doubles as the notification sink: router output and unread
// badge counts reach users as notification and unread_counts frames
// on whatever connections they hold.
package ws
