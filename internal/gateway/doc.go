// Package gateway composes the server: the SQLite store feeds the
// lifecycle manager, the manager backs both the REST handlers and the
// WebSocket hub, and the hub doubles as the notification sink so the
// router and the unread reconciler reach connected users.
//
// The REST surface mirrors the lifecycle operations for non-realtime
// clients and dashboards; anything persisted over REST is still
// relayed to connected room members.
package gateway
