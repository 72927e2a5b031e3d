// Package client wraps one logical gateway connection per user
// session.
//
// State machine: disconnected, connecting, connected, and on abnormal
// drop reconnecting with capped exponential backoff for a bounded
// number of attempts. Exhausting the attempts lands in persistent
// disconnected; a deliberate Close goes straight there and never
// reconnects.
//
// Send fails fast while not connected and nothing is replayed across
// a reconnect, so each message is sent at most once per connection
// epoch. Joined rooms are tracked locally and re-joined automatically
// after a reconnect.
package client
