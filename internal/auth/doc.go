// Package auth issues and verifies the short-lived HS256 JWTs used for
// both REST calls and WebSocket handshakes.
//
// A token asserts exactly two things: who ("sub") and at what level
// ("role", user or admin). All authorization decisions downstream
// consume the typed Identity from the request context rather than
// re-parsing tokens or comparing role strings.
package auth
