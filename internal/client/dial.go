// ABOUTME: Gorilla-backed Dialer for real connections
// ABOUTME: Token travels in the URL query, matching the server handshake

package client

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// GorillaDialer adapts gorilla/websocket to the Dialer interface.
type GorillaDialer struct {
	// Token is appended as the token query parameter on every dial so
	// a refreshed token takes effect on the next reconnect.
	Token func() string

	HandshakeTimeout time.Duration
}

// Dial opens a WebSocket connection to the gateway.
func (d *GorillaDialer) Dial(ctx context.Context, rawURL string) (Socket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if d.Token != nil {
		q := u.Query()
		q.Set("token", d.Token())
		u.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	sock, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return sock, nil
}
