// ABOUTME: End-to-end socket handshake tests over a real listener
// ABOUTME: Covers the 4401 auth close and the confirmed-connection frame

package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/harbor-support/internal/auth"
	"github.com/2389/harbor-support/internal/ws"
)

func wsURL(srv *httptest.Server, token string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func TestSocket_BadTokenClosedWithAuthFailure(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "garbage"), nil)
	require.NoError(t, err, "the upgrade itself succeeds; rejection is a close frame")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, ws.CloseAuthFailure, closeErr.Code)
}

func TestSocket_MissingTokenClosedWithAuthFailure(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, ws.CloseAuthFailure, closeErr.Code)
}

func TestSocket_ValidTokenConfirmed(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	token := s.token(t, "user-1", auth.RoleUser)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, token), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env ws.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, ws.FrameConnectionConfirmed, env.Type)

	var payload ws.ConfirmedPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "user-1", payload.UserID)
	assert.Equal(t, "user", payload.Role)
}
