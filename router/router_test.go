package router_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/vault713/grinbox/address"
	"github.com/vault713/grinbox/challenge"
	"github.com/vault713/grinbox/mailbox"
	"github.com/vault713/grinbox/router"
	"github.com/vault713/grinbox/session"
)

func TestUpgradeSendsChallenge(t *testing.T) {
	oracle, err := challenge.New(clockwork.NewFakeClock())
	require.NoError(t, err)

	reg := mailbox.New(0, 0)
	rt := router.New(router.Config{Session: session.Config{LocalDomain: "local.test", Network: address.Mainnet}}, oracle, reg, nil)

	srv := httptest.NewServer(rt.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))

	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "Challenge", frame["type"])
	require.Equal(t, oracle.Current(), frame["str"])
}

func TestUpgradeRejectsOverMaxSessions(t *testing.T) {
	oracle, err := challenge.New(clockwork.NewFakeClock())
	require.NoError(t, err)

	reg := mailbox.New(0, 0)
	rt := router.New(router.Config{
		MaxSessions: 1,
		Session:     session.Config{LocalDomain: "local.test", Network: address.Mainnet},
	}, oracle, reg, nil)

	srv := httptest.NewServer(rt.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	first, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws", nil)
	require.NoError(t, err)
	defer first.Close()

	require.NoError(t, first.SetReadDeadline(time.Now().Add(time.Second)))
	var greeting map[string]any
	require.NoError(t, first.ReadJSON(&greeting))

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"/ws", nil)
	require.Error(t, err, "a second connection past max_sessions must not be upgraded")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestUpgradeUnknownRequestGetsErrorFrame(t *testing.T) {
	oracle, err := challenge.New(clockwork.NewFakeClock())
	require.NoError(t, err)

	reg := mailbox.New(0, 0)
	rt := router.New(router.Config{Session: session.Config{LocalDomain: "local.test", Network: address.Mainnet}}, oracle, reg, nil)

	srv := httptest.NewServer(rt.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))

	var greeting map[string]any
	require.NoError(t, conn.ReadJSON(&greeting))

	data, err := json.Marshal(map[string]string{"type": "Frobnicate"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	var errFrame map[string]any
	require.NoError(t, conn.ReadJSON(&errFrame))
	require.Equal(t, "Error", errFrame["type"])
	require.Equal(t, "UnknownRequest", errFrame["kind"])
}
