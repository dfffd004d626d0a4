package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/digwatch/internal/notify"
	"github.com/JakeFAU/digwatch/internal/proximity"
)

type wsClient struct {
	conn net.Conn
	rw   io.ReadWriter
}

func dialNotifications(t *testing.T, baseURL, externalID string) *wsClient {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	target := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws/notifications?external_id=" + externalID
	conn, br, _, err := ws.Dial(ctx, target)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return &wsClient{conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}
}

func (c *wsClient) readJSON(t *testing.T, out any) {
	t.Helper()
	data, err := wsutil.ReadServerText(c.rw)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, out))
}

func (c *wsClient) send(t *testing.T, text string) {
	t.Helper()
	require.NoError(t, wsutil.WriteClientText(c.rw, []byte(text)))
}

func TestNotifications_UnknownUserClosesWithPolicyViolation(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	client := dialNotifications(t, srv.URL, "nobody")
	frame, err := ws.ReadFrame(client.rw)
	require.NoError(t, err)
	require.Equal(t, ws.OpClose, frame.Header.OpCode)
	code, reason := ws.ParseCloseFrameData(frame.Payload)
	require.Equal(t, ws.StatusPolicyViolation, code)
	require.Equal(t, "User not found", reason)
	require.Zero(t, h.registry.Len())
}

func TestNotifications_ConnectPingPushDisconnect(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	client := dialNotifications(t, srv.URL, "ext-1")

	var hello connectedPayload
	client.readJSON(t, &hello)
	require.Equal(t, connectedPayload{Type: notify.TypeConnected, Message: connectedMessage, UserID: 1}, hello)

	// Malformed input is ignored and the connection stays usable.
	client.send(t, "not json")
	client.send(t, `{"type":"ping"}`)
	var pong inboundMessage
	client.readJSON(t, &pong)
	require.Equal(t, notify.TypePong, pong.Type)

	require.Eventually(t, func() bool { return h.registry.Len() == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, h.registry.Push(context.Background(), "ext-1", []proximity.Alert{{FavoriteID: 3, DistanceMeters: 80}}))

	var msg notify.AlertMessage
	client.readJSON(t, &msg)
	require.Equal(t, notify.TypeAlert, msg.Type)
	require.Len(t, msg.Alerts, 1)
	require.Equal(t, 80, msg.Alerts[0].DistanceMeters)
	require.NotEmpty(t, msg.Timestamp)

	require.NoError(t, client.conn.Close())
	require.Eventually(t, func() bool { return h.registry.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestNotifications_ReplacedConnectionIsClosed(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	first := dialNotifications(t, srv.URL, "ext-1")
	var hello connectedPayload
	first.readJSON(t, &hello)
	require.Eventually(t, func() bool { return h.registry.Len() == 1 }, time.Second, 5*time.Millisecond)

	second := dialNotifications(t, srv.URL, "ext-1")
	second.readJSON(t, &hello)

	// The first connection is closed by the server once replaced.
	_, err := wsutil.ReadServerText(first.rw)
	require.Error(t, err)

	second.send(t, `{"type":"ping"}`)
	var pong inboundMessage
	second.readJSON(t, &pong)
	require.Equal(t, notify.TypePong, pong.Type)
	require.Equal(t, 1, h.registry.Len())
}

func TestNotifications_RequiresExternalID(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	rec := h.do(http.MethodGet, "/ws/notifications")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWSConnCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	server, client := net.Pipe()
	defer client.Close()
	c := newWSConn(server, 0)
	require.Equal(t, defaultWSWriteTimeout, c.writeTimeout)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.Error(t, c.Send(context.Background(), []byte("late")))
}
