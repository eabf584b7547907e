package mesh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognitivecities/neuralhub/internal/core"
	tu "github.com/cognitivecities/neuralhub/internal/testutil"
)

// routeAll decodes and routes without validation
type routeAll struct{ hub *Hub }

func (r routeAll) HandleMessage(ctx context.Context, from *Conn, data []byte) (RouteResult, error) {
	if !from.Registered() {
		return RouteResult{}, core.ErrNotRegistered
	}
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return RouteResult{}, core.Errorf(core.ErrMalformedMessage, "%v", err)
	}
	msg, err := core.MessageFromEnvelope(env)
	if err != nil {
		return RouteResult{}, err
	}
	return r.hub.Route(ctx, msg)
}

func startServer(t *testing.T, mutate func(*HubConfig)) (*Hub, string) {
	t.Helper()
	h := newTestHub(t, mutate)
	h.Handle(routeAll{hub: h})
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

func registerWS(t *testing.T, url, participant string) *websocket.Conn {
	t.Helper()
	ws := dial(t, url)
	require.NoError(t, ws.WriteJSON(core.Frame{Type: core.FrameRegistration, ParticipantID: participant}))
	frame := readFrame(t, ws)
	require.Equal(t, "registered", frame["type"])
	require.NotEmpty(t, frame["connection_id"])
	return ws
}

func TestServeWS_RegisterAndRoute(t *testing.T) {
	h, url := startServer(t, nil)
	alpha := registerWS(t, url, "alpha")
	beta := registerWS(t, url, "beta")

	require.NoError(t, alpha.WriteMessage(websocket.TextMessage,
		tu.Envelope(core.ProtocolThoughtExchange, "share", "alpha", []string{"beta"}, map[string]string{"text": "hello"})))

	accepted := readFrame(t, alpha)
	assert.Equal(t, "accepted", accepted["type"])
	routingID, _ := accepted["routing_id"].(string)
	assert.NotEmpty(t, routingID)

	got := readFrame(t, beta)
	assert.Equal(t, "message", got["type"])
	assert.Equal(t, "thought-exchange", got["protocol"])
	assert.Equal(t, routingID, got["routing_id"])

	conns, registered := h.Stats()
	assert.Equal(t, 2, conns)
	assert.Equal(t, 2, registered)
}

func TestServeWS_ErrorsGoToOriginatorOnly(t *testing.T) {
	_, url := startServer(t, nil)
	alpha := registerWS(t, url, "alpha")
	beta := registerWS(t, url, "beta")

	require.NoError(t, alpha.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	frame := readFrame(t, alpha)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "malformed_message", frame["code"])

	require.NoError(t, alpha.WriteMessage(websocket.TextMessage,
		tu.Envelope("telepathy", "x", "alpha", []string{"beta"}, 1)))
	frame = readFrame(t, alpha)
	assert.Equal(t, "unsupported_protocol", frame["code"])

	// The connection survives rejected frames
	require.NoError(t, alpha.WriteMessage(websocket.TextMessage,
		tu.Envelope(core.ProtocolThoughtExchange, "share", "alpha", []string{"beta"}, 1)))
	assert.Equal(t, "accepted", readFrame(t, alpha)["type"])

	got := readFrame(t, beta)
	assert.Equal(t, "message", got["type"], "beta sees only the valid message")
}

func TestServeWS_MessageBeforeRegistration(t *testing.T) {
	_, url := startServer(t, nil)
	ws := dial(t, url)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		tu.Envelope(core.ProtocolThoughtExchange, "share", "anon", []string{core.Broadcast}, 1)))
	frame := readFrame(t, ws)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "not_registered", frame["code"])
}

func TestServeWS_DuplicateRegistrationKeepsConnection(t *testing.T) {
	_, url := startServer(t, nil)
	ws := registerWS(t, url, "alpha")

	require.NoError(t, ws.WriteJSON(core.Frame{Type: core.FrameRegistration, ParticipantID: "other"}))
	frame := readFrame(t, ws)
	assert.Equal(t, "duplicate_registration", frame["code"])

	require.NoError(t, ws.WriteJSON(core.Frame{Type: core.FrameHeartbeat}))
	require.NoError(t, ws.WriteJSON(core.Frame{Type: "bogus"}))
	assert.Equal(t, "malformed_message", readFrame(t, ws)["code"])
}

func TestServeWS_RegistrationTimeout(t *testing.T) {
	h, url := startServer(t, func(cfg *HubConfig) { cfg.RegistrationTimeout = 100 * time.Millisecond })
	ws := dial(t, url)

	tu.Eventually(t, 2*time.Second, func() bool {
		conns, _ := h.Stats()
		return conns == 0
	}, "silent connection should be dropped")

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
}

func TestServeWS_DisconnectDeregisters(t *testing.T) {
	h, url := startServer(t, nil)
	ws := registerWS(t, url, "alpha")
	require.True(t, h.Online("alpha"))

	require.NoError(t, ws.Close())
	tu.Eventually(t, 2*time.Second, func() bool { return !h.Online("alpha") }, "alpha should be deregistered")
}

func TestServeWS_RefusedAfterShutdown(t *testing.T) {
	h, url := startServer(t, nil)
	registerWS(t, url, "alpha")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
