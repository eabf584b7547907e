package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognitivecities/neuralhub/internal/core"
	"github.com/cognitivecities/neuralhub/internal/knowledge"
	"github.com/cognitivecities/neuralhub/internal/mesh"
	"github.com/cognitivecities/neuralhub/internal/protocol"
	tu "github.com/cognitivecities/neuralhub/internal/testutil"
)

// startHub runs a hub with the real dispatcher behind an httptest server
func startHub(t *testing.T) (*mesh.Hub, *knowledge.Store, string) {
	t.Helper()
	logger := tu.TestLogger(t)

	cfg := mesh.DefaultHubConfig()
	cfg.Logger = logger
	hub := mesh.NewHub(cfg)

	store := knowledge.New(knowledge.Config{Logger: logger})
	hub.Handle(protocol.NewDispatcher(protocol.Config{Router: hub, Knowledge: store, Logger: logger}))

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		_ = hub.Shutdown(context.Background())
		srv.Close()
	})
	return hub, store, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connect(t *testing.T, url, participant, district string) *Client {
	t.Helper()
	ctx := tu.TestContextWithTimeout(t, 5*time.Second)

	c, err := Dial(ctx, url, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	id, err := c.Register(ctx, participant, district, []string{"test"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return c
}

func TestRegister_SetsAddress(t *testing.T) {
	hub, _, url := startHub(t)

	c := connect(t, url, "city", "north")
	assert.Equal(t, "city/north", c.Address())
	assert.NotEmpty(t, c.ConnectionID())
	assert.True(t, hub.Online("city/north"))
}

func TestRegister_Rejected(t *testing.T) {
	_, _, url := startHub(t)
	ctx := tu.TestContextWithTimeout(t, 5*time.Second)

	c, err := Dial(ctx, url, Options{})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Register(ctx, "", "", nil)
	var hubErr *HubError
	require.ErrorAs(t, err, &hubErr)
	assert.Equal(t, "invalid_identifier", hubErr.Code)
	assert.Empty(t, c.Address())
}

func TestSend_RoutesToTarget(t *testing.T) {
	_, _, url := startHub(t)
	alpha := connect(t, url, "alpha", "")
	beta := connect(t, url, "beta", "")
	ctx := tu.TestContextWithTimeout(t, 5*time.Second)

	routingID, err := alpha.Send(ctx, core.ProtocolThoughtExchange, "share", []string{"beta"}, map[string]string{"text": "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, routingID)

	env, err := beta.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, routingID, env.RoutingID)
	assert.Equal(t, "alpha", env.Source)
	assert.Equal(t, core.ProtocolThoughtExchange, env.Protocol)
	assert.JSONEq(t, `{"text":"hello"}`, string(env.Payload))
}

func TestSend_RawPayload(t *testing.T) {
	_, _, url := startHub(t)
	alpha := connect(t, url, "alpha", "")
	beta := connect(t, url, "beta", "")
	ctx := tu.TestContextWithTimeout(t, 5*time.Second)

	_, err := alpha.Send(ctx, core.ProtocolEmergencyCoordination, "alert", []string{core.Broadcast}, []byte(`{"level":"high"}`))
	require.NoError(t, err)

	env, err := beta.Next(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"level":"high"}`, string(env.Payload))
}

func TestSend_ErrorReply(t *testing.T) {
	_, _, url := startHub(t)
	alpha := connect(t, url, "alpha", "")
	ctx := tu.TestContextWithTimeout(t, 5*time.Second)

	_, err := alpha.SendEnvelope(ctx, core.Envelope{
		Protocol: "telepathy",
		Action:   "share",
		Payload:  json.RawMessage(`{}`),
	})
	var hubErr *HubError
	require.ErrorAs(t, err, &hubErr)
	assert.Equal(t, "unsupported_protocol", hubErr.Code)

	// The connection stays usable after a rejection
	_, err = alpha.Send(ctx, core.ProtocolThoughtExchange, "share", nil, "still here")
	assert.NoError(t, err)
}

func TestSync_ResolvesVersions(t *testing.T) {
	_, store, url := startHub(t)
	alpha := connect(t, url, "alpha", "")
	beta := connect(t, url, "beta", "")
	ctx := tu.TestContextWithTimeout(t, 5*time.Second)

	sync := func(content string, confidence float64) core.KnowledgeItem {
		t.Helper()
		_, err := alpha.Sync(ctx, core.KnowledgeItem{ID: "k1", Content: content, Confidence: confidence}, []string{"beta"})
		require.NoError(t, err)

		env, err := beta.Next(ctx)
		require.NoError(t, err)
		var item core.KnowledgeItem
		require.NoError(t, json.Unmarshal(env.Payload, &item))
		return item
	}

	assert.Equal(t, uint64(1), sync("draft", 0.5).Version)

	refined := sync("refined", 0.8)
	assert.Equal(t, uint64(2), refined.Version)
	assert.Equal(t, "refined", refined.Content)
	assert.Equal(t, "alpha", refined.Source)

	stored, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stored.Version)
}

func TestHeartbeat(t *testing.T) {
	_, _, url := startHub(t)
	ctx := tu.TestContextWithTimeout(t, 5*time.Second)

	c, err := Dial(ctx, url, Options{})
	require.NoError(t, err)
	defer c.Close()
	assert.Error(t, c.Heartbeat(), "heartbeat needs a registration")

	_, err = c.Register(ctx, "alpha", "", nil)
	require.NoError(t, err)
	assert.NoError(t, c.Heartbeat())

	kaCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, c.KeepAlive(kaCtx, 10*time.Millisecond))
}

func TestClose(t *testing.T) {
	hub, _, url := startHub(t)
	ctx := tu.TestContextWithTimeout(t, 5*time.Second)

	c := connect(t, url, "alpha", "")
	require.NoError(t, c.Close())

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	assert.NoError(t, c.Err())

	_, err := c.Send(ctx, core.ProtocolThoughtExchange, "share", nil, "late")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	tu.Eventually(t, time.Second, func() bool { return !hub.Online("alpha") }, "hub should drop the participant")
}

func TestHubShutdownEndsClient(t *testing.T) {
	hub, _, url := startHub(t)
	c := connect(t, url, "alpha", "")

	require.NoError(t, hub.Shutdown(context.Background()))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the shutdown")
	}
}

func TestNext_ContextCancel(t *testing.T) {
	_, _, url := startHub(t)
	c := connect(t, url, "alpha", "")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDial_Refused(t *testing.T) {
	ctx := tu.TestContextWithTimeout(t, 5*time.Second)
	_, err := Dial(ctx, "ws://127.0.0.1:1/ws", Options{HandshakeTimeout: time.Second})
	assert.Error(t, err)
}
