package api

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

	"github.com/cognitivecities/neuralhub/internal/client"
	"github.com/cognitivecities/neuralhub/internal/core"
	tu "github.com/cognitivecities/neuralhub/internal/testutil"
)

// End-to-end: real websocket clients against the full router

func startHTTP(t *testing.T) (*fixture, string) {
	t.Helper()
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.srv.Handler())
	t.Cleanup(ts.Close)
	return f, ts.URL
}

func wsClient(t *testing.T, base, participant, district string) *client.Client {
	t.Helper()
	ctx := tu.TestContextWithTimeout(t, 5*time.Second)

	c, err := client.Dial(ctx, "ws"+strings.TrimPrefix(base, "http")+"/ws", client.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	_, err = c.Register(ctx, participant, district, nil)
	require.NoError(t, err)
	return c
}

func TestE2E_DirectMessage(t *testing.T) {
	_, base := startHTTP(t)
	alpha := wsClient(t, base, "alpha", "")
	beta := wsClient(t, base, "beta", "")
	gamma := wsClient(t, base, "gamma", "")
	ctx := tu.TestContextWithTimeout(t, 5*time.Second)

	routingID, err := alpha.Send(ctx, core.ProtocolThoughtExchange, "share", []string{"beta"}, map[string]string{"text": "hello beta"})
	require.NoError(t, err)

	env, err := beta.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, routingID, env.RoutingID)
	assert.Equal(t, "alpha", env.Source)
	assert.JSONEq(t, `{"text":"hello beta"}`, string(env.Payload))

	quiet, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = gamma.Next(quiet)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "gamma was not targeted")
}

func TestE2E_KnowledgeSyncVisibleOverHTTP(t *testing.T) {
	_, base := startHTTP(t)
	alpha := wsClient(t, base, "alpha", "")
	beta := wsClient(t, base, "beta", "")
	ctx := tu.TestContextWithTimeout(t, 5*time.Second)

	for _, step := range []struct {
		content    string
		confidence float64
	}{
		{"draft", 0.5},
		{"refined", 0.8},
	} {
		_, err := alpha.Sync(ctx, core.KnowledgeItem{ID: "k1", Kind: "pattern", Content: step.content, Confidence: step.confidence}, []string{"beta"})
		require.NoError(t, err)
		_, err = beta.Next(ctx)
		require.NoError(t, err)
	}

	resp, err := http.Get(base + "/api/v1/knowledge/k1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var item core.KnowledgeItem
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&item))
	assert.Equal(t, uint64(2), item.Version)
	assert.Equal(t, "refined", item.Content)
	assert.Equal(t, "alpha", item.Source)
}

func TestE2E_ArchiveAndParticipants(t *testing.T) {
	f, base := startHTTP(t)
	alpha := wsClient(t, base, "city", "north")
	wsClient(t, base, "city", "south")
	ctx := tu.TestContextWithTimeout(t, 5*time.Second)

	_, err := alpha.Send(ctx, core.ProtocolEmergencyCoordination, "alert", []string{"broadcast:city"}, map[string]string{"level": "high"})
	require.NoError(t, err)

	n, err := f.archive.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	resp, err := http.Get(base + "/api/v1/participants")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body.Count)
}
