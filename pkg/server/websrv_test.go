package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/crystal-mush/tworld/pkg/worlddb"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	srv  *httptest.Server
	hub  *Hub
	feed *FeedDB
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := openStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutWorld(ctx, worlddb.World{ID: "start", Name: "Beginning", Creator: "p1", Instancing: worlddb.InstancingStandard, StartLocation: "hall"}))
	require.NoError(t, store.PutLocation(ctx, worlddb.Location{World: "start", Key: "hall", Name: "Entrance Hall", Desc: "A bare hall."}))
	addPlayer(t, store, "p1", "Ada", "lovelace")
	addPlayer(t, store, "p2", "Grace", "hopper")

	feed, err := OpenFeedDB(filepath.Join(t.TempDir(), "feed.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { feed.Close() })

	cfg := DefaultConfig()
	cfg.JWTSecret = "test-secret"
	cfg.RateLimit = 0
	hub := NewHub(cfg, HubOptions{Store: store, Feed: feed})
	ws := NewWebServer(hub, cfg, nil)
	srv := httptest.NewServer(ws.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Shutdown)
	return &testServer{srv: srv, hub: hub, feed: feed}
}

func (ts *testServer) login(t *testing.T, name, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"name": name, "password": password})
	resp, err := http.Post(ts.srv.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Token
}

func (ts *testServer) dial(t *testing.T, token, resume string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/websocket?token=" + token
	if resume != "" {
		u += "&session=" + resume
	}
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

type frame map[string]any

// readUntil reads frames until match accepts one, failing after a timeout.
func readUntil(t *testing.T, c *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		c.SetReadDeadline(deadline)
		var f frame
		require.NoError(t, c.ReadJSON(&f))
		if match(f) {
			return f
		}
	}
}

func cmdIs(cmd string) func(frame) bool {
	return func(f frame) bool { return f["cmd"] == cmd }
}

func eventText(text string) func(frame) bool {
	return func(f frame) bool { return f["cmd"] == "event" && f["text"] == text }
}

func send(t *testing.T, c *websocket.Conn, cmd map[string]any) {
	t.Helper()
	require.NoError(t, c.WriteJSON(cmd))
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	ts := newTestServer(t)
	u := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/websocket"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(u+"?token=garbage", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	ts := newTestServer(t)
	body := strings.NewReader(`{"name":"Ada","password":"wrong"}`)
	resp, err := http.Post(ts.srv.URL+"/api/v1/auth/login", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocketSessionEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	adaToken := ts.login(t, "Ada", "lovelace")
	graceToken := ts.login(t, "Grace", "hopper")

	ada := ts.dial(t, adaToken, "")
	info := readUntil(t, ada, cmdIs("session"))
	adaSession, _ := info["id"].(string)
	require.NotEmpty(t, adaSession)
	update := readUntil(t, ada, func(f frame) bool { return f["cmd"] == "update" && f["locale"] != nil })
	locale := update["locale"].(map[string]any)
	assert.Equal(t, "Entrance Hall", locale["name"])

	grace := ts.dial(t, graceToken, "")
	readUntil(t, grace, cmdIs("uiprefs"))
	readUntil(t, ada, eventText("Grace has connected."))

	send(t, grace, map[string]any{"cmd": "say", "text": "hello"})
	readUntil(t, grace, eventText("You say, “hello”"))
	readUntil(t, ada, eventText("Grace says, “hello”"))

	send(t, ada, map[string]any{"cmd": "meta", "text": "/history"})
	readUntil(t, ada, func(f frame) bool { return f["cmd"] == "message" && f["text"] == "Grace says, “hello”" })

	send(t, ada, map[string]any{"cmd": "no-such-thing"})
	send(t, ada, map[string]any{"cmd": "meta", "text": "/bogus"})
	readUntil(t, ada, func(f frame) bool { return f["cmd"] == "error" && strings.Contains(f["text"].(string), "/bogus") })

	// Drop Ada's connection and come back on the same session.
	require.NoError(t, ada.Close())
	readUntil(t, grace, eventText("Ada has disconnected."))

	ada = ts.dial(t, adaToken, adaSession)
	info = readUntil(t, ada, cmdIs("session"))
	assert.Equal(t, adaSession, info["id"])
	readUntil(t, grace, eventText("Ada has connected."))

	// Stale session ids fall back to a fresh session.
	other := ts.dial(t, graceToken, "not-a-session")
	info = readUntil(t, other, cmdIs("session"))
	assert.NotEqual(t, "not-a-session", info["id"])
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	ts.dial(t, ts.login(t, "Ada", "lovelace"), "")
	require.Eventually(t, func() bool { return ts.hub.Registry().Count() == 1 }, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(ts.srv.URL + "/health")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 1, health["sessions"])
	assert.EqualValues(t, 1, health["instances"])

	resp, err = http.Get(ts.srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "tworld_sessions_attached 1")
	assert.Contains(t, string(body), "tworld_instances_awake 1")
	assert.Contains(t, string(body), "tworld_instance_sleeps_total 0")
}

func TestMeRequiresToken(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.srv.URL + "/api/v1/me")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+ts.login(t, "Grace", "hopper"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var me map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	assert.Equal(t, "p2", me["player"])
	assert.Equal(t, false, me["online"])
}
