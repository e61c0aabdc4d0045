package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/roomcall/internal/call"
	"github.com/petervdpas/roomcall/internal/channel/memory"
	"github.com/petervdpas/roomcall/internal/engine"
	"github.com/petervdpas/roomcall/internal/events"
	"github.com/petervdpas/roomcall/internal/group"
	"github.com/petervdpas/roomcall/internal/history"
	"github.com/petervdpas/roomcall/internal/media/mediatest"
	"github.com/petervdpas/roomcall/internal/transport"
	"github.com/petervdpas/roomcall/internal/transport/transporttest"
)

func newTestServer(t *testing.T, opts Options) (*engine.Engine, *httptest.Server) {
	t.Helper()
	eng, _, ts := startServer(t, opts)
	return eng, ts
}

func startServer(t *testing.T, opts Options) (*engine.Engine, *Server, *httptest.Server) {
	t.Helper()
	eng := engine.New(engine.Options{
		Channel:    memory.NewHub().Join("alice"),
		Transports: &transporttest.Factory{},
		Device:     &mediatest.Device{},
		DeviceID:   "ALICE",
	})
	s := New(eng, opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
		eng.Close()
	})
	return eng, s, ts
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestCallEndpoints(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	resp := do(t, http.MethodPost, ts.URL+"/api/calls", `{"conversation_id":"room"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	c := decode[call.Call](t, resp)
	assert.Equal(t, call.Voice, c.MediaKind)
	assert.Equal(t, call.StateInviteSent, c.State)

	resp = do(t, http.MethodGet, ts.URL+"/api/calls/"+c.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, c.ID, decode[call.Call](t, resp).ID)

	resp = do(t, http.MethodGet, ts.URL+"/api/calls", "")
	assert.Len(t, decode[[]call.Call](t, resp), 1)

	resp = do(t, http.MethodPost, ts.URL+"/api/calls/"+c.ID+"/toggle-audio", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]bool{"audio_enabled": false}, decode[map[string]bool](t, resp))

	resp = do(t, http.MethodPost, ts.URL+"/api/calls/"+c.ID+"/dtmf", `{"tones":"12x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_TONE", decode[map[string]string](t, resp)["code"])

	resp = do(t, http.MethodPost, ts.URL+"/api/calls/"+c.ID+"/recording/stop", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/api/calls/"+c.ID+"/warp", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/api/calls/"+c.ID+"/end", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/api/calls/"+c.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NO_SUCH_CALL", decode[map[string]string](t, resp)["code"])
}

func TestStartCallValidation(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	tests := []struct {
		name   string
		method string
		body   string
		status int
	}{
		{"missing conversation", http.MethodPost, `{"media_kind":"voice"}`, http.StatusBadRequest},
		{"bad media kind", http.MethodPost, `{"conversation_id":"room","media_kind":"hologram"}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, `{`, http.StatusBadRequest},
		{"wrong method", http.MethodDelete, "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, tt.method, ts.URL+"/api/calls", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestGroupEndpoints(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	resp := do(t, http.MethodPost, ts.URL+"/api/groups", `{"conversation_id":"room","media_kind":"voice"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	g := decode[group.GroupCall](t, resp)
	assert.True(t, g.IsOwner)

	resp = do(t, http.MethodPost, ts.URL+"/api/groups/room/join", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, group.StateConnected, decode[group.GroupCall](t, resp).State)

	resp = do(t, http.MethodPost, ts.URL+"/api/groups/room/mute", `{"muted":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/api/groups/room/local", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[group.LocalState](t, resp).Muted)

	resp = do(t, http.MethodPost, ts.URL+"/api/groups/room/participants", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, ts.URL+"/api/groups/room/end", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/api/groups/other", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NO_SUCH_GROUP_CALL", decode[map[string]string](t, resp)["code"])
}

func TestICEEndpoint(t *testing.T) {
	eng, ts := newTestServer(t, Options{})

	resp := do(t, http.MethodPut, ts.URL+"/api/ice", `[{"urls":["turn:turn.example.org"],"username":"u","credential":"p"}]`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]int{"servers": 1}, decode[map[string]int](t, resp))
	assert.Equal(t, []transport.ICEServer{{URLs: []string{"turn:turn.example.org"}, Username: "u", Credential: "p"}}, eng.ICEServers())

	resp = do(t, http.MethodGet, ts.URL+"/api/ice", "")
	assert.Len(t, decode[[]transport.ICEServer](t, resp), 1)
}

func TestHistoryEndpoint(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		_, ts := newTestServer(t, Options{})
		resp := do(t, http.MethodGet, ts.URL+"/api/calls/history", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("records finished calls", func(t *testing.T) {
		db, err := history.Open(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })

		eng, ts := newTestServer(t, Options{History: db})
		db.Attach(eng.Bus())

		c, err := eng.StartCall(context.Background(), "room", call.Video)
		require.NoError(t, err)
		require.NoError(t, eng.EndCall(context.Background(), c.ID))

		resp := do(t, http.MethodGet, ts.URL+"/api/calls/history?limit=5", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		entries := decode[[]history.Entry](t, resp)
		require.Len(t, entries, 1)
		assert.Equal(t, c.ID, entries[0].CallID)
		assert.Equal(t, history.Outgoing, entries[0].Direction)
		assert.Equal(t, "ENDED", entries[0].Outcome)

		resp = do(t, http.MethodPost, ts.URL+"/api/calls/history", "")
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, Options{Metrics: true})
	resp := do(t, http.MethodGet, ts.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")

	_, bare := newTestServer(t, Options{})
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodGet, bare.URL+"/metrics", "").StatusCode)
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var e events.Event
	require.NoError(t, conn.ReadJSON(&e))
	return e
}

func TestEventStream(t *testing.T) {
	eng, s, ts := startServer(t, Options{EventBuffer: 4})

	eng.Bus().Emit(events.Event{Name: events.CallIncoming, CallID: "other"})
	eng.Bus().Emit(events.Event{Name: events.CallIncoming, CallID: "live"})
	require.Eventually(t, func() bool { return s.recent.Len() == 2 }, time.Second, 5*time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/events?call_id=live"), nil)
	require.NoError(t, err)
	defer conn.Close()

	e := readEvent(t, conn)
	assert.Equal(t, events.CallIncoming, e.Name)
	assert.Equal(t, "live", e.CallID)

	eng.Bus().Emit(events.Event{Name: events.CallIncoming, CallID: "other"})
	eng.Bus().Emit(events.Event{Name: events.CallDTMF, CallID: "live"})
	e = readEvent(t, conn)
	assert.Equal(t, events.CallDTMF, e.Name)
	assert.Equal(t, "live", e.CallID)
}

func TestEventStreamReplay(t *testing.T) {
	eng, s, ts := startServer(t, Options{EventBuffer: 4})

	for _, id := range []string{"a", "b", "c"} {
		eng.Bus().Emit(events.Event{Name: events.CallIncoming, CallID: id})
	}
	require.Eventually(t, func() bool { return s.recent.Len() == 3 }, time.Second, 5*time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/api/events?replay=2"), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "b", readEvent(t, conn).CallID)
	assert.Equal(t, "c", readEvent(t, conn).CallID)

	resp := do(t, http.MethodGet, ts.URL+"/api/events?replay=x", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.True(t, bytes.Contains(body, []byte("Invalid replay")))
}
