package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixelwar/auth"
	"pixelwar/canvas"
	"pixelwar/hub"
	"pixelwar/ledger"
	"pixelwar/metrics"
	"pixelwar/pipeline"
)

type testEnv struct {
	srv    *httptest.Server
	store  *canvas.Store
	ledger *ledger.Memory
	hub    *hub.Hub
}

func newTestEnv(t *testing.T, grants ...ledger.Grant) *testEnv {
	t.Helper()
	return newTestEnvWith(t, canvas.NewFilePersister(filepath.Join(t.TempDir(), "canvas.json")), grants...)
}

func newTestEnvWith(t *testing.T, persister canvas.Persister, grants ...ledger.Grant) *testEnv {
	t.Helper()
	palette := canvas.Palette{Colors: []string{"#FFFFFF", "#000000"}}
	store := canvas.NewStore(4, 4, palette, persister, nil)
	require.NoError(t, store.Load(context.Background()))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	mem := ledger.NewMemory(grants...)
	v := auth.NewValidator(mem, &auth.Settings{LedgerTimeout: time.Second, OnLedgerCall: m.LedgerCall}, nil)
	h := hub.New(store, nil, m, nil)
	p := pipeline.New(store, v, h, nil, m, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	srv := httptest.NewServer(New(store, h, p, v, reg, nil, nil).Router())
	t.Cleanup(func() {
		cancel()
		srv.Close()
		store.Close()
	})
	return &testEnv{srv: srv, store: store, ledger: mem, hub: h}
}

type message struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	SessionKey string          `json:"sessionKey"`
	Remaining  *uint64         `json:"remaining"`
	Width      int             `json:"width"`
	Height     int             `json:"height"`
	Palette    []string        `json:"palette"`
	Reason     string          `json:"reason"`
	Message    string          `json:"message"`
}

func (e *testEnv) dial(t *testing.T, identity string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	if identity != "" {
		url += "?publicKey=" + identity
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func update(x, y, color int, key string) map[string]any {
	return map[string]any{
		"type":       "update",
		"data":       map[string]int{"x": x, "y": y, "color": color},
		"sessionKey": key,
	}
}

func TestConnectReceivesInitWithKnownCredential(t *testing.T) {
	env := newTestEnv(t, ledger.Grant{Owner: "A", Credential: "K1", Remaining: 3})
	env.store.Set(1, 2, 1)

	first := read(t, env.dial(t, "A"))
	assert.Equal(t, "init", first.Type)
	assert.Equal(t, "K1", first.SessionKey)
	assert.Equal(t, 4, first.Width)
	assert.Equal(t, 4, first.Height)
	assert.Equal(t, []string{"#FFFFFF", "#000000"}, first.Palette)

	var snap canvas.Snapshot
	require.NoError(t, json.Unmarshal(first.Data, &snap))
	assert.Equal(t, uint8(1), snap[1][2])

	anon := read(t, env.dial(t, ""))
	assert.Equal(t, "init", anon.Type)
	assert.Empty(t, anon.SessionKey)
}

func TestWriteIsAckedAndBroadcast(t *testing.T) {
	env := newTestEnv(t, ledger.Grant{Owner: "A", Credential: "K1", Remaining: 2})
	writer := env.dial(t, "A")
	watcher := env.dial(t, "")
	read(t, writer)
	read(t, watcher)

	send(t, writer, update(1, 1, 1, "K1"))

	got := map[string]message{}
	for i := 0; i < 2; i++ {
		msg := read(t, writer)
		got[msg.Type] = msg
	}
	require.Contains(t, got, "ack")
	require.Contains(t, got, "update")
	assert.JSONEq(t, `{"x":1,"y":1,"color":1}`, string(got["ack"].Data))

	msg := read(t, watcher)
	assert.Equal(t, "update", msg.Type)
	assert.JSONEq(t, `{"x":1,"y":1,"color":1}`, string(msg.Data))
	assert.Equal(t, uint8(1), env.store.Get(1, 1))
}

func TestDeniedWriteGetsReason(t *testing.T) {
	env := newTestEnv(t, ledger.Grant{Owner: "A", Credential: "K1", Remaining: 1})
	writer := env.dial(t, "A")
	read(t, writer)

	send(t, writer, update(9, 9, 1, "K1"))
	msg := read(t, writer)
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, string(auth.InvalidRequest), msg.Reason)

	send(t, writer, update(0, 0, 1, "K2"))
	msg = read(t, writer)
	assert.Equal(t, string(auth.CredentialMismatch), msg.Reason)

	anon := env.dial(t, "")
	read(t, anon)
	send(t, anon, update(0, 0, 1, "K1"))
	msg = read(t, anon)
	assert.Equal(t, string(auth.NotConnected), msg.Reason)

	assert.Equal(t, uint8(0), env.store.Get(0, 0))
	assert.Equal(t, uint64(0), env.ledger.Spent("A"))
}

func TestSyncSession(t *testing.T) {
	env := newTestEnv(t,
		ledger.Grant{Owner: "A", Credential: "K1", Remaining: 7},
		ledger.Grant{Owner: "B", Credential: "K1", Remaining: 7},
	)

	a := env.dial(t, "A")
	read(t, a)
	send(t, a, map[string]string{"type": "sync_session", "sessionKey": "K1"})
	msg := read(t, a)
	assert.Equal(t, "session_synced", msg.Type)
	assert.Equal(t, "K1", msg.SessionKey)
	require.NotNil(t, msg.Remaining)
	assert.Equal(t, uint64(7), *msg.Remaining)

	b := env.dial(t, "B")
	read(t, b)
	send(t, b, map[string]string{"type": "sync_session", "sessionKey": "K2"})
	msg = read(t, b)
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, string(auth.CredentialMismatch), msg.Reason)
}

func TestPingAndUnknownMessages(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "")
	read(t, conn)

	send(t, conn, map[string]string{"type": "ping"})
	assert.Equal(t, "pong", read(t, conn).Type)

	send(t, conn, map[string]string{"type": "teleport"})
	msg := read(t, conn)
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, string(auth.InvalidRequest), msg.Reason)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg = read(t, conn)
	assert.Equal(t, string(auth.InvalidRequest), msg.Reason)
}

func TestDisconnectUnregisters(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "")
	read(t, conn)
	assert.Eventually(t, func() bool { return env.hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return env.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHTTPEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.store.Set(3, 0, 1)

	resp, err := http.Get(env.srv.URL + "/api/canvas")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Width int             `json:"width"`
		Data  canvas.Snapshot `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 4, body.Width)
	assert.Equal(t, uint8(1), body.Data[3][0])

	resp, err = http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(env.srv.URL+"/api/canvas", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHistoryEndpoint(t *testing.T) {
	bolt, err := canvas.OpenBoltPersister(filepath.Join(t.TempDir(), "canvas.db"))
	require.NoError(t, err)
	env := newTestEnvWith(t, bolt, ledger.Grant{Owner: "A", Credential: "K1", Remaining: 5})
	writer := env.dial(t, "A")
	read(t, writer)

	for x := 0; x < 3; x++ {
		send(t, writer, update(x, 0, 1, "K1"))
		for i := 0; i < 2; i++ {
			read(t, writer)
		}
	}

	get := func(query string) (int, []map[string]any) {
		resp, err := http.Get(env.srv.URL + "/api/history" + query)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body []map[string]any
		if resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		}
		return resp.StatusCode, body
	}

	status, all := get("")
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, all, 3)
	assert.Equal(t, map[string]any{"x": 0.0, "y": 0.0, "color": 1.0, "origin": "A"}, all[0])

	status, recent := get("?limit=2")
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, recent, 2)
	assert.Equal(t, 1.0, recent[0]["x"])
	assert.Equal(t, 2.0, recent[1]["x"])

	status, _ = get("?limit=0")
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = get("?limit=many")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHistoryEndpointWithoutHistory(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/api/history")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
