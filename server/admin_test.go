package server

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
)

func newTestServer(t *testing.T, cfg Config) (*RoomManager, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	codec, err := NewCodec(cfg.Codec)
	require.NoError(t, err)
	rm := NewRoomManager(ctx, cfg, codec, nil)
	mux := http.NewServeMux()
	rm.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return rm, srv
}

func TestAdminConfigGetAndPost(t *testing.T) {
	rm, srv := newTestServer(t, testConfig("match-1"))

	resp, err := http.Post(srv.URL+"/admin/config?room=r1", "application/json",
		strings.NewReader(`{"step":2.5,"perWave":4}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	room, ok := rm.Room("r1")
	require.True(t, ok)
	assert.Equal(t, 2.5, room.Settings().Step)
	assert.Equal(t, 4, room.Settings().Waves.PerWave)

	resp, err = http.Get(srv.URL + "/admin/config?room=r1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got RoomSettings
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, 2.5, got.Step)

	resp, err = http.Post(srv.URL+"/admin/config", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminConfigSmoothing(t *testing.T) {
	rm, srv := newTestServer(t, testConfig("match-1"))

	resp, err := http.Post(srv.URL+"/admin/config?room=r1", "application/json",
		strings.NewReader(`{"smoothingFactor":0.5,"referenceInterval":"50ms"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	room, ok := rm.Room("r1")
	require.True(t, ok)
	assert.Equal(t, Smoothing{Factor: 0.5, ReferenceInterval: 50 * time.Millisecond}, room.Settings().Smoothing)

	for _, body := range []string{`{"smoothingFactor":0}`, `{"smoothingFactor":1.2}`, `{"referenceInterval":"soon"}`, `{"referenceInterval":"-1s"}`} {
		resp, err := http.Post(srv.URL+"/admin/config?room=r1", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
	assert.Equal(t, 0.5, room.Settings().Smoothing.Factor)
}

func TestMetricsEndpoint(t *testing.T) {
	rm, srv := newTestServer(t, testConfig("match-1"))
	rm.GetOrCreateRoom("r1")

	resp, err := http.Get(srv.URL + "/metrics?room=nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Rooms []map[string]any `json:"rooms"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Rooms, 1)
	assert.Equal(t, "r1", body.Rooms[0]["room"])
}

// readEnvelope 读取下一条可解码的下行消息
func readEnvelope(t *testing.T, ws *websocket.Conn, want string) *Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		mt, data, err := ws.ReadMessage()
		require.NoError(t, err)
		codec := Codec(JSONCodec{})
		if mt == websocket.BinaryMessage {
			codec = MsgpackCodec{}
		}
		env, err := DecodeEnvelope(codec, data)
		require.NoError(t, err)
		if env.Type == want {
			return env
		}
	}
}

func TestWebSocketResetReachesClients(t *testing.T) {
	for _, codec := range []string{"json", "msgpack"} {
		t.Run(codec, func(t *testing.T) {
			cfg := testConfig("match-1")
			cfg.Codec = codec
			_, srv := newTestServer(t, cfg)
			url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?room=arena&player=alice"

			ws, _, err := websocket.DefaultDialer.Dial(url, nil)
			require.NoError(t, err)
			defer ws.Close()

			env := readEnvelope(t, ws, MsgSnapshot)
			assert.NotNil(t, env.Snapshot.Wave)

			require.NoError(t, ws.WriteJSON(InputMessage{Type: "reset", SessionID: "match-2"}))
			env = readEnvelope(t, ws, MsgSession)
			assert.Equal(t, "match-2", env.Session.SessionID)

			resp, err := http.Post(srv.URL+"/admin/reset?room=arena", "application/json",
				strings.NewReader(`{"sessionId":"match-3"}`))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusAccepted, resp.StatusCode)
			env = readEnvelope(t, ws, MsgSession)
			assert.Equal(t, "match-3", env.Session.SessionID)
		})
	}
}

func TestHandleWSRequiresPlayer(t *testing.T) {
	_, srv := newTestServer(t, testConfig(""))
	resp, err := http.Get(srv.URL + "/ws?room=r1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunPeerMirrorsUntilCancelled(t *testing.T) {
	cfg := testConfig("match-1")
	_, srv := newTestServer(t, cfg)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?room=arena&player=mirror"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunPeer(ctx, url, cfg, nil) }()

	time.Sleep(300 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("RunPeer did not stop")
	}
}
