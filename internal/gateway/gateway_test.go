package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glancehq/glance/internal/config"
	"github.com/glancehq/glance/internal/types"
)

func testGateway(apiKey string) *Gateway {
	cfg := &config.Config{APIKey: apiKey, FrameQueueMax: 10}
	return New(cfg, nil, nil)
}

func TestAuthenticate(t *testing.T) {
	tests := []struct {
		name    string
		apiKey  string
		url     string
		header  string
		wantErr error
	}{
		{
			name:    "missing token",
			url:     "/ws",
			wantErr: types.ErrAuthRequired,
		},
		{
			name: "any token accepted without configured key",
			url:  "/ws?token=whatever",
		},
		{
			name:   "bearer header accepted without configured key",
			url:    "/ws",
			header: "Bearer sometoken",
		},
		{
			name:   "matching token with configured key",
			apiKey: "super-secret-key-0123",
			url:    "/ws?token=super-secret-key-0123",
		},
		{
			name:    "wrong token with configured key",
			apiKey:  "super-secret-key-0123",
			url:     "/ws?token=wrong",
			wantErr: types.ErrAuthRejected,
		},
		{
			name:    "bearer header wrong token",
			apiKey:  "super-secret-key-0123",
			url:     "/ws",
			header:  "Bearer nope",
			wantErr: types.ErrAuthRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := testGateway(tt.apiKey)
			r := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			err := g.authenticate(r)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestViewportFromQuery(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want types.Viewport
	}{
		{"explicit dimensions", "/ws?width=800&height=600", types.Viewport{Width: 800, Height: 600}},
		{"missing dimensions", "/ws", types.DefaultViewport},
		{"partial dimensions", "/ws?width=800", types.DefaultViewport},
		{"non-numeric", "/ws?width=abc&height=600", types.DefaultViewport},
		{"negative", "/ws?width=-100&height=600", types.DefaultViewport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.url, nil)
			assert.Equal(t, tt.want, viewportFromQuery(r))
		})
	}
}

func TestNewClientIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := newClientID()
		require.NoError(t, err)
		assert.Len(t, id, 32)
		assert.False(t, seen[id], "client ids must not repeat")
		seen[id] = true
	}
}

func TestPeekType(t *testing.T) {
	assert.Equal(t, "navigate", peekType([]byte(`{"type":"navigate","url":"x"}`)))
	assert.Equal(t, "", peekType([]byte(`{broken`)))
	assert.Equal(t, "", peekType([]byte(`{"url":"x"}`)))
}

func TestHealthEndpoint(t *testing.T) {
	g := testGateway("")

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	g.handleHealth(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 0, body.ActiveConnections)
	assert.False(t, body.CircuitBreaker.IsOpen)
	assert.NotZero(t, body.Timestamp)
}

func TestHealthEndpointRejectsPost(t *testing.T) {
	g := testGateway("")
	r := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	g.handleHealth(w, r)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestWSChannelDelivery(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	chReady := make(chan *wsChannel, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		chReady <- newWSChannel(conn)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer client.Close()

	ch := <-chReady
	defer ch.Close()

	require.True(t, ch.IsOpen())
	require.NoError(t, ch.Send(&types.Reply{Type: types.MsgConnected, ClientID: "abc"}))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)

	var reply types.Reply
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Equal(t, types.MsgConnected, reply.Type)
	assert.Equal(t, "abc", reply.ClientID)
}

func TestWSChannelRejectsSendsAfterClose(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	chReady := make(chan *wsChannel, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		chReady <- newWSChannel(conn)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer client.Close()

	ch := <-chReady
	ch.Close()

	assert.False(t, ch.IsOpen())
	assert.ErrorIs(t, ch.Send("anything"), types.ErrChannelClosed)
}
