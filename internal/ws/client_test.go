package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchgate/internal/config"
	"batchgate/internal/jsonrpc"
	"batchgate/internal/proxy"
)

func echoUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reqs, isBatch, err := jsonrpc.ParseBatchRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out := make([]*jsonrpc.Response, len(reqs))
		for i, req := range reqs {
			out[i] = jsonrpc.NewResponseRaw(req.ID, json.RawMessage(fmt.Sprintf("%q", "echo:"+req.Method)))
		}
		if isBatch {
			_ = json.NewEncoder(w).Encode(out)
			return
		}
		_ = json.NewEncoder(w).Encode(out[0])
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newWSServer(t *testing.T) string {
	t.Helper()
	up := echoUpstream(t)

	cfg := &config.Config{
		RequestTimeout: 2000,
		Batch:          config.BatchConfig{MaxSize: 4, MaxWait: 10, QueueSize: 16},
		Fallback:       config.FallbackConfig{ReadyTimeout: 50},
	}
	group, err := proxy.NewGroup(config.GroupConfig{
		Name:      "verify",
		Upstreams: []config.UpstreamConfig{{Name: "main", RPCURL: up.URL, Role: config.RoleMain}},
	}, cfg, zerolog.Nop())
	require.NoError(t, err)

	router := proxy.NewRouter()
	router.AddGroup(group)

	srv := httptest.NewServer(NewHandler(router, cfg, zerolog.Nop()))
	t.Cleanup(func() {
		srv.Close()
		_ = router.CloseAll(context.Background())
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readResponse(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

func TestClient_SingleAndBatch(t *testing.T) {
	conn := dial(t, newWSServer(t)+"/verify")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"a","id":1}`)))
	assert.JSONEq(t, `{"jsonrpc":"2.0","result":"echo:a","id":1}`, string(readResponse(t, conn)))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`[{"jsonrpc":"2.0","method":"b","id":"x"},{"jsonrpc":"2.0","method":"c","id":2}]`)))
	assert.JSONEq(t, `[{"jsonrpc":"2.0","result":"echo:b","id":"x"},{"jsonrpc":"2.0","result":"echo:c","id":2}]`, string(readResponse(t, conn)))
}

func TestClient_PipelinedRequests(t *testing.T) {
	conn := dial(t, newWSServer(t)+"/verify")

	for i := 0; i < 4; i++ {
		msg := fmt.Sprintf(`{"jsonrpc":"2.0","method":"m","id":%d}`, i)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	}

	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		var resp jsonrpc.Response
		require.NoError(t, json.Unmarshal(readResponse(t, conn), &resp))
		assert.Nil(t, resp.Error)
		seen[resp.ID.Key()] = true
	}
	assert.Len(t, seen, 4)
}

func TestClient_ParseError(t *testing.T) {
	conn := dial(t, newWSServer(t)+"/verify")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{oops`)))
	assert.Contains(t, string(readResponse(t, conn)), `"code":-32700`)
}

func TestHandler_UnknownGroup(t *testing.T) {
	_, resp, err := websocket.DefaultDialer.Dial(newWSServer(t)+"/missing", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClient_SendWaitsWhenQueueIsFull(t *testing.T) {
	c := &Client{
		sendChan:  make(chan []byte, 1),
		closeChan: make(chan struct{}),
		logger:    zerolog.Nop(),
	}
	require.True(t, c.send([]byte("first")))

	sent := make(chan bool, 1)
	go func() { sent <- c.send([]byte("second")) }()
	select {
	case <-sent:
		t.Fatal("send returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, "first", string(<-c.sendChan))
	require.True(t, <-sent)
	assert.Equal(t, "second", string(<-c.sendChan))

	// a closed connection releases a waiting sender
	require.True(t, c.send([]byte("third")))
	go func() { sent <- c.send([]byte("fourth")) }()
	close(c.closeChan)
	assert.False(t, <-sent)
}
