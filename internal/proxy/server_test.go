package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerLifecycle(t *testing.T) {
	backend := echoServer(t)
	px := NewCommandProxy(nil, nil)
	require.NoError(t, px.Attach(&fakeBackend{id: "WEBVIEW_a", session: "s1", base: backend.URL}))

	srv := NewServer(ServerConfig{ListenAddr: "127.0.0.1:0"}, px, nil)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		if srv.IsRunning() {
			_ = srv.Stop(context.Background())
		}
	})

	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatal("server not ready")
	}
	assert.Error(t, srv.Start(context.Background()))

	resp, err := http.Get("http://" + srv.Addr() + "/session/outer/url")
	require.NoError(t, err)
	var got map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, "GET /session/s1/url", got["value"])

	resp, err = http.Get("http://" + srv.Addr() + "/__ctxdriver/traffic")
	require.NoError(t, err)
	var traffic struct {
		Attached string            `json:"attached"`
		Commands []CommandLogEntry `json:"commands"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&traffic))
	resp.Body.Close()
	assert.Equal(t, "WEBVIEW_a", traffic.Attached)
	require.Len(t, traffic.Commands, 1)
	assert.Equal(t, "/session/outer/url", traffic.Commands[0].Path)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	assert.False(t, srv.IsRunning())
	assert.Empty(t, srv.LastError())
}
