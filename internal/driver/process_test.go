//go:build !windows

package driver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "CTXDRIVER_HELPER_BACKEND"

// TestHelperBackend is not a real test. It runs as a fake backend when the
// test binary is re-executed by backendScript.
func TestHelperBackend(t *testing.T) {
	if os.Getenv(helperEnv) == "" {
		return
	}
	mode := os.Getenv(helperEnv)
	if mode == "exit" {
		os.Exit(3)
	}

	port := ""
	for _, a := range os.Args {
		if strings.HasPrefix(a, "--port=") {
			port = strings.TrimPrefix(a, "--port=")
		}
	}
	reply := func(w http.ResponseWriter, v any) {
		_ = json.NewEncoder(w).Encode(map[string]any{"value": v})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"ready": mode != "never-ready"})
	})
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"sessionId": "helper-session"})
	})
	mux.HandleFunc("GET /session/helper-session/url", func(w http.ResponseWriter, r *http.Request) {
		reply(w, "about:blank")
	})
	mux.HandleFunc("DELETE /session/helper-session", func(w http.ResponseWriter, r *http.Request) {
		reply(w, nil)
	})
	mux.HandleFunc("POST /session/helper-session/crash", func(w http.ResponseWriter, r *http.Request) {
		os.Exit(4)
	})

	l, err := net.Listen("tcp", "127.0.0.1:"+port)
	if err != nil {
		os.Exit(2)
	}
	_ = http.Serve(l, mux)
	os.Exit(0)
}

// backendScript writes an executable that re-runs this test binary as a
// fake backend, passing the backend flags after "--".
func backendScript(t *testing.T, mode string) string {
	t.Helper()
	t.Setenv(helperEnv, mode)
	path := filepath.Join(t.TempDir(), "fake-backend")
	script := "#!/bin/sh\nexec \"" + os.Args[0] + "\" -test.run='^TestHelperBackend$' -- \"$@\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func newTestStarter(t *testing.T, mode string) *ProcessStarter {
	return NewProcessStarter(ProcessConfig{
		Executable:      backendScript(t, mode),
		StartTimeout:    10 * time.Second,
		GracefulTimeout: 2 * time.Second,
		PollInterval:    20 * time.Millisecond,
	}, nil)
}

func TestProcessStarterLifecycle(t *testing.T) {
	starter := newTestStarter(t, "ok")
	ctx := context.Background()

	s, err := starter.Start(ctx, StartRequest{ContextID: "WEBVIEW_com.example.app", Port: freePort(t)})
	require.NoError(t, err)

	assert.Equal(t, "helper-session", s.SessionID())
	assert.Equal(t, "WEBVIEW_com.example.app", s.ContextID())
	assert.True(t, s.HasWorkingView(ctx))

	fired := make(chan error, 1)
	s.OnStop(func(err error) { fired <- err })

	require.NoError(t, s.Restart(ctx))
	assert.True(t, s.HasWorkingView(ctx))

	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.HasWorkingView(ctx))
	_, err = s.Command(ctx, http.MethodGet, "/url", nil)
	assert.ErrorIs(t, err, ErrSessionStopped)

	select {
	case err := <-fired:
		t.Fatalf("stop listener fired for intentional stop: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestProcessStarterUnexpectedExit(t *testing.T) {
	starter := newTestStarter(t, "ok")
	ctx := context.Background()

	s, err := starter.Start(ctx, StartRequest{ContextID: "WEBVIEW_a", Port: freePort(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	fired := make(chan error, 1)
	s.OnStop(func(err error) { fired <- err })
	removed := make(chan error, 1)
	unsubscribe := s.OnStop(func(err error) { removed <- err })
	unsubscribe()

	_, _ = s.Command(ctx, http.MethodPost, "/crash", nil)

	select {
	case err := <-fired:
		assert.ErrorIs(t, err, ErrBackendExited)
	case <-time.After(5 * time.Second):
		t.Fatal("stop listener not called")
	}
	assert.Empty(t, removed)
	assert.False(t, s.HasWorkingView(ctx))
}

func TestProcessStarterOnStopAfterExit(t *testing.T) {
	starter := newTestStarter(t, "ok")
	ctx := context.Background()

	s, err := starter.Start(ctx, StartRequest{ContextID: "WEBVIEW_a", Port: freePort(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	_, _ = s.Command(ctx, http.MethodPost, "/crash", nil)
	require.Eventually(t, func() bool {
		_, err := s.Command(ctx, http.MethodGet, "/url", nil)
		return errors.Is(err, ErrSessionStopped)
	}, 5*time.Second, 20*time.Millisecond)

	fired := make(chan error, 1)
	s.OnStop(func(err error) { fired <- err })
	select {
	case err := <-fired:
		assert.ErrorIs(t, err, ErrBackendExited)
	case <-time.After(time.Second):
		t.Fatal("listener registered after the exit was not called")
	}
}

func TestProcessStarterNeverReady(t *testing.T) {
	starter := NewProcessStarter(ProcessConfig{
		Executable:   backendScript(t, "never-ready"),
		StartTimeout: 300 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
	}, nil)

	_, err := starter.Start(context.Background(), StartRequest{ContextID: "WEBVIEW_a", Port: freePort(t)})
	assert.ErrorIs(t, err, ErrBackendNotReady)
}

func TestProcessStarterExitsDuringStartup(t *testing.T) {
	starter := newTestStarter(t, "exit")

	_, err := starter.Start(context.Background(), StartRequest{ContextID: "WEBVIEW_a", Port: freePort(t)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBackendNotReady))
}

func TestProcessStarterMissingExecutable(t *testing.T) {
	starter := NewProcessStarter(ProcessConfig{Executable: filepath.Join(t.TempDir(), "missing")}, nil)
	_, err := starter.Start(context.Background(), StartRequest{ContextID: "WEBVIEW_a", Port: freePort(t)})
	assert.Error(t, err)
}
