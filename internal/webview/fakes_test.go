package webview

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/standardbeagle/ctxdriver/internal/device"
	"github.com/standardbeagle/ctxdriver/internal/portguard"
)

const socketHeader = "Num       RefCount Protocol Flags    Type St Inode Path\n"

func socketRow(flags, st, path string) string {
	return "0000000000000000: 00000002 00000000 " + flags + " 0001 " + st + " 12345 " + path + "\n"
}

type fakeBridge struct {
	serial    string
	table     string
	tableErr  error
	processes map[int]string
	states    map[string]device.RunState
}

func (b *fakeBridge) Serial() string { return b.serial }

func (b *fakeBridge) ListOpenUnixSockets(ctx context.Context) (string, error) {
	return b.table, b.tableErr
}

func (b *fakeBridge) ResolveProcessName(ctx context.Context, pid int) (string, error) {
	if name, ok := b.processes[pid]; ok {
		return name, nil
	}
	return "", device.ErrProcessNotFound
}

func (b *fakeBridge) PackageRunState(ctx context.Context, pkg string) (device.RunState, error) {
	if s, ok := b.states[pkg]; ok {
		return s, nil
	}
	return device.NotInstalled, nil
}

func (b *fakeBridge) Forward(ctx context.Context, localPort int, remoteSocket string) error {
	return nil
}

func (b *fakeBridge) RemoveForward(ctx context.Context, localPort int) error {
	return nil
}

// fakeForwarder routes each socket to a test server instead of a device.
type fakeForwarder struct {
	mu      sync.Mutex
	servers map[string]*httptest.Server
	active  int
	calls   int
}

func newFakeForwarder() *fakeForwarder {
	return &fakeForwarder{servers: make(map[string]*httptest.Server)}
}

func (f *fakeForwarder) serve(t *testing.T, socket string, h http.Handler) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	f.mu.Lock()
	f.servers[socket] = srv
	f.mu.Unlock()
}

func (f *fakeForwarder) WithForward(ctx context.Context, remoteSocket string, ranges []portguard.Range, fn func(host string, port int) error) error {
	f.mu.Lock()
	srv, ok := f.servers[remoteSocket]
	f.calls++
	f.active++
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()
	if !ok {
		return portguard.ErrNoFreePort
	}
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		return err
	}
	port, _ := strconv.Atoi(portStr)
	return fn(host, port)
}

func (f *fakeForwarder) activeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// cdpHandler serves fixed /json/version and /json/list payloads.
func cdpHandler(info EngineInfo, pages []Page) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(info)
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(pages)
	})
	return mux
}

// stallHandler never answers until the client gives up.
func stallHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
}
