// Package proxy forwards automation commands to the backend session of the
// active web context.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/ctxdriver/internal/logging"
)

// ErrNotAttached is returned when no backend serves commands.
var ErrNotAttached = errors.New("no backend attached")

// Backend is a running automation backend session.
type Backend interface {
	ContextID() string
	SessionID() string
	BaseURL() string
	Command(ctx context.Context, method, endpoint string, body any) (json.RawMessage, error)
}

// CommandProxy routes commands to at most one attached Backend.
type CommandProxy struct {
	mu      sync.RWMutex
	backend Backend
	rp      *httputil.ReverseProxy

	traffic    *TrafficLogger
	requestSeq atomic.Int64
	log        *zap.Logger
}

// NewCommandProxy creates a detached CommandProxy. traffic may be nil.
func NewCommandProxy(traffic *TrafficLogger, log *zap.Logger) *CommandProxy {
	if traffic == nil {
		traffic = NewTrafficLogger(DefaultTrafficSize)
	}
	return &CommandProxy{traffic: traffic, log: logging.OrNop(log)}
}

// Attach makes b the command target, replacing any previous backend.
func (p *CommandProxy) Attach(b Backend) error {
	target, err := url.Parse(b.BaseURL())
	if err != nil {
		return fmt.Errorf("invalid backend URL: %w", err)
	}
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = rewriteSessionPath(pr.In.URL.Path, b.SessionID())
			pr.Out.URL.RawPath = ""
		},
		ErrorHandler: p.errorHandler,
	}

	p.mu.Lock()
	prev := p.backend
	p.backend = b
	p.rp = rp
	p.mu.Unlock()

	if prev != nil && prev.ContextID() != b.ContextID() {
		p.log.Debug("proxy target replaced", zap.String("from", prev.ContextID()), zap.String("to", b.ContextID()))
	}
	p.log.Info("proxy attached", zap.String("context", b.ContextID()), zap.String("backend", b.BaseURL()))
	return nil
}

// Detach stops routing commands. It is a no-op when nothing is attached.
func (p *CommandProxy) Detach() {
	p.mu.Lock()
	prev := p.backend
	p.backend = nil
	p.rp = nil
	p.mu.Unlock()
	if prev != nil {
		p.log.Info("proxy detached", zap.String("context", prev.ContextID()))
	}
}

// Backend returns the attached backend.
func (p *CommandProxy) Backend() (Backend, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.backend, p.backend != nil
}

// Traffic returns the command log.
func (p *CommandProxy) Traffic() *TrafficLogger {
	return p.traffic
}

// Command sends one command to the attached backend.
func (p *CommandProxy) Command(ctx context.Context, method, endpoint string, body any) (json.RawMessage, error) {
	b, ok := p.Backend()
	if !ok {
		return nil, ErrNotAttached
	}
	start := time.Now()
	out, err := b.Command(ctx, method, endpoint, body)
	entry := CommandLogEntry{
		ID:         p.nextID(),
		Timestamp:  start,
		Context:    b.ContextID(),
		Method:     method,
		Path:       endpoint,
		StatusCode: http.StatusOK,
		Duration:   time.Since(start),
	}
	if err != nil {
		entry.StatusCode = 0
		entry.Error = err.Error()
	}
	p.traffic.Log(entry)
	return out, err
}

// ServeHTTP forwards a WebDriver request to the attached backend, replacing
// the session id in the path with the backend's own.
func (p *CommandProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.RLock()
	b, rp := p.backend, p.rp
	p.mu.RUnlock()

	if b == nil {
		writeError(w, http.StatusNotFound, "no such window", ErrNotAttached.Error())
		return
	}

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	rp.ServeHTTP(rec, r)

	p.traffic.Log(CommandLogEntry{
		ID:         p.nextID(),
		Timestamp:  start,
		Context:    b.ContextID(),
		Method:     r.Method,
		Path:       r.URL.Path,
		StatusCode: rec.status,
		Duration:   time.Since(start),
	})
}

func (p *CommandProxy) nextID() string {
	return fmt.Sprintf("cmd-%d", p.requestSeq.Add(1))
}

func (p *CommandProxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	p.log.Warn("backend request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err))

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		msg = "cannot connect to backend; it may have exited"
	case errors.Is(err, context.Canceled):
		msg = "request canceled"
	}
	writeError(w, http.StatusBadGateway, "unknown error", msg)
}

// rewriteSessionPath swaps the session id segment of /session/<id>/... for sid.
func rewriteSessionPath(path, sid string) string {
	const prefix = "/session/"
	if sid == "" || !strings.HasPrefix(path, prefix) {
		return path
	}
	rest := path[len(prefix):]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return prefix + sid + rest[i:]
	}
	return prefix + sid
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"value": map[string]string{"error": code, "message": message},
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
