// Package driver starts and tracks the browser automation backends that serve
// commands for webview contexts.
package driver

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrBackendNotReady is returned when a backend does not report ready in time.
	ErrBackendNotReady = errors.New("backend not ready")
	// ErrBackendExited is delivered to stop listeners when a backend dies on its own.
	ErrBackendExited = errors.New("backend exited unexpectedly")
	// ErrNoSession is returned for contexts without a backend session.
	ErrNoSession = errors.New("no backend session for context")
	// ErrSessionStopped is returned when a stopped session is used.
	ErrSessionStopped = errors.New("backend session stopped")
)

// Session is one running backend bound to one context.
type Session interface {
	ContextID() string
	SessionID() string
	// BaseURL is the backend's HTTP root, e.g. http://127.0.0.1:9515.
	BaseURL() string
	// Command sends method endpoint relative to the session and returns the
	// W3C "value" member of the response.
	Command(ctx context.Context, method, endpoint string, body any) (json.RawMessage, error)
	// HasWorkingView reports whether the backend can still reach its page.
	HasWorkingView(ctx context.Context) bool
	Restart(ctx context.Context) error
	Stop(ctx context.Context) error
	// OnStop registers fn to run when the backend exits without Stop being
	// called. If it already exited that way, fn runs at once on its own
	// goroutine. The returned func removes the listener.
	OnStop(fn func(err error)) (unsubscribe func())
}

// StartRequest is everything a Starter needs for one backend.
type StartRequest struct {
	ContextID    string
	Port         int
	Capabilities Capabilities
}

// Starter launches a backend and waits until it accepts commands.
type Starter interface {
	Start(ctx context.Context, req StartRequest) (Session, error)
}
