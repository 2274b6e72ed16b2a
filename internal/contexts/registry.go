// Package contexts tracks the native and web contexts of a device session and
// switches command routing between them.
package contexts

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/ctxdriver/internal/driver"
	"github.com/standardbeagle/ctxdriver/internal/logging"
	"github.com/standardbeagle/ctxdriver/internal/webview"
)

const (
	// NativeContext is the always-present native UI context.
	NativeContext = "NATIVE_APP"
	// DefaultWebview asks SetContext for the configured default webview.
	DefaultWebview = "WEBVIEW"
	// DefaultPollInterval paces DetailedContexts and AutoWebview retries.
	DefaultPollInterval = 200 * time.Millisecond
)

var (
	// ErrNoSuchContext is returned when switching to a context that is not available.
	ErrNoSuchContext = errors.New("no such context")
	// ErrUnknownTransition is returned when neither side of a switch has a backend.
	ErrUnknownTransition = errors.New("unknown context transition")
	// ErrSessionTerminated is returned after the active backend died.
	ErrSessionTerminated = errors.New("session terminated")
	// ErrMissingDefaultWebview is returned when the default webview cannot be named.
	ErrMissingDefaultWebview = errors.New("default webview name unknown")
)

// Kind classifies a context id.
type Kind int

const (
	KindNative Kind = iota
	// KindWebview contexts are served by a backend session.
	KindWebview
	KindNonDriverWeb
)

func (k Kind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindWebview:
		return "webview"
	default:
		return "non-driver-web"
	}
}

// KindOf classifies id.
func KindOf(id string) Kind {
	switch {
	case id == NativeContext:
		return KindNative
	case id == webview.ChromiumContext, strings.HasPrefix(id, webview.WebviewPrefix):
		return KindWebview
	default:
		return KindNonDriverWeb
	}
}

// Discoverer lists the webviews currently on the device.
type Discoverer interface {
	Discover(ctx context.Context) ([]webview.ContextDescriptor, error)
}

// SessionManager owns backend sessions. *driver.Manager implements it.
type SessionManager interface {
	ReuseOrCreate(ctx context.Context, contextID string, discovered *webview.ContextDescriptor) (driver.Session, error)
	Attach(contextID string) error
	Suspend()
	StopAll(ctx context.Context) error
	Forget(contextID string)
	SetStopHandler(fn func(contextID string, err error))
}

// Config holds configuration for the Registry.
type Config struct {
	AppPackage string
	// AutoWebviewName overrides WEBVIEW_<AppPackage> as the default webview.
	AutoWebviewName string
	// RecreateSessions stops every backend when leaving a webview.
	RecreateSessions bool
	PollInterval     time.Duration
	// OnFatal runs once when the active backend dies.
	OnFatal func(err error)
}

// Registry is the context state machine. Switches are serialized.
type Registry struct {
	cfg  Config
	disc Discoverer
	mgr  SessionManager
	log  *zap.Logger

	mu          sync.Mutex
	available   []string
	descriptors map[string]webview.ContextDescriptor
	active      string
	terminated  error
}

// NewRegistry creates a Registry starting in the native context and
// subscribes it to unexpected backend exits.
func NewRegistry(cfg Config, disc Discoverer, mgr SessionManager, log *zap.Logger) *Registry {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	r := &Registry{
		cfg:         cfg,
		disc:        disc,
		mgr:         mgr,
		log:         logging.OrNop(log),
		available:   []string{NativeContext},
		descriptors: make(map[string]webview.ContextDescriptor),
		active:      NativeContext,
	}
	mgr.SetStopHandler(r.handleStop)
	return r
}

// CurrentContext returns the active context id.
func (r *Registry) CurrentContext() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Contexts runs discovery and returns the native context followed by every
// discovered webview.
func (r *Registry) Contexts(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminated != nil {
		return nil, r.terminated
	}
	if _, err := r.discoverLocked(ctx); err != nil {
		return nil, err
	}
	return slices.Clone(r.available), nil
}

// Discover refreshes the available contexts without switching.
func (r *Registry) Discover(ctx context.Context) ([]webview.ContextDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminated != nil {
		return nil, r.terminated
	}
	return r.discoverLocked(ctx)
}

func (r *Registry) discoverLocked(ctx context.Context) ([]webview.ContextDescriptor, error) {
	descs, err := r.disc.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover contexts: %w", err)
	}
	available := make([]string, 0, len(descs)+1)
	available = append(available, NativeContext)
	descriptors := make(map[string]webview.ContextDescriptor, len(descs))
	for _, d := range descs {
		if d.ContextID == "" || d.ContextID == NativeContext {
			continue
		}
		if _, dup := descriptors[d.ContextID]; dup {
			continue
		}
		descriptors[d.ContextID] = d
		available = append(available, d.ContextID)
	}
	r.available = available
	r.descriptors = descriptors
	return descs, nil
}

// DefaultWebviewName resolves the DefaultWebview sentinel.
func (r *Registry) DefaultWebviewName() (string, error) {
	if r.cfg.AutoWebviewName != "" {
		return r.cfg.AutoWebviewName, nil
	}
	if r.cfg.AppPackage != "" {
		return webview.WebviewPrefix + r.cfg.AppPackage, nil
	}
	return "", ErrMissingDefaultWebview
}

// SetContext switches to name. An empty name selects the native context and
// DefaultWebview selects the default webview. On error the active context
// is unchanged.
func (r *Registry) SetContext(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.terminated != nil {
		return r.terminated
	}

	switch name {
	case "":
		name = NativeContext
	case DefaultWebview:
		resolved, err := r.DefaultWebviewName()
		if err != nil {
			return err
		}
		name = resolved
	}
	if name == r.active {
		return nil
	}

	if _, err := r.discoverLocked(ctx); err != nil {
		return err
	}
	if !slices.Contains(r.available, name) {
		return fmt.Errorf("%w: %s", ErrNoSuchContext, name)
	}

	from := r.active
	log := r.log.With(zap.String("from", from), zap.String("to", name))

	switch {
	case KindOf(name) == KindWebview:
		desc := r.descriptors[name]
		if _, err := r.mgr.ReuseOrCreate(ctx, name, &desc); err != nil {
			return fmt.Errorf("switch to %s: %w", name, err)
		}
		if err := r.mgr.Attach(name); err != nil {
			return fmt.Errorf("switch to %s: %w", name, err)
		}
	case KindOf(from) == KindWebview:
		if r.cfg.RecreateSessions {
			if err := r.mgr.StopAll(ctx); err != nil {
				log.Warn("backend sessions did not stop cleanly", zap.Error(err))
			}
		} else {
			r.mgr.Suspend()
		}
	default:
		return fmt.Errorf("%w: from %s to %s", ErrUnknownTransition, from, name)
	}

	r.active = name
	log.Info("context switched")
	return nil
}

// DetailedContexts runs discovery until at least one webview is found or
// wait elapses, and returns what the last pass saw.
func (r *Registry) DetailedContexts(ctx context.Context, wait time.Duration) ([]webview.ContextDescriptor, error) {
	deadline := time.Now().Add(wait)
	for {
		descs, err := r.Discover(ctx)
		if err != nil {
			return nil, err
		}
		if len(descs) > 0 || !time.Now().Before(deadline) {
			return descs, nil
		}
		if err := sleep(ctx, r.cfg.PollInterval); err != nil {
			return descs, err
		}
	}
}

// AutoWebview keeps trying to switch to the default webview until it
// succeeds or timeout elapses.
func (r *Registry) AutoWebview(ctx context.Context, timeout time.Duration) error {
	name, err := r.DefaultWebviewName()
	if err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for attempt := 1; ; attempt++ {
		err := r.SetContext(ctx, DefaultWebview)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrSessionTerminated) || !time.Now().Before(deadline) {
			return fmt.Errorf("auto webview %s after %d attempts: %w", name, attempt, err)
		}
		r.log.Debug("default webview not ready", zap.Int("attempt", attempt), zap.Error(err))
		if err := sleep(ctx, r.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// Close stops every backend and returns to the native context.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = NativeContext
	return r.mgr.StopAll(ctx)
}

// handleStop reacts to a backend that exited on its own.
func (r *Registry) handleStop(contextID string, cause error) {
	r.mu.Lock()
	if contextID != r.active || r.terminated != nil {
		r.mgr.Forget(contextID)
		r.mu.Unlock()
		r.log.Info("inactive backend session ended", zap.String("context", contextID), zap.Error(cause))
		return
	}

	r.terminated = fmt.Errorf("%w: backend for %s exited: %v", ErrSessionTerminated, contextID, cause)
	fatal := r.terminated
	if err := r.mgr.StopAll(context.Background()); err != nil {
		r.log.Warn("backend sessions did not stop cleanly", zap.Error(err))
	}
	onFatal := r.cfg.OnFatal
	r.mu.Unlock()

	r.log.Error("active backend session ended", zap.String("context", contextID), zap.Error(cause))
	if onFatal != nil {
		onFatal(fatal)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
