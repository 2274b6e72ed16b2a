package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/standardbeagle/ctxdriver/internal/logging"
	"github.com/standardbeagle/ctxdriver/internal/portguard"
	"github.com/standardbeagle/ctxdriver/internal/proxy"
	"github.com/standardbeagle/ctxdriver/internal/webview"
)

// DefaultLivenessTimeout bounds the health probe of a reused session.
const DefaultLivenessTimeout = 5 * time.Second

// Proxy is the command proxy sessions are attached to.
type Proxy interface {
	Attach(b proxy.Backend) error
	Detach()
}

// PortAllocator hands out free local ports for backend control.
type PortAllocator interface {
	AllocatePort(ctx context.Context, ranges []portguard.Range) (int, error)
}

// MetadataSource looks up cached discovery details for a context.
type MetadataSource interface {
	Metadata(contextID string) (webview.Metadata, bool)
}

// ManagerConfig holds configuration for the Manager.
type ManagerConfig struct {
	// Package forces the engine package for every session.
	Package    string
	AppPackage string
	// DeviceSerial and DeviceSocket are passed to the backend.
	DeviceSerial string
	DeviceSocket string
	// EngineOptions are caller supplied goog:chromeOptions.
	EngineOptions map[string]any
	// RecreateSessions stops every session before a new one starts.
	RecreateSessions bool
	// ControlPorts are searched for backend ports; empty means any free port.
	ControlPorts    []portguard.Range
	LivenessTimeout time.Duration
}

// DefaultManagerConfig returns a ManagerConfig with sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{LivenessTimeout: DefaultLivenessTimeout}
}

type sessionEntry struct {
	session     Session
	unsubscribe func()
}

// Manager owns one backend session per context and decides which one is
// attached to the command proxy.
type Manager struct {
	cfg     ManagerConfig
	starter Starter
	ports   PortAllocator
	proxy   Proxy
	meta    MetadataSource
	log     *zap.Logger

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	attached string
	onStop   func(contextID string, err error)
}

// NewManager creates a Manager. meta may be nil.
func NewManager(cfg ManagerConfig, starter Starter, ports PortAllocator, px Proxy, meta MetadataSource, log *zap.Logger) *Manager {
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = DefaultLivenessTimeout
	}
	return &Manager{
		cfg:      cfg,
		starter:  starter,
		ports:    ports,
		proxy:    px,
		meta:     meta,
		log:      logging.OrNop(log),
		sessions: make(map[string]*sessionEntry),
	}
}

// SetStopHandler sets the callback for sessions that exit on their own. It
// runs on the backend's monitor goroutine.
func (m *Manager) SetStopHandler(fn func(contextID string, err error)) {
	m.mu.Lock()
	m.onStop = fn
	m.mu.Unlock()
}

// Session returns the session for contextID.
func (m *Manager) Session(contextID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[contextID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Contexts returns the ids that currently have a session, sorted.
func (m *Manager) Contexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Attached returns the context whose session serves the proxy, or "".
func (m *Manager) Attached() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attached
}

// ReuseOrCreate returns a healthy session for contextID, restarting an
// unresponsive one or starting a new one. discovered may be nil.
func (m *Manager) ReuseOrCreate(ctx context.Context, contextID string, discovered *webview.ContextDescriptor) (Session, error) {
	log := m.log.With(zap.String("context", contextID))

	if s, ok := m.Session(contextID); ok {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.LivenessTimeout)
		healthy := s.HasWorkingView(probeCtx)
		cancel()
		if healthy {
			log.Debug("reusing backend session", zap.String("session", s.SessionID()))
			return s, nil
		}
		log.Info("backend session has no working view, restarting")
		if err := s.Restart(ctx); err != nil {
			return nil, fmt.Errorf("restart session for %s: %w", contextID, err)
		}
		return s, nil
	}

	if m.cfg.RecreateSessions {
		if err := m.StopAll(ctx); err != nil {
			log.Warn("could not stop every session before recreating", zap.Error(err))
		}
	}

	in := CapabilityInputs{
		ContextID:       contextID,
		ExplicitPackage: m.cfg.Package,
		AppPackage:      m.cfg.AppPackage,
		DeviceSerial:    m.cfg.DeviceSerial,
		DeviceSocket:    m.cfg.DeviceSocket,
		CallerOptions:   m.cfg.EngineOptions,
		Discovered:      discovered,
	}
	if m.meta != nil {
		in.Cached, in.HasCached = m.meta.Metadata(contextID)
	}
	caps, overridden := DeriveCapabilities(in)
	if len(overridden) > 0 {
		log.Warn("engine options replaced by framework values", zap.Strings("keys", overridden))
	}

	port, err := m.ports.AllocatePort(ctx, m.cfg.ControlPorts)
	if err != nil {
		return nil, fmt.Errorf("allocate backend port for %s: %w", contextID, err)
	}

	s, err := m.starter.Start(ctx, StartRequest{ContextID: contextID, Port: port, Capabilities: caps})
	if err != nil {
		return nil, fmt.Errorf("start backend for %s: %w", contextID, err)
	}

	// The entry must exist before handleStop can run for s.
	m.mu.Lock()
	m.sessions[contextID] = &sessionEntry{
		session:     s,
		unsubscribe: s.OnStop(func(err error) { m.handleStop(contextID, s, err) }),
	}
	m.mu.Unlock()
	log.Info("backend session ready", zap.String("session", s.SessionID()), zap.String("package", caps.Package))
	return s, nil
}

func (m *Manager) handleStop(contextID string, s Session, err error) {
	m.mu.Lock()
	e, ok := m.sessions[contextID]
	current := ok && e.session == s
	if current && m.attached == contextID {
		m.attached = ""
		m.proxy.Detach()
	}
	fn := m.onStop
	m.mu.Unlock()

	if !current {
		return
	}
	m.log.Warn("backend session stopped unexpectedly", zap.String("context", contextID), zap.Error(err))
	if fn != nil {
		fn(contextID, err)
	}
}

// Attach makes contextID's session the command proxy target.
func (m *Manager) Attach(contextID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[contextID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, contextID)
	}
	if err := m.proxy.Attach(e.session); err != nil {
		return fmt.Errorf("attach %s: %w", contextID, err)
	}
	m.attached = contextID
	return nil
}

// Suspend detaches the proxy and keeps every session running.
func (m *Manager) Suspend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proxy.Detach()
	m.attached = ""
}

// Forget drops the record for contextID without stopping it.
func (m *Manager) Forget(contextID string) {
	m.mu.Lock()
	e, ok := m.sessions[contextID]
	delete(m.sessions, contextID)
	if m.attached == contextID {
		m.attached = ""
		m.proxy.Detach()
	}
	m.mu.Unlock()
	if ok {
		e.unsubscribe()
	}
}

// StopAll detaches the proxy and stops every session. It keeps going past
// failures and returns them joined.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.proxy.Detach()
	m.attached = ""
	entries := m.sessions
	m.sessions = make(map[string]*sessionEntry)
	m.mu.Unlock()

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		e := entries[id]
		e.unsubscribe()
		if err := e.session.Stop(ctx); err != nil {
			m.log.Warn("failed to stop backend session", zap.String("context", id), zap.Error(err))
			errs = append(errs, fmt.Errorf("stop %s: %w", id, err))
			continue
		}
		m.log.Debug("stopped backend session", zap.String("context", id))
	}
	return errors.Join(errs...)
}
