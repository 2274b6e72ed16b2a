package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapio"

	"github.com/standardbeagle/ctxdriver/internal/logging"
)

// ProcessConfig configures backend executables.
type ProcessConfig struct {
	// Executable is the backend binary (chromedriver by default).
	Executable string
	// Args are appended after --port.
	Args []string
	// Host is where the backend listens.
	Host string
	// StartTimeout bounds the wait for /status to report ready.
	StartTimeout time.Duration
	// GracefulTimeout is how long Stop waits after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration
	// PollInterval is the readiness polling period.
	PollInterval time.Duration
}

// DefaultProcessConfig returns a ProcessConfig with sensible defaults.
func DefaultProcessConfig() ProcessConfig {
	return ProcessConfig{
		Executable:      "chromedriver",
		Host:            "127.0.0.1",
		StartTimeout:    20 * time.Second,
		GracefulTimeout: 5 * time.Second,
		PollInterval:    100 * time.Millisecond,
	}
}

// ProcessStarter runs each backend as a child process in its own process
// group.
type ProcessStarter struct {
	cfg ProcessConfig
	log *zap.Logger
}

// NewProcessStarter creates a ProcessStarter. Zero config fields take their
// defaults.
func NewProcessStarter(cfg ProcessConfig, log *zap.Logger) *ProcessStarter {
	def := DefaultProcessConfig()
	if cfg.Executable == "" {
		cfg.Executable = def.Executable
	}
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = def.StartTimeout
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = def.GracefulTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &ProcessStarter{cfg: cfg, log: logging.OrNop(log)}
}

// Start launches a backend for req and creates its W3C session.
func (p *ProcessStarter) Start(ctx context.Context, req StartRequest) (Session, error) {
	base := "http://" + net.JoinHostPort(p.cfg.Host, strconv.Itoa(req.Port))
	s := &processSession{
		cfg:       p.cfg,
		req:       req,
		client:    NewClient(base, nil),
		listeners: make(map[uint64]func(error)),
		log: p.log.With(
			zap.String("context", req.ContextID),
			zap.Int("port", req.Port),
		),
	}
	if err := s.launch(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// processSession is a Session backed by a child process.
type processSession struct {
	cfg    ProcessConfig
	req    StartRequest
	client *Client
	log    *zap.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	done      chan struct{}
	sessionID string
	// halted is the last process we signalled on purpose.
	halted    *exec.Cmd
	stopped   bool
	exitErr   error
	nextID    uint64
	listeners map[uint64]func(error)
}

func (s *processSession) ContextID() string { return s.req.ContextID }

func (s *processSession) BaseURL() string { return s.client.Base() }

func (s *processSession) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// launch starts the process, waits for readiness and creates the session.
func (s *processSession) launch(ctx context.Context) error {
	args := append([]string{"--port=" + strconv.Itoa(s.req.Port)}, s.cfg.Args...)
	cmd := exec.Command(s.cfg.Executable, args...)
	cmd.Env = os.Environ()
	setProcAttr(cmd)
	out := &zapio.Writer{Log: s.log.Named("backend"), Level: zap.DebugLevel}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.cfg.Executable, err)
	}
	done := make(chan struct{})

	s.mu.Lock()
	s.cmd = cmd
	s.done = done
	s.sessionID = ""
	s.stopped = false
	s.exitErr = nil
	s.mu.Unlock()

	go s.monitor(cmd, done, out)
	s.log.Info("backend started", zap.Int("pid", cmd.Process.Pid))

	if err := s.waitReady(ctx, done); err != nil {
		s.kill(cmd, done)
		return err
	}

	id, err := s.client.NewSession(ctx, s.req.Capabilities.EngineOptions)
	if err != nil {
		s.kill(cmd, done)
		return fmt.Errorf("create backend session: %w", err)
	}
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
	s.log.Info("backend session created", zap.String("session", id))
	return nil
}

func (s *processSession) waitReady(ctx context.Context, done <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		reqCtx, reqCancel := context.WithTimeout(ctx, time.Second)
		ready, err := s.client.Ready(reqCtx)
		reqCancel()
		if err == nil && ready {
			return nil
		}
		select {
		case <-done:
			return fmt.Errorf("%w: %s exited during startup", ErrBackendNotReady, s.cfg.Executable)
		case <-ctx.Done():
			return fmt.Errorf("%w: no ready status within %s", ErrBackendNotReady, s.cfg.StartTimeout)
		case <-ticker.C:
		}
	}
}

// monitor waits for cmd and notifies listeners unless the exit was requested.
func (s *processSession) monitor(cmd *exec.Cmd, done chan struct{}, out *zapio.Writer) {
	err := cmd.Wait()
	_ = out.Close()
	close(done)

	exitErr := fmt.Errorf("%w: %s", ErrBackendExited, exitStatus(err))

	s.mu.Lock()
	intentional := s.halted == cmd || s.cmd != cmd
	var fns []func(error)
	if !intentional {
		s.stopped = true
		s.exitErr = exitErr
		for _, fn := range s.listeners {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	if intentional {
		return
	}
	s.log.Warn("backend exited", zap.Error(exitErr))
	for _, fn := range fns {
		fn(exitErr)
	}
}

func exitStatus(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

func (s *processSession) Command(ctx context.Context, method, endpoint string, body any) (json.RawMessage, error) {
	s.mu.Lock()
	id, stopped := s.sessionID, s.stopped
	s.mu.Unlock()
	if stopped || id == "" {
		return nil, fmt.Errorf("%w: %s", ErrSessionStopped, s.req.ContextID)
	}
	return s.client.Do(ctx, method, "/session/"+id+endpoint, body)
}

func (s *processSession) HasWorkingView(ctx context.Context) bool {
	_, err := s.Command(ctx, http.MethodGet, "/url", nil)
	if err != nil {
		s.log.Debug("liveness probe failed", zap.Error(err))
		return false
	}
	return true
}

func (s *processSession) Restart(ctx context.Context) error {
	s.log.Info("restarting backend")
	if err := s.halt(ctx); err != nil {
		return fmt.Errorf("stop for restart: %w", err)
	}
	if err := s.launch(ctx); err != nil {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		return fmt.Errorf("start after restart: %w", err)
	}
	return nil
}

func (s *processSession) Stop(ctx context.Context) error {
	if err := s.halt(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.log.Info("backend stopped")
	return nil
}

// halt ends the W3C session and the process without notifying listeners.
func (s *processSession) halt(ctx context.Context) error {
	s.mu.Lock()
	cmd, done, id := s.cmd, s.done, s.sessionID
	s.halted = cmd
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}

	if id != "" {
		delCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := s.client.DeleteSession(delCtx, id); err != nil {
			s.log.Debug("delete session failed", zap.Error(err))
		}
		cancel()
	}

	_ = signalGroup(cmd.Process.Pid, sigTerm)
	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.GracefulTimeout):
	case <-ctx.Done():
	}
	return s.kill(cmd, done)
}

func (s *processSession) kill(cmd *exec.Cmd, done <-chan struct{}) error {
	s.mu.Lock()
	s.halted = cmd
	s.mu.Unlock()
	if err := signalGroup(cmd.Process.Pid, sigKill); err != nil {
		select {
		case <-done:
			return nil
		default:
		}
		return fmt.Errorf("kill backend %d: %w", cmd.Process.Pid, err)
	}
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
	}
	return nil
}

func (s *processSession) OnStop(fn func(err error)) func() {
	s.mu.Lock()
	if s.exitErr != nil {
		exitErr := s.exitErr
		s.mu.Unlock()
		go fn(exitErr)
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}
