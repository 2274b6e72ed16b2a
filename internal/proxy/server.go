package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/standardbeagle/ctxdriver/internal/logging"
)

// DefaultListenAddr is where the command proxy listens by default.
const DefaultListenAddr = "127.0.0.1:4723"

// ServerConfig holds configuration for the proxy server.
type ServerConfig struct {
	ListenAddr string
}

// Server exposes a CommandProxy over HTTP.
type Server struct {
	proxy      *CommandProxy
	listenAddr string
	httpServer *http.Server
	running    atomic.Bool
	mu         sync.Mutex
	cancelFunc context.CancelFunc
	lastError  atomic.Value // string
	log        *zap.Logger

	// closed once the listener is bound
	ready     chan struct{}
	readyOnce sync.Once
}

// NewServer creates a Server for px.
func NewServer(cfg ServerConfig, px *CommandProxy, log *zap.Logger) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	return &Server{
		proxy:      px,
		listenAddr: cfg.ListenAddr,
		log:        logging.OrNop(log),
		ready:      make(chan struct{}),
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return fmt.Errorf("proxy server already running")
	}

	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}
	s.listenAddr = listener.Addr().String()

	ctx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel

	mux := http.NewServeMux()
	mux.HandleFunc("GET /__ctxdriver/traffic", s.handleTraffic)
	mux.Handle("/", s.proxy)

	s.httpServer = &http.Server{
		Addr:    s.listenAddr,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	s.running.Store(true)
	s.readyOnce.Do(func() { close(s.ready) })

	go s.serve(listener)
	s.log.Info("command proxy listening", zap.String("addr", s.listenAddr))
	return nil
}

func (s *Server) serve(listener net.Listener) {
	err := s.httpServer.Serve(listener)
	s.running.Store(false)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.lastError.Store(err.Error())
		s.log.Error("command proxy stopped", zap.Error(err))
	}
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return fmt.Errorf("proxy server not running")
	}
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	err := s.httpServer.Shutdown(ctx)
	s.running.Store(false)
	return err
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenAddr
}

// Ready is closed when the server accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// IsRunning returns true if the server is serving.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// LastError returns the error that stopped the server, if any.
func (s *Server) LastError() string {
	v, _ := s.lastError.Load().(string)
	return v
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	attached := ""
	if b, ok := s.proxy.Backend(); ok {
		attached = b.ContextID()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"attached": attached,
		"stats":    s.proxy.Traffic().Stats(),
		"commands": s.proxy.Traffic().Recent(),
	})
}
