package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "botrunner/internal/runtime/supervisor"
	logx "botrunner/pkg/logx"
)

const (
	DefaultAddr            = ":5000"
	DefaultReadTimeout     = 15 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	idleTimeout = 2 * time.Minute
)

// Config controls the HTTP server.
//
// Security: without AuthUser/AuthPass the API is open; bind to localhost or
// put it behind a proxy.
type Config struct {
	Addr            string
	AuthUser        string
	AuthPass        string
	CORSOrigins     []string
	Pprof           bool
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

// session is one Start..Stop lifetime of the server.
type session struct {
	sup *rtsup.Supervisor
	// done is nil while serving; Stop sets it and closes it when finished.
	done chan struct{}
	srv  *http.Server
	ln   net.Listener
}

// Server runs the API handler on a TCP listener. A failed bind or an
// unexpected Serve exit is retried with backoff until Stop.
type Server struct {
	log     logx.Logger
	cfg     Config
	handler http.Handler

	mu  sync.Mutex
	cur *session
}

func NewServer(cfg Config, ops Operations, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, log: log, handler: NewHandler(cfg, ops, log)}
}

// Running reports whether Start was called without a matching Stop.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil && s.cur.done == nil
}

// Addr is the bound listen address, empty until serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.cur.ln == nil {
		return ""
	}
	return s.cur.ln.Addr().String()
}

// Start begins serving in the background. It is a no-op when already
// running and waits for a Stop in progress to finish first.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	if c := s.cur; c != nil && c.done != nil {
		done := c.done
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.cur != nil {
		return
	}
	if s.cfg.AuthUser == "" && !isLoopbackAddr(s.cfg.addr()) {
		s.log.Warn("http api has no auth on non-loopback addr", logx.String("addr", s.cfg.addr()))
	}

	c := &session{sup: rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)}
	s.cur = c
	c.sup.GoRestart("http.serve", func(ctx context.Context) error { return s.serve(ctx, c) },
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the server down gracefully within cfg.ShutdownTimeout. If ctx
// ends first, open connections are closed.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cur
	if c == nil {
		s.mu.Unlock()
		return
	}
	first := c.done == nil
	if first {
		c.done = make(chan struct{})
	}
	done, srv := c.done, c.srv
	s.mu.Unlock()

	if first {
		go s.shutdown(c, srv)
	}
	select {
	case <-done:
	case <-ctx.Done():
		c.sup.Cancel()
	}
}

func (s *Server) shutdown(c *session, srv *http.Server) {
	grace := s.cfg.ShutdownTimeout
	if grace <= 0 {
		grace = DefaultShutdownTimeout
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		_ = srv.Shutdown(ctx)
		cancel()
	}
	c.sup.Cancel()
	_ = c.sup.Wait(context.Background())

	s.mu.Lock()
	if s.cur == c {
		s.cur = nil
	}
	s.mu.Unlock()
	close(c.done)
	s.log.Info("http server stopped")
}

// serve binds and serves once. It returns context.Canceled when the session
// is ending so the supervisor does not restart it.
func (s *Server) serve(ctx context.Context, c *session) error {
	addr := s.cfg.addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		s.log.Error("http listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}

	readTimeout := s.cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
		IdleTimeout:       idleTimeout,
	}
	s.mu.Lock()
	stopping := c.done != nil
	if !stopping {
		c.srv, c.ln = srv, ln
	}
	s.mu.Unlock()
	if stopping {
		_ = ln.Close()
		return context.Canceled
	}

	// A forced stop cancels ctx; close the server so Serve returns.
	stopClose := context.AfterFunc(ctx, func() { _ = srv.Close() })
	defer stopClose()

	s.log.Info("http server started", logx.String("addr", ln.Addr().String()),
		logx.Bool("auth", s.cfg.AuthUser != ""), logx.Bool("pprof", s.cfg.Pprof))
	err = srv.Serve(ln)

	s.mu.Lock()
	stopping = c.done != nil
	if c.srv == srv {
		c.srv, c.ln = nil, nil
	}
	s.mu.Unlock()

	switch {
	case stopping || ctx.Err() != nil:
		return context.Canceled
	case err == nil || errors.Is(err, http.ErrServerClosed):
		return errors.New("http server exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
