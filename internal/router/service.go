package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/danmuck/procgraph/internal/observability"
	"github.com/danmuck/procgraph/internal/transport/wsconn"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Service runs the router listeners around one Server.
type Service struct {
	cfg    ServiceConfig
	server *Server

	connsMu sync.Mutex
	conns   map[*Conn]struct{}

	clientCount atomic.Int64
}

// Router service constructor using default configuration.
func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

// Router service constructor using explicit configuration. Static edges are
// installed immediately.
func NewServiceWithConfig(cfg ServiceConfig) *Service {
	cfg = cfg.normalized()
	observability.RegisterMetrics()
	svc := &Service{
		cfg:    cfg,
		server: NewServer(log.Logger),
		conns:  make(map[*Conn]struct{}),
	}
	svc.server.InstallStatic(cfg.StaticEdges, cfg.StaticPolicies)
	return svc
}

func (s *Service) Server() *Server       { return s.server }
func (s *Service) Config() ServiceConfig { return s.cfg }

// Router runtime entrypoint that blocks until signal shutdown.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext serves every configured listener until ctx ends or one of them
// fails.
func (s *Service) RunContext(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	log.Info().
		Str("network", s.cfg.ListenNetwork).
		Str("addr", ln.Addr().String()).
		Msg("router listening")

	var wl net.Listener
	if addr := strings.TrimSpace(s.cfg.WebsocketAddr); addr != "" {
		wl, err = wsconn.Listen(addr, s.cfg.WebsocketPath)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("websocket listen: %w", err)
		}
		log.Info().Str("addr", wl.Addr().String()).Str("path", s.cfg.WebsocketPath).Msg("router websocket listening")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Serve(ctx, ln)
	})
	if wl != nil {
		g.Go(func() error {
			return s.Serve(ctx, wl)
		})
	}
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		g.Go(func() error {
			return s.serveAdmin(ctx, addr)
		})
	}
	return g.Wait()
}

func (s *Service) listen() (net.Listener, error) {
	switch s.cfg.ListenNetwork {
	case "tcp", "tcp4", "tcp6":
		return net.Listen(s.cfg.ListenNetwork, s.cfg.ListenAddr)
	case "unix":
		if err := os.Remove(s.cfg.ListenAddr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		return net.Listen("unix", s.cfg.ListenAddr)
	default:
		return nil, fmt.Errorf("router: unsupported listen network %q", s.cfg.ListenNetwork)
	}
}

// Serve is the accept loop for one listener. It returns nil once ctx ends,
// after closing every connection it accepted.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		c := newConn(nc, s.server, s.cfg)
		s.trackConn(c)
		go s.handleConn(c)
	}
}

func (s *Service) handleConn(c *Conn) {
	defer s.untrackConn(c)
	active := s.clientCount.Add(1)
	c.logger.Info().Int64("active_clients", active).Msg("client connected")
	defer func() {
		remaining := s.clientCount.Add(-1)
		c.logger.Info().Int64("active_clients", remaining).Msg("client disconnected")
	}()
	c.run()
}

// ActiveClients returns the number of live connection goroutines.
func (s *Service) ActiveClients() int64 {
	return s.clientCount.Load()
}

func (s *Service) trackConn(c *Conn) {
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Service) untrackConn(c *Conn) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
