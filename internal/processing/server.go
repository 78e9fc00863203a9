package processing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/distributed-scraper/internal/scrape"
	"github.com/JakeFAU/distributed-scraper/internal/wire"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("processing server closed")

// DefaultConnDeadline bounds one connection from accept to reply.
const DefaultConnDeadline = 95 * time.Second

// ServerConfig tunes connection handling.
type ServerConfig struct {
	ConnDeadline time.Duration
	Wire         wire.Options
}

// Server accepts one request per connection and replies with the composite
// result. Connections are handled concurrently; each is processed to
// completion before it is closed.
type Server struct {
	coord  *Coordinator
	cfg    ServerConfig
	logger *zap.Logger

	base       context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	active   map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer builds a Server around coord.
func NewServer(coord *Coordinator, cfg ServerConfig, logger *zap.Logger) *Server {
	if cfg.ConnDeadline <= 0 {
		cfg.ConnDeadline = DefaultConnDeadline
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Server{
		coord:      coord,
		cfg:        cfg,
		logger:     logger.Named("processing_server"),
		base:       base,
		cancelBase: cancel,
		active:     make(map[net.Conn]struct{}),
	}
}

// Serve runs the accept loop on ln until Shutdown. It always returns a
// non-nil error; ErrServerClosed after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("processing server listening", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Warn("accept timeout", zap.Error(err))
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(conn) {
			_ = conn.Close()
			return ErrServerClosed
		}
		go s.handle(conn)
	}
}

// Shutdown stops accepting connections and waits for in-flight ones. When
// ctx ends first, remaining work is cancelled and its connections closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancelBase()
		return nil
	case <-ctx.Done():
		s.cancelBase()
		s.mu.Lock()
		for conn := range s.active {
			_ = conn.Close()
		}
		s.mu.Unlock()
		<-done
		return fmt.Errorf("drain connections: %w", ctx.Err())
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.active[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.active, conn)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) handle(conn net.Conn) {
	defer s.untrack(conn)
	defer func() { _ = conn.Close() }()

	remote := conn.RemoteAddr().String()
	logger := s.logger.With(zap.String("remote", remote))
	logger.Debug("connection accepted")

	deadline := time.Now().Add(s.cfg.ConnDeadline)
	_ = conn.SetDeadline(deadline)
	ctx, cancel := context.WithDeadline(s.base, deadline)
	defer cancel()

	var req Request
	if err := wire.Receive(conn, &req, s.cfg.Wire); err != nil {
		logger.Warn("receive request failed", zap.Error(err))
		s.reply(logger, conn, scrape.NewErrorReply(err.Error()))
		return
	}

	result, err := s.coord.Handle(ctx, req)
	if err != nil {
		logger.Warn("request rejected", zap.Error(err))
		s.reply(logger, conn, scrape.NewErrorReply(err.Error()))
		return
	}
	s.reply(logger, conn, result)
}

func (s *Server) reply(logger *zap.Logger, conn net.Conn, v any) {
	if err := wire.Send(conn, v, s.cfg.Wire); err != nil {
		logger.Warn("send reply failed", zap.Error(err))
		return
	}
	logger.Debug("reply sent")
}
