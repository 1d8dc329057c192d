package websocket

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/relay/internal/util"
)

// ServerConfig configures the listener and the connections it accepts.
type ServerConfig struct {
	Addr             string
	HandshakeTimeout time.Duration
	Conn             Options
}

// Server accepts raw TCP connections, upgrades them and hands each Conn to
// its Handler.
type Server struct {
	cfg     ServerConfig
	handler Handler
	logger  zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// NewServer creates a server. Nothing listens until Start or Serve.
func NewServer(cfg ServerConfig, h Handler) *Server {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Server{
		cfg:     cfg,
		handler: h,
		logger:  util.ComponentLogger("websocket_server"),
		ready:   make(chan struct{}),
	}
}

// Start listens on the configured address with SO_REUSEADDR and serves until
// ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	lc := ListenConfig()
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to start relay listener on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("relay listener started")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		raw, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("relay listener stopping")
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error().Err(err).Msg("failed to accept connection")
			continue
		}
		go s.handleConn(raw)
	}
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the listening address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener. Open connections are not affected.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// handleConn runs the upgrade handshake. A failed handshake closes the socket
// before any connection state exists.
func (s *Server) handleConn(raw net.Conn) {
	logger := s.logger.With().Str("remote", raw.RemoteAddr().String()).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("handshake panicked")
			raw.Close()
		}
	}()

	_ = raw.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	br := bufio.NewReaderSize(raw, 4096)

	req, err := ReadHandshake(br)
	if err != nil {
		var hsErr *HandshakeError
		if errors.As(err, &hsErr) {
			_ = WriteHandshakeError(raw, hsErr.Status)
		}
		logger.Debug().Err(err).Msg("handshake rejected")
		raw.Close()
		return
	}
	if err := WriteHandshakeResponse(raw, req); err != nil {
		logger.Debug().Err(err).Msg("failed to write handshake response")
		raw.Close()
		return
	}
	_ = raw.SetDeadline(time.Time{})

	c := NewConn(raw, br, req.Path, s.cfg.Conn, s.handler)
	logger.Debug().Str("conn", c.ID()).Str("path", req.Path).Msg("connection upgraded")
	s.handler.OnOpen(c)
	c.Start()
}
