// Package server accepts long-lived upstream connections and feeds their
// frames, in arrival order, to the ingestion pipeline.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"windtunnel-telemetry/internal/config"
	"windtunnel-telemetry/internal/frame"
	"windtunnel-telemetry/internal/metrics"
	"windtunnel-telemetry/internal/parsing"
	"windtunnel-telemetry/internal/telemetry"
)

const (
	ackWriteTimeout = 5 * time.Second
	maxAcceptDelay  = time.Second
)

// Handler consumes one frame from one peer.
type Handler interface {
	HandleFrame(ctx context.Context, peer parsing.Peer, frame string) (telemetry.Record, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, peer parsing.Peer, frame string) (telemetry.Record, error)

func (f HandlerFunc) HandleFrame(ctx context.Context, peer parsing.Peer, frame string) (telemetry.Record, error) {
	return f(ctx, peer, frame)
}

// Options configure the listener and per-connection behaviour.
type Options struct {
	Addr          string
	Idle          frame.IdlePolicy
	QueueSize     int
	Overflow      string
	Ack           bool
	MaxFrameBytes int
	ShutdownGrace time.Duration
}

// OptionsFromConfig maps the server config section.
func OptionsFromConfig(cfg config.ServerConfig) Options {
	return Options{
		Addr:          cfg.Addr(),
		Idle:          frame.IdlePolicy{ReadIdle: cfg.ReadIdle(), WriteIdle: cfg.WriteIdle()},
		QueueSize:     cfg.QueueSize,
		Overflow:      cfg.OverflowPolicy,
		Ack:           cfg.Ack,
		MaxFrameBytes: cfg.MaxFrameBytes,
		ShutdownGrace: cfg.ShutdownGrace,
	}
}

// Server is the TCP connection server.
type Server struct {
	opts    Options
	handler Handler
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	wg       sync.WaitGroup
	ready    chan struct{}
}

// New creates a server. Call ListenAndServe or Serve to start it.
func New(opts Options, handler Handler, m *metrics.Metrics, logger zerolog.Logger) *Server {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Overflow == "" {
		opts.Overflow = config.OverflowBlock
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 5 * time.Second
	}
	return &Server{
		opts:    opts,
		handler: handler,
		metrics: m,
		logger:  logger.With().Str("component", "server").Logger(),
		conns:   make(map[*conn]struct{}),
		ready:   make(chan struct{}),
	}
}

// ListenAndServe listens on the configured address and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Ready is closed once the server accepts connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections on ln until ctx is cancelled, then closes every
// open connection and waits up to ShutdownGrace for them to drain.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	close(s.ready)

	s.logger.Info().Str("addr", ln.Addr().String()).
		Dur("read_idle", s.opts.Idle.ReadIdle).
		Dur("write_idle", s.opts.Idle.WriteIdle).
		Str("overflow", s.opts.Overflow).
		Msg("telemetry server listening")

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return s.shutdown()
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.logger.Error().Err(err).Dur("retry_in", delay).Msg("accept failed")
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return s.shutdown()
			}
		}
		delay = 0

		c := s.newConn(nc)
		s.track(c, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(c, false)
			c.serve(ctx)
		}()
	}
}

func (s *Server) track(c *conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) shutdown() error {
	s.mu.Lock()
	for c := range s.conns {
		c.close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("telemetry server stopped")
		return nil
	case <-time.After(s.opts.ShutdownGrace):
		return fmt.Errorf("server shutdown: connections still draining after %s", s.opts.ShutdownGrace)
	}
}

// ActiveConnections returns the number of open connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func ackLine(err error) string {
	if err == nil {
		return "OK\n"
	}
	reason := strings.NewReplacer("\r", " ", "\n", " ").Replace(err.Error())
	return "ERR " + reason + "\n"
}
