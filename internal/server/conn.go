package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"windtunnel-telemetry/internal/config"
	"windtunnel-telemetry/internal/frame"
	"windtunnel-telemetry/internal/parsing"
)

// queued is one unit of processor work. A non-nil err stands in for a frame
// the reader discarded, so its ERR ack goes out in arrival order.
type queued struct {
	text string
	err  error
}

// conn is one upstream connection: a reader goroutine fills the queue, a
// processor goroutine drains it in order, a watchdog closes idle links.
type conn struct {
	srv      *Server
	nc       net.Conn
	peer     parsing.Peer
	watchdog *frame.Watchdog
	queue    chan queued
	logger   zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	idled     atomic.Bool
	frames    atomic.Int64
}

func (s *Server) newConn(nc net.Conn) *conn {
	peer := parsing.PeerFromAddr(nc.RemoteAddr())
	return &conn{
		srv:      s,
		nc:       nc,
		peer:     peer,
		watchdog: frame.NewWatchdog(s.opts.Idle, time.Now()),
		queue:    make(chan queued, s.opts.QueueSize),
		logger:   s.logger.With().Str("peer", peer.String()).Logger(),
	}
}

func (c *conn) serve(ctx context.Context) {
	m := c.srv.metrics
	m.ConnectionOpened()
	c.logger.Info().Msg("connection opened")
	opened := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.process(ctx)
	}()
	go func() {
		defer wg.Done()
		c.watch(ctx, readDone)
	}()

	c.read(ctx)
	close(readDone)
	close(c.queue)
	// processor drains what was already read
	wg.Wait()
	c.close()

	m.ConnectionClosed()
	c.logger.Info().
		Int64("frames", c.frames.Load()).
		Dur("lifetime", time.Since(opened)).
		Bool("idle_timeout", c.idled.Load()).
		Msg("connection closed")
}

// read is the only sender on c.queue.
func (c *conn) read(ctx context.Context) {
	dec := frame.NewDecoder(c.nc, c.srv.opts.MaxFrameBytes)
	for {
		text, err := dec.Next()
		if err != nil {
			if errors.Is(err, frame.ErrFrameTooLong) {
				c.watchdog.TouchRead(time.Now())
				c.srv.metrics.FrameDropped("too_long")
				c.logger.Warn().Err(err).Msg("drop oversized frame")
				if c.srv.opts.Ack && !c.enqueue(ctx, queued{err: err}) {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !c.idled.Load() && ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("read failed")
			}
			return
		}
		c.watchdog.TouchRead(time.Now())
		c.frames.Add(1)
		c.srv.metrics.FrameReceived()
		if !c.enqueue(ctx, queued{text: text}) {
			return
		}
	}
}

// enqueue applies the overflow policy. It returns false when ctx ended while
// blocked.
func (c *conn) enqueue(ctx context.Context, item queued) bool {
	switch c.srv.opts.Overflow {
	case config.OverflowDropNewest:
		select {
		case c.queue <- item:
		default:
			c.srv.metrics.FrameDropped("queue_full")
			c.logger.Warn().Int("queue", cap(c.queue)).Msg("queue full, dropping newest frame")
		}
		return true
	case config.OverflowDropOldest:
		for {
			select {
			case c.queue <- item:
				return true
			default:
			}
			select {
			case <-c.queue:
				c.srv.metrics.FrameDropped("evicted")
				c.logger.Warn().Int("queue", cap(c.queue)).Msg("queue full, dropping oldest frame")
			default:
			}
		}
	default:
		select {
		case c.queue <- item:
			return true
		case <-ctx.Done():
			return false
		default:
		}
		return c.waitForRoom(ctx, item)
	}
}

// waitForRoom blocks the reader until the processor frees a slot. A peer held
// back by backpressure is not idle, so read activity is refreshed while waiting.
func (c *conn) waitForRoom(ctx context.Context, item queued) bool {
	policy := c.watchdog.Policy()
	if !policy.Enabled() {
		select {
		case c.queue <- item:
			return true
		case <-ctx.Done():
			return false
		}
	}
	ticker := time.NewTicker(policy.CheckInterval())
	defer ticker.Stop()
	for {
		select {
		case c.queue <- item:
			return true
		case <-ctx.Done():
			return false
		case now := <-ticker.C:
			c.watchdog.TouchRead(now)
		}
	}
}

func (c *conn) process(ctx context.Context) {
	for item := range c.queue {
		if item.err != nil {
			c.ack(item.err)
			continue
		}
		_, err := c.srv.handler.HandleFrame(ctx, c.peer, item.text)
		if err != nil {
			c.logger.Debug().Err(err).Msg("frame not ingested")
		}
		c.ack(err)
	}
}

func (c *conn) watch(ctx context.Context, readDone <-chan struct{}) {
	policy := c.watchdog.Policy()
	if !policy.Enabled() {
		return
	}
	ticker := time.NewTicker(policy.CheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.close()
			return
		case <-readDone:
			return
		case now := <-ticker.C:
			if c.watchdog.Expired(now) {
				c.idled.Store(true)
				c.srv.metrics.IdleClosed()
				c.logger.Info().
					Dur("read_idle", policy.ReadIdle).
					Dur("write_idle", policy.WriteIdle).
					Msg("closing idle connection")
				c.close()
				return
			}
		}
	}
}

func (c *conn) ack(err error) {
	if !c.srv.opts.Ack {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(ackWriteTimeout))
	if _, werr := io.WriteString(c.nc, ackLine(err)); werr != nil {
		c.logger.Debug().Err(werr).Msg("ack write failed")
		return
	}
	c.watchdog.TouchWrite(time.Now())
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		_ = c.nc.Close()
	})
}
