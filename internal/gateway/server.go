package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kuttalk/gateway/internal/monitoring"
	"github.com/kuttalk/gateway/internal/store"
	"github.com/kuttalk/gateway/internal/wire"
)

const (
	// Time allowed for one socket write before the client is considered
	// dead.
	writeWait = 5 * time.Second

	// Time allowed for the upgrade request to arrive after accept.
	handshakeWait = 10 * time.Second
)

// Config is the gateway-level subset of the process configuration.
type Config struct {
	Addr           string
	MaxConnections int
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

// Server owns the listener, the registry and the keep-alive loop. One
// serve goroutine per connection reads frames and drives dispatch; one
// write pump per connection serializes frame writes to that socket.
type Server struct {
	cfg      Config
	logger   zerolog.Logger
	sessions store.SessionStore
	chats    store.ChatStore

	listener net.Listener
	registry *Registry

	nextClientID atomic.Int64
	shuttingDown atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer wires the gateway against its stores.
func NewServer(cfg Config, sessions store.SessionStore, chats store.ChatStore, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		logger:   logger.With().Str("component", "gateway").Logger(),
		sessions: sessions,
		chats:    chats,
		registry: NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Addr returns the bound listener address. Valid after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// ClientCount returns the number of registered clients.
func (s *Server) ClientCount() int {
	return s.registry.Len()
}

// Start binds the listener and launches the accept and keep-alive loops.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway: listen: %w", err)
	}
	s.listener = listener

	s.logger.Info().
		Str("addr", listener.Addr().String()).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("Gateway listening")

	s.wg.Add(2)
	go s.acceptLoop()
	go s.keepaliveLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "acceptLoop", nil)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shuttingDown.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("Accept failed")
			continue
		}

		if s.cfg.MaxConnections > 0 && s.registry.Len() >= s.cfg.MaxConnections {
			monitoring.ConnectionsRejected.Inc()
			s.logger.Warn().
				Str("remote_addr", conn.RemoteAddr().String()).
				Int("max_connections", s.cfg.MaxConnections).
				Msg("Connection rejected: at capacity")
			conn.Close()
			continue
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}

		client := newClient(s.nextClientID.Add(1), conn)
		s.registry.Add(client)
		monitoring.ConnectionsTotal.Inc()
		monitoring.ConnectionsActive.Set(float64(s.registry.Len()))

		s.logger.Debug().
			Int64("client_id", client.id).
			Str("remote_addr", conn.RemoteAddr().String()).
			Msg("Client accepted")

		s.wg.Add(1)
		go s.serveConn(client)
	}
}

// serveConn drives one connection: upgrade handshake, then the frame read
// loop feeding the dispatcher. It owns the client's read path for the
// connection's whole life.
func (s *Server) serveConn(c *Client) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "serveConn", map[string]any{"client_id": c.id})

	reason := monitoring.EvictReasonReadError
	defer func() { s.terminate(c, reason) }()

	c.conn.SetDeadline(time.Now().Add(handshakeWait))
	if err := wire.Upgrade(c.conn); err != nil {
		monitoring.HandshakesFailed.Inc()
		s.logger.Debug().Err(err).Int64("client_id", c.id).Msg("Handshake failed")
		reason = monitoring.EvictReasonProtocol
		return
	}
	c.conn.SetDeadline(time.Time{})
	c.handshaked.Store(true)
	c.touch()

	s.wg.Add(1)
	go s.writePump(c)

	s.logger.Debug().Int64("client_id", c.id).Msg("Handshake complete")

	for {
		frame, err := wire.ReadFrame(c.conn)
		if err != nil {
			switch {
			case errors.Is(err, wire.ErrFragmented):
				s.sendClose(c, wire.StatusUnsupportedData, "fragmented frames not supported")
				reason = monitoring.EvictReasonProtocol
			case errors.Is(err, wire.ErrPayloadTooLarge):
				s.sendClose(c, wire.StatusProtocolError, "frame too large")
				reason = monitoring.EvictReasonProtocol
			default:
				reason = monitoring.EvictReasonReadError
			}
			return
		}

		monitoring.MessagesReceived.Inc()
		monitoring.BytesReceived.Add(float64(len(frame.Payload)))

		if done := s.dispatch(c, frame); done {
			reason = monitoring.EvictReasonClientClose
			return
		}
	}
}

// writePump is the single writer to the socket after the handshake. It
// drains the send queue until the client is terminated.
func (s *Server) writePump(c *Client) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{"client_id": c.id})

	for {
		select {
		case frame := <-c.send:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_, err := c.conn.Write(frame)
			c.writeMu.Unlock()
			if err != nil {
				s.logger.Debug().Err(err).Int64("client_id", c.id).Msg("Write failed")
				s.terminate(c, monitoring.EvictReasonWriteError)
				return
			}
			monitoring.MessagesSent.Inc()
			monitoring.BytesSent.Add(float64(len(frame)))
		case <-c.done:
			return
		}
	}
}

// sendClose writes a close frame to the socket, best effort. Only called on
// paths that terminate the client immediately afterwards. It takes the
// client's write mutex so the frame never lands inside a broadcast write
// that the pump has in flight.
func (s *Server) sendClose(c *Client, status uint16, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.Write(wire.BuildCloseFrame(status, reason))
}

// terminate tears a client down exactly once: deregister, stop the pumps,
// close the socket. Idempotent, callable from any goroutine.
func (s *Server) terminate(c *Client, reason string) {
	c.closeOnce.Do(func() {
		s.registry.Remove(c)
		close(c.done)
		c.conn.Close()

		monitoring.ConnectionsActive.Set(float64(s.registry.Len()))
		monitoring.Evictions.WithLabelValues(reason).Inc()

		s.logger.Info().
			Int64("client_id", c.id).
			Int64("user_id", c.userID.Load()).
			Int64("room_id", c.roomID.Load()).
			Str("reason", reason).
			Dur("connected", time.Since(c.connectedAt)).
			Msg("Client disconnected")
	})
}

// Shutdown stops accepting, closes every client with a going-away frame
// and waits for all goroutines to drain.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)

	if s.listener != nil {
		s.listener.Close()
	}

	for _, c := range s.registry.Collect(func(*Client) bool { return true }) {
		s.sendClose(c, wire.StatusGoingAway, "server shutting down")
		s.terminate(c, monitoring.EvictReasonShutdown)
	}

	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}
