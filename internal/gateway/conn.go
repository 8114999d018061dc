// Package gateway implements the MiniBus TCP protocol server of §4.2/§4.7:
// the handshake, the per-connection request loop, and the full command
// table dispatched against the registry and the two brokers.
package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/minibus/internal/broker"
	"github.com/ocx/minibus/internal/entity"
	"github.com/ocx/minibus/internal/metrics"
	"github.com/ocx/minibus/internal/registry"
	"github.com/ocx/minibus/internal/wire"
)

// Handshake is the fixed 8-byte preamble every client must send within the
// handshake deadline.
var Handshake = [8]byte{'M', 'I', 'N', 'I', 'B', 'U', 'S', 0}

// handshakeOK is written back on a successful handshake.
var handshakeOK = []byte("OK")

// Server accepts MiniBus TCP connections and dispatches their requests
// against a shared registry and broker pair.
type Server struct {
	Registry         *registry.Registry
	NotifyBroker     *broker.Broker[entity.External]
	EventBroker      *broker.Broker[entity.External]
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// NewServer constructs a Server with a 1-second handshake timeout, the
// default slog logger, and metrics disabled, unless overridden on the
// returned value before Serve is called.
func NewServer(reg *registry.Registry, notifyBroker, eventBroker *broker.Broker[entity.External]) *Server {
	return &Server{
		Registry:         reg,
		NotifyBroker:     notifyBroker,
		EventBroker:      eventBroker,
		HandshakeTimeout: time.Second,
		Logger:           slog.Default(),
	}
}

// Serve accepts connections from ln until ctx is canceled or Accept fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		if s.Metrics != nil {
			s.Metrics.ConnectionsTotal.Inc()
			s.Metrics.ConnectionsActive.Inc()
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer func() {
		if s.Metrics != nil {
			s.Metrics.ConnectionsActive.Dec()
		}
	}()

	connID := uuid.NewString()
	log := s.Logger.With("conn_id", connID, "remote", conn.RemoteAddr())

	if err := s.handshake(conn); err != nil {
		log.Warn("handshake failed", "error", err)
		return
	}

	fw := &frameWriter{w: conn}
	ext := entity.New(fw, s.NotifyBroker, s.EventBroker)
	defer func() {
		s.NotifyBroker.Cleanup()
		s.EventBroker.Cleanup()
		s.Registry.Cleanup()
	}()

	d := dispatcher{
		registry:     s.Registry,
		notifyBroker: s.NotifyBroker,
		eventBroker:  s.EventBroker,
		metrics:      s.Metrics,
		self:         ext,
		writer:       fw,
	}

	for {
		req, err := wire.ReadRequest(conn)
		if err != nil {
			if err != io.EOF {
				log.Debug("codec error, closing connection", "error", err)
			}
			return
		}
		if !d.dispatch(req) {
			return
		}
	}
}

func (s *Server) handshake(conn net.Conn) error {
	timeout := s.HandshakeTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	var buf [8]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return err
	}
	if buf != Handshake {
		return errHandshakeMismatch
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	_, err := conn.Write(handshakeOK)
	return err
}

// frameWriter serializes concurrent Response writes behind a mutex, per
// §5's per-connection write ordering guarantee.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (f *frameWriter) WriteResponse(resp wire.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return wire.WriteResponse(f.w, resp)
}

var errHandshakeMismatch = handshakeError("minibus: handshake preamble mismatch")

type handshakeError string

func (e handshakeError) Error() string { return string(e) }
