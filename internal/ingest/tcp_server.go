package ingest

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"refinery-siem/internal/queue"
)

// TCPServerConfig holds the TCP line listener settings.
type TCPServerConfig struct {
	Address string

	// TLS wraps the listener when enabled. Cert and key are PEM files.
	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string

	// Connection and line limits.
	MaxConnections int
	IdleTimeout    time.Duration
	MaxLineLength  int

	// DefaultSource is the category assigned to bare record lines.
	DefaultSource string
}

// DefaultTCPServerConfig returns TCP listener defaults suitable for a
// syslog-style NDJSON feed.
func DefaultTCPServerConfig() TCPServerConfig {
	return TCPServerConfig{
		Address:        ":5515",
		MaxConnections: 1000,
		IdleTimeout:    5 * time.Minute,
		MaxLineLength:  65535,
		DefaultSource:  "syslog",
	}
}

// TCPServerMetrics is a point-in-time snapshot of the listener counters.
type TCPServerMetrics struct {
	Connections uint64
	Received    uint64
	Decoded     uint64
	Queued      uint64
	Errors      uint64
}

// TCPServer receives NDJSON record lines over TCP, one JSON object per
// line, bare record or source envelope.
type TCPServer struct {
	config TCPServerConfig
	intake *intake

	listener net.Listener
	conns    *connSet
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	accepted atomic.Uint64
	received atomic.Uint64
}

// NewTCPServer creates a TCP line server feeding the given queue.
func NewTCPServer(cfg TCPServerConfig, q *queue.RingBuffer) *TCPServer {
	if cfg.DefaultSource == "" {
		cfg.DefaultSource = DefaultTCPServerConfig().DefaultSource
	}
	return &TCPServer{
		config: cfg,
		intake: newIntake(q, cfg.DefaultSource, slog.Default()),
		conns:  newConnSet(),
		done:   make(chan struct{}),
	}
}

// Start binds the listener and begins accepting connections. The server
// shuts down when ctx is canceled or Stop is called.
func (s *TCPServer) Start(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.listener = ln

	slog.Info("TCP listener started",
		"address", s.config.Address,
		"tls", s.config.TLSEnabled,
		"default_source", s.config.DefaultSource,
	)

	// Closing the listener and the open connections is what unblocks
	// Accept and the per-connection reads.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.closeAll()
	}()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func (s *TCPServer) listen() (net.Listener, error) {
	if !s.config.TLSEnabled {
		return net.Listen("tcp", s.config.Address)
	}

	cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.config.Address, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Debug("accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		select {
		case <-s.done:
			conn.Close()
			return
		default:
		}

		if s.ActiveConnections() >= s.config.MaxConnections {
			slog.Warn("connection limit reached, rejecting", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}

		s.conns.add(conn)
		s.accepted.Add(1)

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// closeAll closes the listener and every open connection so blocked
// reads return.
func (s *TCPServer) closeAll() {
	s.listener.Close()
	s.conns.closeAll()
}

// handleConnection reads newline-delimited records until the client
// disconnects, the idle timeout fires, or the server shuts down. A
// final unterminated line still counts.
func (s *TCPServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.conns.remove(conn)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	slog.Debug("TCP client connected", "remote", remote)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), s.config.MaxLineLength)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))

		if !scanner.Scan() {
			switch err := scanner.Err(); {
			case err == nil:
				// Client closed the connection.
			case errors.Is(err, bufio.ErrTooLong):
				s.intake.errors.Add(1)
				slog.Debug("line exceeds length limit, dropping connection",
					"remote", remote,
					"limit", s.config.MaxLineLength,
				)
			default:
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					slog.Debug("idle TCP connection closed", "remote", remote)
				} else {
					slog.Debug("TCP receive failed", "error", err, "remote", remote)
				}
			}
			return
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		s.received.Add(1)
		s.intake.line(line, remote)
	}
}

// Stop closes the listener, drains connection handlers, and logs a
// final counter summary.
func (s *TCPServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		slog.Info("TCP listener stopped",
			"connections", s.accepted.Load(),
			"received", s.received.Load(),
			"queued", s.intake.queued.Load(),
			"errors", s.intake.errors.Load(),
		)
	})
}

// Metrics reports the cumulative listener counters.
func (s *TCPServer) Metrics() TCPServerMetrics {
	return TCPServerMetrics{
		Connections: s.accepted.Load(),
		Received:    s.received.Load(),
		Decoded:     s.intake.decoded.Load(),
		Queued:      s.intake.queued.Load(),
		Errors:      s.intake.errors.Load(),
	}
}

// ActiveConnections returns the number of currently open connections.
func (s *TCPServer) ActiveConnections() int {
	return s.conns.len()
}
