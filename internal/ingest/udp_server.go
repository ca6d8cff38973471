package ingest

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"refinery-siem/internal/queue"
)

// UDPServerConfig holds the UDP datagram listener settings.
type UDPServerConfig struct {
	Address string

	// Socket receive buffer and fan-out worker pool.
	BufferSize int
	Workers    int

	MaxMessageSize int

	// DefaultSource is the category assigned to bare record lines.
	DefaultSource string
}

// DefaultUDPServerConfig returns UDP listener defaults sized for a
// bursty syslog feed.
func DefaultUDPServerConfig() UDPServerConfig {
	return UDPServerConfig{
		Address:        ":5514",
		BufferSize:     16 << 20,
		Workers:        8,
		MaxMessageSize: 65535,
		DefaultSource:  "syslog",
	}
}

// UDPServerMetrics is a point-in-time snapshot of the listener counters.
type UDPServerMetrics struct {
	Received uint64
	Decoded  uint64
	Queued   uint64
	Errors   uint64
}

// UDPServer receives NDJSON record lines over plain UDP. A datagram may
// carry several newline-separated lines; each decodes independently.
type UDPServer struct {
	config UDPServerConfig
	intake *intake

	conn     *net.UDPConn
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	received atomic.Uint64
}

// NewUDPServer creates a UDP line server feeding the given queue.
func NewUDPServer(cfg UDPServerConfig, q *queue.RingBuffer) *UDPServer {
	if cfg.DefaultSource == "" {
		cfg.DefaultSource = DefaultUDPServerConfig().DefaultSource
	}
	return &UDPServer{
		config: cfg,
		intake: newIntake(q, cfg.DefaultSource, slog.Default()),
		done:   make(chan struct{}),
	}
}

// Start starts the UDP server. Plain UDP transmits records in cleartext;
// use the DTLS listener where the path to the collector is untrusted.
func (s *UDPServer) Start(ctx context.Context) error {
	slog.Warn("SECURITY WARNING: plain UDP listener does not provide encryption",
		"address", s.config.Address,
		"recommendation", "use the DTLS listener or TCP with TLS for production",
	)

	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return err
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}

	if err := conn.SetReadBuffer(s.config.BufferSize); err != nil {
		slog.Warn("could not enlarge UDP receive buffer", "error", err)
	}
	s.conn = conn

	slog.Info("UDP listener started (no encryption)",
		"address", s.config.Address,
		"default_source", s.config.DefaultSource,
	)

	// Closing the socket is what unblocks the receiver.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		conn.Close()
	}()

	messages := make(chan rawDatagram, s.config.Workers*100)

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(messages)
	}

	s.wg.Add(1)
	go s.receiver(messages)

	return nil
}

// receiver reads datagrams off the socket and fans them out to the
// worker pool. It is the only sender on messages and closes it on exit.
func (s *UDPServer) receiver(messages chan<- rawDatagram) {
	defer s.wg.Done()
	defer close(messages)

	buffer := make([]byte, s.config.MaxMessageSize)

	for {
		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Debug("UDP receive failed", "error", err)
			continue
		}

		s.received.Add(1)

		// Copy out of the shared read buffer.
		data := bytes.Clone(buffer[:n])

		select {
		case messages <- rawDatagram{data: data, remote: remoteAddr.String()}:
		default:
			// Channel full, drop the datagram.
			s.intake.errors.Add(1)
			slog.Debug("UDP message channel full, dropping datagram")
		}
	}
}

func (s *UDPServer) worker(messages <-chan rawDatagram) {
	defer s.wg.Done()

	for msg := range messages {
		s.intake.datagram(msg.data, msg.remote)
	}
}

// Stop closes the socket, drains the worker pool, and logs a final
// counter summary.
func (s *UDPServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		slog.Info("UDP listener stopped",
			"received", s.received.Load(),
			"queued", s.intake.queued.Load(),
			"errors", s.intake.errors.Load(),
		)
	})
}

// Metrics reports the cumulative listener counters.
func (s *UDPServer) Metrics() UDPServerMetrics {
	return UDPServerMetrics{
		Received: s.received.Load(),
		Decoded:  s.intake.decoded.Load(),
		Queued:   s.intake.queued.Load(),
		Errors:   s.intake.errors.Load(),
	}
}
