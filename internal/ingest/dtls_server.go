package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v2"
	"golang.org/x/crypto/pbkdf2"

	"refinery-siem/internal/logging"
	"refinery-siem/internal/queue"
)

// Credential validation errors returned by NewDTLSServer.
var (
	ErrDTLSCredentialsRequired = errors.New("DTLS requires a certificate or a pre-shared key")
	ErrDTLSCredentialConflict  = errors.New("configure either a certificate or a pre-shared key, not both")
	ErrDTLSClientCertRequired  = errors.New("mutual TLS requires CA certificate")
	ErrDTLSPSKNotHex           = errors.New("pre-shared key must be hex encoded")
	ErrDTLSPSKAmbiguous        = errors.New("configure either a hex pre-shared key or a passphrase, not both")
)

// pskSalt fixes the PBKDF2 context so both peers derive the same key from
// a shared passphrase.
const pskSalt = "refinery-siem/dtls-psk/v1"

// derivePSK stretches a passphrase into a 128-bit pre-shared key matching
// the AES-128 PSK cipher suites. Clients must derive with the same
// parameters: PBKDF2-SHA256, 16384 rounds, the fixed salt above.
func derivePSK(passphrase string) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte(pskSalt), 16384, 16, sha256.New)
}

// DTLSServerConfig holds configuration for the DTLS line server.
type DTLSServerConfig struct {
	// Address is the UDP address to bind, ":5516" by default.
	Address string

	// Certificate mode. Both files must be set together; CAFile and
	// RequireClientCert add mutual TLS on top.
	CertFile          string
	KeyFile           string
	CAFile            string
	RequireClientCert bool

	// Pre-shared key mode, mutually exclusive with certificate mode.
	// PSK is the hex-encoded key. PSKPassphrase derives one with PBKDF2
	// instead, so deployments can distribute a string rather than raw
	// key material.
	PSK             string
	PSKPassphrase   string
	PSKIdentityHint string

	// AllowInsecure falls back to plain UDP when neither credential mode
	// is configured. Startup logs a security warning.
	AllowInsecure bool

	// Workers sets the size of the decode pool shared by all sessions.
	Workers int

	// MaxMessageSize caps a single datagram in bytes.
	MaxMessageSize int

	// HandshakeTimeout bounds the DTLS handshake.
	HandshakeTimeout time.Duration

	// IdleTimeout closes a session that has gone quiet.
	IdleTimeout time.Duration

	// DefaultSource is the category assigned to bare record lines.
	DefaultSource string
}

// DefaultDTLSServerConfig returns the server defaults. No credentials
// are assumed: the server refuses to start until a certificate or PSK
// is configured, or AllowInsecure is set explicitly.
func DefaultDTLSServerConfig() DTLSServerConfig {
	return DTLSServerConfig{
		Address:          ":5516",
		Workers:          8,
		MaxMessageSize:   65535,
		HandshakeTimeout: 30 * time.Second,
		IdleTimeout:      5 * time.Minute,
		DefaultSource:    "syslog",
	}
}

// DTLSServer receives NDJSON record lines over DTLS (secure UDP), with
// either certificate or pre-shared key authentication.
type DTLSServer struct {
	config DTLSServerConfig
	intake *intake
	logger *slog.Logger

	psk []byte

	// Secure mode listener, insecure fallback socket. Exactly one is
	// set after a successful Start.
	listener net.Listener
	udpConn  *net.UDPConn

	conns    *connSet
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	connections   atomic.Uint64
	handshakes    atomic.Uint64
	handshakeErrs atomic.Uint64
	received      atomic.Uint64

	insecureWarned bool
}

// NewDTLSServer creates a DTLS line server feeding the given queue.
func NewDTLSServer(cfg DTLSServerConfig, q *queue.RingBuffer, logger *slog.Logger) (*DTLSServer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultSource == "" {
		cfg.DefaultSource = DefaultDTLSServerConfig().DefaultSource
	}

	psk, err := resolvePSK(cfg)
	if err != nil {
		return nil, err
	}
	if err := checkCredentials(cfg, psk); err != nil {
		return nil, err
	}

	return &DTLSServer{
		config: cfg,
		intake: newIntake(q, cfg.DefaultSource, logger),
		logger: logger,
		psk:    psk,
		conns:  newConnSet(),
		done:   make(chan struct{}),
	}, nil
}

// resolvePSK decodes or derives the pre-shared key, when one is
// configured at all.
func resolvePSK(cfg DTLSServerConfig) ([]byte, error) {
	switch {
	case cfg.PSK != "" && cfg.PSKPassphrase != "":
		return nil, ErrDTLSPSKAmbiguous
	case cfg.PSK != "":
		key, err := hex.DecodeString(cfg.PSK)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDTLSPSKNotHex, err)
		}
		return key, nil
	case cfg.PSKPassphrase != "":
		return derivePSK(cfg.PSKPassphrase), nil
	}
	return nil, nil
}

// checkCredentials rejects configurations that mix authentication modes
// or leave the server with no way to authenticate peers.
func checkCredentials(cfg DTLSServerConfig, psk []byte) error {
	switch {
	case psk != nil && cfg.CertFile != "":
		return ErrDTLSCredentialConflict
	case psk == nil && !hasKeyPair(cfg) && !cfg.AllowInsecure:
		return ErrDTLSCredentialsRequired
	case cfg.RequireClientCert && cfg.CAFile == "":
		return ErrDTLSClientCertRequired
	}
	return nil
}

func hasKeyPair(cfg DTLSServerConfig) bool {
	return cfg.CertFile != "" && cfg.KeyFile != ""
}

// insecureMode reports whether the server falls back to plain UDP.
func (s *DTLSServer) insecureMode() bool {
	return s.config.AllowInsecure && s.psk == nil && !hasKeyPair(s.config)
}

// Start binds the listener, spins up the worker pool, and begins
// receiving. The server shuts down when ctx is canceled or Stop is
// called.
func (s *DTLSServer) Start(ctx context.Context) error {
	if err := s.bind(ctx); err != nil {
		return err
	}

	// Closing the sockets is what unblocks Accept and the reads.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.closeAll()
	}()

	messages := make(chan rawDatagram, s.config.Workers*100)

	for range s.config.Workers {
		s.wg.Add(1)
		go s.worker(messages)
	}

	s.wg.Add(1)
	if s.udpConn != nil {
		go s.insecureReceiver(messages)
	} else {
		go s.acceptLoop(ctx, messages)
	}

	return nil
}

func (s *DTLSServer) bind(ctx context.Context) error {
	if s.insecureMode() {
		return s.listenInsecure()
	}
	return s.listenSecure(ctx)
}

func (s *DTLSServer) bindAddr() (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", s.config.Address, err)
	}
	return addr, nil
}

func (s *DTLSServer) listenSecure(ctx context.Context) error {
	dtlsConfig, err := s.buildDTLSConfig(ctx)
	if err != nil {
		return err
	}

	addr, err := s.bindAddr()
	if err != nil {
		return err
	}
	listener, err := dtls.Listen("udp", addr, dtlsConfig)
	if err != nil {
		return fmt.Errorf("DTLS listen: %w", err)
	}
	s.listener = listener

	s.logger.Info("DTLS listener started",
		"address", s.config.Address, "psk", pskSummary(s.psk),
		"mutual_tls", s.config.RequireClientCert, "default_source", s.config.DefaultSource,
	)
	return nil
}

// pskSummary is a masked fingerprint of the key, enough to confirm which
// credential is loaded without logging it.
func pskSummary(psk []byte) string {
	if psk == nil {
		return "off"
	}
	return logging.MaskString(hex.EncodeToString(psk), 4, 2)
}

func (s *DTLSServer) listenInsecure() error {
	s.logger.Warn("SECURITY WARNING: starting UDP listener WITHOUT encryption",
		"address", s.config.Address,
		"recommendation", "use DTLS with a certificate or PSK for production",
	)
	s.insecureWarned = true

	addr, err := s.bindAddr()
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("UDP listen: %w", err)
	}
	s.udpConn = conn

	s.logger.Info("UDP listener started (INSECURE)", "address", s.config.Address)
	return nil
}

// buildDTLSConfig assembles the pion config for whichever credential mode
// is configured.
func (s *DTLSServer) buildDTLSConfig(ctx context.Context) (*dtls.Config, error) {
	cfg := &dtls.Config{
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, s.config.HandshakeTimeout)
		},
	}

	if s.psk != nil {
		key := s.psk
		cfg.PSK = func(hint []byte) ([]byte, error) {
			return key, nil
		}
		cfg.PSKIdentityHint = []byte(s.config.PSKIdentityHint)
		cfg.CipherSuites = []dtls.CipherSuiteID{
			dtls.TLS_PSK_WITH_AES_128_GCM_SHA256,
			dtls.TLS_PSK_WITH_AES_128_CCM_8,
		}
		return cfg, nil
	}

	cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	cfg.Certificates = []tls.Certificate{cert}

	if s.config.RequireClientCert {
		pool, err := loadClientCAs(s.config.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = dtls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

func loadClientCAs(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA file %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("no certificates found in CA file")
	}
	return pool, nil
}

func (s *DTLSServer) closeAll() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	s.conns.closeAll()
}

// acceptLoop accepts DTLS connections. The pion listener completes the
// handshake before Accept returns, so a failed handshake surfaces here
// as an accept error.
func (s *DTLSServer) acceptLoop(ctx context.Context, messages chan<- rawDatagram) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			default:
			}
			s.handshakeErrs.Add(1)
			s.logger.Debug("DTLS accept failed", "error", err)
			continue
		}

		select {
		case <-s.done:
			conn.Close()
			return
		default:
		}

		s.conns.add(conn)
		s.connections.Add(1)
		s.handshakes.Add(1)

		s.wg.Add(1)
		go s.handleConnection(conn, messages)
	}
}

// handleConnection reads datagrams from a single DTLS session until the
// peer goes idle or shutdown closes the session out from under the read.
func (s *DTLSServer) handleConnection(conn net.Conn, messages chan<- rawDatagram) {
	defer s.wg.Done()
	defer s.conns.remove(conn)
	defer conn.Close()

	var remote string
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	s.logger.Debug("new DTLS connection", "remote", remote)

	buffer := make([]byte, s.config.MaxMessageSize)

	for {
		conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))

		n, err := conn.Read(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Debug("idle DTLS session closed", "remote", remote)
			} else {
				s.logger.Debug("DTLS receive failed", "error", err, "remote", remote)
			}
			return
		}

		s.received.Add(1)
		s.dispatch(messages, buffer[:n], remote)
	}
}

// insecureReceiver receives datagrams on plain UDP.
func (s *DTLSServer) insecureReceiver(messages chan<- rawDatagram) {
	defer s.wg.Done()

	buffer := make([]byte, s.config.MaxMessageSize)

	for {
		n, remoteAddr, err := s.udpConn.ReadFromUDP(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("UDP receive failed", "error", err)
			continue
		}

		s.received.Add(1)
		s.dispatch(messages, buffer[:n], remoteAddr.String())
	}
}

// dispatch copies a datagram out of the shared read buffer and hands it
// to the worker pool, dropping when the pool is saturated.
func (s *DTLSServer) dispatch(messages chan<- rawDatagram, payload []byte, remote string) {
	data := bytes.Clone(payload)

	select {
	case messages <- rawDatagram{data: data, remote: remote}:
	default:
		s.intake.errors.Add(1)
		s.logger.Debug("message channel full, dropping datagram")
	}
}

// worker processes datagrams until shutdown. The channel is never
// closed; multiple connection handlers send on it concurrently.
func (s *DTLSServer) worker(messages <-chan rawDatagram) {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case msg := <-messages:
			s.intake.datagram(msg.data, msg.remote)
		}
	}
}

// Stop closes the sockets, waits out the workers, and logs a final
// counter summary.
func (s *DTLSServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		s.logger.Info("DTLS listener stopped",
			"connections", s.connections.Load(), "handshakes", s.handshakes.Load(),
			"handshake_errors", s.handshakeErrs.Load(), "received", s.received.Load(),
			"queued", s.intake.queued.Load(), "errors", s.intake.errors.Load(),
		)
	})
}

// DTLSServerMetrics is a counter snapshot for the DTLS listener.
type DTLSServerMetrics struct {
	Connections    uint64
	Handshakes     uint64
	HandshakeErrs  uint64
	Received       uint64
	Decoded        uint64
	Queued         uint64
	Errors         uint64
	InsecureWarned bool
}

// Metrics reports the cumulative listener counters.
func (s *DTLSServer) Metrics() DTLSServerMetrics {
	return DTLSServerMetrics{
		Connections:    s.connections.Load(),
		Handshakes:     s.handshakes.Load(),
		HandshakeErrs:  s.handshakeErrs.Load(),
		Received:       s.received.Load(),
		Decoded:        s.intake.decoded.Load(),
		Queued:         s.intake.queued.Load(),
		Errors:         s.intake.errors.Load(),
		InsecureWarned: s.insecureWarned,
	}
}

// IsSecure reports whether sessions are DTLS-encrypted rather than plain
// UDP fallback.
func (s *DTLSServer) IsSecure() bool {
	return s.listener != nil && s.udpConn == nil
}
