// Package takclient maintains the outbound side of TrakBridge: one
// persistent, optionally TLS-authenticated connection per TAK server, fed by
// a bounded per-destination queue with uid-replacement semantics.
//
// The connection run loop mirrors the classic reconnecting-client shape:
// dial, serve writes until an error, back off with jitter, redial. Producers
// never talk to the socket directly; the queue's sender goroutine is the only
// writer.
package takclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/trakbridge/trakbridge/internal/model"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateBackoff      State = "backoff"
	StateShuttingDown State = "shutting_down"
	StateClosed       State = "closed"
)

const (
	// defaultDialTimeout bounds dial plus TLS handshake.
	defaultDialTimeout = 15 * time.Second
	// defaultWriteTimeout bounds a single frame write.
	defaultWriteTimeout = 10 * time.Second
	// keepalivePeriod is the TCP keepalive interval; the CoT stream has no
	// application-level ping, so dead peers are detected here.
	keepalivePeriod = 30 * time.Second
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("takclient: connection closed")

// ConnConfig configures a persistent connection.
type ConnConfig struct {
	Server model.TAKServer

	BackoffBase  time.Duration
	BackoffCap   time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Health is the observable connection status.
type Health struct {
	State              State      `json:"state"`
	LastSuccessfulSend *time.Time `json:"last_successful_send,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
}

// Conn is a persistent connection to one TAK server. Send may be called from
// one sender goroutine; Health from any.
type Conn struct {
	cfg    ConnConfig
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	sock      net.Conn
	lastSend  time.Time
	lastError error
	// sentOnConn is set by the first successful write on the current socket;
	// the run loop resets the redial backoff only when it is set.
	sentOnConn bool
	// connected is closed when a socket is available and replaced when it is
	// lost, so Send can wait for reconnection without polling.
	connected chan struct{}

	redial   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewConn creates the connection and starts its reconnect loop. The first
// dial happens immediately in the background.
func NewConn(cfg ConnConfig) *Conn {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 60 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Conn{
		cfg:       cfg,
		logger:    cfg.Logger.With(slog.String("tak_server", cfg.Server.Name)),
		state:     StateDisconnected,
		connected: make(chan struct{}),
		redial:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.run()
	return c
}

// Send writes one frame, blocking until the transport accepts it, the
// connection is closed, or ctx is cancelled. A write failure marks the
// connection lost (triggering reconnect) and returns a transient error; the
// caller keeps the frame and retries.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	for {
		c.mu.Lock()
		if c.state == StateShuttingDown || c.state == StateClosed {
			c.mu.Unlock()
			return ErrClosed
		}
		sock := c.sock
		waitCh := c.connected
		c.mu.Unlock()

		if sock == nil {
			select {
			case <-waitCh:
				continue
			case <-ctx.Done():
				return ctx.Err()
			case <-c.stopCh:
				return ErrClosed
			}
		}

		_ = sock.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		_, err := sock.Write(frame)
		if err != nil {
			c.connectionLost(sock, err)
			return fmt.Errorf("takclient: write to %s: %w", c.cfg.Server.Addr(), err)
		}

		c.mu.Lock()
		c.lastSend = time.Now()
		c.lastError = nil
		c.sentOnConn = true
		c.mu.Unlock()
		return nil
	}
}

// Health returns the connection status snapshot.
func (c *Conn) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := Health{State: c.state}
	if !c.lastSend.IsZero() {
		t := c.lastSend
		h.LastSuccessfulSend = &t
	}
	if c.lastError != nil {
		h.LastError = c.lastError.Error()
	}
	return h
}

// Close stops the reconnect loop and closes the socket. Drain-before-close is
// the caller's job (the queue sender is given a grace deadline first).
// Close is idempotent.
func (c *Conn) Close() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.state = StateShuttingDown
		c.mu.Unlock()
		close(c.stopCh)
	})
	<-c.done
}

// connectionLost records err, drops the socket, and wakes the run loop.
func (c *Conn) connectionLost(sock net.Conn, err error) {
	c.mu.Lock()
	if c.sock == sock && sock != nil {
		_ = sock.Close()
		c.sock = nil
		if c.state == StateConnected {
			c.state = StateDisconnected
		}
		c.lastError = err
		c.connected = make(chan struct{})
	}
	c.mu.Unlock()

	select {
	case c.redial <- struct{}{}:
	default:
	}
}

// run is the reconnect loop: dial, publish the socket, wait for loss, back
// off, redial. Backoff resets once a frame is written successfully on the
// connection; a link that dies before any write is paced like a failed dial.
func (c *Conn) run() {
	defer close(c.done)
	defer func() {
		c.mu.Lock()
		if c.sock != nil {
			_ = c.sock.Close()
			c.sock = nil
		}
		c.state = StateClosed
		c.mu.Unlock()
	}()

	backoff := c.cfg.BackoffBase

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.setState(StateConnecting)
		sock, err := c.dial()
		if err != nil {
			c.mu.Lock()
			c.state = StateBackoff
			c.lastError = err
			c.mu.Unlock()

			c.logger.Warn("tak connection failed, backing off",
				slog.Any("error", err),
				slog.Duration("backoff", backoff),
			)

			select {
			case <-time.After(backoff):
			case <-c.stopCh:
				return
			}
			backoff = nextBackoff(backoff, c.cfg.BackoffBase, c.cfg.BackoffCap)
			continue
		}

		c.mu.Lock()
		c.sock = sock
		c.state = StateConnected
		c.sentOnConn = false
		close(c.connected)
		c.mu.Unlock()

		c.logger.Info("tak connection established",
			slog.String("addr", c.cfg.Server.Addr()),
			slog.String("protocol", string(c.cfg.Server.Protocol)),
		)

		// Park until the writer reports a loss or we are stopped.
		select {
		case <-c.redial:
		case <-c.stopCh:
			return
		}

		c.mu.Lock()
		sent := c.sentOnConn
		c.mu.Unlock()
		if sent {
			backoff = c.cfg.BackoffBase
			continue
		}

		// The link died before a single frame went through; pace the redial
		// like a failed dial.
		c.setState(StateBackoff)
		select {
		case <-time.After(backoff):
		case <-c.stopCh:
			return
		}
		backoff = nextBackoff(backoff, c.cfg.BackoffBase, c.cfg.BackoffCap)
	}
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.state != StateShuttingDown && c.state != StateClosed {
		c.state = s
	}
	c.mu.Unlock()
}

// dial opens the TCP (and, for the tls protocol, TLS) connection within the
// dial timeout.
func (c *Conn) dial() (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   c.cfg.DialTimeout,
		KeepAlive: keepalivePeriod,
	}

	addr := c.cfg.Server.Addr()
	if c.cfg.Server.Protocol != model.ProtocolTLS {
		conn, err := dialer.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return conn, nil
	}

	tlsCfg, err := buildTLSConfig(c.cfg.Server)
	if err != nil {
		// Bad certificate material is not recoverable by redialling, but the
		// connection stays in Backoff at the cap so a config reload can fix
		// it without restarting the process.
		return nil, err
	}

	conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("tls dial %s: %w", addr, err)
	}
	return conn, nil
}

// buildTLSConfig constructs the client TLS configuration from the TAK
// server's stored certificate material.
func buildTLSConfig(server model.TAKServer) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		ServerName:         server.Host,
		InsecureSkipVerify: !server.VerifyServerCert,
		MinVersion:         tls.VersionTLS12,
	}
	if server.TLSMinVersion == "1.3" {
		tlsCfg.MinVersion = tls.VersionTLS13
	}

	if len(server.ClientCertPEM) > 0 {
		cert, err := tls.X509KeyPair(server.ClientCertPEM, server.ClientKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("load client certificate for %s: %w", server.Name, err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if len(server.CACertPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(server.CACertPEM) {
			return nil, fmt.Errorf("parse CA certificate for %s: no certificates found", server.Name)
		}
		tlsCfg.RootCAs = pool
	}

	return tlsCfg, nil
}
