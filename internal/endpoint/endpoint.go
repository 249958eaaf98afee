package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/kstaniek/go-ais-relay/internal/logging"
	"github.com/kstaniek/go-ais-relay/internal/metrics"
)

// Transport selects the destination protocol. Values match the -t flag.
type Transport int

const (
	UDP Transport = 0
	TCP Transport = 1
)

func (t Transport) String() string {
	switch t {
	case UDP:
		return "udp"
	case TCP:
		return "tcp"
	default:
		return "transport(" + strconv.Itoa(int(t)) + ")"
	}
}

// Greeting is written on every TCP connect, including reconnects.
const Greeting = "aisdecoder connection\r\n"

const (
	defaultDialTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Config describes the destination.
type Config struct {
	Host         string
	Port         string
	Transport    Transport
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// Endpoint owns the destination socket.
//
// UDP: the address is resolved once by Open and one datagram is written per
// Send. TCP: Open connects and writes Greeting; a failed write triggers exactly
// one reconnect and, if that succeeds, exactly one retry of the same payload.
// When the reconnect fails the endpoint stays disconnected and the next
// Send goes through the same cycle.
type Endpoint struct {
	mu     sync.Mutex
	ctx    context.Context
	cfg    Config
	target string
	conn   net.Conn
	closed bool
	dial   DialFunc
	logger *slog.Logger
}

type Option func(*Endpoint)

// WithDialer replaces the dialer (tests inject failing connections).
func WithDialer(d DialFunc) Option {
	return func(e *Endpoint) {
		if d != nil {
			e.dial = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Endpoint) {
		if l != nil {
			e.logger = l
		}
	}
}

// Open resolves the destination and establishes the socket. Any failure here
// is a setup error.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Endpoint, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	e := &Endpoint{
		ctx:    ctx,
		cfg:    cfg,
		logger: logging.L(),
	}
	d := &net.Dialer{}
	e.dial = d.DialContext
	for _, o := range opts {
		o(e)
	}
	hostport := net.JoinHostPort(cfg.Host, cfg.Port)
	switch cfg.Transport {
	case UDP:
		raddr, err := net.ResolveUDPAddr("udp", hostport)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrResolve, err)
		}
		e.target = raddr.String()
		dctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
		conn, err := e.dial(dctx, "udp", e.target)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnect, err)
		}
		e.conn = conn
	case TCP:
		if _, err := net.ResolveTCPAddr("tcp", hostport); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrResolve, err)
		}
		// reconnects re-resolve the name
		e.target = hostport
		if err := e.connect(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown transport %d", ErrConnect, int(cfg.Transport))
	}
	e.logger.Info("endpoint_open", "transport", cfg.Transport.String(), "target", e.target)
	return e, nil
}

// connect dials the TCP target and writes the greeting. Caller holds mu or owns e exclusively.
func (e *Endpoint) connect() error {
	dctx, cancel := context.WithTimeout(e.ctx, e.cfg.DialTimeout)
	defer cancel()
	conn, err := e.dial(dctx, "tcp", e.target)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	e.conn = conn
	if err := e.write([]byte(Greeting)); err != nil {
		e.dropConn()
		return fmt.Errorf("%w: greeting: %v", ErrConnect, err)
	}
	return nil
}

func (e *Endpoint) write(p []byte) error {
	if e.conn == nil {
		return errNotConnected
	}
	_ = e.conn.SetWriteDeadline(time.Now().Add(e.cfg.WriteTimeout))
	_, err := e.conn.Write(p)
	return err
}

func (e *Endpoint) dropConn() {
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
}

// Send writes p to the destination following the transport's failure policy.
func (e *Endpoint) Send(p []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.cfg.Transport == UDP {
		if err := e.write(p); err != nil {
			metrics.IncError(metrics.ErrUDPSend)
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
		return nil
	}
	werr := e.write(p)
	if werr == nil {
		return nil
	}
	metrics.IncError(metrics.ErrTCPWrite)
	// warn once when a live connection breaks; a down target fails every sentence
	if errors.Is(werr, errNotConnected) {
		e.logger.Debug("tcp_write_error", "target", e.target, "error", werr)
	} else {
		e.logger.Warn("tcp_write_error", "target", e.target, "error", werr)
	}
	e.dropConn()
	if err := e.connect(); err != nil {
		metrics.IncError(metrics.ErrTCPReconnect)
		return fmt.Errorf("%w: %v", ErrReconnect, err)
	}
	metrics.IncReconnect()
	e.logger.Info("tcp_reconnected", "target", e.target)
	if err := e.write(p); err != nil {
		metrics.IncError(metrics.ErrTCPWrite)
		e.dropConn()
		return fmt.Errorf("%w: retry: %v", ErrWrite, err)
	}
	return nil
}

// Connected reports whether a socket is currently held.
func (e *Endpoint) Connected() bool { e.mu.Lock(); defer e.mu.Unlock(); return e.conn != nil }

// Target returns the resolved UDP address or the TCP host:port.
func (e *Endpoint) Target() string { return e.target }

// Transport returns the configured transport.
func (e *Endpoint) Transport() Transport { return e.cfg.Transport }

// Close releases the socket. Later sends return ErrClosed.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var err error
	if e.conn != nil {
		err = e.conn.Close()
		e.conn = nil
	}
	return err
}
