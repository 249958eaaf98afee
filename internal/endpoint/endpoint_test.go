package endpoint

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-ais-relay/internal/logging"
	"github.com/kstaniek/go-ais-relay/internal/metrics"
)

// fakeConn is a net.Conn whose writes fail once failAfter successful writes happened.
type fakeConn struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	writes    int
	failAfter int // <0 never fails
	closed    bool
}

func (c *fakeConn) Read(p []byte) (int, error) { return 0, io.EOF }
func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	if c.failAfter >= 0 && c.writes >= c.failAfter {
		return 0, errors.New("broken pipe")
	}
	c.writes++
	return c.buf.Write(p)
}
func (c *fakeConn) Close() error                       { c.mu.Lock(); c.closed = true; c.mu.Unlock(); return nil }
func (c *fakeConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }
func (c *fakeConn) String() string                     { c.mu.Lock(); defer c.mu.Unlock(); return c.buf.String() }

// scriptedDialer hands out conns (or errors) in order and counts dials.
type scriptedDialer struct {
	mu    sync.Mutex
	steps []func() (net.Conn, error)
	dials int
}

func (d *scriptedDialer) dial(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.dials
	d.dials++
	if i >= len(d.steps) {
		return nil, errors.New("connection refused")
	}
	return d.steps[i]()
}

func (d *scriptedDialer) count() int { d.mu.Lock(); defer d.mu.Unlock(); return d.dials }

func conn(c *fakeConn) func() (net.Conn, error) { return func() (net.Conn, error) { return c, nil } }

func refuse() (net.Conn, error) { return nil, errors.New("connection refused") }

func tcpCfg() Config { return Config{Host: "127.0.0.1", Port: "10110", Transport: TCP} }

const sentence = "!AIVDM,1,1,,A,15MgK45P3@G?fl0E`JbR0OwT0@MS,0*4E\r\n"

func TestTCPSendLiveNoReconnect(t *testing.T) {
	c1 := &fakeConn{failAfter: -1}
	d := &scriptedDialer{steps: []func() (net.Conn, error){conn(c1)}}
	e, err := Open(context.Background(), tcpCfg(), WithDialer(d.dial), WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()
	before := metrics.Snap().Reconnects
	if err := e.Send([]byte(sentence)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if d.count() != 1 {
		t.Fatalf("expected a single dial, got %d", d.count())
	}
	if metrics.Snap().Reconnects != before {
		t.Fatalf("unexpected reconnect")
	}
	if c1.String() != Greeting+sentence {
		t.Fatalf("conn got %q", c1.String())
	}
}

func TestTCPSendReconnectsOnceAndRetries(t *testing.T) {
	c1 := &fakeConn{failAfter: 1} // greeting ok, first sentence fails
	c2 := &fakeConn{failAfter: -1}
	d := &scriptedDialer{steps: []func() (net.Conn, error){conn(c1), conn(c2)}}
	e, err := Open(context.Background(), tcpCfg(), WithDialer(d.dial), WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()
	before := metrics.Snap().Reconnects
	if err := e.Send([]byte(sentence)); err != nil {
		t.Fatalf("send after reconnect: %v", err)
	}
	if d.count() != 2 {
		t.Fatalf("expected exactly one reconnect dial, got %d dials", d.count())
	}
	if got := metrics.Snap().Reconnects - before; got != 1 {
		t.Fatalf("expected 1 reconnect, got %d", got)
	}
	// exactly one retry write after the greeting on the new socket
	if c2.String() != Greeting+sentence {
		t.Fatalf("new conn got %q", c2.String())
	}
	if !c1.closed {
		t.Fatalf("failed conn was not closed")
	}
}

func TestTCPSendReconnectFailure(t *testing.T) {
	c1 := &fakeConn{failAfter: 1}
	d := &scriptedDialer{steps: []func() (net.Conn, error){conn(c1), refuse}}
	e, err := Open(context.Background(), tcpCfg(), WithDialer(d.dial), WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()
	err = e.Send([]byte(sentence))
	if !errors.Is(err, ErrReconnect) {
		t.Fatalf("expected ErrReconnect, got %v", err)
	}
	if d.count() != 2 {
		t.Fatalf("expected no retries beyond one reconnect, got %d dials", d.count())
	}
	if e.Connected() {
		t.Fatalf("endpoint should be disconnected")
	}
	// next send attempts its own single reconnect
	if err := e.Send([]byte(sentence)); !errors.Is(err, ErrReconnect) {
		t.Fatalf("expected ErrReconnect on second send, got %v", err)
	}
	if d.count() != 3 {
		t.Fatalf("expected one more dial, got %d", d.count())
	}
}

func TestTCPRecoversAfterOutage(t *testing.T) {
	c1 := &fakeConn{failAfter: 1}
	c3 := &fakeConn{failAfter: -1}
	d := &scriptedDialer{steps: []func() (net.Conn, error){conn(c1), refuse, conn(c3)}}
	e, err := Open(context.Background(), tcpCfg(), WithDialer(d.dial), WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()
	_ = e.Send([]byte("lost\r\n"))
	if err := e.Send([]byte(sentence)); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if c3.String() != Greeting+sentence {
		t.Fatalf("recovered conn got %q", c3.String())
	}
}

func TestTCPOpenConnectFailure(t *testing.T) {
	d := &scriptedDialer{steps: []func() (net.Conn, error){refuse}}
	_, err := Open(context.Background(), tcpCfg(), WithDialer(d.dial), WithLogger(logging.Discard()))
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}
}

func TestTCPOpenGreetingFailure(t *testing.T) {
	d := &scriptedDialer{steps: []func() (net.Conn, error){conn(&fakeConn{failAfter: 0})}}
	_, err := Open(context.Background(), tcpCfg(), WithDialer(d.dial), WithLogger(logging.Discard()))
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect on greeting failure, got %v", err)
	}
}

func TestOpenResolveFailure(t *testing.T) {
	for _, tr := range []Transport{UDP, TCP} {
		_, err := Open(context.Background(), Config{Host: "127.0.0.1", Port: "no-such-port-name", Transport: tr}, WithLogger(logging.Discard()))
		if !errors.Is(err, ErrResolve) {
			t.Fatalf("%s: expected ErrResolve, got %v", tr, err)
		}
	}
}

func TestUDPSendOneDatagramPerCall(t *testing.T) {
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer pc.Close()
	port := strconv.Itoa(pc.LocalAddr().(*net.UDPAddr).Port)
	e, err := Open(context.Background(), Config{Host: "127.0.0.1", Port: port, Transport: UDP}, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()
	payloads := []string{sentence, "!AIVDM,2,1,3,B,abc,0*00\r\n!AIVDM,2,2,3,B,def,2*25\r\n"}
	for _, p := range payloads {
		if err := e.Send([]byte(p)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	buf := make([]byte, 4096)
	for i, want := range payloads {
		_ = pc.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := pc.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("read datagram %d: %v", i, err)
		}
		if n != len(want) || string(buf[:n]) != want {
			t.Fatalf("datagram %d: got %d bytes %q want %d bytes", i, n, buf[:n], len(want))
		}
	}
}

// A failing UDP socket reports each send and stays usable; relaying goes on.
func TestUDPSendFailureDegrades(t *testing.T) {
	c := &fakeConn{failAfter: 0}
	d := &scriptedDialer{steps: []func() (net.Conn, error){conn(c)}}
	e, err := Open(context.Background(), Config{Host: "127.0.0.1", Port: "10110", Transport: UDP}, WithDialer(d.dial), WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()
	before := metrics.Snap().Errors
	for i := 0; i < 3; i++ {
		if err := e.Send([]byte(sentence)); !errors.Is(err, ErrWrite) {
			t.Fatalf("send %d: expected ErrWrite, got %v", i, err)
		}
		if !e.Connected() {
			t.Fatalf("send %d: udp endpoint dropped its socket", i)
		}
	}
	if got := metrics.Snap().Errors - before; got < 3 {
		t.Fatalf("expected 3 counted errors, got %d", got)
	}
	if d.count() != 1 {
		t.Fatalf("udp must not redial, got %d dials", d.count())
	}
	// the same socket carries traffic again once writes succeed
	c.mu.Lock()
	c.failAfter = -1
	c.mu.Unlock()
	if err := e.Send([]byte(sentence)); err != nil {
		t.Fatalf("send after recovery: %v", err)
	}
	if c.String() != sentence {
		t.Fatalf("conn got %q", c.String())
	}
}

// Only the break of a live connection is a warning; sends while the target
// stays down log at debug.
func TestTCPWriteErrorWarnsOnce(t *testing.T) {
	var logs bytes.Buffer
	c1 := &fakeConn{failAfter: 1}
	d := &scriptedDialer{steps: []func() (net.Conn, error){conn(c1), refuse, refuse, refuse}}
	e, err := Open(context.Background(), tcpCfg(), WithDialer(d.dial), WithLogger(logging.New("json", slog.LevelWarn, &logs)))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()
	for i := 0; i < 3; i++ {
		if err := e.Send([]byte(sentence)); !errors.Is(err, ErrReconnect) {
			t.Fatalf("send %d: expected ErrReconnect, got %v", i, err)
		}
	}
	if got := strings.Count(logs.String(), "tcp_write_error"); got != 1 {
		t.Fatalf("expected 1 tcp_write_error warning, got %d: %s", got, logs.String())
	}
}

func TestTCPLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	lines := make(chan string, 4)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		sc := bufio.NewScanner(c)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	e, err := Open(context.Background(), Config{Host: "127.0.0.1", Port: port, Transport: TCP}, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()
	if err := e.Send([]byte(sentence)); err != nil {
		t.Fatalf("send: %v", err)
	}
	// ScanLines strips the CRLF terminator
	for _, want := range []string{"aisdecoder connection", sentence[:len(sentence)-2]} {
		select {
		case got := <-lines:
			if got != want {
				t.Fatalf("got %q want %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %q", want)
		}
	}
}

func TestSendAfterClose(t *testing.T) {
	d := &scriptedDialer{steps: []func() (net.Conn, error){conn(&fakeConn{failAfter: -1})}}
	e, err := Open(context.Background(), tcpCfg(), WithDialer(d.dial), WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = e.Close()
	if err := e.Send([]byte(sentence)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
