// Package sink fans completed sentences out to the configured outputs.
package sink

import (
	"io"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/kstaniek/go-ais-relay/internal/logging"
	"github.com/kstaniek/go-ais-relay/internal/metrics"
)

// Sink is one output for complete sentences.
type Sink interface {
	Name() string
	Write(p []byte) error
}

// Set is the fixed sink set. A nil member is disabled.
type Set struct {
	Console Sink
	Serial  Sink
	Network Sink
}

// Enabled returns the active sinks in dispatch order.
func (s Set) Enabled() []Sink {
	out := make([]Sink, 0, 3)
	for _, k := range []Sink{s.Console, s.Serial, s.Network} {
		if k != nil {
			out = append(out, k)
		}
	}
	return out
}

// Write failure warnings per sink: a burst of 5, then one per second.
const (
	warnBurst = 5
	warnEvery = time.Second
)

type target struct {
	Sink
	warn       *rate.Limiter
	suppressed int
}

// Dispatcher writes each sentence to every enabled sink in order
// console, serial, network. A failing sink never stops the others.
type Dispatcher struct {
	sinks  []*target
	logger *slog.Logger
}

// NewDispatcher captures the enabled members of set; set is not consulted again.
func NewDispatcher(set Set, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.L()
	}
	d := &Dispatcher{logger: logger}
	for _, s := range set.Enabled() {
		d.sinks = append(d.sinks, &target{Sink: s, warn: rate.NewLimiter(rate.Every(warnEvery), warnBurst)})
	}
	return d
}

// Dispatch delivers one complete sentence.
func (d *Dispatcher) Dispatch(sentence []byte) {
	if len(sentence) == 0 {
		return
	}
	metrics.IncDispatched()
	for _, t := range d.sinks {
		err := t.Write(sentence)
		if err == nil {
			continue
		}
		// a dead destination fails on every sentence
		if !t.warn.Allow() {
			t.suppressed++
			continue
		}
		d.logger.Warn("sink_write_error", "sink", t.Name(), "error", err, "suppressed", t.suppressed)
		t.suppressed = 0
	}
}

// Sinks returns the names of the enabled sinks.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}

// Console writes raw sentence text to a diagnostic stream.
type Console struct{ W io.Writer }

func (c *Console) Name() string { return metrics.SinkConsole }

func (c *Console) Write(p []byte) error {
	if _, err := c.W.Write(p); err != nil {
		metrics.IncError(metrics.ErrConsoleWrite)
		return err
	}
	metrics.IncSinkWrite(metrics.SinkConsole)
	return nil
}

// Queue is a non-blocking byte queue such as serial.TXWriter.
type Queue interface {
	Send(p []byte) error
}

// Serial hands sentences to the serial writer queue. Success is counted by
// the writer once bytes reach the device.
type Serial struct{ Q Queue }

func (s *Serial) Name() string { return metrics.SinkSerial }

func (s *Serial) Write(p []byte) error {
	// the queue outlives this call
	b := make([]byte, len(p))
	copy(b, p)
	return s.Q.Send(b)
}

// Sender is the network endpoint contract.
type Sender interface {
	Send(p []byte) error
}

// Network forwards sentences to the UDP or TCP endpoint. Reconnect and
// retry happen inside the endpoint.
type Network struct{ E Sender }

func (n *Network) Name() string { return metrics.SinkNetwork }

func (n *Network) Write(p []byte) error {
	if err := n.E.Send(p); err != nil {
		return err
	}
	metrics.IncSinkWrite(metrics.SinkNetwork)
	return nil
}
