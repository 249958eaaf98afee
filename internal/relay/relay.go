// Package relay connects the decoder gateway to reassembly and the sinks.
package relay

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/kstaniek/go-ais-relay/internal/gateway"
	"github.com/kstaniek/go-ais-relay/internal/logging"
	"github.com/kstaniek/go-ais-relay/internal/metrics"
	"github.com/kstaniek/go-ais-relay/internal/nmea"
)

// Dispatcher receives complete sentences.
type Dispatcher interface {
	Dispatch(sentence []byte)
}

// Relay owns the reassembly buffer. All calls arrive serialized through the
// gateway.
type Relay struct {
	r      *nmea.Reassembler
	out    Dispatcher
	levels io.Writer // nil: level lines are not printed
	logger *slog.Logger
}

// New builds a relay. levels receives human-readable level lines when non-nil.
func New(out Dispatcher, levels io.Writer, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = logging.L()
	}
	return &Relay{r: nmea.NewReassembler(), out: out, levels: levels, logger: logger}
}

// Attach registers the relay in both gateway slots.
func (rl *Relay) Attach(g *gateway.Gateway) {
	g.OnSentence(rl.HandleSentence)
	g.OnLevel(rl.HandleLevel)
}

// HandleSentence feeds one fragment through the reassembler and dispatches
// the sentence it completes, if any.
func (rl *Relay) HandleSentence(text string, length uint, total, index uint8) {
	metrics.IncFragment()
	f := nmea.Fragment{Text: text, Length: length, Total: total, Index: index}
	s, ok := rl.r.Add(f)
	if !ok {
		if total > 1 {
			rl.logger.Debug("fragment_buffered", "index", index, "total", total, "pending", rl.r.Pending())
		}
		return
	}
	rl.out.Dispatch(s)
}

// HandleLevel records a level report and prints it when enabled.
func (rl *Relay) HandleLevel(level float32, channel int, tooHigh bool) {
	metrics.ObserveLevel(float64(level), tooHigh)
	if rl.levels == nil {
		return
	}
	var err error
	if tooHigh {
		_, err = fmt.Fprintf(rl.levels, "RX Level on ch %d too high: %.0f %%\n", channel, level)
	} else {
		_, err = fmt.Fprintf(rl.levels, "RX Level on ch %d: %.0f %%\n", channel, level)
	}
	if err != nil {
		rl.logger.Debug("level_write_error", "error", err)
	}
}

// Pending reports buffered bytes of an incomplete sentence.
func (rl *Relay) Pending() int { return rl.r.Pending() }
