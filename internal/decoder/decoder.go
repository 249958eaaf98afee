// Package decoder runs the external AIS decoder and turns its output into
// gateway callbacks.
package decoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/kstaniek/go-ais-relay/internal/gateway"
	"github.com/kstaniek/go-ais-relay/internal/logging"
	"github.com/kstaniek/go-ais-relay/internal/metrics"
	"github.com/kstaniek/go-ais-relay/internal/nmea"
)

var (
	ErrStart = errors.New("decoder start failed")
	ErrExit  = errors.New("decoder exited")
)

// DefaultCommand reads audio from the pipe and prints sentences and levels.
const DefaultCommand = "aisdecoder -d -l -f {pipe}"

const maxLine = 64 * 1024

var levelRe = regexp.MustCompile(`^RX Level on ch (\d+)( too high)?: ([0-9.]+) ?%`)

// Config selects the decoder program.
type Config struct {
	// Command is split on whitespace; {pipe} is replaced with Pipe.
	Command string
	Pipe    string
}

// Argv expands the command template.
func (c Config) Argv() []string {
	tmpl := c.Command
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultCommand
	}
	f := strings.Fields(tmpl)
	for i := range f {
		f[i] = strings.ReplaceAll(f[i], "{pipe}", c.Pipe)
	}
	return f
}

// Run starts the decoder and blocks delivering its output to g until the
// process exits or ctx is cancelled. A clean exit or cancellation returns nil.
func Run(ctx context.Context, cfg Config, g *gateway.Gateway, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.L()
	}
	argv := cfg.Argv()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStart, err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		metrics.IncError(metrics.ErrDecoder)
		return fmt.Errorf("%w: %s: %v", ErrStart, argv[0], err)
	}
	_ = pw.Close()
	logger.Info("decoder_started", "program", argv[0], "pid", cmd.Process.Pid, "pipe", cfg.Pipe)
	Feed(pr, g, logger)
	_ = pr.Close()
	werr := cmd.Wait()
	if ctx.Err() != nil {
		logger.Info("decoder_stopped", "reason", ctx.Err())
		return nil
	}
	if werr != nil {
		metrics.IncError(metrics.ErrDecoder)
		return fmt.Errorf("%w: %v", ErrExit, werr)
	}
	logger.Info("decoder_exit")
	return nil
}

// Feed reads decoder output line by line until EOF. Sentence lines become
// fragments, level lines become level reports, the rest is logged at debug.
// Lines longer than maxLine are dropped whole and reading continues.
func Feed(r io.Reader, g *gateway.Gateway, logger *slog.Logger) {
	if logger == nil {
		logger = logging.L()
	}
	br := bufio.NewReaderSize(r, maxLine)
	for {
		b, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			n := len(b)
			for errors.Is(err, bufio.ErrBufferFull) {
				b, err = br.ReadSlice('\n')
				n += len(b)
			}
			logger.Debug("decoder_line_too_long", "bytes", n, "limit", maxLine)
		} else if len(b) > 0 {
			handleLine(strings.TrimRight(string(b), "\r\n"), g, logger)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("decoder_read_error", "error", err)
			}
			return
		}
	}
}

func handleLine(line string, g *gateway.Gateway, logger *slog.Logger) {
	if nmea.IsSentence(line) {
		f := nmea.ParseFragment(line)
		g.Sentence(f.Text, f.Length, f.Total, f.Index)
		return
	}
	if ch, pct, high, ok := ParseLevel(line); ok {
		g.Level(pct, ch, high)
		return
	}
	if line != "" {
		logger.Debug("decoder_output", "line", line)
	}
}

// ParseLevel recognizes "RX Level on ch N: P %" and the "too high" variant.
func ParseLevel(line string) (channel int, pct float32, tooHigh bool, ok bool) {
	m := levelRe.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, false, false
	}
	ch, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false, false
	}
	v, err := strconv.ParseFloat(m[3], 32)
	if err != nil {
		return 0, 0, false, false
	}
	return ch, float32(v), m[2] != "", true
}
