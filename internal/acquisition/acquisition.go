// Package acquisition launches the rtl_fm front end that writes demodulated
// audio into a named pipe read by the decoder.
package acquisition

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"hz.tools/rf"

	"github.com/kstaniek/go-ais-relay/internal/logging"
	"github.com/kstaniek/go-ais-relay/internal/metrics"
)

var (
	ErrPipeCreate = errors.New("pipe create failed")
	ErrSpawn      = errors.New("acquisition spawn failed")
)

// AutoGain selects the tuner's automatic gain.
const AutoGain = -10

// Fixed rtl_fm sample and output rates.
const (
	SampleRate = "48k"
	OutputRate = "48k"
)

// Defaults for the receiver.
const (
	DefaultProgram  = "rtl_fm"
	DefaultPipeBase = "/tmp/aisdata"
	DefaultGain     = 40
)

// DefaultFrequency is AIS channel A.
var DefaultFrequency = 161975 * rf.KHz

// Config is fixed at startup.
type Config struct {
	DeviceIndex int
	Gain        int
	AGC         bool
	Frequency   rf.Hz
	PPM         int
	PipeBase    string
	Program     string
}

// PipePath returns <base>_<device index>.
func (c Config) PipePath() string {
	return c.PipeBase + "_" + strconv.Itoa(c.DeviceIndex)
}

// Args builds the rtl_fm argument list. -g is omitted for automatic gain.
func (c Config) Args() []string {
	args := []string{"-f", strconv.FormatInt(int64(c.Frequency), 10)}
	if !c.AGC && c.Gain != AutoGain {
		args = append(args, "-g", strconv.Itoa(c.Gain))
	}
	return append(args,
		"-p", strconv.Itoa(c.PPM),
		"-s", SampleRate,
		"-r", OutputRate,
		"-d", strconv.Itoa(c.DeviceIndex),
		c.PipePath(),
	)
}

func (c Config) program() string {
	if c.Program == "" {
		return DefaultProgram
	}
	return c.Program
}

// startCmd is swapped in tests.
var startCmd = func(cmd *exec.Cmd) error { return cmd.Start() }

// Child is the running acquisition process. It is reaped but never killed:
// the receiver keeps running for as long as it can.
type Child struct {
	Pid  int
	done chan struct{}
	mu   sync.Mutex
	err  error
}

// Done is closed once the process has exited.
func (c *Child) Done() <-chan struct{} { return c.done }

// Err returns the wait error after Done is closed.
func (c *Child) Err() error { c.mu.Lock(); defer c.mu.Unlock(); return c.err }

// Start creates the pipe and spawns the acquisition process. It returns as
// soon as the process is started; there is no readiness wait.
func Start(cfg Config, logger *slog.Logger) (*Child, error) {
	if logger == nil {
		logger = logging.L()
	}
	pipe := cfg.PipePath()
	if err := EnsurePipe(pipe); err != nil {
		return nil, err
	}
	cmd := exec.Command(cfg.program(), cfg.Args()...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := startCmd(cmd); err != nil {
		metrics.IncError(metrics.ErrAcquisition)
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, cfg.program(), err)
	}
	ch := &Child{done: make(chan struct{})}
	if cmd.Process != nil {
		ch.Pid = cmd.Process.Pid
	}
	logger.Info("acquisition_started",
		"program", cfg.program(),
		"pid", ch.Pid,
		"pipe", pipe,
		"device", cfg.DeviceIndex,
		"freq_mhz", float64(cfg.Frequency)/float64(rf.MHz),
	)
	go func() {
		var err error
		if cmd.Process != nil {
			err = cmd.Wait()
		}
		ch.mu.Lock()
		ch.err = err
		ch.mu.Unlock()
		close(ch.done)
		if err != nil {
			metrics.IncError(metrics.ErrAcquisition)
			logger.Warn("acquisition_exit", "pid", ch.Pid, "error", err)
			return
		}
		logger.Info("acquisition_exit", "pid", ch.Pid)
	}()
	return ch, nil
}
