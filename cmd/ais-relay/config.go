package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"hz.tools/rf"

	"github.com/kstaniek/go-ais-relay/internal/acquisition"
	"github.com/kstaniek/go-ais-relay/internal/decoder"
	"github.com/kstaniek/go-ais-relay/internal/endpoint"
	"github.com/kstaniek/go-ais-relay/internal/serial"
)

type appConfig struct {
	host      string
	port      string
	transport int
	pipeBase  string

	showLevels bool
	debug      bool

	serialDev   string
	serialBaud  int
	serialRaw   bool
	serialQueue int

	device     int
	gain       int
	agc        bool
	frequency  int64
	ppm        int
	rtlFM      string
	decoderCmd string

	dialTO      time.Duration
	writeTO     time.Duration
	mdnsService string
	mdnsTimeout time.Duration

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	configFile      string
}

func defaultConfig() *appConfig {
	return &appConfig{
		transport:   int(endpoint.UDP),
		pipeBase:    acquisition.DefaultPipeBase,
		serialBaud:  serial.DefaultBaud,
		serialQueue: 256,
		gain:        acquisition.DefaultGain,
		frequency:   int64(acquisition.DefaultFrequency),
		rtlFM:       acquisition.DefaultProgram,
		decoderCmd:  decoder.DefaultCommand,
		dialTO:      5 * time.Second,
		writeTO:     5 * time.Second,
		mdnsTimeout: 3 * time.Second,
		logFormat:   "text",
		logLevel:    "info",
	}
}

func newFlagSet(c *appConfig, out io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("ais-relay", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVarP(&c.host, "host", "h", c.host, "Destination host for NMEA sentences")
	fs.StringVarP(&c.port, "port", "p", c.port, "Destination port")
	fs.IntVarP(&c.transport, "transport", "t", c.transport, "Destination transport: 0=UDP 1=TCP")
	fs.StringVarP(&c.pipeBase, "pipe", "f", c.pipeBase, "Named pipe base path (device index is appended)")
	fs.BoolVarP(&c.showLevels, "levels", "l", c.showLevels, "Print RX signal levels")
	fs.BoolVarP(&c.debug, "debug", "d", c.debug, "Print every relayed sentence to stderr")
	fs.StringVarP(&c.serialDev, "serial", "n", c.serialDev, "Serial device for NMEA output (empty disables)")
	fs.IntVar(&c.serialBaud, "serial-baud", c.serialBaud, "Serial baud rate for console devices or with --serial-raw")
	fs.BoolVar(&c.serialRaw, "serial-raw", c.serialRaw, "Configure any serial device as 8N1 raw at --serial-baud")
	fs.IntVar(&c.serialQueue, "serial-queue", c.serialQueue, "Serial write queue length (sentences)")
	fs.IntVarP(&c.device, "device", "D", c.device, "RTL-SDR device index")
	fs.IntVarP(&c.gain, "gain", "G", c.gain, "Tuner gain in dB (-10 for auto)")
	fs.BoolVarP(&c.agc, "agc", "C", c.agc, "Enable automatic gain control")
	fs.Int64VarP(&c.frequency, "frequency", "F", c.frequency, "Center frequency in Hz")
	fs.IntVarP(&c.ppm, "ppm", "P", c.ppm, "Frequency correction in ppm")
	fs.StringVar(&c.rtlFM, "rtl-fm", c.rtlFM, "Acquisition program")
	fs.StringVar(&c.decoderCmd, "decoder", c.decoderCmd, "Decoder command; {pipe} is replaced with the pipe path")
	fs.DurationVar(&c.dialTO, "dial-timeout", c.dialTO, "TCP connect timeout")
	fs.DurationVar(&c.writeTO, "write-timeout", c.writeTO, "Network write deadline")
	fs.StringVar(&c.mdnsService, "mdns-service", c.mdnsService, "Discover the destination via mDNS when no host is set (e.g. _nmea-0183._tcp)")
	fs.DurationVar(&c.mdnsTimeout, "mdns-timeout", c.mdnsTimeout, "mDNS browse timeout")
	fs.StringVar(&c.logFormat, "log-format", c.logFormat, "Log format: text|json")
	fs.StringVar(&c.logLevel, "log-level", c.logLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&c.metricsAddr, "metrics-addr", c.metricsAddr, "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&c.logMetricsEvery, "log-metrics-interval", c.logMetricsEvery, "If >0, periodically log metrics counters")
	fs.StringVar(&c.configFile, "config", c.configFile, "YAML config file")
	fs.BoolP("help", "H", false, "Show help")
	fs.Bool("version", false, "Print version and exit")
	return fs
}

// parseFlags resolves the configuration with precedence flag > env > file > default.
// pflag.ErrHelp is returned after usage was printed for -H/--help.
func parseFlags(args []string, out io.Writer) (*appConfig, bool, error) {
	cfg := defaultConfig()
	fs := newFlagSet(cfg, out)
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if help, _ := fs.GetBool("help"); help {
		fmt.Fprintf(out, "Usage: ais-relay [flags]\n")
		fs.PrintDefaults()
		return nil, false, pflag.ErrHelp
	}
	showVersion, _ := fs.GetBool("version")
	if showVersion {
		return cfg, true, nil
	}
	if n := fs.NArg(); n > 0 {
		return nil, false, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	// Track which flags were explicitly set to give them precedence.
	set := map[string]struct{}{}
	fs.Visit(func(f *pflag.Flag) { set[f.Name] = struct{}{} })

	if path := envOr("AIS_RELAY_CONFIG", cfg.configFile, set, "config"); path != "" {
		cfg.configFile = path
		fc, err := loadConfigFile(path)
		if err != nil {
			return nil, false, err
		}
		fc.apply(cfg, set)
	}
	if err := applyEnvOverrides(cfg, set); err != nil {
		return nil, false, err
	}
	if err := cfg.validate(); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

func envOr(key, cur string, set map[string]struct{}, flag string) string {
	if _, ok := set[flag]; ok {
		return cur
	}
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return cur
}

// validate checks values and ranges only. It does not open devices or sockets.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch endpoint.Transport(c.transport) {
	case endpoint.UDP, endpoint.TCP:
	default:
		return fmt.Errorf("invalid transport: %d (0=UDP 1=TCP)", c.transport)
	}
	if c.port != "" {
		if n, err := strconv.Atoi(c.port); err == nil && (n <= 0 || n > 65535) {
			return fmt.Errorf("port out of range: %d", n)
		}
	}
	if c.pipeBase == "" {
		return errors.New("pipe base must not be empty")
	}
	if c.device < 0 {
		return fmt.Errorf("device index must be >= 0 (got %d)", c.device)
	}
	if c.frequency <= 0 {
		return fmt.Errorf("frequency must be > 0 (got %d)", c.frequency)
	}
	if c.serialBaud <= 0 {
		return fmt.Errorf("serial-baud must be > 0 (got %d)", c.serialBaud)
	}
	if c.serialQueue <= 0 {
		return fmt.Errorf("serial-queue must be > 0 (got %d)", c.serialQueue)
	}
	if c.rtlFM == "" {
		return errors.New("rtl-fm must not be empty")
	}
	if strings.TrimSpace(c.decoderCmd) == "" {
		return errors.New("decoder must not be empty")
	}
	if c.dialTO <= 0 {
		return errors.New("dial-timeout must be > 0")
	}
	if c.writeTO <= 0 {
		return errors.New("write-timeout must be > 0")
	}
	if c.mdnsTimeout <= 0 {
		return errors.New("mdns-timeout must be > 0")
	}
	if c.logMetricsEvery < 0 {
		return errors.New("log-metrics-interval must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps AIS_RELAY_* environment variables to config fields
// unless the corresponding flag was explicitly set. Empty values are ignored.
// The first malformed value is returned; the rest are still applied.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(flag, key string) (string, bool) {
		if _, ok := set[flag]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	str := func(flag, key string, dst *string) {
		if v, ok := get(flag, key); ok {
			*dst = v
		}
	}
	num := func(flag, key string, dst *int) {
		if v, ok := get(flag, key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = n
		}
	}
	boolean := func(flag, key string, dst *bool) {
		if v, ok := get(flag, key); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				fail(key, fmt.Errorf("not a boolean: %q", v))
			}
		}
	}
	dur := func(flag, key string, dst *time.Duration) {
		if v, ok := get(flag, key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = d
		}
	}

	str("host", "AIS_RELAY_HOST", &c.host)
	str("port", "AIS_RELAY_PORT", &c.port)
	num("transport", "AIS_RELAY_TRANSPORT", &c.transport)
	str("pipe", "AIS_RELAY_PIPE", &c.pipeBase)
	boolean("levels", "AIS_RELAY_LEVELS", &c.showLevels)
	boolean("debug", "AIS_RELAY_DEBUG", &c.debug)
	str("serial", "AIS_RELAY_SERIAL", &c.serialDev)
	num("serial-baud", "AIS_RELAY_SERIAL_BAUD", &c.serialBaud)
	boolean("serial-raw", "AIS_RELAY_SERIAL_RAW", &c.serialRaw)
	num("serial-queue", "AIS_RELAY_SERIAL_QUEUE", &c.serialQueue)
	num("device", "AIS_RELAY_DEVICE", &c.device)
	num("gain", "AIS_RELAY_GAIN", &c.gain)
	boolean("agc", "AIS_RELAY_AGC", &c.agc)
	if v, ok := get("frequency", "AIS_RELAY_FREQUENCY"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.frequency = n
		} else {
			fail("AIS_RELAY_FREQUENCY", err)
		}
	}
	num("ppm", "AIS_RELAY_PPM", &c.ppm)
	str("rtl-fm", "AIS_RELAY_RTL_FM", &c.rtlFM)
	str("decoder", "AIS_RELAY_DECODER", &c.decoderCmd)
	dur("dial-timeout", "AIS_RELAY_DIAL_TIMEOUT", &c.dialTO)
	dur("write-timeout", "AIS_RELAY_WRITE_TIMEOUT", &c.writeTO)
	str("mdns-service", "AIS_RELAY_MDNS_SERVICE", &c.mdnsService)
	dur("mdns-timeout", "AIS_RELAY_MDNS_TIMEOUT", &c.mdnsTimeout)
	str("log-format", "AIS_RELAY_LOG_FORMAT", &c.logFormat)
	str("log-level", "AIS_RELAY_LOG_LEVEL", &c.logLevel)
	str("metrics-addr", "AIS_RELAY_METRICS", &c.metricsAddr)
	dur("log-metrics-interval", "AIS_RELAY_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	return firstErr
}

func (c *appConfig) acquisitionConfig() acquisition.Config {
	return acquisition.Config{
		DeviceIndex: c.device,
		Gain:        c.gain,
		AGC:         c.agc,
		Frequency:   rf.Hz(c.frequency),
		PPM:         c.ppm,
		PipeBase:    c.pipeBase,
		Program:     c.rtlFM,
	}
}
