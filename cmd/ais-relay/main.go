package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/kstaniek/go-ais-relay/internal/acquisition"
	"github.com/kstaniek/go-ais-relay/internal/decoder"
	"github.com/kstaniek/go-ais-relay/internal/gateway"
	"github.com/kstaniek/go-ais-relay/internal/metrics"
	"github.com/kstaniek/go-ais-relay/internal/relay"
	"github.com/kstaniek/go-ais-relay/internal/sink"
)

// startAcquisition and runDecoder are hooks for tests.
var (
	startAcquisition = acquisition.Start
	runDecoder       = decoder.Run
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, showVersion, err := parseFlags(args, os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}
	if showVersion {
		fmt.Printf("ais-relay %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	// Write errors on closed sockets are handled where they happen.
	signal.Ignore(syscall.SIGPIPE)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	defer wg.Wait()
	defer stop()
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	set, cleanup, err := buildSinks(ctx, cfg, l)
	if err != nil {
		l.Error("setup_error", "stage", "network", "error", err)
		return 1
	}
	defer cleanup()
	d := sink.NewDispatcher(set, l)
	l.Info("sinks", "enabled", d.Sinks())

	g := gateway.New()
	var levels io.Writer
	if cfg.showLevels {
		levels = os.Stderr
	}
	relay.New(d, levels, l).Attach(g)

	acq := cfg.acquisitionConfig()
	child, err := startAcquisition(acq, l)
	if err != nil {
		l.Error("setup_error", "stage", "acquisition", "error", err)
		return 1
	}
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-child.Done():
			return false
		default:
		}
		return ctx.Err() == nil
	})

	err = runDecoder(ctx, decoder.Config{Command: cfg.decoderCmd, Pipe: acq.PipePath()}, g, l)
	switch {
	case errors.Is(err, decoder.ErrStart):
		l.Error("setup_error", "stage", "decoder", "error", err)
		return 1
	case err != nil:
		l.Error("decoder_error", "error", err)
		return 1
	}
	l.Info("shutdown")
	return 0
}
