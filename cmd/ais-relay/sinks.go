package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/kstaniek/go-ais-relay/internal/endpoint"
	"github.com/kstaniek/go-ais-relay/internal/metrics"
	"github.com/kstaniek/go-ais-relay/internal/serial"
	"github.com/kstaniek/go-ais-relay/internal/sink"
)

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

type networkEndpoint interface {
	Send(p []byte) error
	Close() error
}

// dialEndpoint is a hook for tests.
var dialEndpoint = func(ctx context.Context, cfg endpoint.Config, l *slog.Logger) (networkEndpoint, error) {
	return endpoint.Open(ctx, cfg, endpoint.WithLogger(l))
}

// networkTarget decides the destination. ok is false when the network sink
// stays disabled; a missing host or port alone only warns.
func networkTarget(ctx context.Context, cfg *appConfig, l *slog.Logger) (host, port string, ok bool) {
	host, port = cfg.host, cfg.port
	if host == "" && cfg.mdnsService != "" {
		h, p, err := discoverFn(ctx, cfg.mdnsService, cfg.mdnsTimeout)
		if err != nil {
			l.Warn("mdns_discovery_failed", "service", cfg.mdnsService, "error", err)
			return "", "", false
		}
		l.Info("mdns_discovered", "service", cfg.mdnsService, "host", h, "port", p)
		host = h
		if port == "" {
			port = p
		}
	}
	switch {
	case host == "" && port == "":
		l.Info("network_disabled")
		return "", "", false
	case host == "":
		l.Warn("host_not_set", "port", port)
		return "", "", false
	case port == "":
		l.Warn("port_not_set", "host", host)
		return "", "", false
	}
	return host, port, true
}

// buildSinks opens every configured output. Only a network setup failure is
// fatal; a serial device that cannot be opened disables the serial sink.
func buildSinks(ctx context.Context, cfg *appConfig, l *slog.Logger) (sink.Set, func(), error) {
	var set sink.Set
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.debug {
		set.Console = &sink.Console{W: os.Stderr}
	}

	if cfg.serialDev != "" {
		sp, err := openSerialPort(cfg.serialDev, serial.Options{Baud: cfg.serialBaud, Raw: cfg.serialRaw})
		if err != nil {
			metrics.IncError(metrics.ErrSerialOpen)
			l.Warn("serial_open_failed", "device", cfg.serialDev, "error", err)
		} else {
			l.Info("serial_open", "device", cfg.serialDev, "console", serial.IsConsoleDevice(cfg.serialDev))
			if _, err := sp.Write([]byte(serial.Greeting)); err != nil {
				l.Warn("serial_greeting_failed", "device", cfg.serialDev, "error", err)
			}
			w := serial.NewTXWriter(ctx, sp, cfg.serialQueue)
			set.Serial = &sink.Serial{Q: w}
			closers = append(closers, func() { w.Close(); _ = sp.Close() })
		}
	}

	if host, port, ok := networkTarget(ctx, cfg, l); ok {
		ep, err := dialEndpoint(ctx, endpoint.Config{
			Host:         host,
			Port:         port,
			Transport:    endpoint.Transport(cfg.transport),
			DialTimeout:  cfg.dialTO,
			WriteTimeout: cfg.writeTO,
		}, l)
		if err != nil {
			cleanup()
			return sink.Set{}, func() {}, fmt.Errorf("network setup: %w", err)
		}
		set.Network = &sink.Network{E: ep}
		closers = append(closers, func() { _ = ep.Close() })
	}
	return set, cleanup, nil
}
