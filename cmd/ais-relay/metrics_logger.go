package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-ais-relay/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logSnapshot(l, metrics.Snap())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logSnapshot(l *slog.Logger, snap metrics.Snapshot) {
	l.Info("metrics_snapshot",
		"fragments", snap.Fragments,
		"dispatched", snap.Dispatched,
		"overflows", snap.Overflows,
		"console_tx", snap.ConsoleTx,
		"serial_tx", snap.SerialTx,
		"serial_queue", snap.SerialQ,
		"network_tx", snap.NetworkTx,
		"reconnects", snap.Reconnects,
		"levels", snap.Levels,
		"level_too_high", snap.TooHigh,
		"last_level", snap.LastLevel,
		"errors", snap.Errors,
	)
}
