package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/go-ais-relay/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "ais-relay")
	logging.Set(l)
	return l
}
