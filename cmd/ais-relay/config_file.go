package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the long flag names. Absent keys stay nil and leave the
// default in place.
type fileConfig struct {
	Host        *string `yaml:"host"`
	Port        *string `yaml:"port"`
	Transport   *string `yaml:"transport"`
	Pipe        *string `yaml:"pipe"`
	Levels      *bool   `yaml:"levels"`
	Debug       *bool   `yaml:"debug"`
	Serial      *string `yaml:"serial"`
	SerialBaud  *int    `yaml:"serial-baud"`
	SerialRaw   *bool   `yaml:"serial-raw"`
	SerialQueue *int    `yaml:"serial-queue"`
	Device      *int    `yaml:"device"`
	Gain        *int    `yaml:"gain"`
	AGC         *bool   `yaml:"agc"`
	Frequency   *int64  `yaml:"frequency"`
	PPM         *int    `yaml:"ppm"`
	RTLFM       *string `yaml:"rtl-fm"`
	Decoder     *string `yaml:"decoder"`

	DialTimeout  *time.Duration `yaml:"dial-timeout"`
	WriteTimeout *time.Duration `yaml:"write-timeout"`
	MDNSService  *string        `yaml:"mdns-service"`
	MDNSTimeout  *time.Duration `yaml:"mdns-timeout"`

	LogFormat          *string        `yaml:"log-format"`
	LogLevel           *string        `yaml:"log-level"`
	MetricsAddr        *string        `yaml:"metrics-addr"`
	LogMetricsInterval *time.Duration `yaml:"log-metrics-interval"`
}

func loadConfigFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return parseConfigFile(data)
}

func parseConfigFile(data []byte) (*fileConfig, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &fc, nil
}

// overlay copies src into dst unless src is absent or the flag was set.
func overlay[T any](set map[string]struct{}, flag string, src *T, dst *T) {
	if _, ok := set[flag]; !ok && src != nil {
		*dst = *src
	}
}

// apply copies present keys into c, skipping explicitly set flags.
func (fc *fileConfig) apply(c *appConfig, set map[string]struct{}) {
	overlay(set, "host", fc.Host, &c.host)
	overlay(set, "port", fc.Port, &c.port)
	if _, ok := set["transport"]; !ok && fc.Transport != nil {
		switch *fc.Transport {
		case "udp", "0":
			c.transport = 0
		case "tcp", "1":
			c.transport = 1
		default:
			c.transport = -1 // rejected by validate
		}
	}
	overlay(set, "pipe", fc.Pipe, &c.pipeBase)
	overlay(set, "levels", fc.Levels, &c.showLevels)
	overlay(set, "debug", fc.Debug, &c.debug)
	overlay(set, "serial", fc.Serial, &c.serialDev)
	overlay(set, "serial-baud", fc.SerialBaud, &c.serialBaud)
	overlay(set, "serial-raw", fc.SerialRaw, &c.serialRaw)
	overlay(set, "serial-queue", fc.SerialQueue, &c.serialQueue)
	overlay(set, "device", fc.Device, &c.device)
	overlay(set, "gain", fc.Gain, &c.gain)
	overlay(set, "agc", fc.AGC, &c.agc)
	overlay(set, "frequency", fc.Frequency, &c.frequency)
	overlay(set, "ppm", fc.PPM, &c.ppm)
	overlay(set, "rtl-fm", fc.RTLFM, &c.rtlFM)
	overlay(set, "decoder", fc.Decoder, &c.decoderCmd)
	overlay(set, "dial-timeout", fc.DialTimeout, &c.dialTO)
	overlay(set, "write-timeout", fc.WriteTimeout, &c.writeTO)
	overlay(set, "mdns-service", fc.MDNSService, &c.mdnsService)
	overlay(set, "mdns-timeout", fc.MDNSTimeout, &c.mdnsTimeout)
	overlay(set, "log-format", fc.LogFormat, &c.logFormat)
	overlay(set, "log-level", fc.LogLevel, &c.logLevel)
	overlay(set, "metrics-addr", fc.MetricsAddr, &c.metricsAddr)
	overlay(set, "log-metrics-interval", fc.LogMetricsInterval, &c.logMetricsEvery)
}
