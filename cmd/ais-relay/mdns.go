package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

var errNoInstance = errors.New("no mdns instance found")

// discoverFn is a hook for tests.
var discoverFn = discoverMDNS

// discoverMDNS browses service in the local domain and returns host and port
// of the first instance that carries an address.
func discoverMDNS(ctx context.Context, service string, timeout time.Duration) (string, string, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return "", "", fmt.Errorf("mdns resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		return "", "", fmt.Errorf("mdns browse: %w", err)
	}
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return "", "", fmt.Errorf("%w: %s", errNoInstance, service)
			}
			if host, port, ok := entryTarget(e); ok {
				return host, port, nil
			}
		case <-ctx.Done():
			return "", "", fmt.Errorf("%w: %s", errNoInstance, service)
		}
	}
}

// entryTarget prefers IPv4, then IPv6, then the advertised host name.
func entryTarget(e *zeroconf.ServiceEntry) (string, string, bool) {
	if e == nil || e.Port <= 0 {
		return "", "", false
	}
	port := strconv.Itoa(e.Port)
	for _, ips := range [][]net.IP{e.AddrIPv4, e.AddrIPv6} {
		if len(ips) > 0 {
			return ips[0].String(), port, true
		}
	}
	if h := strings.TrimSuffix(e.HostName, "."); h != "" {
		return h, port, true
	}
	return "", "", false
}
