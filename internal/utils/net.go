package utils

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// ListenInRange listens on the first free TCP port in [portMin, portMax].
// A zero portMin picks an ephemeral port.
func ListenInRange(ctx context.Context, host string, portMin, portMax int) (net.Listener, error) {
	var lc net.ListenConfig
	if portMin <= 0 {
		return lc.Listen(ctx, "tcp", net.JoinHostPort(host, "0"))
	}
	if portMax < portMin {
		portMax = portMin
	}

	var lastErr error
	for port := portMin; port <= portMax; port++ {
		ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free port in %d-%d: %w", portMin, portMax, lastErr)
}

// ListenerPort returns the TCP port ln is bound to, or 0.
func ListenerPort(ln net.Listener) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}
