package sshchan

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/Psiphon-Labs/psiphon-tunnel-core/psiphon/common/obfuscator"
	"github.com/Psiphon-Labs/psiphon-tunnel-core/psiphon/common/prng"
)

// Resolver looks up the addresses of a host. *net.Resolver implements Resolver.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// dialTransport resolves host and connects to its addresses in order, returning the first
// connection established. Each attempt is bounded by timeout; a timeout <= 0 means no bound.
func dialTransport(ctx context.Context, d NetDialer, r Resolver, host string, port int, timeout time.Duration) (net.Conn, error) {
	addrs, err := r.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, Unknown("no addresses for %s", host)
	}

	var lastErr error
	for _, addr := range addrs {
		conn, err := dialOne(ctx, d, net.JoinHostPort(addr, strconv.Itoa(port)), timeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("failed to dial TCP: %w", lastErr)
}

func dialOne(ctx context.Context, d NetDialer, address string, timeout time.Duration) (net.Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%s: %w", address, ErrTimeout)
		}
		return nil, err
	}
	return conn, nil
}

// obfuscate wraps transport in the client side of an obfuscated SSH layer. The server must use the
// same keyword.
func obfuscate(transport net.Conn, keyword string) (net.Conn, error) {
	prngSeed, err := prng.NewSeed()
	if err != nil {
		return nil, fmt.Errorf("failed to generate PRNG seed: %w", err)
	}
	osshConn, err := obfuscator.NewClientObfuscatedSSHConn(
		transport,
		keyword,
		prngSeed,
		// Set min/max padding to nil to use obfuscator package defaults.
		nil, nil,
	)
	if err != nil {
		return nil, fmt.Errorf("ossh handshake failed: %w", err)
	}
	return osshConn, nil
}
