// Package sshchan is a client for multiplexed SSH tunnels. A Session connects and authenticates to
// an SSH server; Channels opened over the session are direct-tcpip tunnels to hosts reachable from
// the server.
//
// All I/O on one session runs on a single serial queue, so reads and writes on different channels
// of the same session never interleave mid-operation. Events (connect, disconnect, open, close,
// reads) are delivered through callbacks; see Session and Channel.
//
// Sessions may optionally speak obfuscated SSH. See
// https://github.com/brl/obfuscated-openssh/blob/master/README.obfuscation
package sshchan

import (
	"context"
	"net"

	"github.com/getlantern/sshchan/logger"
)

// NetDialer is the interface implemented by most network dialers.
type NetDialer interface {
	Dial(network, address string) (net.Conn, error)
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithDialer sets the dialer used for the transport connection. Defaults to a zero net.Dialer.
func WithDialer(d NetDialer) SessionOption {
	return func(s *Session) { s.dialer = d }
}

// WithResolver sets the resolver used to look up the server's addresses. Defaults to
// net.DefaultResolver.
func WithResolver(r Resolver) SessionOption {
	return func(s *Session) { s.resolver = r }
}

// WithSecureSession replaces the SSH protocol engine. The function is called once, when the session
// connects.
func WithSecureSession(f func(SessionConfig) SecureSession) SessionOption {
	return func(s *Session) { s.newSecure = f }
}

// WithLogger sets the logger. Defaults to logger.Default().
func WithLogger(l logger.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}
