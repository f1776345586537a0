package sshchan

import (
	"net"
	"time"
)

// SecureSession is the protocol engine a Session drives: key exchange, user authentication and
// stream multiplexing over a transport connection owned by the Session.
//
// Calls which cannot complete yet return ErrWouldBlock; the caller retries after Ready is
// signalled. Any other error is a hard failure, and LastError then describes it.
type SecureSession interface {
	// Handshake runs the key exchange over transport. The transport must not be used by anything
	// else afterwards.
	Handshake(transport net.Conn) error

	// LastError returns the code and message of the most recent failure. The code is CodeNone if
	// nothing failed.
	LastError() (code int, message string)

	// AuthMethods returns the comma-separated list of authentication methods usable for user.
	AuthMethods(user string) (string, error)

	// Authenticate authenticates user with cred. The first call accepts the server's host key.
	Authenticate(user string, cred Credential) error

	// OpenDirectStream requests a direct-tcpip stream to host:port.
	OpenDirectStream(host string, port int) (Stream, error)

	// HostKeyHash digests the server's host key, or returns nil before the handshake completes.
	HostKeyHash(alg HashAlgorithm) []byte

	// ConfigureKeepalive sets the interval between keepalives. SendKeepalive may block for up to
	// this long.
	ConfigureKeepalive(interval time.Duration)
	SendKeepalive() error

	// Ready is signalled whenever a call which returned ErrWouldBlock may succeed.
	Ready() <-chan struct{}

	// Disconnect ends the session, sending reason to the server where the protocol allows it.
	Disconnect(reason string) error

	// Free releases all resources. The SecureSession cannot be used afterwards. Free is safe to call
	// more than once.
	Free()
}

// Stream is one multiplexed byte stream of a SecureSession. Stream id 0 is the primary data stream
// and 1 the extended (stderr) data stream.
type Stream interface {
	// Read reads available bytes without blocking. It returns io.EOF once the remote end has sent
	// end-of-stream and all data was read.
	Read(streamID int, b []byte) (int, error)

	// Write writes a prefix of b without blocking and reports its length.
	Write(streamID int, b []byte) (int, error)

	// EOF reports whether the remote end has sent end-of-stream and all data was read.
	EOF() (bool, error)

	// Ready is signalled whenever Read or Write may make progress.
	Ready() <-chan struct{}

	Close() error
}
