package sshchan

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/getlantern/sshchan/logger"
)

// The time allowed for concurrent goroutines to get started and into the actual important bits.
const goroutineStartTime = 10 * time.Millisecond

// eventually is the bound used when waiting for asynchronous events in tests.
const eventually = 5 * time.Second

// pipeDialer connects to an in-memory peer which discards everything written to it.
type pipeDialer struct{}

func (d pipeDialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

func (pipeDialer) DialContext(_ context.Context, _, _ string) (net.Conn, error) {
	c1, c2 := net.Pipe()
	go func() {
		io.Copy(io.Discard, c2)
		c2.Close()
	}()
	return c1, nil
}

type staticResolver []string

func (r staticResolver) LookupHost(context.Context, string) ([]string, error) {
	return r, nil
}

func newTestSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}

// fakeSecure is a scripted SecureSession.
type fakeSecure struct {
	ready signal

	mu      sync.Mutex
	code    int
	message string

	// handshakeBlocks is the number of times Handshake reports ErrWouldBlock before succeeding.
	// A negative value blocks forever.
	handshakeBlocks int
	methods         string
	password        string
	hostKey         ssh.PublicKey
	unreachable     map[string]bool
	keepalive       func(n int) error
	writeMax        int
	onWrite         func(s *fakeStream, b []byte)

	transport    net.Conn
	authCalls    int
	keepalives   int
	disconnects  int
	freed        bool
	streams      []*fakeStream
	keepInterval time.Duration
}

func newFakeSecure(t *testing.T) *fakeSecure {
	return &fakeSecure{
		methods:     "password,publickey",
		password:    "secret",
		hostKey:     newTestSigner(t).PublicKey(),
		unreachable: map[string]bool{},
	}
}

func (f *fakeSecure) Ready() <-chan struct{} { return f.ready.Ready() }

func (f *fakeSecure) LastError() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code, f.message
}

func (f *fakeSecure) fail(code int, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.code, f.message = code, msg
	return errors.New(msg)
}

func (f *fakeSecure) Handshake(transport net.Conn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transport = transport
	if f.handshakeBlocks != 0 {
		if f.handshakeBlocks > 0 {
			f.handshakeBlocks--
			f.ready.notify()
		}
		return ErrWouldBlock
	}
	return nil
}

func (f *fakeSecure) HostKeyHash(alg HashAlgorithm) []byte {
	return hostKeyHash(alg, f.hostKey)
}

func (f *fakeSecure) AuthMethods(string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.methods, nil
}

func (f *fakeSecure) Authenticate(_ string, cred Credential) error {
	f.mu.Lock()
	f.authCalls++
	password := f.password
	f.mu.Unlock()

	if pw, ok := cred.(PasswordCredential); ok && pw.Password == password {
		return nil
	}
	return f.fail(CodeAuthFailed, "authentication failed (password)")
}

func (f *fakeSecure) OpenDirectStream(host string, port int) (Stream, error) {
	target := net.JoinHostPort(host, strconv.Itoa(port))
	f.mu.Lock()
	unreachable := f.unreachable[target]
	f.mu.Unlock()
	if unreachable {
		return nil, f.fail(CodeChannelFailure, "channel open failure: connect failed")
	}

	s := &fakeStream{owner: f}
	f.mu.Lock()
	s.writeMax, s.onWrite = f.writeMax, f.onWrite
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeSecure) ConfigureKeepalive(interval time.Duration) {
	f.mu.Lock()
	f.keepInterval = interval
	f.mu.Unlock()
}

func (f *fakeSecure) SendKeepalive() error {
	f.mu.Lock()
	f.keepalives++
	n, keepalive := f.keepalives, f.keepalive
	f.mu.Unlock()

	if keepalive == nil {
		return nil
	}
	if err := keepalive(n); err != nil {
		return f.fail(CodeSocketSend, err.Error())
	}
	return nil
}

func (f *fakeSecure) Disconnect(string) error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	return nil
}

func (f *fakeSecure) Free() {
	f.mu.Lock()
	f.freed = true
	f.mu.Unlock()
}

func (f *fakeSecure) stream(t *testing.T, i int) *fakeStream {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.streams), i)
	return f.streams[i]
}

func (f *fakeSecure) streamCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

// fakeStream is an in-memory Stream. Data pushed by the test is read by the channel.
type fakeStream struct {
	owner *fakeSecure
	ready signal

	mu          sync.Mutex
	incoming    [][]byte
	eof         bool
	readErr     error
	readCode    int
	writeMax    int
	blockWrites bool
	onWrite     func(s *fakeStream, b []byte)
	writes      int
	written     bytes.Buffer
	closed      bool
}

func (s *fakeStream) push(data string) {
	s.mu.Lock()
	s.incoming = append(s.incoming, []byte(data))
	s.mu.Unlock()
	s.ready.notify()
}

func (s *fakeStream) closeRemote() {
	s.mu.Lock()
	s.eof = true
	s.mu.Unlock()
	s.ready.notify()
}

func (s *fakeStream) failReads(code int, err error) {
	s.mu.Lock()
	s.readErr, s.readCode = err, code
	s.mu.Unlock()
	s.ready.notify()
}

func (s *fakeStream) Ready() <-chan struct{} { return s.ready.Ready() }

func (s *fakeStream) Read(_ int, b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrNotConnected
	}
	if len(s.incoming) > 0 {
		n := copy(b, s.incoming[0])
		if s.incoming[0] = s.incoming[0][n:]; len(s.incoming[0]) == 0 {
			s.incoming = s.incoming[1:]
		}
		return n, nil
	}
	if s.readErr != nil {
		if s.readCode != CodeNone {
			s.owner.fail(s.readCode, s.readErr.Error())
		}
		return 0, s.readErr
	}
	if s.eof {
		return 0, io.EOF
	}
	return 0, ErrWouldBlock
}

func (s *fakeStream) EOF() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eof && len(s.incoming) == 0, nil
}

func (s *fakeStream) Write(_ int, b []byte) (int, error) {
	s.mu.Lock()
	s.writes++
	if s.closed {
		s.mu.Unlock()
		return 0, ErrNotConnected
	}
	if s.blockWrites {
		s.mu.Unlock()
		return 0, ErrWouldBlock
	}
	n := len(b)
	if s.writeMax > 0 && n > s.writeMax {
		n = s.writeMax
	}
	s.written.Write(b[:n])
	onWrite := s.onWrite
	s.mu.Unlock()

	if onWrite != nil {
		onWrite(s, b[:n])
	}
	return n, nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeStream) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *fakeStream) writtenString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}

func testConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.User, cfg.Host = "user", "ssh.example.com"
	cfg.Timeout = time.Second
	cfg.KeepaliveInterval = 0
	return cfg
}

// newFakeSession creates a session over f which answers authentication with password.
func newFakeSession(t *testing.T, f *fakeSecure, cfg SessionConfig, password string) *Session {
	t.Helper()
	s := NewSession(cfg,
		WithDialer(pipeDialer{}),
		WithResolver(staticResolver{"127.0.0.1"}),
		WithSecureSession(func(SessionConfig) SecureSession { return f }),
		WithLogger(logger.Nop()),
	)
	s.OnAuthenticate(func(_ []AuthMethod, choose func(Credential)) {
		choose(Password(password))
	})
	t.Cleanup(s.Disconnect)
	return s
}

// connectedFakeSession returns an authenticated session over f.
func connectedFakeSession(t *testing.T, f *fakeSecure) *Session {
	t.Helper()
	s := newFakeSession(t, f, testConfig(), f.password)
	require.NoError(t, s.Connect(context.Background()))
	return s
}
