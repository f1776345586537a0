package sshchan

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Psiphon-Labs/psiphon-tunnel-core/psiphon/common"
	"github.com/Psiphon-Labs/psiphon-tunnel-core/psiphon/common/obfuscator"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/net/nettest"

	"github.com/getlantern/sshchan/logger"
)

const testPassword = "correct horse battery staple"

// testServer is an SSH server accepting password authentication and direct-tcpip channels.
type testServer struct {
	hostKey ssh.Signer
	keyword string
	l       net.Listener
	wg      sync.WaitGroup
}

func startTestServer(t *testing.T, keyword string) *testServer {
	t.Helper()

	_hostKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	hostKey, err := ssh.NewSignerFromKey(_hostKey)
	require.NoError(t, err)

	// x/crypto/ssh does not get along with net.Pipe, so we use a local listener.
	l, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)

	s := &testServer{hostKey: hostKey, keyword: keyword, l: l}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(func() {
		l.Close()
		s.wg.Wait()
	})
	return s
}

func (s *testServer) port() int {
	return s.l.Addr().(*net.TCPAddr).Port
}

func (s *testServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *testServer) handle(transport net.Conn) {
	defer transport.Close()

	conn := transport
	if s.keyword != "" {
		osshConn, err := obfuscator.NewServerObfuscatedSSHConn(
			transport,
			s.keyword,
			obfuscator.NewSeedHistory(nil), // use the obfuscator package defaults
			func(string, error, common.LogFields) {},
		)
		if err != nil {
			return
		}
		conn = osshConn
	}

	cfg := ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) == testPassword {
				return nil, nil
			}
			return nil, errors.New("wrong password")
		},
	}
	cfg.AddHostKey(s.hostKey)

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, &cfg)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(req.Type == "keepalive@openssh.com", nil)
			}
		}
	}()
	for newChan := range chans {
		go forward(newChan)
	}
}

// forward serves a direct-tcpip channel by dialing its target.
func forward(newChan ssh.NewChannel) {
	if newChan.ChannelType() != "direct-tcpip" {
		newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
		return
	}
	var target struct {
		RemoteHost string
		RemotePort uint32
		OriginHost string
		OriginPort uint32
	}
	if err := ssh.Unmarshal(newChan.ExtraData(), &target); err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	remote, err := net.Dial("tcp", net.JoinHostPort(target.RemoteHost, strconv.Itoa(int(target.RemotePort))))
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	defer remote.Close()

	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqs)

	go func() {
		io.Copy(remote, ch)
		remote.Close()
	}()
	io.Copy(ch, remote)
	ch.CloseWrite()
}

// startEcho starts a TCP server which echoes everything it receives.
func startEcho(t *testing.T) int {
	t.Helper()
	return startTarget(t, func(conn net.Conn) { io.Copy(conn, conn) })
}

// startResponder starts a TCP server which answers a request of n bytes and hangs up.
func startResponder(t *testing.T, n int) int {
	t.Helper()
	return startTarget(t, func(conn net.Conn) {
		req := make([]byte, n)
		if _, err := io.ReadFull(conn, req); err != nil {
			return
		}
		fmt.Fprintf(conn, "re: %s", req)
	})
}

func startTarget(t *testing.T, handle func(net.Conn)) int {
	t.Helper()
	l, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				handle(conn)
			}()
		}
	}()
	t.Cleanup(func() {
		l.Close()
		wg.Wait()
	})
	return l.Addr().(*net.TCPAddr).Port
}

func (s *testServer) sessionConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.User, cfg.Host, cfg.Port = "tester", "127.0.0.1", s.port()
	cfg.Timeout = 10 * time.Second
	cfg.KeepaliveInterval = 100 * time.Millisecond
	cfg.ObfuscationKeyword = s.keyword
	return cfg
}

func newTestSession(t *testing.T, srv *testServer, password string) *Session {
	t.Helper()
	s := NewSession(srv.sessionConfig(), WithLogger(logger.Nop()))
	s.OnAuthenticate(func(_ []AuthMethod, choose func(Credential)) {
		choose(Password(password))
	})
	t.Cleanup(s.Disconnect)
	return s
}

func TestSSHSecureSession(t *testing.T) {
	for _, keyword := range []string{"", "obfuscation-keyword"} {
		keyword := keyword
		name := "plain"
		if keyword != "" {
			name = "obfuscated"
		}
		t.Run(name, func(t *testing.T) {
			testSSHSecureSession(t, keyword)
		})
	}
}

func testSSHSecureSession(t *testing.T, keyword string) {
	t.Run("connect", func(t *testing.T) {
		srv := startTestServer(t, keyword)
		s := newTestSession(t, srv, testPassword)

		var fp Fingerprint
		s.OnValidate(func(got Fingerprint, decide func(bool)) {
			fp = got
			decide(true)
		})
		connected := make(chan struct{})
		s.OnConnect(func(*Session) { close(connected) })

		require.NoError(t, s.Connect(context.Background()))
		<-connected
		require.Equal(t, StateAuthenticated, s.State())

		want, err := newFingerprint(HashSHA1, hostKeyHash(HashSHA1, srv.hostKey.PublicKey()))
		require.NoError(t, err)
		require.Equal(t, want, fp)

		methods, err := s.AuthenticationMethods()
		require.NoError(t, err)
		require.Contains(t, methods, AuthPassword)

		// Keepalives are answered; the session stays up.
		time.Sleep(300 * time.Millisecond)
		require.Equal(t, StateAuthenticated, s.State())
	})
	t.Run("wrong password", func(t *testing.T) {
		srv := startTestServer(t, keyword)
		s := newTestSession(t, srv, "wrong")
		disconnected := make(chan error, 1)
		s.OnDisconnect(func(_ *Session, err error) { disconnected <- err })

		require.ErrorIs(t, s.Connect(context.Background()), ErrAuthenticationFailed)
		require.Error(t, <-disconnected)
		require.Equal(t, StateDisconnected, s.State())
	})
	t.Run("fingerprint rejected", func(t *testing.T) {
		srv := startTestServer(t, keyword)
		s := newTestSession(t, srv, testPassword)
		s.OnValidate(func(_ Fingerprint, decide func(bool)) { decide(false) })

		require.ErrorIs(t, s.Connect(context.Background()), ErrInvalidFingerprint)
	})
	t.Run("echo", func(t *testing.T) {
		srv := startTestServer(t, keyword)
		s := newTestSession(t, srv, testPassword)
		require.NoError(t, s.Connect(context.Background()))

		c := NewChannel(s, "127.0.0.1", startEcho(t))
		ev := watchChannel(c)
		c.Open()
		require.NoError(t, waitErr(t, ev.opened))

		require.NoError(t, write(t, c, "test"))
		require.Eventually(t, func() bool { return ev.received() == "test" }, eventually, time.Millisecond)

		c.Close()
		require.NoError(t, waitErr(t, ev.closed))
	})
	t.Run("large write", func(t *testing.T) {
		srv := startTestServer(t, keyword)
		s := newTestSession(t, srv, testPassword)
		require.NoError(t, s.Connect(context.Background()))

		c := NewChannel(s, "127.0.0.1", startEcho(t))
		ev := watchChannel(c)
		c.Open()
		require.NoError(t, waitErr(t, ev.opened))

		payload := make([]byte, 4*pumpChunk+17)
		_, err := rand.Read(payload)
		require.NoError(t, err)
		require.NoError(t, write(t, c, string(payload)))
		require.Eventually(t, func() bool { return ev.received() == string(payload) }, eventually, 10*time.Millisecond)
	})
	t.Run("unreachable", func(t *testing.T) {
		srv := startTestServer(t, keyword)
		s := newTestSession(t, srv, testPassword)
		require.NoError(t, s.Connect(context.Background()))

		// Reserve a port, then free it so that nothing listens there.
		l, err := nettest.NewLocalListener("tcp")
		require.NoError(t, err)
		port := l.Addr().(*net.TCPAddr).Port
		require.NoError(t, l.Close())

		c := NewChannel(s, "127.0.0.1", port)
		ev := watchChannel(c)
		c.Open()
		require.Error(t, waitErr(t, ev.opened))
		var te *TransportError
		require.ErrorAs(t, waitErr(t, ev.closed), &te)
		require.Equal(t, CodeChannelFailure, te.Code)
	})
	t.Run("request", func(t *testing.T) {
		srv := startTestServer(t, keyword)
		m, err := NewManager(srv.sessionConfig(), WithLogger(logger.Nop()))
		require.NoError(t, err)
		defer m.Close()
		m.Session().OnAuthenticate(func(_ []AuthMethod, choose func(Credential)) {
			choose(Password(testPassword))
		})
		require.NoError(t, m.Connect(context.Background()))

		res, err := m.Request(context.Background(), "", startResponder(t, 4), []byte("ping"))
		require.NoError(t, err)
		require.Equal(t, "re: ping", string(res))
	})
	t.Run("server goes away", func(t *testing.T) {
		srv := startTestServer(t, keyword)
		s := newTestSession(t, srv, testPassword)
		disconnected := make(chan error, 1)
		s.OnDisconnect(func(_ *Session, err error) { disconnected <- err })
		require.NoError(t, s.Connect(context.Background()))

		c := NewChannel(s, "127.0.0.1", startEcho(t))
		ev := watchChannel(c)
		c.Open()
		require.NoError(t, waitErr(t, ev.opened))

		// Cut the transport from under the session. Keepalives fail and the session gives up.
		s.mu.Lock()
		s.transport.Close()
		s.mu.Unlock()

		select {
		case err := <-disconnected:
			require.Error(t, err)
		case <-time.After(eventually):
			t.Fatal("session did not disconnect")
		}
		waitErr(t, ev.closed)
	})
}
