package sshchan

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/getlantern/sshchan/internal/pool"
	"github.com/getlantern/sshchan/logger"
	"golang.org/x/crypto/ssh"
)

// clientAuthMethods are the methods sshSecureSession can negotiate. golang.org/x/crypto/ssh does
// not expose the list a server advertises, so AuthMethods reports this set and the server's list
// is applied during Authenticate: x/crypto only tries methods the server offers.
const clientAuthMethods = "publickey,password,keyboard-interactive"

// sshSecureSession implements SecureSession over golang.org/x/crypto/ssh.
//
// x/crypto runs the key exchange and authentication in a single blocking call, ssh.NewClientConn.
// That call runs in its own routine. Its host key callback publishes the key and then blocks until
// Authenticate supplies the credential, which decides the auth methods x/crypto tries. All other
// calls observe progress without blocking and return ErrWouldBlock until there is some.
type sshSecureSession struct {
	cfg SessionConfig
	log logger.Logger

	ready signal

	mu                sync.Mutex
	code              int
	message           string
	started           bool
	hostKey           ssh.PublicKey
	conn              ssh.Conn
	connErr           error
	connDone          bool
	cred              Credential
	pendingOpen       *openResult
	keepaliveInterval time.Duration

	credSet  chan struct{}
	credOnce sync.Once

	closed    chan struct{}
	closeOnce sync.Once
}

func newSSHSecureSession(cfg SessionConfig, log logger.Logger) *sshSecureSession {
	return &sshSecureSession{
		cfg:     cfg,
		log:     log,
		credSet: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (s *sshSecureSession) Ready() <-chan struct{} { return s.ready.Ready() }

func (s *sshSecureSession) LastError() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code, s.message
}

// fail records err as the last error. Must be called with s.mu held.
func (s *sshSecureSession) fail(code int, err error) error {
	s.code, s.message = code, err.Error()
	return err
}

func (s *sshSecureSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *sshSecureSession) Handshake(transport net.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed() {
		return s.fail(CodeSocketDisconnect, net.ErrClosed)
	}
	if !s.started {
		s.started = true
		go s.connect(transport)
		return ErrWouldBlock
	}
	if s.hostKey != nil {
		return nil
	}
	if s.connDone {
		return s.fail(CodeKeyExchange, fmt.Errorf("ssh handshake failed: %w", s.connErr))
	}
	return ErrWouldBlock
}

// connect runs the client side of the SSH protocol up to and including authentication.
func (s *sshSecureSession) connect(transport net.Conn) {
	auth := make([]ssh.AuthMethod, 2)
	sshCfg := ssh.ClientConfig{
		User: s.cfg.User,
		HostKeyCallback: func(_ string, _ net.Addr, key ssh.PublicKey) error {
			cred, err := s.awaitCredential(key)
			if err != nil {
				return err
			}
			// x/crypto reads Auth only after the host key callback returns.
			copy(auth, authMethodsFor(cred))
			return nil
		},
		Auth: auth,
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	conn, chans, reqs, err := ssh.NewClientConn(transport, addr, &sshCfg)
	if err == nil {
		go discardChannels(chans)
		go ssh.DiscardRequests(reqs)
		go s.watch(conn)
	}

	s.mu.Lock()
	s.conn, s.connErr, s.connDone = conn, err, true
	s.mu.Unlock()
	s.ready.notify()
}

// watch records the loss of an established connection.
func (s *sshSecureSession) watch(conn ssh.Conn) {
	err := conn.Wait()
	if s.isClosed() {
		return
	}
	if err == nil {
		err = io.EOF
	}
	s.mu.Lock()
	s.fail(CodeSocketDisconnect, fmt.Errorf("connection lost: %w", err))
	s.mu.Unlock()
	s.ready.notify()
}

func discardChannels(chans <-chan ssh.NewChannel) {
	for newChan := range chans {
		newChan.Reject(ssh.Prohibited, "client does not accept channels")
	}
}

// awaitCredential publishes the server's host key and blocks the protocol routine until
// Authenticate supplies a credential. Closing the session first rejects the key.
func (s *sshSecureSession) awaitCredential(key ssh.PublicKey) (Credential, error) {
	s.mu.Lock()
	s.hostKey = key
	s.mu.Unlock()
	s.ready.notify()

	select {
	case <-s.credSet:
	case <-s.closed:
		return nil, ErrInvalidFingerprint
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred, nil
}

// authMethodsFor returns the two auth methods answering with cred. A password also answers
// keyboard-interactive prompts. x/crypto skips a method name it has already tried.
func authMethodsFor(cred Credential) []ssh.AuthMethod {
	switch cred := cred.(type) {
	case PublicKeyCredential:
		pk := ssh.PublicKeys(cred.Signer)
		return []ssh.AuthMethod{pk, pk}
	case PasswordCredential:
		return []ssh.AuthMethod{
			ssh.Password(cred.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = cred.Password
				}
				return answers, nil
			}),
		}
	}
	unsupported := ssh.PasswordCallback(func() (string, error) {
		return "", fmt.Errorf("unsupported credential %T", cred)
	})
	return []ssh.AuthMethod{unsupported, unsupported}
}

func (s *sshSecureSession) HostKeyHash(alg HashAlgorithm) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return hostKeyHash(alg, s.hostKey)
}

func (s *sshSecureSession) AuthMethods(_ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hostKey == nil {
		return "", s.fail(CodeKeyExchange, errors.New("no host key"))
	}
	return clientAuthMethods, nil
}

func (s *sshSecureSession) Authenticate(_ string, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed() {
		return s.fail(CodeSocketDisconnect, net.ErrClosed)
	}
	if s.cred == nil {
		s.cred = cred
		s.credOnce.Do(func() { close(s.credSet) })
	}
	if !s.connDone {
		return ErrWouldBlock
	}
	if s.connErr != nil {
		return s.fail(CodeAuthFailed, s.connErr)
	}
	return nil
}

// authenticated returns the connection once authentication succeeded. Must be called with s.mu
// held.
func (s *sshSecureSession) authenticated() (ssh.Conn, error) {
	if s.isClosed() || s.conn == nil || s.code == CodeSocketDisconnect {
		return nil, s.fail(CodeSocketDisconnect, ErrNotConnected)
	}
	return s.conn, nil
}

type openResult struct {
	target string
	done   chan struct{}
	ch     ssh.Channel
	err    error
}

// discard closes the channel of an abandoned open once it completes.
func (r *openResult) discard() {
	<-r.done
	if r.ch != nil {
		r.ch.Close()
	}
}

func (s *sshSecureSession) OpenDirectStream(host string, port int) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.authenticated()
	if err != nil {
		return nil, err
	}
	target := net.JoinHostPort(host, strconv.Itoa(port))

	if p := s.pendingOpen; p != nil {
		select {
		case <-p.done:
			if p.target == target {
				s.pendingOpen = nil
				if p.err != nil {
					return nil, s.fail(CodeChannelFailure, p.err)
				}
				return newSSHStream(p.ch, s), nil
			}
			if p.ch != nil {
				p.ch.Close()
			}
		default:
			if p.target == target {
				return nil, ErrWouldBlock
			}
			go p.discard()
		}
		s.pendingOpen = nil
	}

	p := &openResult{target: target, done: make(chan struct{})}
	s.pendingOpen = p
	go func() {
		payload := ssh.Marshal(struct {
			RemoteHost string
			RemotePort uint32
			OriginHost string
			OriginPort uint32
		}{host, uint32(port), "127.0.0.1", 0})

		ch, reqs, err := conn.OpenChannel("direct-tcpip", payload)
		if err == nil {
			go ssh.DiscardRequests(reqs)
		}
		p.ch, p.err = ch, err
		close(p.done)
		s.ready.notify()
	}()
	return nil, ErrWouldBlock
}

func (s *sshSecureSession) ConfigureKeepalive(interval time.Duration) {
	s.mu.Lock()
	s.keepaliveInterval = interval
	s.mu.Unlock()
}

func (s *sshSecureSession) SendKeepalive() error {
	s.mu.Lock()
	conn, err := s.authenticated()
	interval := s.keepaliveInterval
	s.mu.Unlock()
	if err != nil {
		return err
	}

	errC := make(chan error, 1)
	go func() {
		_, _, err := conn.SendRequest("keepalive@openssh.com", true, nil)
		errC <- err
	}()

	if interval <= 0 {
		interval = DefaultKeepaliveInterval
	}
	timer := pool.GetTimer(interval)
	defer pool.PutTimer(timer)

	select {
	case err = <-errC:
	case <-timer.C:
		err = errors.New("keepalive response timed out")
	case <-s.closed:
		err = net.ErrClosed
	}
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.fail(CodeSocketSend, fmt.Errorf("keepalive failed: %w", err))
	}
	return nil
}

func (s *sshSecureSession) Disconnect(reason string) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			s.log.Debug("closing ssh connection", "reason", reason)
			err = conn.Close()
		}
		s.ready.notify()
	})
	return err
}

func (s *sshSecureSession) Free() {
	s.Disconnect("freed")
	s.mu.Lock()
	s.conn, s.hostKey, s.cred, s.pendingOpen = nil, nil, nil, nil
	s.mu.Unlock()
}

// pumpChunk is the largest read a stream pump makes at once.
const pumpChunk = 32 * 1024

type chunk struct {
	data []byte
	err  error
}

// sshStream adapts an ssh.Channel to the non-blocking Stream contract. A pump routine per stream id
// performs the blocking reads and hands over one chunk at a time; writes run in the background and
// their results are collected by the next Write call.
type sshStream struct {
	ch    ssh.Channel
	owner *sshSecureSession

	ready signal

	mu      sync.Mutex
	readers [2]*streamReader
	writing *pendingWrite

	closed    chan struct{}
	closeOnce sync.Once
}

type streamReader struct {
	chunks  chan chunk
	pending []byte
	err     error
}

type pendingWrite struct {
	data []byte
	done chan struct{}
	n    int
	err  error
}

func newSSHStream(ch ssh.Channel, owner *sshSecureSession) *sshStream {
	s := &sshStream{ch: ch, owner: owner, closed: make(chan struct{})}
	s.reader(0)
	return s
}

// reader returns the reader for streamID, starting its pump on first use. Must be called with s.mu
// held unless s is not yet shared.
func (s *sshStream) reader(streamID int) *streamReader {
	if r := s.readers[streamID]; r != nil {
		return r
	}
	r := &streamReader{chunks: make(chan chunk, 1)}
	s.readers[streamID] = r

	var src io.Reader = s.ch
	if streamID == 1 {
		src = s.ch.Stderr()
	}
	go s.pump(src, r.chunks)
	return r
}

func (s *sshStream) pump(src io.Reader, chunks chan<- chunk) {
	for {
		buf := make([]byte, pumpChunk)
		n, err := src.Read(buf)
		select {
		case chunks <- chunk{buf[:n], err}:
		case <-s.closed:
			return
		}
		s.ready.notify()
		if err != nil {
			return
		}
	}
}

func (s *sshStream) Ready() <-chan struct{} { return s.ready.Ready() }

// fill moves the next chunk into r if one is waiting. Must be called with s.mu held.
func (r *streamReader) fill() {
	if len(r.pending) > 0 || r.err != nil {
		return
	}
	select {
	case c := <-r.chunks:
		r.pending, r.err = c.data, c.err
	default:
	}
}

func validStreamID(streamID int) error {
	if streamID != 0 && streamID != 1 {
		return Unknown("invalid stream id %d", streamID)
	}
	return nil
}

func (s *sshStream) Read(streamID int, b []byte) (int, error) {
	if err := validStreamID(streamID); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return 0, ErrNotConnected
	}

	r := s.reader(streamID)
	r.fill()
	if len(r.pending) > 0 {
		n := copy(b, r.pending)
		r.pending = r.pending[n:]
		return n, nil
	}
	if r.err != nil {
		return 0, s.recvErr(r.err)
	}
	return 0, ErrWouldBlock
}

// recvErr records read failures other than end-of-stream with the owning session.
func (s *sshStream) recvErr(err error) error {
	if errors.Is(err, io.EOF) {
		return err
	}
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	return s.owner.fail(CodeSocketRecv, err)
}

func (s *sshStream) EOF() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return false, ErrNotConnected
	}

	r := s.reader(0)
	r.fill()
	if len(r.pending) > 0 || r.err == nil {
		return false, nil
	}
	if errors.Is(r.err, io.EOF) {
		return true, nil
	}
	return false, s.recvErr(r.err)
}

func (s *sshStream) Write(streamID int, b []byte) (int, error) {
	if err := validStreamID(streamID); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return 0, ErrNotConnected
	}

	if w := s.writing; w != nil {
		select {
		case <-w.done:
		default:
			return 0, ErrWouldBlock
		}
		s.writing = nil
		// A result belongs to this call if the caller is retrying with the data we sent. Anything
		// else is the leftover of an abandoned write.
		if bytes.HasPrefix(b, w.data) || w.err != nil {
			return w.n, w.err
		}
	}

	if len(b) == 0 {
		return 0, nil
	}
	data := b
	if len(data) > pumpChunk {
		data = data[:pumpChunk]
	}
	w := &pendingWrite{data: append([]byte(nil), data...), done: make(chan struct{})}
	s.writing = w

	var dst io.Writer = s.ch
	if streamID == 1 {
		dst = s.ch.Stderr()
	}
	go func() {
		w.n, w.err = dst.Write(w.data)
		close(w.done)
		s.ready.notify()
	}()
	return 0, ErrWouldBlock
}

func (s *sshStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *sshStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.ch.Close()
		if errors.Is(err, io.EOF) {
			// Already closed by the remote end.
			err = nil
		}
		s.ready.notify()
	})
	return err
}
