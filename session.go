package sshchan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	gerrors "github.com/getlantern/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/getlantern/sshchan/logger"
)

// State is the connection state of a Session.
type State int

const (
	StateCreated State = iota
	// StateConnected means the transport is up and the key exchange completed.
	StateConnected
	// StateValidated means the server's host key was accepted.
	StateValidated
	// StateAuthenticated means channels may be opened.
	StateAuthenticated
	// StateDisconnected is terminal. Session.Err gives the reason. Entering it starts teardown.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnected:
		return "connected"
	case StateValidated:
		return "validated"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session is a client connection to an SSH server. A Session is used once: after it disconnects a
// new Session must be created.
//
// Handlers are registered before Connect. OnValidate and OnAuthenticate hold one handler each;
// OnConnect and OnDisconnect accept any number, and a handler registered after the event is called
// immediately, except that OnConnect handlers registered after the session disconnected are never
// called. Each event fires at most once per Session.
type Session struct {
	cfg       SessionConfig
	dialer    NetDialer
	resolver  Resolver
	newSecure func(SessionConfig) SecureSession
	log       logger.Logger

	validate     func(Fingerprint, func(allow bool))
	authenticate func([]AuthMethod, func(Credential))

	connected    latch[*Session]
	disconnected latch[error]

	queue    *serialQueue
	channels *xsync.MapOf[string, *Channel]

	// ctx is cancelled on teardown, aborting any retry loop of this session.
	ctx    context.Context
	cancel context.CancelFunc

	connectOnce *once
	closed      chan struct{}

	mu        sync.Mutex
	state     State
	reason    error
	secure    SecureSession
	transport net.Conn
}

// NewSession creates a session. cfg is not validated until Connect.
func NewSession(cfg SessionConfig, opts ...SessionOption) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:         cfg,
		dialer:      &net.Dialer{},
		resolver:    net.DefaultResolver,
		log:         logger.Default(),
		queue:       newSerialQueue(true),
		channels:    xsync.NewMapOf[string, *Channel](),
		ctx:         ctx,
		cancel:      cancel,
		connectOnce: newOnce(),
		closed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.newSecure == nil {
		log := s.log
		s.newSecure = func(cfg SessionConfig) SecureSession { return newSSHSecureSession(cfg, log) }
	}
	s.log = s.log.With("host", cfg.Host, "port", cfg.Port, "user", cfg.User)
	return s
}

// Config returns the session's configuration.
func (s *Session) Config() SessionConfig { return s.cfg }

// OnValidate sets the host key validation handler. The handler must eventually call decide; until
// it does, Connect blocks. Without a handler every host key is accepted.
func (s *Session) OnValidate(handler func(fp Fingerprint, decide func(allow bool))) {
	s.validate = handler
}

// OnAuthenticate sets the authentication handler. It receives the methods usable for the
// configured user and must eventually call choose with a credential, or with nil to give up.
// Without a handler authentication fails.
func (s *Session) OnAuthenticate(handler func(methods []AuthMethod, choose func(Credential))) {
	s.authenticate = handler
}

// OnConnect registers a handler for successful authentication.
func (s *Session) OnConnect(handler func(*Session)) {
	s.connected.append(handler)
}

// OnDisconnect registers a handler for the end of the session. err is nil if Disconnect was called
// and the reason otherwise.
func (s *Session) OnDisconnect(handler func(s *Session, err error)) {
	s.disconnected.append(func(err error) { handler(s, err) })
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the reason the session disconnected, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// advance moves the session to state unless it disconnected meanwhile.
func (s *Session) advance(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return ErrNotConnected
	}
	s.state = state
	s.log.Debug("session state changed", "state", state)
	return nil
}

// handle returns the secure session, if the session has one.
func (s *Session) handle() (SecureSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secure == nil {
		return nil, ErrNotConnected
	}
	return s.secure, nil
}

// LastError reports the most recent failure of the SSH protocol engine as a *TransportError. It
// returns nil if there was none and ErrNotConnected if the session is not connected.
func (s *Session) LastError() error {
	secure, err := s.handle()
	if err != nil {
		return err
	}
	code, msg := secure.LastError()
	if code == CodeNone {
		return nil
	}
	return &TransportError{Code: code, Message: msg}
}

// mapError translates a hard failure of the protocol engine into this package's error taxonomy.
func (s *Session) mapError(err error) error {
	if err == nil || isTyped(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var te *TransportError
	if errors.As(s.LastError(), &te) {
		return te
	}
	return &UnknownError{Message: err.Error()}
}

// Connect connects, validates the server's host key and authenticates. It blocks until the session
// is authenticated or has failed. Calling Connect again returns the result of the first call.
//
// Each step is bounded by the configured timeout and by ctx.
func (s *Session) Connect(ctx context.Context) error {
	return s.connectOnce.do(func() error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(s.ctx, cancel)
		defer stop()

		if err := s.connect(ctx); err != nil {
			s.teardown(s.mapError(err))
			if reason := s.Err(); reason != nil {
				return reason
			}
			return ErrNotConnected
		}
		return nil
	})
}

func (s *Session) connect(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return &UnknownError{Message: fmt.Sprintf("invalid session config: %v", err)}
	}
	s.log.Debug("connecting")

	secure := s.newSecure(s.cfg)
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		secure.Free()
		return ErrNotConnected
	}
	s.secure = secure
	s.mu.Unlock()

	transport, err := dialTransport(ctx, s.dialer, s.resolver, s.cfg.Host, s.cfg.Port, s.cfg.Timeout)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.transport = transport
	s.mu.Unlock()

	if s.cfg.ObfuscationKeyword != "" {
		if transport, err = obfuscate(transport, s.cfg.ObfuscationKeyword); err != nil {
			return err
		}
	}

	err = callStatus(ctx, secure, s.cfg.Timeout, s.mapError, func() error {
		return secure.Handshake(transport)
	})
	if err != nil {
		return err
	}
	if err := s.advance(StateConnected); err != nil {
		return err
	}

	fp, err := s.Fingerprint()
	if err != nil {
		return err
	}
	if err := s.validateFingerprint(ctx, fp); err != nil {
		return err
	}
	if err := s.advance(StateValidated); err != nil {
		return err
	}

	methods, err := s.authenticationMethods(ctx)
	if err != nil {
		return err
	}
	cred, err := s.chooseCredential(ctx, methods)
	if err != nil {
		return err
	}
	if !offered(methods, cred) {
		return fmt.Errorf("%w: %v is not offered by the server", ErrAuthenticationFailed, cred.Method())
	}
	err = callStatus(ctx, secure, s.cfg.Timeout, s.mapError, func() error {
		return secure.Authenticate(s.cfg.User, cred)
	})
	if err != nil {
		if errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}

	if err := s.advance(StateAuthenticated); err != nil {
		return err
	}
	s.startKeepalive(secure)
	s.queue.resume()
	s.log.Info("session authenticated", "method", cred.Method(), "fingerprint", fp.Hex)
	s.connected.set(s)
	return nil
}

func (s *Session) validateFingerprint(ctx context.Context, fp Fingerprint) error {
	if s.validate == nil {
		return nil
	}
	decision := make(chan bool, 1)
	s.validate(fp, func(allow bool) {
		select {
		case decision <- allow:
		default:
		}
	})
	select {
	case allow := <-decision:
		if !allow {
			return ErrInvalidFingerprint
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) chooseCredential(ctx context.Context, methods []AuthMethod) (Credential, error) {
	if s.authenticate == nil {
		return nil, fmt.Errorf("%w: no authentication handler", ErrAuthenticationFailed)
	}
	choice := make(chan Credential, 1)
	s.authenticate(methods, func(cred Credential) {
		select {
		case choice <- cred:
		default:
		}
	})
	select {
	case cred := <-choice:
		if cred == nil {
			return nil, fmt.Errorf("%w: no credential", ErrAuthenticationFailed)
		}
		return cred, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AuthenticationMethods returns the authentication methods usable for the configured user.
//
// With the default x/crypto engine this is the set of methods the client can negotiate, not the
// list the server advertises: x/crypto does not expose that list. The server's list still applies
// during authentication, where x/crypto only tries offered methods.
func (s *Session) AuthenticationMethods() ([]AuthMethod, error) {
	return s.authenticationMethods(s.ctx)
}

func (s *Session) authenticationMethods(ctx context.Context) ([]AuthMethod, error) {
	secure, err := s.handle()
	if err != nil {
		return nil, err
	}
	list, err := callHandle(ctx, secure, s.cfg.Timeout, s.mapError, func() (string, error) {
		return secure.AuthMethods(s.cfg.User)
	})
	if err != nil {
		return nil, err
	}
	return ParseAuthMethods(list), nil
}

// Fingerprint returns the fingerprint of the server's host key, using the configured algorithm.
func (s *Session) Fingerprint() (Fingerprint, error) {
	secure, err := s.handle()
	if err != nil {
		return Fingerprint{}, err
	}
	alg := s.cfg.FingerprintAlgorithm
	if alg == 0 {
		alg = HashSHA1
	}
	return newFingerprint(alg, secure.HostKeyHash(alg))
}

// Disconnect ends the session. It is safe to call Disconnect more than once, and before or during
// Connect.
func (s *Session) Disconnect() {
	s.connectOnce.cancel(ErrNotConnected)
	s.teardown(nil)
}

// teardown releases everything the session holds, in order, once. Handlers it triggers may call
// Disconnect; those calls return immediately.
func (s *Session) teardown(reason error) {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state, s.reason = StateDisconnected, reason
	secure, transport := s.secure, s.transport
	s.secure, s.transport = nil, nil
	s.mu.Unlock()

	s.cancel()
	s.queue.close()

	chReason := reason
	if chReason == nil {
		chReason = ErrNotConnected
	}
	s.channels.Range(func(_ string, c *Channel) bool {
		c.closeWithError(chReason)
		return true
	})

	close(s.closed)
	if secure != nil {
		if err := secure.Disconnect("app quit"); err != nil {
			s.log.Debug("error disconnecting", "error", err)
		}
		secure.Free()
	}
	if transport != nil {
		transport.Close()
	}

	// A disconnected session no longer replays its connect event.
	s.connected.reset()
	if reason != nil {
		s.log.Warn("session disconnected", errorFields(gerrors.Wrap(reason).Op("disconnect"))...)
	} else {
		s.log.Info("session disconnected")
	}
	s.disconnected.set(reason)
}

// errorFields flattens err and the context attached to it into log fields, sorted by key.
func errorFields(err gerrors.Error) []any {
	fields := map[string]interface{}{}
	err.Fill(fields)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kv := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		kv = append(kv, k, fields[k])
	}
	return kv
}

// register adds c to the channels closed on teardown.
func (s *Session) register(c *Channel) error {
	s.channels.Store(c.id, c)
	// Teardown may have ranged over the registry before the store.
	if s.State() == StateDisconnected {
		s.channels.Delete(c.id)
		return ErrNotConnected
	}
	return nil
}

func (s *Session) unregister(c *Channel) {
	s.channels.Delete(c.id)
}
