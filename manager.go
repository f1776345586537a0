package sshchan

import (
	"context"
	"fmt"
)

// DefaultChannelHost is the tunnel target used when none is given: the SSH server itself.
const DefaultChannelHost = "127.0.0.1"

// Manager owns a Session and makes channels over it. Register handlers on Session() before calling
// Connect.
type Manager struct {
	session *Session
}

// NewManager validates cfg and creates a manager for a new session.
func NewManager(cfg SessionConfig, opts ...SessionOption) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	return &Manager{NewSession(cfg, opts...)}, nil
}

func (m *Manager) Session() *Session { return m.session }

// Connect connects the session. See Session.Connect.
func (m *Manager) Connect(ctx context.Context) error {
	return m.session.Connect(ctx)
}

// Channel creates a channel to host:port. An empty host means DefaultChannelHost.
func (m *Manager) Channel(host string, port int) *Channel {
	if host == "" {
		host = DefaultChannelHost
	}
	return NewChannel(m.session, host, port)
}

// Request opens a channel to host:port, sends payload and returns everything received until the
// remote end closes the channel. If ctx is done first, the channel is closed and ctx.Err()
// returned.
//
// The session need not be connected yet; the request waits for it.
func (m *Manager) Request(ctx context.Context, host string, port int, payload []byte) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resC := make(chan result, 1)
	ch := m.Channel(host, port)
	ch.Send(payload, func(data []byte, err error) {
		resC <- result{data, err}
	})

	select {
	case res := <-resC:
		return res.data, res.err
	case <-ctx.Done():
		ch.Close()
		return nil, ctx.Err()
	}
}

// Close disconnects the session.
func (m *Manager) Close() {
	m.session.Disconnect()
}
