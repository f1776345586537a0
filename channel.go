package sshchan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/getlantern/sshchan/internal/pool"
	"github.com/getlantern/sshchan/logger"
)

// Channel defaults.
const (
	DefaultBufferSize     = 65536
	DefaultChannelTimeout = 60 * time.Second
)

// Channel is a direct-tcpip tunnel to Host:Port over a Session. The Session must outlive the
// Channel; when the Session disconnects, its open channels are closed with the disconnect reason.
//
// The exported fields may be changed until Open is called.
type Channel struct {
	// BufferSize is the largest read delivered at once.
	BufferSize int

	// Timeout bounds each write and each read burst. Zero or less means no deadline.
	Timeout time.Duration

	// StreamID selects the sub-stream: 0 for data, 1 for extended (stderr) data.
	StreamID int

	session *Session
	id      string
	host    string
	port    int
	log     logger.Logger

	opened latch[error]
	closed latch[error]

	mu        sync.Mutex
	stream    Stream
	openStart bool
	readSubs  []func(*Channel, []byte, error)
	subIDs    [2]string

	// done is closed, under mu, when closing starts.
	done chan struct{}
}

// NewChannel creates a channel to host:port over session. The channel is not opened until Open is
// called.
func NewChannel(session *Session, host string, port int) *Channel {
	remote := net.JoinHostPort(host, strconv.Itoa(port))
	return &Channel{
		BufferSize: DefaultBufferSize,
		Timeout:    DefaultChannelTimeout,
		session:    session,
		id:         uuid.NewString(),
		host:       host,
		port:       port,
		log:        session.log.With("remote", remote),
		done:       make(chan struct{}),
	}
}

func (c *Channel) Host() string         { return c.host }
func (c *Channel) Port() int            { return c.port }
func (c *Channel) Session() *Session    { return c.session }
func (c *Channel) isClosed() bool       { return isDone(c.done) }
func (c *Channel) ctx() context.Context { return c.session.ctx }

func (c *Channel) String() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// IsOpen reports whether the channel is open.
func (c *Channel) IsOpen() bool {
	return c.current() != nil
}

func (c *Channel) current() Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

func isDone(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

// OnOpen registers a handler for the outcome of Open. err is nil if the channel opened.
func (c *Channel) OnOpen(handler func(c *Channel, err error)) {
	c.opened.append(func(err error) { handler(c, err) })
}

// OnClose registers a handler for the end of the channel. err is nil after Close or a remote
// end-of-stream, and the failure otherwise. It is called exactly once.
func (c *Channel) OnClose(handler func(c *Channel, err error)) {
	c.closed.append(func(err error) { handler(c, err) })
}

// OnRead registers a handler for incoming data. A non-nil err reports a read which timed out; the
// channel stays open.
func (c *Channel) OnRead(handler func(c *Channel, data []byte, err error)) {
	c.mu.Lock()
	c.readSubs = append(c.readSubs, handler)
	c.mu.Unlock()
}

func (c *Channel) deliver(data []byte, err error) {
	c.mu.Lock()
	subs := make([]func(*Channel, []byte, error), len(c.readSubs))
	copy(subs, c.readSubs)
	c.mu.Unlock()

	for _, sub := range subs {
		sub(c, data, err)
	}
}

// Open opens the channel once the session is authenticated. The outcome is reported to OnOpen
// handlers; on failure the channel is also closed with the error.
func (c *Channel) Open() {
	c.mu.Lock()
	if c.openStart {
		c.mu.Unlock()
		return
	}
	c.openStart = true
	c.mu.Unlock()

	var startOnce sync.Once
	start := func(err error) {
		startOnce.Do(func() {
			if err == nil && !c.session.queue.submit(c.open) {
				err = ErrNotConnected
			}
			if err != nil {
				c.fail(err)
			}
		})
	}
	connID := c.session.connected.append(func(*Session) { start(nil) })
	discID := c.session.disconnected.append(func(reason error) {
		if reason == nil {
			reason = ErrNotConnected
		}
		start(reason)
	})

	c.mu.Lock()
	c.subIDs = [2]string{connID, discID}
	c.mu.Unlock()
}

// fail reports an unsuccessful open.
func (c *Channel) fail(err error) {
	c.log.Debug("failed to open channel", "error", err)
	c.opened.set(err)
	c.closeWithError(err)
}

// open runs on the session queue.
func (c *Channel) open() {
	if c.isClosed() {
		c.opened.set(ErrNotConnected)
		return
	}
	secure, err := c.session.handle()
	if err != nil {
		c.fail(err)
		return
	}
	stream, err := callHandle(c.ctx(), secure, c.Timeout, c.session.mapError, func() (Stream, error) {
		return secure.OpenDirectStream(c.host, c.port)
	})
	if err != nil {
		c.fail(err)
		return
	}

	if err := c.session.register(c); err != nil {
		stream.Close()
		c.fail(err)
		return
	}
	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		stream.Close()
		c.opened.set(ErrNotConnected)
		return
	}
	c.stream = stream
	c.mu.Unlock()

	go c.listen(stream)
	c.log.Debug("channel opened")
	c.opened.set(nil)
}

// listen schedules a read burst whenever the stream signals readiness, one burst at a time.
func (c *Channel) listen(stream Stream) {
	for {
		ready := stream.Ready()
		burstDone := make(chan struct{})
		if !c.session.queue.submit(func() { defer close(burstDone); c.readBurst(stream) }) {
			return
		}
		select {
		case <-burstDone:
		case <-c.done:
			return
		}
		select {
		case <-ready:
		case <-c.done:
			return
		}
	}
}

// readBurst reads until the stream has nothing more to give. It runs on the session queue.
func (c *Channel) readBurst(stream Stream) {
	if c.current() != stream {
		return
	}
	dl := newDeadline(c.Timeout)
	size := c.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	bp := pool.GetBuffer(size)
	defer pool.PutBuffer(bp)
	buf := *bp

	for {
		n, err := stream.Read(c.StreamID, buf)
		switch {
		case n > 0:
			c.deliver(append([]byte(nil), buf[:n]...), nil)
			eof, err := stream.EOF()
			if err != nil {
				c.closeWithError(c.readError(err))
				return
			}
			if eof {
				c.log.Debug("remote end of stream")
				c.Close()
				return
			}
		case errors.Is(err, ErrWouldBlock):
			if dl.expired() {
				c.deliver(nil, ErrTimeout)
			}
			return
		case errors.Is(err, io.EOF):
			c.log.Debug("remote end of stream")
			c.Close()
			return
		case err != nil:
			c.closeWithError(c.readError(err))
			return
		default:
			return
		}
	}
}

// readError maps a hard read failure. Receive failures are reported as the session's last error;
// other transport errors are reported as unknown errors carrying the code.
func (c *Channel) readError(err error) error {
	mapped := c.session.mapError(err)
	if IsReceiveFailure(mapped) {
		return mapped
	}
	var te *TransportError
	if errors.As(mapped, &te) {
		return Unknown("read failed with code %d: %s", te.Code, te.Message)
	}
	return mapped
}

// Write sends b and reports the result to completion, which may be nil. Writes are queued behind
// all other operations of the session. b may be reused once Write returns.
func (c *Channel) Write(b []byte, completion func(error)) {
	if completion == nil {
		completion = func(error) {}
	}
	stream := c.current()
	if stream == nil {
		completion(ErrNotConnected)
		return
	}
	if len(b) == 0 {
		completion(nil)
		return
	}

	data := append([]byte(nil), b...)
	if !c.session.queue.submit(func() { completion(c.write(stream, data)) }) {
		completion(ErrNotConnected)
	}
}

// WriteString is Write for strings.
func (c *Channel) WriteString(s string, completion func(error)) {
	c.Write([]byte(s), completion)
}

// write runs on the session queue. One deadline bounds the whole write.
func (c *Channel) write(stream Stream, b []byte) error {
	if c.current() != stream {
		return ErrNotConnected
	}
	dl := newDeadline(c.Timeout)
	for off := 0; off < len(b); {
		n, err := retryUntil(c.ctx(), stream, dl, c.session.mapError, func() (int, error) {
			n, err := stream.Write(c.StreamID, b[off:])
			if n == 0 && err == nil {
				err = ErrWouldBlock
			}
			return n, err
		})
		if err != nil {
			return err
		}
		off += n
	}
	return nil
}

// Close closes the channel. OnClose handlers are called with a nil error. It is safe to call Close
// more than once.
func (c *Channel) Close() {
	c.closeWithError(nil)
}

// closeWithError notifies OnClose handlers, then releases the stream. Only the first call does
// anything, so handlers may call Close.
func (c *Channel) closeWithError(err error) {
	c.mu.Lock()
	if isDone(c.done) {
		c.mu.Unlock()
		return
	}
	close(c.done)
	c.mu.Unlock()

	c.closed.set(err)
	c.cleanup()
}

func (c *Channel) cleanup() {
	c.mu.Lock()
	stream, subIDs := c.stream, c.subIDs
	c.stream = nil
	c.mu.Unlock()

	if stream != nil {
		if err := stream.Close(); err != nil {
			c.log.Debug("error closing stream", "error", err)
		}
	}
	c.session.unregister(c)
	c.session.connected.remove(subIDs[0])
	c.session.disconnected.remove(subIDs[1])
	c.log.Debug("channel closed")
}

// Send opens the channel, writes payload once it is open and collects everything read until the
// channel closes. completion is called once, with the collected data or the first error.
func (c *Channel) Send(payload []byte, completion func(data []byte, err error)) {
	var (
		mu       sync.Mutex
		buf      bytes.Buffer
		firstErr error
	)
	record := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	c.OnOpen(func(c *Channel, err error) {
		if err != nil {
			return
		}
		c.Write(payload, func(err error) {
			if err != nil {
				record(err)
				c.closeWithError(err)
			}
		})
	})
	c.OnRead(func(_ *Channel, data []byte, err error) {
		if err != nil {
			record(err)
			return
		}
		mu.Lock()
		buf.Write(data)
		mu.Unlock()
	})
	c.OnClose(func(_ *Channel, err error) {
		if err != nil {
			record(err)
		}
		mu.Lock()
		defer mu.Unlock()
		if firstErr != nil {
			completion(nil, fmt.Errorf("request to %v failed: %w", c, firstErr))
			return
		}
		completion(buf.Bytes(), nil)
	})
	c.Open()
}
