package sshchan

import (
	"errors"
	"time"
)

// startKeepalive arms the keepalive loop, unless keepalives are disabled.
func (s *Session) startKeepalive(secure SecureSession) {
	interval := s.cfg.KeepaliveInterval
	if interval <= 0 {
		return
	}
	secure.ConfigureKeepalive(interval)
	go s.keepalive(secure, interval)
}

// keepalive probes the server every interval until the session closes. After MaxErrorCounter
// consecutive failures the session is torn down with the last transport error.
func (s *Session) keepalive(secure SecureSession, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ticker.C:
		case <-s.closed:
			return
		}

		err := secure.SendKeepalive()
		if err == nil {
			failures = 0
			continue
		}
		failures++
		s.log.Warn("keepalive failed", "error", err, "failures", failures)
		if failures < s.cfg.MaxErrorCounter {
			continue
		}

		reason := s.LastError()
		if reason == nil || errors.Is(reason, ErrNotConnected) {
			reason = s.mapError(err)
		}
		s.log.Error("too many keepalive failures", "failures", failures)
		s.teardown(reason)
		return
	}
}
