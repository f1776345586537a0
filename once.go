package sshchan

import "sync"

// once runs a function at most once, like sync.Once, but supports cancellation. Callers arriving
// while the function runs block until it returns and then receive the same error.
type once struct {
	mu      sync.Mutex
	started bool
	done    chan struct{}
	err     error
}

func newOnce() *once {
	return &once{done: make(chan struct{})}
}

// do calls f unless do or cancel was called before. The lock is not held while f runs, so f may be
// cancelled (cancel returns false) or waited upon concurrently.
func (o *once) do(f func() error) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return o.wait()
	}
	o.started = true
	o.mu.Unlock()

	err := f()

	o.mu.Lock()
	o.err = err
	close(o.done)
	o.mu.Unlock()
	return err
}

// cancel ensures that f will never be called by do.
//
// If do has not yet been called, cancel returns true and future calls to do will return doErr.
// If do has been called or is in progress, cancel returns false without waiting for it.
func (o *once) cancel(doErr error) (cancelled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return false
	}
	o.started, o.err = true, doErr
	close(o.done)
	return true
}

// wait for o to complete (via do or cancel), then return the same error do would return.
func (o *once) wait() error {
	<-o.done
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}
