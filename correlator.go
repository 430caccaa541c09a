package mcp

import (
	"sync"
)

// correlatorResult is the terminal outcome of a pending request: the response
// message, or the error that ended the wait.
type correlatorResult struct {
	msg JSONRPCMessage
	err error
}

// correlator is the pending-request table shared by the client's sender and
// receiver goroutines. Each registered ID gets a one-shot channel; whichever
// event arrives first for that ID (response, timeout, transport failure) wins,
// and the entry is removed so every later event for the same ID misses the
// table and is discarded by the caller.
type correlator struct {
	mu      sync.Mutex
	pending map[string]chan correlatorResult
	closed  bool
}

func newCorrelator() *correlator {
	return &correlator{
		pending: make(map[string]chan correlatorResult),
	}
}

// register adds a pending entry for the given request ID and returns the
// channel its terminal result will arrive on. It returns ErrTransportClosed
// after failAll, so no request can be parked on a dead transport.
func (c *correlator) register(id string) (<-chan correlatorResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrTransportClosed
	}

	// Buffered so the resolving side never blocks on a waiter that already
	// gave up.
	ch := make(chan correlatorResult, 1)
	c.pending[id] = ch
	return ch, nil
}

// resolve delivers a response to the request waiting on its ID. It reports
// false when no entry exists, which means the response is late, duplicated,
// or was never asked for; the caller logs and discards it.
func (c *correlator) resolve(id string, msg JSONRPCMessage) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- correlatorResult{msg: msg}
	return true
}

// fail ends the wait for a single request with an error, leaving all other
// pending requests untouched. Reports false if the request already resolved.
func (c *correlator) fail(id string, err error) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- correlatorResult{err: err}
	return true
}

// drop removes a pending entry without delivering anything. Used by a waiter
// that stopped waiting on its own (deadline, cancellation), so a response
// arriving later is treated as late rather than delivered to nobody.
func (c *correlator) drop(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failAll ends every pending wait with the given error. New registrations
// stay possible: a transport that reconnects fails the requests caught by the
// drop but keeps serving new ones.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan correlatorResult)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- correlatorResult{err: err}
	}
}

// shutdown fails every pending wait and refuses new registrations. Called on
// session teardown; calling it again is a no-op.
func (c *correlator) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.failAll(err)
}

// size reports the number of requests still waiting.
func (c *correlator) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
