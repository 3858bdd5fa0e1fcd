package ipc

import (
	"sync"
)

// PipeChannel is one end of an in-memory channel pair. Messages are
// delivered in order on a dedicated goroutine, so Send never blocks on the
// receiver's handlers.
type PipeChannel struct {
	*dispatcher

	peer *PipeChannel

	mu     sync.Mutex
	inbox  []Envelope
	signal chan struct{}
	eof    bool
}

// NewPipe returns two connected in-memory channels.
func NewPipe() (*PipeChannel, *PipeChannel) {
	a := newPipeEnd()
	b := newPipeEnd()
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return a, b
}

func newPipeEnd() *PipeChannel {
	return &PipeChannel{
		dispatcher: newDispatcher(),
		signal:     make(chan struct{}, 1),
	}
}

// Send queues env on the peer.
func (c *PipeChannel) Send(env Envelope) error {
	if c.closed() {
		return ErrClosed
	}
	return c.peer.enqueue(env)
}

func (c *PipeChannel) enqueue(env Envelope) error {
	c.mu.Lock()
	if c.eof {
		c.mu.Unlock()
		return ErrClosed
	}
	c.inbox = append(c.inbox, env)
	c.mu.Unlock()
	c.wake()
	return nil
}

func (c *PipeChannel) wake() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *PipeChannel) pump() {
	for range c.signal {
		for {
			c.mu.Lock()
			if len(c.inbox) == 0 {
				eof := c.eof
				c.mu.Unlock()
				if eof {
					c.shutdown(ErrClosed)
					return
				}
				break
			}
			env := c.inbox[0]
			c.inbox = c.inbox[1:]
			c.mu.Unlock()
			c.deliver(env)
		}
	}
}

// markEOF stops accepting messages; queued ones are still delivered.
func (c *PipeChannel) markEOF() {
	c.mu.Lock()
	c.eof = true
	c.mu.Unlock()
	c.wake()
}

// Close shuts this end down and signals end-of-stream to the peer.
func (c *PipeChannel) Close() error {
	c.markEOF()
	c.shutdown(ErrClosed)
	c.peer.markEOF()
	return nil
}
