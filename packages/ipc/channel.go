package ipc

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrClosed is returned once either end of a Channel has gone away.
var ErrClosed = errors.New("ipc: channel closed")

// Handler receives messages registered with On.
type Handler func(Envelope)

// Channel is a bidirectional, reference-counted message transport between
// a controller and one worker.
type Channel interface {
	// Send delivers env to the other end.
	Send(env Envelope) error
	// Once waits for the first message of any of the given types. The
	// message is consumed and will not be seen by other selectors.
	Once(ctx context.Context, types ...MessageType) (Envelope, error)
	// On registers h for every message of type t until off is called.
	On(t MessageType, h Handler) (off func())
	// Ref and Unref count parties that need the channel kept alive.
	Ref()
	Unref()
	Refs() int
	// Idle is closed while the reference count is zero.
	Idle() <-chan struct{}
	// Done is closed once the channel can no longer carry messages.
	Done() <-chan struct{}
	Err() error
	Close() error
}

type handlerEntry struct {
	t MessageType
	h Handler
}

type waiter struct {
	types []MessageType
	ch    chan Envelope
}

// dispatcher implements the receive side shared by every transport.
type dispatcher struct {
	mu       sync.Mutex
	handlers []*handlerEntry
	waiters  []*waiter
	backlog  []Envelope

	refs int
	idle chan struct{}

	done      chan struct{}
	err       error
	closeOnce sync.Once
}

func newDispatcher() *dispatcher {
	idle := make(chan struct{})
	close(idle)
	return &dispatcher{
		idle: idle,
		done: make(chan struct{}),
	}
}

func (d *dispatcher) deliver(env Envelope) {
	d.mu.Lock()
	for i, w := range d.waiters {
		if slices.Contains(w.types, env.Type) {
			d.waiters = slices.Delete(d.waiters, i, i+1)
			d.mu.Unlock()
			w.ch <- env
			return
		}
	}

	var matched []Handler
	for _, e := range d.handlers {
		if e.t == env.Type {
			matched = append(matched, e.h)
		}
	}
	if len(matched) == 0 {
		d.backlog = append(d.backlog, env)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	for _, h := range matched {
		h(env)
	}
}

func (d *dispatcher) Once(ctx context.Context, types ...MessageType) (Envelope, error) {
	d.mu.Lock()
	for i, env := range d.backlog {
		if slices.Contains(types, env.Type) {
			d.backlog = slices.Delete(d.backlog, i, i+1)
			d.mu.Unlock()
			return env, nil
		}
	}
	w := &waiter{types: types, ch: make(chan Envelope, 1)}
	d.waiters = append(d.waiters, w)
	d.mu.Unlock()

	select {
	case env := <-w.ch:
		return env, nil
	case <-ctx.Done():
		if env, ok := d.abandon(w); ok {
			return env, nil
		}
		return Envelope{}, ctx.Err()
	case <-d.done:
		if env, ok := d.abandon(w); ok {
			return env, nil
		}
		return Envelope{}, d.Err()
	}
}

// abandon removes w, returning a message that raced in before removal.
func (d *dispatcher) abandon(w *waiter) (Envelope, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, other := range d.waiters {
		if other == w {
			d.waiters = slices.Delete(d.waiters, i, i+1)
			return Envelope{}, false
		}
	}
	select {
	case env := <-w.ch:
		return env, true
	default:
		return Envelope{}, false
	}
}

func (d *dispatcher) On(t MessageType, h Handler) func() {
	entry := &handlerEntry{t: t, h: h}

	d.mu.Lock()
	d.handlers = append(d.handlers, entry)
	var pending []Envelope
	kept := d.backlog[:0]
	for _, env := range d.backlog {
		if env.Type == t {
			pending = append(pending, env)
		} else {
			kept = append(kept, env)
		}
	}
	d.backlog = kept
	d.mu.Unlock()

	for _, env := range pending {
		h(env)
	}

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, e := range d.handlers {
			if e == entry {
				d.handlers = slices.Delete(d.handlers, i, i+1)
				return
			}
		}
	}
}

func (d *dispatcher) Ref() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs == 0 {
		d.idle = make(chan struct{})
	}
	d.refs++
}

func (d *dispatcher) Unref() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs == 0 {
		return
	}
	d.refs--
	if d.refs == 0 {
		close(d.idle)
	}
}

func (d *dispatcher) Refs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refs
}

func (d *dispatcher) Idle() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idle
}

func (d *dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *dispatcher) shutdown(err error) {
	d.closeOnce.Do(func() {
		if err == nil {
			err = ErrClosed
		}
		d.mu.Lock()
		d.err = err
		d.mu.Unlock()
		close(d.done)
	})
}

func (d *dispatcher) closed() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}
