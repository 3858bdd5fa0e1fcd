package sharedworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/abdul-hamid-achik/specrun/packages/core/queue"
	"github.com/abdul-hamid-achik/specrun/packages/ipc"
	"github.com/google/uuid"
)

// Client opens links from inside a worker.
type Client struct {
	ch ipc.Channel

	mu     sync.Mutex
	links  map[string]*Link
	offs   []func()
	closed bool
}

// NewClient listens for shared-worker replies on ch.
func NewClient(ch ipc.Channel) *Client {
	c := &Client{ch: ch, links: make(map[string]*Link)}
	c.offs = []func(){
		ch.On(ipc.TypeSharedWorkerReady, c.handle),
		ch.On(ipc.TypeSharedWorkerError, c.handle),
		ch.On(ipc.TypeSharedWorkerMessage, c.handle),
	}
	return c
}

// Connect asks the controller for a link to the shared worker called name.
// The channel stays referenced until the link is ready or has failed.
func (c *Client) Connect(name string, initialData any) (*Link, error) {
	var raw json.RawMessage
	if initialData != nil {
		data, err := json.Marshal(initialData)
		if err != nil {
			return nil, fmt.Errorf("sharedworker: encoding initial data: %w", err)
		}
		raw = data
	}

	id := uuid.NewString()
	l := &Link{
		Name:   name,
		client: c,
		inbox:  queue.New[*Message](),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	l.ep = newEndpoint(id, l.inbox, func(out ipc.SharedWorkerMessage) error {
		return c.ch.Send(ipc.Envelope{Type: ipc.TypeSharedWorkerMessage, SharedWorker: &out})
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrUnavailable
	}
	c.links[id] = l
	c.mu.Unlock()

	c.ch.Ref()
	err := c.ch.Send(ipc.Envelope{
		Type: ipc.TypeSharedWorkerConnect,
		SharedWorker: &ipc.SharedWorkerMessage{
			ChannelID:   id,
			Name:        name,
			InitialData: raw,
		},
	})
	if err != nil {
		l.resolve(fmt.Errorf("sharedworker: connecting to %q: %w", name, err))
		return nil, err
	}
	return l, nil
}

// Close invalidates every open link.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	links := c.links
	c.links = make(map[string]*Link)
	offs := c.offs
	c.mu.Unlock()

	for _, off := range offs {
		off()
	}
	for _, l := range links {
		l.resolve(ErrUnavailable)
	}
}

func (c *Client) handle(env ipc.Envelope) {
	m := env.SharedWorker
	if m == nil {
		return
	}
	c.mu.Lock()
	l, ok := c.links[m.ChannelID]
	c.mu.Unlock()
	if !ok {
		return
	}

	switch env.Type {
	case ipc.TypeSharedWorkerReady:
		l.resolve(nil)
	case ipc.TypeSharedWorkerError:
		l.resolve(fmt.Errorf("%w: %s", ErrUnavailable, m.Error))
	case ipc.TypeSharedWorkerMessage:
		l.ep.receive(*m)
	}
}

// Link is a worker's private channel to one shared worker.
type Link struct {
	Name string

	client *Client
	ep     *endpoint
	inbox  *queue.Queue[*Message]

	once    sync.Once
	ready   chan struct{}
	done    chan struct{}
	errMu   sync.Mutex
	err     error
	isReady bool
}

// resolve settles readiness the first time and tears the link down on
// failure, including a failure after it was ready.
func (l *Link) resolve(err error) {
	first := false
	l.once.Do(func() {
		first = true
		l.errMu.Lock()
		l.err = err
		l.isReady = err == nil
		l.errMu.Unlock()
		close(l.ready)
		l.client.ch.Unref()
	})
	if err == nil {
		return
	}
	if !first {
		l.errMu.Lock()
		if l.err != nil {
			l.errMu.Unlock()
			return
		}
		l.err = err
		l.isReady = false
		l.errMu.Unlock()
	}
	close(l.done)
	l.ep.close()
	l.inbox.Close()
}

// Ready waits until the shared worker has announced itself.
func (l *Link) Ready(ctx context.Context) error {
	select {
	case <-l.ready:
		return l.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err reports why the link is unusable, if it is.
func (l *Link) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Publish sends data to the shared worker.
func (l *Link) Publish(data any) (*Message, error) {
	l.errMu.Lock()
	ready, err := l.isReady, l.err
	l.errMu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, errors.New("sharedworker: link is not ready")
	}
	return l.ep.publish("", data)
}

// Subscribe delivers messages the shared worker sends on this link that are
// not replies to a published message. The channel is kept referenced until
// ctx is done or the link fails.
func (l *Link) Subscribe(ctx context.Context) <-chan *Message {
	ch := l.client.ch
	ch.Ref()
	go func() {
		select {
		case <-ctx.Done():
		case <-l.done:
		}
		ch.Unref()
	}()
	return l.inbox.Out()
}
