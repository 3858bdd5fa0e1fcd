package sharedworker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/abdul-hamid-achik/specrun/packages/core/queue"
	"github.com/abdul-hamid-achik/specrun/packages/ipc"
	"github.com/abdul-hamid-achik/specrun/packages/logging"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// Sender is the controller's handle on one worker's channel.
type Sender interface {
	Send(env ipc.Envelope) error
}

// Hub hosts the shared workers of one run and brokers their links.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
	wg     conc.WaitGroup

	mu        sync.Mutex
	instances map[string]*instance
	channels  map[string]*connection
}

type connection struct {
	ep   *endpoint
	inst *instance
	conn Sender
}

type instance struct {
	name        string
	initialData json.RawMessage
	inbox       *queue.Queue[*Message]
	log         *slog.Logger

	mu    sync.Mutex
	ready bool
	err   error
	conns map[string]*connection
}

// NewHub returns a hub whose workers stop when ctx is done or Close is
// called.
func NewHub(ctx context.Context) *Hub {
	ctx, cancel := context.WithCancel(ctx)
	return &Hub{
		ctx:       ctx,
		cancel:    cancel,
		log:       logging.New("sharedworker"),
		instances: make(map[string]*instance),
		channels:  make(map[string]*connection),
	}
}

// Connect handles a shared-worker-connect request arriving from conn.
func (h *Hub) Connect(conn Sender, m ipc.SharedWorkerMessage) {
	factory, ok := lookup(m.Name)
	if !ok {
		sendError(conn, m.ChannelID, fmt.Sprintf("no shared worker registered as %q", m.Name))
		return
	}

	inst := h.instance(m.Name, m.InitialData, factory)
	c := &connection{inst: inst, conn: conn}
	c.ep = newEndpoint(m.ChannelID, inst.inbox, func(out ipc.SharedWorkerMessage) error {
		return conn.Send(ipc.Envelope{Type: ipc.TypeSharedWorkerMessage, SharedWorker: &out})
	})

	h.mu.Lock()
	h.channels[m.ChannelID] = c
	h.mu.Unlock()

	inst.attach(c)
}

// Deliver routes a shared-worker-message from a worker.
func (h *Hub) Deliver(m ipc.SharedWorkerMessage) {
	h.mu.Lock()
	c, ok := h.channels[m.ChannelID]
	h.mu.Unlock()
	if !ok {
		h.log.Debug("dropping message for unknown channel", "channel", m.ChannelID)
		return
	}
	c.ep.receive(m)
}

// Disconnect forgets every link opened through conn.
func (h *Hub) Disconnect(conn Sender) {
	h.mu.Lock()
	var gone []*connection
	for id, c := range h.channels {
		if c.conn == conn {
			gone = append(gone, c)
			delete(h.channels, id)
		}
	}
	h.mu.Unlock()

	for _, c := range gone {
		c.inst.detach(c)
		c.ep.close()
	}
}

// Close stops every shared worker and waits for their factories to return.
func (h *Hub) Close() {
	h.cancel()
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, inst := range h.instances {
		inst.inbox.Close()
	}
}

func (h *Hub) instance(name string, initialData json.RawMessage, factory Factory) *instance {
	h.mu.Lock()
	defer h.mu.Unlock()
	if inst, ok := h.instances[name]; ok {
		return inst
	}

	inst := &instance{
		name:        name,
		initialData: initialData,
		inbox:       queue.New[*Message](),
		log:         h.log.With("worker", name),
		conns:       make(map[string]*connection),
	}
	h.instances[name] = inst

	ctx := h.ctx
	h.wg.Go(func() {
		var err error
		var pc panics.Catcher
		pc.Try(func() { err = factory(ctx, &Protocol{inst: inst}) })
		if r := pc.Recovered(); r != nil {
			err = r.AsError()
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("shared worker %q exited", name)
		}
		inst.fail(err)
	})
	return inst
}

func (i *instance) attach(c *connection) {
	i.mu.Lock()
	i.conns[c.ep.channelID] = c
	ready, err := i.ready, i.err
	i.mu.Unlock()

	switch {
	case err != nil:
		sendError(c.conn, c.ep.channelID, err.Error())
	case ready:
		sendReady(c.conn, c.ep.channelID)
	}
}

func (i *instance) detach(c *connection) {
	i.mu.Lock()
	delete(i.conns, c.ep.channelID)
	i.mu.Unlock()
}

func (i *instance) snapshot() []*connection {
	conns := make([]*connection, 0, len(i.conns))
	for _, c := range i.conns {
		conns = append(conns, c)
	}
	return conns
}

func (i *instance) markReady() {
	i.mu.Lock()
	if i.ready || i.err != nil {
		i.mu.Unlock()
		return
	}
	i.ready = true
	conns := i.snapshot()
	i.mu.Unlock()

	for _, c := range conns {
		sendReady(c.conn, c.ep.channelID)
	}
}

func (i *instance) fail(err error) {
	i.mu.Lock()
	if i.err != nil {
		i.mu.Unlock()
		return
	}
	i.err = err
	conns := i.snapshot()
	i.mu.Unlock()

	i.log.Error("shared worker failed", "error", err)
	for _, c := range conns {
		sendError(c.conn, c.ep.channelID, err.Error())
		c.ep.close()
	}
	i.inbox.Close()
}

func (i *instance) broadcast(data any) error {
	i.mu.Lock()
	if i.err != nil {
		i.mu.Unlock()
		return ErrUnavailable
	}
	conns := i.snapshot()
	i.mu.Unlock()

	var firstErr error
	for _, c := range conns {
		if _, err := c.ep.publish("", data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func sendReady(conn Sender, channelID string) {
	_ = conn.Send(ipc.Envelope{
		Type:         ipc.TypeSharedWorkerReady,
		SharedWorker: &ipc.SharedWorkerMessage{ChannelID: channelID},
	})
}

func sendError(conn Sender, channelID, msg string) {
	_ = conn.Send(ipc.Envelope{
		Type:         ipc.TypeSharedWorkerError,
		SharedWorker: &ipc.SharedWorkerMessage{ChannelID: channelID, Error: msg},
	})
}
