package sharedworker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Factory runs a shared worker until ctx is done. It must call
// Protocol.Ready before links can exchange messages.
type Factory func(ctx context.Context, p *Protocol) error

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a shared worker available under name. It panics on a
// duplicate name, like other init-time registries.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		panic("sharedworker: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("sharedworker: Register called twice for %q", name))
	}
	registry[name] = f
}

// Names returns the registered worker names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookup(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Protocol is the shared worker's view of its connected links.
type Protocol struct {
	inst *instance
}

// Name is the registered name.
func (p *Protocol) Name() string { return p.inst.name }

// InitialData is the data passed by the first link that connected.
func (p *Protocol) InitialData() json.RawMessage { return p.inst.initialData }

// Ready announces the worker to every connected and future link.
func (p *Protocol) Ready() { p.inst.markReady() }

// Subscribe delivers messages published by any link. All subscribers share
// one stream.
func (p *Protocol) Subscribe() <-chan *Message { return p.inst.inbox.Out() }

// Broadcast publishes data to every ready link.
func (p *Protocol) Broadcast(data any) error { return p.inst.broadcast(data) }
