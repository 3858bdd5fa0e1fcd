package sharedworker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/abdul-hamid-achik/specrun/packages/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	Register("echo", func(ctx context.Context, p *Protocol) error {
		p.Ready()
		for {
			select {
			case msg, ok := <-p.Subscribe():
				if !ok {
					return nil
				}
				var body string
				_ = msg.Decode(&body)
				_, _ = msg.Reply(strings.ToUpper(body))
			case <-ctx.Done():
				return nil
			}
		}
	})
	Register("broken", func(ctx context.Context, p *Protocol) error {
		return errors.New("cannot start")
	})
	Register("announcer", func(ctx context.Context, p *Protocol) error {
		var greeting string
		_ = json.Unmarshal(p.InitialData(), &greeting)
		p.Ready()
		msg := <-p.Subscribe()
		_ = p.Broadcast(greeting)
		_, _ = msg.Reply("ok")
		<-ctx.Done()
		return nil
	})
	Register("crashing", func(ctx context.Context, p *Protocol) error {
		p.Ready()
		<-p.Subscribe()
		panic("lost the database")
	})
}

// wire connects a worker-side client to hub over an in-memory pipe.
func wire(t *testing.T, hub *Hub) *Client {
	t.Helper()
	controller, worker := ipc.NewPipe()
	controller.On(ipc.TypeSharedWorkerConnect, func(env ipc.Envelope) {
		hub.Connect(controller, *env.SharedWorker)
	})
	controller.On(ipc.TypeSharedWorkerMessage, func(env ipc.Envelope) {
		hub.Deliver(*env.SharedWorker)
	})
	client := NewClient(worker)
	t.Cleanup(func() {
		client.Close()
		hub.Disconnect(controller)
		controller.Close()
	})
	return client
}

func newHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(context.Background())
	t.Cleanup(hub.Close)
	return hub
}

func ctxWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLink_PublishAndReply(t *testing.T) {
	ctx := ctxWithTimeout(t)
	client := wire(t, newHub(t))

	link, err := client.Connect("echo", nil)
	require.NoError(t, err)
	require.NoError(t, link.Ready(ctx))

	msg, err := link.Publish("hello")
	require.NoError(t, err)

	select {
	case reply := <-msg.Replies():
		var body string
		require.NoError(t, reply.Decode(&body))
		assert.Equal(t, "HELLO", body)
	case <-ctx.Done():
		t.Fatal("no reply")
	}
}

func TestLink_ReadyReleasesReference(t *testing.T) {
	ctx := ctxWithTimeout(t)
	controller, worker := ipc.NewPipe()
	defer controller.Close()
	hub := newHub(t)
	controller.On(ipc.TypeSharedWorkerConnect, func(env ipc.Envelope) {
		hub.Connect(controller, *env.SharedWorker)
	})

	client := NewClient(worker)
	defer client.Close()

	link, err := client.Connect("echo", nil)
	require.NoError(t, err)
	require.NoError(t, link.Ready(ctx))

	select {
	case <-worker.Idle():
	case <-ctx.Done():
		t.Fatal("channel still referenced after ready")
	}
}

func TestLink_UnknownWorker(t *testing.T) {
	ctx := ctxWithTimeout(t)
	client := wire(t, newHub(t))

	link, err := client.Connect("missing", nil)
	require.NoError(t, err)

	err = link.Ready(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), `no shared worker registered as "missing"`)
}

func TestLink_FactoryErrorIsBroadcast(t *testing.T) {
	ctx := ctxWithTimeout(t)
	hub := newHub(t)
	first := wire(t, hub)
	second := wire(t, hub)

	a, err := first.Connect("broken", nil)
	require.NoError(t, err)
	b, err := second.Connect("broken", nil)
	require.NoError(t, err)

	for _, link := range []*Link{a, b} {
		err := link.Ready(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot start")
	}
}

func TestLink_CrashAfterReadyInvalidatesSubscriptions(t *testing.T) {
	ctx := ctxWithTimeout(t)
	client := wire(t, newHub(t))

	link, err := client.Connect("crashing", nil)
	require.NoError(t, err)
	require.NoError(t, link.Ready(ctx))

	sub := link.Subscribe(ctx)
	_, err = link.Publish("go")
	require.NoError(t, err)

	select {
	case _, ok := <-sub:
		assert.False(t, ok, "subscription should close on failure")
	case <-ctx.Done():
		t.Fatal("subscription not closed")
	}

	_, err = link.Publish("again")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestProtocol_BroadcastReachesSubscribers(t *testing.T) {
	ctx := ctxWithTimeout(t)
	client := wire(t, newHub(t))

	link, err := client.Connect("announcer", "welcome")
	require.NoError(t, err)
	require.NoError(t, link.Ready(ctx))

	sub := link.Subscribe(ctx)
	msg, err := link.Publish("ping")
	require.NoError(t, err)

	select {
	case got := <-sub:
		var body string
		require.NoError(t, got.Decode(&body))
		assert.Equal(t, "welcome", body)
	case <-ctx.Done():
		t.Fatal("no broadcast")
	}

	select {
	case reply := <-msg.Replies():
		var body string
		require.NoError(t, reply.Decode(&body))
		assert.Equal(t, "ok", body)
	case <-ctx.Done():
		t.Fatal("no reply")
	}
}

func TestRegister_Duplicate(t *testing.T) {
	assert.Panics(t, func() {
		Register("echo", func(context.Context, *Protocol) error { return nil })
	})
	assert.Contains(t, Names(), "echo")
}
