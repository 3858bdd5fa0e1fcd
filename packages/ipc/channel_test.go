package ipc

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/abdul-hamid-achik/specrun/packages/core/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPipe_OnceResolvesOnce(t *testing.T) {
	ctx := testContext(t)
	controller, worker := NewPipe()
	defer controller.Close()

	require.NoError(t, worker.Send(Envelope{Type: TypeReadyForOptions}))
	env, err := controller.Once(ctx, TypeReadyForOptions, TypeStarting)
	require.NoError(t, err)
	assert.Equal(t, TypeReadyForOptions, env.Type)

	require.NoError(t, controller.Send(Envelope{Type: TypeOptions, Options: &Options{File: "a.go"}}))
	require.NoError(t, controller.Send(Envelope{Type: TypeOptions, Options: &Options{File: "b.go"}}))

	first, err := worker.Once(ctx, TypeOptions)
	require.NoError(t, err)
	assert.Equal(t, "a.go", first.Options.File)

	second, err := worker.Once(ctx, TypeOptions)
	require.NoError(t, err)
	assert.Equal(t, "b.go", second.Options.File, "each selector consumes exactly one message")
}

func TestPipe_BacklogIsDrainedByOn(t *testing.T) {
	controller, worker := NewPipe()
	defer controller.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, worker.Send(StateChangeMessage(event.StateChange{Type: event.TestPassed, Title: string(rune('a' + i))})))
	}

	var mu sync.Mutex
	var titles []string
	got := make(chan struct{}, 3)
	require.Eventually(t, func() bool {
		controller.mu.Lock()
		defer controller.mu.Unlock()
		return len(controller.inbox) == 0
	}, time.Second, time.Millisecond)

	off := controller.On(TypeStateChange, func(env Envelope) {
		mu.Lock()
		titles = append(titles, env.StateChange.Title)
		mu.Unlock()
		got <- struct{}{}
	})
	defer off()

	for i := 0; i < 3; i++ {
		<-got
	}
	assert.Equal(t, []string{"a", "b", "c"}, titles)
}

func TestPipe_HandlersSeeEveryMessageInOrder(t *testing.T) {
	controller, worker := NewPipe()
	defer controller.Close()

	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})
	controller.On(TypeStateChange, func(env Envelope) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, int(env.StateChange.Duration))
		if len(seen) == 100 {
			close(done)
		}
	})

	for i := 0; i < 100; i++ {
		require.NoError(t, worker.Send(StateChangeMessage(event.StateChange{Type: event.TestPassed, Duration: time.Duration(i)})))
	}
	<-done
	for i, v := range seen {
		assert.Equal(t, i, v)
	}
}

func TestPipe_CloseSignalsPeer(t *testing.T) {
	ctx := testContext(t)
	controller, worker := NewPipe()

	require.NoError(t, controller.Close())

	_, err := worker.Once(ctx, TypeOptions)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, worker.Send(Envelope{Type: TypeReadyForOptions}), ErrClosed)
	assert.ErrorIs(t, controller.Send(Envelope{Type: TypePeerFailed}), ErrClosed)
}

func TestPipe_OnceHonoursContext(t *testing.T) {
	controller, worker := NewPipe()
	defer controller.Close()
	_ = worker

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := controller.Once(ctx, TypeReadyForOptions)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatcher_RefCounting(t *testing.T) {
	d := newDispatcher()

	assert.Equal(t, 0, d.Refs())
	assertClosed(t, d.Idle())

	d.Ref()
	d.Ref()
	assert.Equal(t, 2, d.Refs())
	idle := d.Idle()
	assertOpen(t, idle)

	d.Unref()
	assertOpen(t, idle)

	d.Unref()
	assertClosed(t, idle)

	d.Unref()
	assert.Equal(t, 0, d.Refs(), "unref below zero is ignored")
}

func TestStreamChannel_RoundTrip(t *testing.T) {
	ctx := testContext(t)

	toWorkerR, toWorkerW := io.Pipe()
	toControllerR, toControllerW := io.Pipe()

	controller := NewStreamChannel(toControllerR, toWorkerW)
	worker := NewStreamChannel(toWorkerR, toControllerW)
	defer controller.Close()
	defer worker.Close()

	require.NoError(t, worker.Send(Envelope{Type: TypeStarting}))
	env, err := controller.Once(ctx, TypeReadyForOptions, TypeStarting)
	require.NoError(t, err)
	assert.Equal(t, TypeStarting, env.Type)

	opts := &Options{RunID: "run-1", File: "math.go", FailFast: true, Match: []string{"add*"}}
	require.NoError(t, controller.Send(Envelope{Type: TypeOptions, Options: opts}))
	env, err = worker.Once(ctx, TypeOptions)
	require.NoError(t, err)
	assert.Equal(t, opts, env.Options)
}

func TestStreamChannel_DropsMalformedLines(t *testing.T) {
	ctx := testContext(t)

	r, w := io.Pipe()
	ch := NewStreamChannel(r, io.Discard)
	defer ch.Close()

	go func() {
		_, _ = w.Write([]byte("not json\n"))
		_, _ = w.Write([]byte(`{"type":"bogus"}` + "\n"))
		_, _ = w.Write([]byte(`{"type":"peer-failed"}` + "\n"))
	}()

	env, err := ch.Once(ctx, TypePeerFailed, TypeOptions)
	require.NoError(t, err)
	assert.Equal(t, TypePeerFailed, env.Type)
}

func TestStreamChannel_WireFormat(t *testing.T) {
	r, w := io.Pipe()
	ch := NewStreamChannel(eofReader{}, w)
	defer ch.Close()

	line := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _ := r.Read(buf)
		line <- buf[:n]
	}()

	require.NoError(t, ch.Send(StateChangeMessage(event.StateChange{Type: event.HookFailed, Title: "before hook"})))
	data := <-line
	assert.Equal(t, "state-change", gjson.GetBytes(data, "type").String())
	assert.Equal(t, "hook-failed", gjson.GetBytes(data, "stateChange.type").String())
	assert.Equal(t, "before hook", gjson.GetBytes(data, "stateChange.title").String())
	assert.Equal(t, byte('\n'), data[len(data)-1])
}

func TestStreamChannel_EOFClosesChannel(t *testing.T) {
	ch := NewStreamChannel(eofReader{}, io.Discard)
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("channel did not close on EOF")
	}
	assert.ErrorIs(t, ch.Err(), ErrClosed)
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

func assertClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	default:
		t.Fatal("expected channel to be closed")
	}
}

func assertOpen(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("expected channel to be open")
	default:
	}
}
