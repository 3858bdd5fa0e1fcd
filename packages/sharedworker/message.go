package sharedworker

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/abdul-hamid-achik/specrun/packages/core/queue"
	"github.com/abdul-hamid-achik/specrun/packages/ipc"
	"github.com/google/uuid"
)

// ErrUnavailable is returned when the shared worker failed or the link is
// closed.
var ErrUnavailable = errors.New("sharedworker: worker unavailable")

// Message is one payload exchanged over a link, on either side.
type Message struct {
	ID   string
	Data json.RawMessage
	// From is the channel the message arrived on.
	From string

	ep      *endpoint
	replies *queue.Queue[*Message]
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Reply sends data back on the channel the message arrived on.
func (m *Message) Reply(data any) (*Message, error) {
	if m.ep == nil {
		return nil, ErrUnavailable
	}
	return m.ep.publish(m.ID, data)
}

// Replies delivers messages sent in reply to this one. It is closed when
// the link goes away.
func (m *Message) Replies() <-chan *Message {
	if m.replies == nil {
		ch := make(chan *Message)
		close(ch)
		return ch
	}
	return m.replies.Out()
}

// endpoint is one end of a channel, correlating replies by message ID.
type endpoint struct {
	channelID string
	send      func(ipc.SharedWorkerMessage) error
	inbox     *queue.Queue[*Message]

	mu      sync.Mutex
	pending map[string]*queue.Queue[*Message]
	closed  bool
}

func newEndpoint(channelID string, inbox *queue.Queue[*Message], send func(ipc.SharedWorkerMessage) error) *endpoint {
	return &endpoint{
		channelID: channelID,
		send:      send,
		inbox:     inbox,
		pending:   make(map[string]*queue.Queue[*Message]),
	}
}

func (e *endpoint) publish(replyTo string, data any) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("sharedworker: encoding message: %w", err)
	}

	msg := &Message{
		ID:      uuid.NewString(),
		Data:    raw,
		From:    e.channelID,
		ep:      e,
		replies: queue.New[*Message](),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		msg.replies.Close()
		return nil, ErrUnavailable
	}
	e.pending[msg.ID] = msg.replies
	e.mu.Unlock()

	err = e.send(ipc.SharedWorkerMessage{
		ChannelID: e.channelID,
		MessageID: msg.ID,
		ReplyTo:   replyTo,
		Data:      raw,
	})
	if err != nil {
		e.mu.Lock()
		delete(e.pending, msg.ID)
		e.mu.Unlock()
		msg.replies.Close()
		return nil, fmt.Errorf("sharedworker: sending message: %w", err)
	}
	return msg, nil
}

// receive routes an inbound message to the replies of the message it
// answers, or to the inbox.
func (e *endpoint) receive(m ipc.SharedWorkerMessage) {
	msg := &Message{ID: m.MessageID, Data: m.Data, From: e.channelID, ep: e}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	target := e.inbox
	if m.ReplyTo != "" {
		if q, ok := e.pending[m.ReplyTo]; ok {
			target = q
		}
	}
	e.mu.Unlock()

	target.Push(msg)
}

func (e *endpoint) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, q := range pending {
		q.Close()
	}
}
