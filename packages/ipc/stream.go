package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/abdul-hamid-achik/specrun/packages/logging"
	"github.com/tidwall/gjson"
)

// MaxMessageSize bounds a single encoded message.
const MaxMessageSize = 16 * 1024 * 1024

// Inherited file descriptors used by worker processes.
const (
	WorkerReadFD  = 3
	WorkerWriteFD = 4
)

// StreamChannel exchanges newline-delimited JSON envelopes over a reader
// and a writer, typically a pair of pipes to a worker process.
type StreamChannel struct {
	*dispatcher

	r   io.Reader
	w   io.Writer
	wmu sync.Mutex

	closers []io.Closer
	log     *slog.Logger
}

// NewStreamChannel starts reading from r immediately. Close closes r and w
// when they implement io.Closer.
func NewStreamChannel(r io.Reader, w io.Writer) *StreamChannel {
	c := &StreamChannel{
		dispatcher: newDispatcher(),
		r:          r,
		w:          w,
		log:        logging.New("ipc"),
	}
	if rc, ok := r.(io.Closer); ok {
		c.closers = append(c.closers, rc)
	}
	if wc, ok := w.(io.Closer); ok {
		c.closers = append(c.closers, wc)
	}
	go c.readLoop()
	return c
}

// OpenInherited returns the channel a worker process shares with its
// controller over the inherited descriptors.
func OpenInherited() (*StreamChannel, error) {
	r := os.NewFile(WorkerReadFD, "specrun-ipc-read")
	w := os.NewFile(WorkerWriteFD, "specrun-ipc-write")
	if r == nil || w == nil {
		return nil, fmt.Errorf("ipc: worker descriptors %d/%d are not available", WorkerReadFD, WorkerWriteFD)
	}
	return NewStreamChannel(r, w), nil
}

func (c *StreamChannel) readLoop() {
	scanner := bufio.NewScanner(c.r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) {
			c.log.Warn("dropping malformed message", "bytes", len(line))
			continue
		}
		typ := MessageType(gjson.GetBytes(line, "type").String())
		if !Known(typ) {
			c.log.Warn("dropping message of unknown type", "type", typ)
			continue
		}

		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			c.log.Warn("dropping undecodable message", "type", typ, "error", err)
			continue
		}
		c.deliver(env)
	}

	err := scanner.Err()
	if err == nil || errors.Is(err, os.ErrClosed) {
		err = ErrClosed
	}
	c.shutdown(err)
}

// Send encodes env as one line.
func (c *StreamChannel) Send(env Envelope) error {
	if c.closed() {
		return ErrClosed
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ipc: encoding %s: %w", env.Type, err)
	}
	data = append(data, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("ipc: sending %s: %w", env.Type, err)
	}
	return nil
}

// Close releases both ends of the stream.
func (c *StreamChannel) Close() error {
	var firstErr error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && firstErr == nil && !errors.Is(err, os.ErrClosed) {
			firstErr = err
		}
	}
	c.shutdown(ErrClosed)
	return firstErr
}
