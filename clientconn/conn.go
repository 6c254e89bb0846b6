// Package clientconn implements one framed client session: a
// length-prefixed, CBOR-encoded request/response/notification stream
// over a net.Conn, with a FIFO outbound queue and a single inflight write
// at a time.
package clientconn

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/mrc-gateway/mrcgw/internal/queue"
	"github.com/mrc-gateway/mrcgw/logger"
	"github.com/mrc-gateway/mrcgw/msg"
)

// Dispatcher receives a decoded client request and is expected to route it
// to the Connection Manager. It must not block for long: it runs on the
// connection's own read-loop goroutine.
type Dispatcher func(c *Conn, m msg.Message)

// Conn is one client's framed session. The fields above mu are immutable
// after construction; mutable state is guarded by mu.
type Conn struct {
	id   uint64
	sock net.Conn
	peer string
	log  logger.Logger

	dispatch Dispatcher

	mu        sync.Mutex
	outbound  queue.Queue
	writing   bool
	stopping  bool
	closed    bool
	closeOnce sync.Once
	stoppedCh chan struct{}
}

var nextConnID atomic.Uint64

// New wraps sock as a client connection with a process-unique ID, labelled
// with sock's remote address string. dispatch is invoked once per decoded incoming Message;
// the caller should start the read loop via Serve in its own goroutine.
func New(sock net.Conn, log logger.Logger, dispatch Dispatcher) *Conn {
	if log == nil {
		log = logger.GetLogger()
	}

	return &Conn{
		id:        nextConnID.Add(1),
		sock:      sock,
		peer:      sock.RemoteAddr().String(),
		log:       log,
		dispatch:  dispatch,
		outbound:  queue.NewSliceQueue(4),
		stoppedCh: make(chan struct{}),
	}
}

// ID returns a process-unique identifier for this connection, stable for
// its lifetime. Used as the key for per-client poll sets.
func (c *Conn) ID() uint64 { return c.id }

// Peer returns the remote address string, used for logging.
func (c *Conn) Peer() string { return c.peer }

// Done returns a channel closed once the connection has fully stopped
// (read loop exited and the socket is closed).
func (c *Conn) Done() <-chan struct{} { return c.stoppedCh }

// Serve runs the read loop until EOF, a protocol violation, or Stop.
// It blocks; callers run it in its own goroutine.
func (c *Conn) Serve() {
	defer c.finish()

	for {
		hdr := make([]byte, 2)
		if _, err := io.ReadFull(c.sock, hdr); err != nil {
			c.logReadErr(err)
			return
		}

		size := binary.BigEndian.Uint16(hdr)
		if size == 0 {
			c.log.Error("clientconn: zero-length frame", "peer", c.peer)
			c.Send(&msg.ErrorResult{ErrKind: msg.ErrInvalidSize})
			c.Stop(true)
			return
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(c.sock, payload); err != nil {
			c.logReadErr(err)
			return
		}

		m, err := msg.Decode(payload)
		if err != nil {
			c.log.Error("clientconn: decode failure", "peer", c.peer, "error", err)
			c.Send(&msg.ErrorResult{ErrKind: msg.ErrInvalidType})
			c.Stop(true)
			return
		}

		c.dispatch(c, m)
	}
}

func (c *Conn) logReadErr(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		c.log.Info("clientconn: peer closed connection", "peer", c.peer)
		return
	}
	c.log.Error("clientconn: read error", "peer", c.peer, "error", err)
}

// Send enqueues m for delivery to the client. If no write is currently
// inflight, it starts one. Enqueued messages are always sent in FIFO
// order.
func (c *Conn) Send(m msg.Message) {
	frame, err := encodeFrame(m)
	if err != nil {
		c.log.Error("clientconn: encode failure", "peer", c.peer, "error", err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.outbound.Enqueue(frame)
	if c.writing {
		c.mu.Unlock()
		return
	}
	c.writing = true
	frame, _ = c.outbound.Dequeue().([]byte)
	c.mu.Unlock()

	go c.writeLoop(frame)
}

func encodeFrame(m msg.Message) ([]byte, error) {
	payload, err := msg.Encode(m)
	if err != nil {
		return nil, fmt.Errorf("clientconn: encode: %w", err)
	}
	return msg.EncodeFrame(payload)
}

// writeLoop drains the outbound queue one frame at a time. Only ever one
// instance is running per connection (gated by the `writing` flag).
func (c *Conn) writeLoop(frame []byte) {
	for {
		if _, err := c.sock.Write(frame); err != nil {
			c.log.Error("clientconn: write error", "peer", c.peer, "error", err)
			c.Stop(false)
			return
		}

		c.mu.Lock()
		next, ok := c.outbound.Dequeue().([]byte)
		if !ok {
			c.writing = false
			stopping := c.stopping
			c.mu.Unlock()
			if stopping {
				c.Stop(false)
			}
			return
		}
		c.mu.Unlock()

		frame = next
	}
}

// Stop closes the connection. If graceful is true and the outbound queue
// is non-empty, the close is deferred until the queue drains; otherwise
// the socket is closed immediately.
func (c *Conn) Stop(graceful bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if graceful && (c.writing || !c.outbound.IsEmpty()) {
		c.stopping = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.closeNow()
}

// closeNow closes the socket and signals Done, exactly once.
func (c *Conn) closeNow() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.sock.Close()
	c.closeOnce.Do(func() { close(c.stoppedCh) })
}

// finish runs when the read loop exits, regardless of reason. If a
// graceful stop is still draining the outbound queue (the read loop stops
// before the final error frame has gone out), the drain's writeLoop owns
// the close instead.
func (c *Conn) finish() {
	c.mu.Lock()
	draining := c.stopping && !c.closed && (c.writing || !c.outbound.IsEmpty())
	c.mu.Unlock()

	if draining {
		return
	}
	c.closeNow()
}
