// Package requestqueue serializes heterogeneous client requests onto the
// single upstream MRC Link. It is the only caller of
// mrclink.Link.WriteCommand in the gateway, which makes "at most one MRC
// command inflight" a structural property rather than a runtime check.
package requestqueue

import (
	"sync"
	"time"

	"github.com/mrc-gateway/mrcgw/internal/pool"
	"github.com/mrc-gateway/mrcgw/internal/queue"
	"github.com/mrc-gateway/mrcgw/logger"
	"github.com/mrc-gateway/mrcgw/mrclink"
	"github.com/mrc-gateway/mrcgw/msg"
)

// Callback receives the response to a previously queued request.
type Callback func(req msg.Message, resp msg.Message)

// Link is the subset of *mrclink.Link the queue depends on; narrowed to an
// interface so the queue can be tested against a fake.
type Link interface {
	Status() mrclink.Status
	WriteCommand(req msg.MRCRequest, cb mrclink.ResponseCallback)
}

type entry struct {
	req msg.MRCRequest
	cb  Callback
}

// Queue is a FIFO of (request, callback) pairs dispatched one at a time
// onto a Link. It retries while the Link is Initializing and synthesizes
// an error response for the head entry whenever the Link is in any other
// non-Running state.
type Queue struct {
	mu       sync.Mutex
	items    queue.Queue
	inflight bool
	stopped  bool

	link         Link
	retryTimeout time.Duration
	retryTimer   *time.Timer
	stopCh       chan struct{}
	stopOnce     sync.Once

	log logger.Logger
}

// New constructs a Queue bound to link. retryTimeout governs how long the
// queue waits before re-checking link status while Initializing (default
// 1s if zero is passed).
func New(link Link, retryTimeout time.Duration, log logger.Logger) *Queue {
	if retryTimeout <= 0 {
		retryTimeout = time.Second
	}
	if log == nil {
		log = logger.GetLogger()
	}

	return &Queue{
		items:        queue.NewSliceQueue(16),
		link:         link,
		retryTimeout: retryTimeout,
		stopCh:       make(chan struct{}),
		log:          log,
	}
}

// QueueRequest enqueues req and attempts to dispatch immediately. req must
// be an MRC-bound request (msg.MRCRequest); passing anything else is a
// programmer bug and is rejected without enqueuing.
func (q *Queue) QueueRequest(req msg.MRCRequest, cb Callback) {
	if req == nil || cb == nil {
		q.log.Error("requestqueue: QueueRequest called with nil req or cb")
		return
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		cb(req, &msg.ErrorResult{ErrKind: msg.ErrRequestCanceled})
		return
	}
	q.items.Enqueue(entry{req: req, cb: cb})
	q.mu.Unlock()

	q.tryDispatch()
}

// Len reports the number of entries currently queued, including any
// in-flight head entry.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.items.Length()
}

// Stop drains the queue, completing every pending entry with
// Error(RequestCanceled), and marks the queue closed to further enqueues.
// An armed retry timer is released by its own waitRetry goroutine, which
// stopCh wakes.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	var drained []entry
	for !q.items.IsEmpty() {
		e, _ := q.items.Dequeue().(entry)
		drained = append(drained, e)
	}
	q.mu.Unlock()

	q.stopOnce.Do(func() { close(q.stopCh) })

	for _, e := range drained {
		e.cb(e.req, &msg.ErrorResult{ErrKind: msg.ErrRequestCanceled})
	}
}

// tryDispatch sends the head entry to the Link if nothing is already
// inflight, arms a retry timer while Initializing, or synthesizes an error
// response for any other non-Running status.
func (q *Queue) tryDispatch() {
	q.mu.Lock()
	if q.stopped || q.inflight || q.items.IsEmpty() {
		q.mu.Unlock()
		return
	}

	head, _ := q.items.Peek().(entry)

	status := q.link.Status()

	switch status {
	case mrclink.StatusRunning:
		q.inflight = true
		q.mu.Unlock()

		q.link.WriteCommand(head.req, q.handleResponse)
		return

	case mrclink.StatusInitializing:
		if q.retryTimer == nil {
			q.retryTimer = pool.GetTimer(q.retryTimeout)
			go q.waitRetry(q.retryTimer)
		}
		q.mu.Unlock()
		return

	default:
		kind := statusErrorKind(status)
		q.items.Dequeue()
		q.mu.Unlock()

		head.cb(head.req, &msg.ErrorResult{ErrKind: kind})
		q.tryDispatch()
		return
	}
}

// waitRetry blocks until the retry timer fires (or Stop wakes it), clears
// it, and re-attempts dispatch. Runs in its own goroutine so tryDispatch
// never blocks its caller (a client connection's own goroutine, typically).
func (q *Queue) waitRetry(t *time.Timer) {
	select {
	case <-t.C:
	case <-q.stopCh:
	}

	q.mu.Lock()
	if q.retryTimer == t {
		q.retryTimer = nil
	}
	q.mu.Unlock()

	pool.PutTimer(t)
	q.tryDispatch()
}

// handleResponse is passed to Link.WriteCommand as the ResponseCallback.
// It pops the head entry, invokes its callback, clears the inflight flag,
// and re-dispatches, preserving FIFO response ordering.
func (q *Queue) handleResponse(req msg.Message, resp msg.Message) {
	q.mu.Lock()
	head, ok := q.items.Peek().(entry)
	if ok {
		q.items.Dequeue()
	}
	q.inflight = false
	q.mu.Unlock()

	if ok {
		head.cb(req, resp)
	}

	q.tryDispatch()
}

// statusErrorKind maps a non-Running, non-Initializing Link status to the
// ErrorKind synthesized for the queue head.
func statusErrorKind(status mrclink.Status) msg.ErrorKind {
	switch status {
	case mrclink.StatusConnectFailed:
		return msg.ErrConnectError
	case mrclink.StatusInitFailed:
		return msg.ErrCommError
	case mrclink.StatusConnecting:
		return msg.ErrConnecting
	default:
		return msg.ErrUnknown
	}
}
