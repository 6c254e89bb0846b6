// Package gateway implements the Connection Manager, Poller, Scanbus
// Poller, and Acceptor: the pieces that multiplex N client sessions onto
// the single Request Queue / MRC Link, arbitrate write access, and run
// the background polling cycles.
package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/mrc-gateway/mrcgw/clientconn"
	"github.com/mrc-gateway/mrcgw/logger"
	"github.com/mrc-gateway/mrcgw/mrclink"
	"github.com/mrc-gateway/mrcgw/msg"
	"github.com/mrc-gateway/mrcgw/requestqueue"
)

// clientRec is the Connection Manager's bookkeeping for one client.
type clientRec struct {
	conn *clientconn.Conn
}

// pendingSet correlates a client's Set request with the implicit Read the
// Connection Manager queues immediately after it as part of the
// read-after-set protocol.
type pendingSet struct {
	bus, dev, par uint8
	mirror        bool
	requested     int32
	errored       bool
}

// Manager owns the client set, the writer pointer, the Request Queue, and
// the Poller + ScanbusPoller.
//
// The client registry is an xsync.MapOf rather than a mutex-guarded plain
// map: every client connection dispatches from its own read-loop
// goroutine, so adds, removes, and the broadcast-time snapshot are all
// concurrent writers/readers of the same registry, and a lock-free map
// keeps that traffic off a single mutex.
type Manager struct {
	clients *xsync.MapOf[uint64, *clientRec]
	writer  atomic.Uint64 // 0 = no writer

	pendingMu   sync.Mutex
	pendingSets map[uint64][]*pendingSet

	link  *mrclink.Link
	queue *requestqueue.Queue

	poller  *Poller
	scanbus *ScanbusPoller

	log logger.Logger
}

// Config bundles the tunables the Connection Manager needs beyond the
// Link and Queue it's constructed with.
type Config struct {
	PollMinInterval     time.Duration
	ScanbusPollInterval time.Duration
	Logger              logger.Logger
}

// NewManager wires a Manager to link and queue, constructing its own
// Poller and ScanbusPoller and subscribing to the link's status changes.
func NewManager(link *mrclink.Link, queue *requestqueue.Queue, cfg Config) *Manager {
	log := cfg.Logger
	if log == nil {
		log = logger.GetLogger()
	}

	m := &Manager{
		clients:     xsync.NewMapOf[uint64, *clientRec](),
		pendingSets: make(map[uint64][]*pendingSet),
		link:        link,
		queue:       queue,
		log:         log,
	}

	m.poller = NewPoller(queue, cfg.PollMinInterval, m.onPollCycle, log)
	m.scanbus = NewScanbusPoller(queue, cfg.ScanbusPollInterval, m.onScanbusResult, log)

	link.AddStatusHandler(m.onLinkStatusChange)

	return m
}

// OnAccept wraps sock as a client connection, registers it, and runs its
// read loop until it disconnects. Intended to be called from the
// Acceptor's accept loop, one goroutine per connection.
func (m *Manager) OnAccept(sock net.Conn) {
	c := clientconn.New(sock, m.log, m.dispatch)
	m.onNewClient(c)
	c.Serve()
	m.onDisconnect(c)
}

// Stop closes every client connection and halts the pollers and queue.
func (m *Manager) Stop() {
	for _, c := range m.snapshotClients() {
		c.Stop(false)
	}

	m.poller.Stop()
	m.scanbus.Stop()
	m.queue.Stop()
}

func (m *Manager) snapshotClients() map[uint64]*clientconn.Conn {
	out := make(map[uint64]*clientconn.Conn, m.clients.Size())
	m.clients.Range(func(id uint64, rec *clientRec) bool {
		out[id] = rec.conn
		return true
	})
	return out
}

// --- client lifecycle ---

func (m *Manager) onNewClient(c *clientconn.Conn) {
	m.clients.Store(c.ID(), &clientRec{conn: c})
	onlyClient := m.clients.Size() == 1
	writer := m.writer.Load()

	c.Send(m.currentStatus())
	c.Send(&msg.SilencedNotify{Silenced: m.link.IsSilenced()})

	if onlyClient {
		m.setWriter(c.ID())
		m.startPollersIfRunning()
	} else {
		c.Send(&msg.WriteAccessNotify{Has: false, CanAcquire: writer == 0})
	}
}

func (m *Manager) onDisconnect(c *clientconn.Conn) {
	m.clients.Delete(c.ID())
	m.pendingMu.Lock()
	delete(m.pendingSets, c.ID())
	m.pendingMu.Unlock()

	wasWriter := m.writer.Load() == c.ID()

	var survivor uint64
	remaining := 0
	m.clients.Range(func(id uint64, _ *clientRec) bool {
		remaining++
		survivor = id
		return true
	})

	m.poller.RemoveClient(c.ID())

	switch {
	case wasWriter && remaining == 1:
		m.setWriter(survivor)
	case wasWriter:
		m.setWriter(0)
	}

	if remaining == 0 {
		m.poller.Stop()
		m.scanbus.Stop()
	}
}

// --- write-access arbitration ---

func (m *Manager) isWriter(c *clientconn.Conn) bool {
	return m.writer.Load() == c.ID()
}

// setWriter transitions the writer pointer and notifies every affected
// client of its new write-access status.
func (m *Manager) setWriter(newWriter uint64) {
	old := m.writer.Swap(newWriter)
	if old == newWriter {
		return
	}

	clients := m.snapshotClients()
	for id, c := range clients {
		switch id {
		case old:
			c.Send(&msg.WriteAccessNotify{Has: false, CanAcquire: false})
		case newWriter:
			c.Send(&msg.WriteAccessNotify{Has: true, CanAcquire: false})
		default:
			c.Send(&msg.WriteAccessNotify{Has: false, CanAcquire: newWriter == 0})
		}
	}
}

// --- MRC status / pollers ---

func (m *Manager) currentStatus() *msg.MrcStatusResult {
	return &msg.MrcStatusResult{
		Code:           msg.StatusCode(m.link.Status()),
		Version:        m.link.Version(),
		UptimeSeconds:  int64(m.link.Uptime().Seconds()),
		ReconnectCount: m.link.ReconnectCount(),
	}
}

func (m *Manager) onLinkStatusChange(ev mrclink.StatusEvent) {
	notif := &msg.MrcStatusNotify{
		Code:           msg.StatusCode(ev.Status),
		ReasonEC:       ev.Reason,
		Version:        ev.Version,
		HasReadMulti:   ev.HasReadMulti,
		Info:           ev.Info,
		UptimeSeconds:  int64(m.link.Uptime().Seconds()),
		ReconnectCount: m.link.ReconnectCount(),
	}
	m.broadcastAll(notif)

	if ev.Status == mrclink.StatusRunning {
		m.startPollersIfRunning()
	} else {
		m.poller.Stop()
		m.scanbus.Stop()
	}
}

func (m *Manager) startPollersIfRunning() {
	hasClients := m.clients.Size() > 0

	if hasClients && m.link.Status() == mrclink.StatusRunning {
		m.poller.Start()
		m.scanbus.Start()
	}
}

func (m *Manager) onPollCycle(items []msg.PolledItem) {
	m.broadcastAll(&msg.PolledItemsNotify{Items: items})
}

func (m *Manager) onScanbusResult(n msg.ScanbusNotify) {
	m.broadcastAll(&n)
}

// --- broadcast helpers ---

func (m *Manager) broadcastAll(message msg.Message) {
	for _, c := range m.snapshotClients() {
		c.Send(message)
	}
}

func (m *Manager) broadcastExcept(exceptID uint64, message msg.Message) {
	for id, c := range m.snapshotClients() {
		if id == exceptID {
			continue
		}
		c.Send(message)
	}
}

// --- pending-set bookkeeping ---

func (m *Manager) pushPendingSet(clientID uint64, ps *pendingSet) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	m.pendingSets[clientID] = append(m.pendingSets[clientID], ps)
}

func (m *Manager) popPendingSet(clientID uint64) *pendingSet {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	q := m.pendingSets[clientID]
	if len(q) == 0 {
		return nil
	}
	ps := q[0]
	m.pendingSets[clientID] = q[1:]

	return ps
}

// --- request dispatch ---

func (m *Manager) dispatch(c *clientconn.Conn, req msg.Message) {
	switch r := req.(type) {
	case *msg.SetRequest:
		m.handleSet(c, r)

	case *msg.ScanbusRequest, *msg.RcRequest, *msg.ResetRequest, *msg.CopyRequest, *msg.ReadMultiRequest:
		if !m.isWriter(c) {
			c.Send(&msg.ErrorResult{ErrKind: msg.ErrPermissionDenied})
			return
		}
		mreq, _ := req.(msg.MRCRequest)
		m.queue.QueueRequest(mreq, func(_ msg.Message, resp msg.Message) {
			c.Send(resp)
		})

	case *msg.ReadRequest:
		m.queue.QueueRequest(r, func(_ msg.Message, resp msg.Message) {
			c.Send(resp)
		})

	case *msg.HasWriteAccessRequest:
		c.Send(&msg.BoolResult{Value: m.isWriter(c)})

	case *msg.AcquireWriteAccessRequest:
		granted := r.Force || m.writer.Load() == 0
		if granted {
			m.setWriter(c.ID())
		}
		c.Send(&msg.BoolResult{Value: granted})

	case *msg.ReleaseWriteAccessRequest:
		if !m.isWriter(c) {
			c.Send(&msg.ErrorResult{ErrKind: msg.ErrPermissionDenied})
			return
		}
		c.Send(&msg.BoolResult{Value: true})
		m.setWriter(0)

	case *msg.IsSilencedRequest:
		c.Send(&msg.BoolResult{Value: m.link.IsSilenced()})

	case *msg.SetSilencedRequest:
		if !m.isWriter(c) {
			c.Send(&msg.ErrorResult{ErrKind: msg.ErrPermissionDenied})
			return
		}
		m.link.SetSilenced(r.Silenced)
		m.broadcastAll(&msg.SilencedNotify{Silenced: r.Silenced})
		if r.Silenced {
			m.poller.Stop()
			m.scanbus.Stop()
		} else {
			m.startPollersIfRunning()
		}
		c.Send(&msg.BoolResult{Value: true})

	case *msg.MrcStatusRequest:
		c.Send(m.currentStatus())

	case *msg.SetPollItemsRequest:
		m.handleSetPollItems(c, r)

	default:
		m.log.Error("gateway: client sent response/notification-class or unknown message", "peer", c.Peer())
		c.Send(&msg.ErrorResult{ErrKind: msg.ErrInvalidType})
		c.Stop(true)
	}
}

func (m *Manager) handleSetPollItems(c *clientconn.Conn, r *msg.SetPollItemsRequest) {
	var addrs []addr
	for _, item := range r.Items {
		count := item.Count
		if count <= 0 {
			count = 1
		}
		for i := 0; i < count; i++ {
			addrs = append(addrs, addr{bus: item.Bus, dev: item.Dev, par: item.Par + uint8(i)})
		}
	}

	m.poller.SetClientPollItems(c.ID(), addrs)
	c.Send(&msg.BoolResult{Value: true})
}

// handleSet implements the read-after-set protocol: queue the
// Set, then immediately queue a synthesized Read of the same address. The
// Set's own response is suppressed unless it's an error; the implicit
// Read's result becomes the client-facing SetResult (or is dropped if the
// Set itself failed).
func (m *Manager) handleSet(c *clientconn.Conn, r *msg.SetRequest) {
	if !m.isWriter(c) {
		c.Send(&msg.ErrorResult{ErrKind: msg.ErrPermissionDenied})
		return
	}

	clientID := c.ID()
	ps := &pendingSet{bus: r.Bus, dev: r.Dev, par: r.Par, mirror: r.Mirror, requested: r.Val}
	m.pushPendingSet(clientID, ps)

	m.queue.QueueRequest(r, func(_ msg.Message, resp msg.Message) {
		if errResp, ok := resp.(*msg.ErrorResult); ok {
			ps.errored = true
			c.Send(errResp)
		}
		// Success: suppressed. The client-facing confirmation comes from
		// the implicit read-after-set below.
	})

	readReq := &msg.ReadRequest{Bus: r.Bus, Dev: r.Dev, Par: r.Par, Mirror: r.Mirror}
	m.queue.QueueRequest(readReq, func(_ msg.Message, resp msg.Message) {
		pending := m.popPendingSet(clientID)
		if pending == nil {
			return
		}
		if pending.errored {
			return // the Set failed; drop the implicit read's result
		}

		switch rr := resp.(type) {
		case *msg.ReadResult:
			result := &msg.SetResult{Bus: rr.Bus, Dev: rr.Dev, Par: rr.Par, Val: rr.Val, Requested: pending.requested, Mirror: rr.Mirror}
			c.Send(result)
			m.poller.NotifyParameterChanged(rr.Bus, rr.Dev, rr.Par, rr.Val)

			notify := &msg.SetNotify{Bus: rr.Bus, Dev: rr.Dev, Par: rr.Par, Val: rr.Val, Requested: pending.requested, Mirror: rr.Mirror}
			m.broadcastExcept(clientID, notify)

		case *msg.ErrorResult:
			c.Send(rr)
		}
	})
}
