package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/mrc-gateway/mrcgw/logger"
	"github.com/mrc-gateway/mrcgw/msg"
	"github.com/mrc-gateway/mrcgw/requestqueue"
)

// addr is a (bus, device, parameter) address triple, used as a map key
// throughout the poller.
type addr struct {
	bus, dev, par uint8
}

// CycleHandler is invoked after a completed poll cycle with the value of
// every (bus,dev,par) read successfully in it; a cycle with no successful
// read does not invoke it. The Connection Manager broadcasts the result as
// a PolledItems notification.
type CycleHandler func(items []msg.PolledItem)

// Poller runs periodic background reads over the union of all clients'
// poll sets. Per-client poll sets are the configuration;
// the flattened union is snapshotted at the start of each cycle so a
// client adding/removing items mid-cycle only takes effect on the next one.
type Poller struct {
	mu          sync.Mutex
	queue       *requestqueue.Queue
	minInterval time.Duration
	log         logger.Logger
	onCycle     CycleHandler

	pollSets map[uint64]map[addr]struct{}

	flatSet   []addr
	lastCycle map[addr][]int32
	cursor    int

	started  bool
	stopping bool
	gen      uint64 // incremented on Stop to invalidate in-flight timers/callbacks
}

// NewPoller constructs a Poller that dispatches its reads through q and
// invokes onCycle when every item in a cycle's flat set has been read.
func NewPoller(q *requestqueue.Queue, minInterval time.Duration, onCycle CycleHandler, log logger.Logger) *Poller {
	if minInterval <= 0 {
		minInterval = 5 * time.Millisecond
	}
	if log == nil {
		log = logger.GetLogger()
	}

	return &Poller{
		queue:       q,
		minInterval: minInterval,
		onCycle:     onCycle,
		log:         log,
		pollSets:    make(map[uint64]map[addr]struct{}),
		lastCycle:   make(map[addr][]int32),
	}
}

// SetClientPollItems replaces clientID's poll set. Count-spanning items
// have already been expanded into individual (bus,dev,par) triples by the
// Connection Manager before this call.
func (p *Poller) SetClientPollItems(clientID uint64, items []addr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	set := make(map[addr]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	p.pollSets[clientID] = set
}

// RemoveClient drops clientID's poll set entirely, e.g. on disconnect.
func (p *Poller) RemoveClient(clientID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.pollSets, clientID)
}

// Start begins the polling cycle if not already running. A no-op while
// already started.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.stopping = false
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	p.startCycle(gen)
}

// Stop halts further cycles. Any outstanding reads already queued will
// still complete, but their results are discarded (generation mismatch).
func (p *Poller) Stop() {
	p.mu.Lock()
	p.started = false
	p.stopping = true
	p.gen++
	p.mu.Unlock()
}

// startCycle snapshots the flat set (the union of all clients' poll sets),
// resets the per-cycle result map, and enqueues a read for the first item.
// An empty flat set completes the cycle immediately (schedules the next
// one after minInterval) without touching the MRC link.
func (p *Poller) startCycle(gen uint64) {
	p.mu.Lock()
	if p.stopping || gen != p.gen {
		p.mu.Unlock()
		return
	}

	flat := make([]addr, 0, 16)
	seen := make(map[addr]struct{})
	for _, set := range p.pollSets {
		for a := range set {
			if _, ok := seen[a]; !ok {
				seen[a] = struct{}{}
				flat = append(flat, a)
			}
		}
	}
	sort.Slice(flat, func(i, j int) bool {
		if flat[i].bus != flat[j].bus {
			return flat[i].bus < flat[j].bus
		}
		if flat[i].dev != flat[j].dev {
			return flat[i].dev < flat[j].dev
		}
		return flat[i].par < flat[j].par
	})

	p.flatSet = flat
	p.lastCycle = make(map[addr][]int32, len(flat))
	p.cursor = 0
	p.mu.Unlock()

	if len(flat) == 0 {
		p.scheduleNextCycle(gen)
		return
	}

	p.readNext(gen)
}

// readNext enqueues a read for flatSet[cursor].
func (p *Poller) readNext(gen uint64) {
	p.mu.Lock()
	if p.stopping || gen != p.gen {
		p.mu.Unlock()
		return
	}
	if p.cursor >= len(p.flatSet) {
		p.mu.Unlock()
		p.completeCycle(gen)
		return
	}
	a := p.flatSet[p.cursor]
	p.mu.Unlock()

	issue := func() {
		p.queue.QueueRequest(&msg.ReadRequest{Bus: a.bus, Dev: a.dev, Par: a.par}, func(req msg.Message, resp msg.Message) {
			p.handleResponse(gen, a, resp)
		})
	}

	// Never starve client work: if other requests are already queued ahead
	// of us, back off for minInterval before adding ours.
	if p.queue.Len() > 0 {
		time.AfterFunc(p.minInterval, issue)
		return
	}
	issue()
}

// handleResponse records a successful read in the current cycle's result
// map and advances the cursor. Non-read responses (errors) are skipped
// without recording a value; the cycle moves on.
func (p *Poller) handleResponse(gen uint64, a addr, resp msg.Message) {
	p.mu.Lock()
	if p.stopping || gen != p.gen {
		p.mu.Unlock()
		return
	}

	if rr, ok := resp.(*msg.ReadResult); ok {
		p.lastCycle[a] = []int32{rr.Val}
	}
	p.cursor++
	p.mu.Unlock()

	p.readNext(gen)
}

// completeCycle invokes the registered CycleHandler with every recorded
// value and schedules the next cycle after minInterval.
func (p *Poller) completeCycle(gen uint64) {
	p.mu.Lock()
	items := make([]msg.PolledItem, 0, len(p.flatSet))
	for _, a := range p.flatSet {
		if vals, ok := p.lastCycle[a]; ok {
			items = append(items, msg.PolledItem{Bus: a.bus, Dev: a.dev, Par: a.par, Values: vals})
		}
	}
	p.mu.Unlock()

	if p.onCycle != nil && len(items) > 0 {
		p.onCycle(items)
	}

	p.scheduleNextCycle(gen)
}

func (p *Poller) scheduleNextCycle(gen uint64) {
	time.AfterFunc(p.minInterval, func() {
		p.startCycle(gen)
	})
}

// NotifyParameterChanged updates a value already recorded in the current
// cycle in place, so a client Set made mid-cycle doesn't get clobbered by
// a stale snapshot when the cycle's PolledItems notification goes out.
func (p *Poller) NotifyParameterChanged(bus, dev, par uint8, val int32) {
	a := addr{bus, dev, par}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.lastCycle[a]; ok {
		p.lastCycle[a] = []int32{val}
	}
}
