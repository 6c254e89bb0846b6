package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mrc-gateway/mrcgw/mrclink"
	"github.com/mrc-gateway/mrcgw/msg"
	"github.com/mrc-gateway/mrcgw/requestqueue"
)

// gatedLink hands every WriteCommand to the test goroutine via a channel,
// so the test controls exactly when each MRC response comes back.
type gatedLink struct {
	reqs chan gatedRequest
}

type gatedRequest struct {
	req msg.MRCRequest
	cb  mrclink.ResponseCallback
}

func newGatedLink() *gatedLink {
	return &gatedLink{reqs: make(chan gatedRequest, 16)}
}

func (g *gatedLink) Status() mrclink.Status { return mrclink.StatusRunning }

func (g *gatedLink) WriteCommand(req msg.MRCRequest, cb mrclink.ResponseCallback) {
	g.reqs <- gatedRequest{req: req, cb: cb}
}

func (g *gatedLink) next(t *testing.T) gatedRequest {
	t.Helper()

	select {
	case r := <-g.reqs:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a queued MRC request")
		return gatedRequest{}
	}
}

func respondRead(t *testing.T, g *gatedLink, val int32) {
	t.Helper()

	r := g.next(t)
	rd, ok := r.req.(*msg.ReadRequest)
	require.True(t, ok)
	r.cb(r.req, &msg.ReadResult{Bus: rd.Bus, Dev: rd.Dev, Par: rd.Par, Val: val})
}

func TestPollerCycleCoversUnionOfClientSets(t *testing.T) {
	g := newGatedLink()
	q := requestqueue.New(g, 0, nil)

	cycles := make(chan []msg.PolledItem, 4)
	p := NewPoller(q, time.Millisecond, func(items []msg.PolledItem) { cycles <- items }, nil)

	// Two clients with one overlapping address; the flat set is the union.
	p.SetClientPollItems(1, []addr{{0, 0, 1}, {0, 0, 2}})
	p.SetClientPollItems(2, []addr{{0, 0, 2}, {1, 3, 7}})

	p.Start()
	defer p.Stop()

	for i := 0; i < 3; i++ {
		respondRead(t, g, int32(10+i))
	}

	select {
	case items := <-cycles:
		require.Len(t, items, 3)
		require.Equal(t, msg.PolledItem{Bus: 0, Dev: 0, Par: 1, Values: []int32{10}}, items[0])
		require.Equal(t, msg.PolledItem{Bus: 0, Dev: 0, Par: 2, Values: []int32{11}}, items[1])
		require.Equal(t, msg.PolledItem{Bus: 1, Dev: 3, Par: 7, Values: []int32{12}}, items[2])
	case <-time.After(2 * time.Second):
		t.Fatal("cycle never completed")
	}
}

func TestPollerNotifyParameterChangedUpdatesInPlace(t *testing.T) {
	g := newGatedLink()
	q := requestqueue.New(g, 0, nil)

	cycles := make(chan []msg.PolledItem, 4)
	p := NewPoller(q, time.Millisecond, func(items []msg.PolledItem) { cycles <- items }, nil)

	p.SetClientPollItems(1, []addr{{0, 0, 1}, {0, 0, 2}})
	p.Start()
	defer p.Stop()

	// First read recorded, then a Set lands on the same parameter before
	// the cycle finishes; the cycle must publish the fresh value.
	respondRead(t, g, 5)
	p.NotifyParameterChanged(0, 0, 1, 99)
	respondRead(t, g, 6)

	select {
	case items := <-cycles:
		require.Equal(t, []int32{99}, items[0].Values)
		require.Equal(t, []int32{6}, items[1].Values)
	case <-time.After(2 * time.Second):
		t.Fatal("cycle never completed")
	}
}

func TestPollerSkipsErroredReadsAndContinues(t *testing.T) {
	g := newGatedLink()
	q := requestqueue.New(g, 0, nil)

	cycles := make(chan []msg.PolledItem, 4)
	p := NewPoller(q, time.Millisecond, func(items []msg.PolledItem) { cycles <- items }, nil)

	p.SetClientPollItems(1, []addr{{0, 0, 1}, {0, 0, 2}})
	p.Start()
	defer p.Stop()

	r := g.next(t)
	r.cb(r.req, &msg.ErrorResult{ErrKind: msg.ErrNoResponse})
	respondRead(t, g, 7)

	select {
	case items := <-cycles:
		require.Len(t, items, 1)
		require.Equal(t, uint8(2), items[0].Par)
	case <-time.After(2 * time.Second):
		t.Fatal("cycle never completed")
	}
}

func TestPollerStopInvalidatesInflightCycle(t *testing.T) {
	g := newGatedLink()
	q := requestqueue.New(g, 0, nil)

	cycles := make(chan []msg.PolledItem, 4)
	p := NewPoller(q, time.Millisecond, func(items []msg.PolledItem) { cycles <- items }, nil)

	p.SetClientPollItems(1, []addr{{0, 0, 1}})
	p.Start()

	r := g.next(t)
	p.Stop()
	r.cb(r.req, &msg.ReadResult{Bus: 0, Dev: 0, Par: 1, Val: 1})

	select {
	case <-cycles:
		t.Fatal("stopped poller must not publish a cycle")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScanbusPollerBroadcastsBothBuses(t *testing.T) {
	g := newGatedLink()
	q := requestqueue.New(g, 0, nil)

	results := make(chan msg.ScanbusNotify, 8)
	s := NewScanbusPoller(q, 10*time.Millisecond, func(n msg.ScanbusNotify) { results <- n }, nil)

	s.Start()
	defer s.Stop()

	for _, wantBus := range []uint8{0, 1} {
		r := g.next(t)
		sb, ok := r.req.(*msg.ScanbusRequest)
		require.True(t, ok)
		require.Equal(t, wantBus, sb.Bus)

		res := &msg.ScanbusResult{Bus: sb.Bus}
		res.Entries[0] = msg.ScanbusEntry{Idc: 17, Status: msg.RcOn}
		r.cb(r.req, res)
	}

	for _, wantBus := range []uint8{0, 1} {
		select {
		case n := <-results:
			require.Equal(t, wantBus, n.Bus)
			require.Equal(t, msg.ScanbusEntry{Idc: 17, Status: msg.RcOn}, n.Entries[0])
		case <-time.After(2 * time.Second):
			t.Fatal("scanbus notification never arrived")
		}
	}
}

func TestScanbusPollerSkipsErrorResponses(t *testing.T) {
	g := newGatedLink()
	q := requestqueue.New(g, 0, nil)

	results := make(chan msg.ScanbusNotify, 8)
	s := NewScanbusPoller(q, 10*time.Millisecond, func(n msg.ScanbusNotify) { results <- n }, nil)

	s.Start()
	defer s.Stop()

	r := g.next(t)
	r.cb(r.req, &msg.ErrorResult{ErrKind: msg.ErrNoResponse})
	r = g.next(t)
	r.cb(r.req, &msg.ErrorResult{ErrKind: msg.ErrNoResponse})

	select {
	case <-results:
		t.Fatal("error responses must not be broadcast as scanbus results")
	case <-time.After(50 * time.Millisecond):
	}
}
