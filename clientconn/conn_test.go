package clientconn

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mrc-gateway/mrcgw/msg"
)

// peer drives the client side of a net.Pipe for tests: it frames outgoing
// requests and decodes the frames the Conn sends back.
type peer struct {
	t    *testing.T
	sock net.Conn
}

func (p *peer) send(m msg.Message) {
	p.t.Helper()

	payload, err := msg.Encode(m)
	require.NoError(p.t, err)
	frame, err := msg.EncodeFrame(payload)
	require.NoError(p.t, err)

	_, err = p.sock.Write(frame)
	require.NoError(p.t, err)
}

func (p *peer) recv() msg.Message {
	p.t.Helper()

	hdr := make([]byte, 2)
	_, err := io.ReadFull(p.sock, hdr)
	require.NoError(p.t, err)

	payload := make([]byte, binary.BigEndian.Uint16(hdr))
	_, err = io.ReadFull(p.sock, payload)
	require.NoError(p.t, err)

	m, err := msg.Decode(payload)
	require.NoError(p.t, err)
	return m
}

type dispatched struct {
	mu   sync.Mutex
	msgs []msg.Message
	ch   chan msg.Message
}

func newDispatched() *dispatched {
	return &dispatched{ch: make(chan msg.Message, 16)}
}

func (d *dispatched) fn(_ *Conn, m msg.Message) {
	d.mu.Lock()
	d.msgs = append(d.msgs, m)
	d.mu.Unlock()
	d.ch <- m
}

func startConn(t *testing.T, d *dispatched) (*Conn, *peer) {
	t.Helper()

	server, client := net.Pipe()
	c := New(server, nil, d.fn)
	go c.Serve()
	t.Cleanup(func() {
		c.Stop(false)
		_ = client.Close()
	})

	return c, &peer{t: t, sock: client}
}

func TestConnDispatchesDecodedRequests(t *testing.T) {
	d := newDispatched()
	_, p := startConn(t, d)

	p.send(&msg.ReadRequest{Bus: 0, Dev: 1, Par: 42})

	select {
	case m := <-d.ch:
		require.Equal(t, &msg.ReadRequest{Bus: 0, Dev: 1, Par: 42}, m)
	case <-time.After(time.Second):
		t.Fatal("request never dispatched")
	}
}

func TestConnSendsInFIFOOrder(t *testing.T) {
	d := newDispatched()
	c, p := startConn(t, d)

	for i := 0; i < 5; i++ {
		c.Send(&msg.ReadResult{Bus: 0, Dev: 0, Par: uint8(i), Val: int32(i)})
	}

	for i := 0; i < 5; i++ {
		got := p.recv().(*msg.ReadResult)
		require.Equal(t, uint8(i), got.Par)
	}
}

func TestConnZeroLengthFrameStopsClient(t *testing.T) {
	d := newDispatched()
	c, p := startConn(t, d)

	_, err := p.sock.Write([]byte{0x00, 0x00})
	require.NoError(t, err)

	errResp, ok := p.recv().(*msg.ErrorResult)
	require.True(t, ok)
	require.Equal(t, msg.ErrInvalidSize, errResp.ErrKind)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection did not stop after zero-length frame")
	}
}

func TestConnUndecodablePayloadStopsClient(t *testing.T) {
	d := newDispatched()
	c, p := startConn(t, d)

	_, err := p.sock.Write([]byte{0x00, 0x03, 0xff, 0xff, 0xff})
	require.NoError(t, err)

	errResp, ok := p.recv().(*msg.ErrorResult)
	require.True(t, ok)
	require.Equal(t, msg.ErrInvalidType, errResp.ErrKind)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection did not stop after decode failure")
	}
}

func TestConnPeerCloseEndsServe(t *testing.T) {
	d := newDispatched()
	c, p := startConn(t, d)

	require.NoError(t, p.sock.Close())

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection did not notice peer close")
	}
}

func TestConnGracefulStopDrainsOutbound(t *testing.T) {
	d := newDispatched()
	c, p := startConn(t, d)

	for i := 0; i < 3; i++ {
		c.Send(&msg.BoolResult{Value: true})
	}
	c.Stop(true)

	// All three queued frames must still arrive before the socket closes.
	for i := 0; i < 3; i++ {
		_, ok := p.recv().(*msg.BoolResult)
		require.True(t, ok)
	}

	hdr := make([]byte, 2)
	_ = p.sock.SetReadDeadline(time.Now().Add(time.Second))
	_, err := io.ReadFull(p.sock, hdr)
	require.Error(t, err)
}

func TestConnIDsAreUnique(t *testing.T) {
	d := newDispatched()
	a, _ := startConn(t, d)
	b, _ := startConn(t, d)

	require.NotEqual(t, a.ID(), b.ID())
}
