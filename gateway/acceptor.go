package gateway

import (
	"errors"
	"net"
	"time"

	"github.com/mrc-gateway/mrcgw/logger"
)

// Acceptor binds a listener and hands every accepted connection to a
// Manager, one goroutine per connection.
type Acceptor struct {
	addr string
	mgr  *Manager
	log  logger.Logger

	ln       net.Listener
	stopping chan struct{}
}

// NewAcceptor constructs an Acceptor that will bind addr (host:port; an
// empty host binds both IPv4 and IPv6) once Start runs.
func NewAcceptor(addr string, mgr *Manager, log logger.Logger) *Acceptor {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Acceptor{addr: addr, mgr: mgr, log: log, stopping: make(chan struct{})}
}

// Start binds the listener and runs the accept loop in its own goroutine.
// Returns any bind error immediately so the caller can map it to a process
// exit code.
func (a *Acceptor) Start() error {
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}
	a.ln = ln

	go a.acceptLoop()
	return nil
}

// Addr returns the bound listener's address. Only meaningful after a
// successful Start; mainly useful in tests that bind to ":0".
func (a *Acceptor) Addr() net.Addr {
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// Stop closes the listener, ending the accept loop.
func (a *Acceptor) Stop() {
	close(a.stopping)
	if a.ln != nil {
		_ = a.ln.Close()
	}
}

func (a *Acceptor) acceptLoop() {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			select {
			case <-a.stopping:
				return
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			a.log.Error("gateway: accept failed, backing off", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		go a.mgr.OnAccept(conn)
	}
}
