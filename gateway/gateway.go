package gateway

import (
	"time"

	"github.com/mrc-gateway/mrcgw/logger"
	"github.com/mrc-gateway/mrcgw/mrclink"
	"github.com/mrc-gateway/mrcgw/requestqueue"
)

// Options bundles everything needed to assemble a Gateway: the upstream
// MRC Link configuration, the listen address, and the timing knobs for
// the Request Queue and the two pollers.
type Options struct {
	ListenAddr string

	Link mrclink.Config

	RetryTimeout        time.Duration
	PollMinInterval     time.Duration
	ScanbusPollInterval time.Duration

	Logger logger.Logger
}

// Gateway wires the MRC Link, Request Queue, Connection Manager, and
// Acceptor into a single running process.
type Gateway struct {
	Link     *mrclink.Link
	Queue    *requestqueue.Queue
	Manager  *Manager
	Acceptor *Acceptor

	log logger.Logger
}

// New assembles a Gateway from opts. It does not start anything; call
// Start to bind the listener and begin the MRC Link's connect cycle.
func New(opts Options) *Gateway {
	log := opts.Logger
	if log == nil {
		log = logger.GetLogger()
	}
	opts.Link.Logger = log

	link := mrclink.New(opts.Link)
	queue := requestqueue.New(link, opts.RetryTimeout, log)
	mgr := NewManager(link, queue, Config{
		PollMinInterval:     opts.PollMinInterval,
		ScanbusPollInterval: opts.ScanbusPollInterval,
		Logger:              log,
	})
	acceptor := NewAcceptor(opts.ListenAddr, mgr, log)

	return &Gateway{Link: link, Queue: queue, Manager: mgr, Acceptor: acceptor, log: log}
}

// Start begins the MRC Link's connect/reconnect cycle and binds the
// client listener. Returns any listener bind error; the cmd/mrcgw
// entrypoint derives its process exit code from this.
func (g *Gateway) Start() error {
	g.Link.Start()
	return g.Acceptor.Start()
}

// Stop tears the gateway down in reverse order: stop accepting new
// clients, close existing clients and the Request Queue, then stop the
// MRC Link.
func (g *Gateway) Stop() {
	g.Acceptor.Stop()
	g.Manager.Stop()
	g.Link.Stop()
}
