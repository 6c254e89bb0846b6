package mrclink

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/mrc-gateway/mrcgw/internal/pool"
	"github.com/mrc-gateway/mrcgw/logger"
	"github.com/mrc-gateway/mrcgw/msg"
)

// defaultBaudRates is the serial baud-rate discovery sequence: on every
// init failure the next rate in this list is tried, wrapping around.
// This is observable behavior the hardware's operators rely on for
// recovery when the device default changes.
var defaultBaudRates = []int{115200, 9600, 19200, 38400, 57600}

// TransportKind selects which upstream transport the Link dials.
type TransportKind int

const (
	TransportSerial TransportKind = iota
	TransportTCP
)

// Config configures a Link's upstream transport and timing.
type Config struct {
	Transport TransportKind

	SerialPath string
	SerialBaud int // 0 = auto-discover via defaultBaudRates

	TCPHost string
	TCPPort int

	ReadTimeout            time.Duration // inter-char read timeout
	WriteTimeout           time.Duration // inter-char write timeout
	ReadUntilPromptTimeout time.Duration // overall read-until-prompt deadline
	ReconnectTimeout       time.Duration // delay before Connecting after a failure
	ConnectDialTimeout     time.Duration // TCP dial / serial open timeout

	Logger logger.Logger
}

// withDefaults fills in zero-valued fields with the transport-appropriate
// defaults.
func (c Config) withDefaults() Config {
	if c.ReadUntilPromptTimeout == 0 {
		c.ReadUntilPromptTimeout = 500 * time.Millisecond
	}
	if c.ReconnectTimeout == 0 {
		c.ReconnectTimeout = 2500 * time.Millisecond
	}
	if c.ConnectDialTimeout == 0 {
		c.ConnectDialTimeout = 3 * time.Second
	}
	if c.ReadTimeout == 0 || c.WriteTimeout == 0 {
		switch c.Transport {
		case TransportSerial:
			if c.ReadTimeout == 0 {
				c.ReadTimeout = 50 * time.Millisecond
			}
			if c.WriteTimeout == 0 {
				c.WriteTimeout = 500 * time.Millisecond
			}
		default:
			if c.ReadTimeout == 0 {
				c.ReadTimeout = 100 * time.Millisecond
			}
			if c.WriteTimeout == 0 {
				c.WriteTimeout = 100 * time.Millisecond
			}
		}
	}
	if c.Logger == nil {
		c.Logger = logger.GetLogger()
	}

	return c
}

// StatusEvent is delivered to every registered StatusChangeHandler on each
// Link state transition.
type StatusEvent struct {
	Status       Status
	Reason       msg.ErrorKind
	Version      string
	HasReadMulti bool
	Info         string
}

// StatusChangeHandler observes Link state transitions. Handlers are invoked
// synchronously and in registration order; a slow handler delays the next
// transition, so handlers should not block.
type StatusChangeHandler func(StatusEvent)

// ResponseCallback receives the typed response to an MRC-bound request
// once the command cycle completes (success, parse error, or comm failure).
type ResponseCallback func(req msg.Message, resp msg.Message)

// Link owns the upstream connection to the MRC hardware: it runs the
// connect/init/run/reconnect cycle and serializes exactly one command
// cycle at a time over the ByteLink it currently holds.
//
// Only the Request Queue should call WriteCommand (from whichever goroutine
// triggers its dispatch); the Link performs no internal queuing of its own.
type Link struct {
	cfg      Config
	log      logger.Logger
	silenced atomic.Bool

	mu           sync.Mutex
	status       Status
	byteLink     *ByteLink
	curCancel    context.CancelFunc
	runningDone  chan struct{}
	baudIdx      int
	version      string
	hasReadMulti bool
	runningSince time.Time

	handlersMu sync.Mutex
	handlers   []StatusChangeHandler

	inProgress atomic.Bool

	stopRequested atomic.Bool
	started       atomic.Bool
	stopSignal    chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup

	reconnectCount atomic.Uint32
}

// New constructs a Link in the Stopped state. Call Start to begin the
// connect/init/run cycle.
func New(cfg Config) *Link {
	cfg = cfg.withDefaults()

	return &Link{
		cfg:        cfg,
		log:        cfg.Logger,
		status:     StatusStopped,
		stopSignal: make(chan struct{}),
	}
}

// AddStatusHandler registers h to be invoked on every subsequent status
// transition.
func (l *Link) AddStatusHandler(h StatusChangeHandler) {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Status returns the Link's current connection state.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.status
}

// Version returns the stored MRC version string. The init sequence reads no
// version token, so this is "".
func (l *Link) Version() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.version
}

// Uptime returns the duration since the link last entered Running, or 0 if
// it is not currently Running.
func (l *Link) Uptime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.status != StatusRunning || l.runningSince.IsZero() {
		return 0
	}

	return time.Since(l.runningSince)
}

// ReconnectCount returns the number of times the link has re-entered
// Connecting after its first attempt, whatever ended the previous cycle
// (a failed connect, a failed init, or the end of a Running session).
func (l *Link) ReconnectCount() uint32 {
	return l.reconnectCount.Load()
}

// IsSilenced reports whether the link currently refuses MRC-bound commands.
func (l *Link) IsSilenced() bool { return l.silenced.Load() }

// SetSilenced toggles silenced mode. While silenced, WriteCommand completes
// immediately with Error(Silenced) without touching the transport.
func (l *Link) SetSilenced(v bool) { l.silenced.Store(v) }

// Start launches the connect/init/run/reconnect goroutine. Start is
// idempotent; calling it on an already-started Link is a no-op.
func (l *Link) Start() {
	if !l.started.CompareAndSwap(false, true) {
		return
	}

	l.stopRequested.Store(false)
	l.wg.Add(1)
	go l.runLoop()
}

// Stop halts the connect/reconnect cycle and closes any open transport.
// Unlike a Running->Stopped transition from an I/O error, Stop disables
// reconnection for this invocation. A pending WriteCommand's callback, if
// any, receives a CommTimeout (its context is cancelled) or a CommError.
func (l *Link) Stop() {
	l.stopRequested.Store(true)
	l.stopOnce.Do(func() { close(l.stopSignal) })

	l.mu.Lock()
	if l.curCancel != nil {
		l.curCancel()
	}
	bl := l.byteLink
	l.mu.Unlock()

	if bl != nil {
		_ = bl.transport.Close()
	}

	l.wg.Wait()
	l.started.Store(false)
}

// setStatus transitions the link's status and fires every registered
// handler. Must be called without l.mu held.
func (l *Link) setStatus(status Status, reason msg.ErrorKind, version string, hasReadMulti bool, info string) {
	l.mu.Lock()
	l.status = status
	if version != "" {
		l.version = version
	}
	l.hasReadMulti = hasReadMulti
	if status == StatusRunning {
		l.runningSince = time.Now()
	}
	l.mu.Unlock()

	l.log.Debug("mrclink: status change", "status", status.String(), "reason", reason.String())

	l.handlersMu.Lock()
	handlers := make([]StatusChangeHandler, len(l.handlers))
	copy(handlers, l.handlers)
	l.handlersMu.Unlock()

	ev := StatusEvent{Status: status, Reason: reason, Version: version, HasReadMulti: hasReadMulti, Info: info}
	for _, h := range handlers {
		h(ev)
	}
}

// runLoop drives Stopped -> Connecting -> Initializing -> Running and the
// reconnect detours, one cycle per iteration, until Stop is called.
func (l *Link) runLoop() {
	defer l.wg.Done()

	first := true
	for {
		if l.stopRequested.Load() {
			l.setStatus(StatusStopped, msg.ErrUnknown, "", false, "")
			return
		}

		if !first {
			l.reconnectCount.Add(1)
		}
		first = false

		l.setStatus(StatusConnecting, msg.ErrUnknown, "", false, "")

		transport, err := l.openTransport()
		if err != nil {
			l.setStatus(StatusConnectFailed, msg.ErrConnectError, "", false, err.Error())
			if !l.waitReconnect() {
				return
			}
			continue
		}

		bl := NewByteLink(transport)
		l.mu.Lock()
		l.byteLink = bl
		l.mu.Unlock()

		l.setStatus(StatusInitializing, msg.ErrUnknown, "", false, "")

		version, hasReadMulti, err := l.runInitSequence(bl)
		if err != nil {
			_ = transport.Close()
			l.advanceBaud()
			l.setStatus(StatusInitFailed, msg.ErrCommError, "", false, err.Error())
			if !l.waitReconnect() {
				return
			}
			continue
		}

		l.mu.Lock()
		l.runningDone = make(chan struct{})
		done := l.runningDone
		l.mu.Unlock()

		l.setStatus(StatusRunning, 0, version, hasReadMulti, "")

		select {
		case <-done:
			// A command failed; status already moved to Stopped by the
			// failure path in WriteCommand.
		case <-l.stopSignal:
			_ = transport.Close()
			l.setStatus(StatusStopped, msg.ErrUnknown, "", false, "")
			return
		}

		if l.stopRequested.Load() {
			return
		}

		if !l.waitReconnect() {
			return
		}
	}
}

// waitReconnect blocks for ReconnectTimeout or until Stop is called.
// Returns false if Stop fired first (caller should exit runLoop).
func (l *Link) waitReconnect() bool {
	timer := pool.GetTimer(l.cfg.ReconnectTimeout)
	defer pool.PutTimer(timer)

	select {
	case <-timer.C:
		return true
	case <-l.stopSignal:
		return false
	}
}

// openTransport dials the configured upstream, serial or TCP.
func (l *Link) openTransport() (Transport, error) {
	switch l.cfg.Transport {
	case TransportSerial:
		baud := l.cfg.SerialBaud
		if baud == 0 {
			l.mu.Lock()
			baud = defaultBaudRates[l.baudIdx%len(defaultBaudRates)]
			l.mu.Unlock()
		}
		mode := &serial.Mode{BaudRate: baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
		return newSerialTransport(l.cfg.SerialPath, mode, l.cfg.ReadTimeout, l.cfg.WriteTimeout)

	case TransportTCP:
		addr := net.JoinHostPort(l.cfg.TCPHost, fmt.Sprintf("%d", l.cfg.TCPPort))
		dialer := &net.Dialer{Timeout: l.cfg.ConnectDialTimeout}
		conn, err := dialer.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("mrclink: dial %s: %w", addr, err)
		}
		return newTCPTransport(conn, l.cfg.ReadTimeout, l.cfg.WriteTimeout), nil

	default:
		return nil, fmt.Errorf("mrclink: unknown transport kind %d", l.cfg.Transport)
	}
}

// advanceBaud moves to the next serial baud rate after an init failure.
// Only meaningful when SerialBaud is 0 (auto-discover); a pinned rate never
// advances.
func (l *Link) advanceBaud() {
	if l.cfg.Transport != TransportSerial || l.cfg.SerialBaud != 0 {
		return
	}
	l.mu.Lock()
	l.baudIdx = (l.baudIdx + 1) % len(defaultBaudRates)
	l.mu.Unlock()
}

// runInitSequence sends the four-step initialization script and checks
// that the final read ends with the prompt. The version string stays
// empty and hasReadMulti false: the init script carries no version token
// and the firmware offers no capability query, so neither is observable
// here.
func (l *Link) runInitSequence(bl *ByteLink) (version string, hasReadMulti bool, err error) {
	steps := []string{"\r", "p1\r", "x0\r", "\r"}

	var lastOutput []byte
	for i, step := range steps {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ReadUntilPromptTimeout)
		_, werr := bl.Write(ctx, []byte(step))
		cancel()
		if werr != nil {
			return "", false, fmt.Errorf("mrclink: init step %d write: %w", i, werr)
		}

		rctx, rcancel := context.WithTimeout(context.Background(), l.cfg.ReadUntilPromptTimeout)
		out, rerr := bl.Read(rctx)
		rcancel()
		if rerr != nil {
			return "", false, fmt.Errorf("mrclink: init step %d read: %w", i, rerr)
		}
		lastOutput = out
	}

	lines := splitLines(lastOutput)
	if len(lines) == 0 || !promptRegexp.MatchString(lines[len(lines)-1]) {
		return "", false, fmt.Errorf("mrclink: init sequence did not end at prompt: %q", strings.Join(lines, "|"))
	}

	return "", false, nil
}

// WriteCommand issues req against the MRC and invokes cb with the parsed
// response. It rejects (via cb, not a return value — there is no caller to
// return an error to beyond the dispatch goroutine, which only needs the
// callback contract) if the link is not Running, if a command is already
// in flight, or if the link is silenced.
func (l *Link) WriteCommand(req msg.MRCRequest, cb ResponseCallback) {
	if l.silenced.Load() {
		cb(req, &msg.ErrorResult{ErrKind: msg.ErrSilenced})
		return
	}

	if l.Status() != StatusRunning {
		cb(req, &msg.ErrorResult{ErrKind: msg.ErrConnecting})
		return
	}

	if !l.inProgress.CompareAndSwap(false, true) {
		cb(req, &msg.ErrorResult{ErrKind: msg.ErrUnknown})
		return
	}
	// The command is in flight until its response is delivered; the flag is
	// cleared just before cb runs so that cb may issue the next command.
	deliver := cb
	cb = func(r msg.Message, resp msg.Message) {
		l.inProgress.Store(false)
		deliver(r, resp)
	}

	cmdStr, err := BuildCommand(req)
	if err != nil {
		cb(req, &msg.ErrorResult{ErrKind: msg.ErrUnknown, Info: err.Error()})
		return
	}

	l.mu.Lock()
	bl := l.byteLink
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ReadUntilPromptTimeout)
	l.curCancel = cancel
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.curCancel = nil
		l.mu.Unlock()
		cancel()
	}()

	if bl == nil {
		cb(req, &msg.ErrorResult{ErrKind: msg.ErrCommError})
		return
	}

	if _, err := bl.Write(ctx, []byte(cmdStr)); err != nil {
		kind := ErrorKind(err)
		cb(req, &msg.ErrorResult{ErrKind: kind, Info: err.Error()})
		l.failRunning(kind, err)
		return
	}

	data, err := bl.ReadUntilPrompt(ctx)
	if err != nil {
		kind := ErrorKind(err)
		cb(req, &msg.ErrorResult{ErrKind: kind, Info: err.Error()})
		l.failRunning(kind, err)
		return
	}

	lines := splitLines(data)
	parser := NewParser(req)
	done := false
	for _, line := range lines {
		if parser.Feed(line) {
			done = true
			break
		}
	}
	if !done {
		cb(req, &msg.ErrorResult{ErrKind: msg.ErrNoResponse})
		return
	}

	cb(req, parser.Response())
}

// failRunning transitions Running -> Stopped(reason) and wakes runLoop so
// it schedules a reconnect. Safe to call from WriteCommand's goroutine
// only.
func (l *Link) failRunning(kind msg.ErrorKind, err error) {
	info := ""
	if err != nil {
		info = err.Error()
	}

	l.mu.Lock()
	if l.status != StatusRunning {
		l.mu.Unlock()
		return
	}
	l.status = StatusStopped
	done := l.runningDone
	l.runningDone = nil
	l.mu.Unlock()

	l.log.Error("mrclink: command failed, tearing down link", "reason", kind.String(), "error", info)

	l.handlersMu.Lock()
	handlers := make([]StatusChangeHandler, len(l.handlers))
	copy(handlers, l.handlers)
	l.handlersMu.Unlock()

	ev := StatusEvent{Status: StatusStopped, Reason: kind, Info: info}
	for _, h := range handlers {
		h(ev)
	}

	if done != nil {
		close(done)
	}
}
