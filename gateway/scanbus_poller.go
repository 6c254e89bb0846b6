package gateway

import (
	"sync"
	"time"

	"github.com/mrc-gateway/mrcgw/logger"
	"github.com/mrc-gateway/mrcgw/msg"
	"github.com/mrc-gateway/mrcgw/requestqueue"
)

// ScanbusResultHandler receives one bus's scanbus result per tick.
type ScanbusResultHandler func(msg.ScanbusNotify)

// ScanbusPoller issues Scanbus(0) then Scanbus(1) on a fixed timer and
// reports each as a broadcast-ready notification.
type ScanbusPoller struct {
	mu       sync.Mutex
	queue    *requestqueue.Queue
	interval time.Duration
	onResult ScanbusResultHandler
	log      logger.Logger

	started bool
	gen     uint64
}

// NewScanbusPoller constructs a ScanbusPoller with the given tick interval
// (default 2s if zero).
func NewScanbusPoller(q *requestqueue.Queue, interval time.Duration, onResult ScanbusResultHandler, log logger.Logger) *ScanbusPoller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if log == nil {
		log = logger.GetLogger()
	}

	return &ScanbusPoller{queue: q, interval: interval, onResult: onResult, log: log}
}

// Start begins the scanbus timer if not already running.
func (s *ScanbusPoller) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.scheduleTick(gen)
}

// Stop halts further ticks.
func (s *ScanbusPoller) Stop() {
	s.mu.Lock()
	s.started = false
	s.gen++
	s.mu.Unlock()
}

func (s *ScanbusPoller) scheduleTick(gen uint64) {
	time.AfterFunc(s.interval, func() {
		s.tick(gen)
	})
}

func (s *ScanbusPoller) tick(gen uint64) {
	s.mu.Lock()
	if !s.started || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.queue.QueueRequest(&msg.ScanbusRequest{Bus: 0}, func(req msg.Message, resp msg.Message) {
		s.report(resp)
		s.queue.QueueRequest(&msg.ScanbusRequest{Bus: 1}, func(req msg.Message, resp msg.Message) {
			s.report(resp)
			s.scheduleTick(gen)
		})
	})
}

func (s *ScanbusPoller) report(resp msg.Message) {
	sr, ok := resp.(*msg.ScanbusResult)
	if !ok {
		return
	}
	if s.onResult != nil {
		s.onResult(msg.ScanbusNotify{Bus: sr.Bus, Entries: sr.Entries})
	}
}
