package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// AsyncSink buffers events and forwards them to next in batches from a
// single worker, keeping sink latency off the execution path. When the
// buffer is full events are shed and counted.
type AsyncSink struct {
	next     Sink
	ch       chan Event
	batch    int
	interval time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	wg      sync.WaitGroup
}

// NewAsyncSink starts the worker. Close drains it.
func NewAsyncSink(next Sink, buffer, batch int, interval time.Duration, logger *zap.Logger) *AsyncSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 10000
	}
	if batch <= 0 {
		batch = 100
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	s := &AsyncSink{
		next:     next,
		ch:       make(chan Event, buffer),
		batch:    batch,
		interval: interval,
		logger:   logger.With(zap.String("component", "telemetry")),
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

func (s *AsyncSink) Emit(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many events were shed.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting events and flushes everything buffered.
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *AsyncSink) worker() {
	defer s.wg.Done()

	pending := make([]Event, 0, s.batch)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	flush := func() {
		for _, e := range pending {
			s.next.Emit(e)
		}
		pending = pending[:0]
	}

	for {
		select {
		case e, ok := <-s.ch:
			if !ok {
				flush()
				s.logger.Debug("telemetry worker drained")
				return
			}
			pending = append(pending, e)
			if len(pending) >= s.batch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
