package quotes

import (
	"sync"
	"time"
)

// Scheduler drives the periodic refresh of a Cache
type Scheduler interface {
	// Start calls tick every interval until Stop. Starting a running
	// scheduler replaces the previous schedule.
	Start(interval time.Duration, tick func())
	// Stop cancels the pending tick. It is safe to call more than once.
	Stop()
}

// TickerScheduler runs ticks from a time.Ticker on its own goroutine
type TickerScheduler struct {
	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewTickerScheduler creates a scheduler backed by time.Ticker
func NewTickerScheduler() *TickerScheduler {
	return &TickerScheduler{}
}

// Start begins ticking
func (s *TickerScheduler) Start(interval time.Duration, tick func()) {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop = stop
	s.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				tick()
			}
		}
	}()
}

// Stop halts the ticker goroutine and waits for it to exit
func (s *TickerScheduler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// ManualScheduler only ticks when told to. It is meant for tests and for
// callers that drive refreshes from their own loop.
type ManualScheduler struct {
	mu       sync.Mutex
	tick     func()
	interval time.Duration
}

// NewManualScheduler creates a scheduler that ticks on demand
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

// Start records the tick function
func (s *ManualScheduler) Start(interval time.Duration, tick func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick = tick
	s.interval = interval
}

// Stop forgets the tick function
func (s *ManualScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick = nil
}

// Tick runs the scheduled function once. It reports false when stopped.
func (s *ManualScheduler) Tick() bool {
	s.mu.Lock()
	tick := s.tick
	s.mu.Unlock()

	if tick == nil {
		return false
	}
	tick()
	return true
}

// Running reports whether a tick function is scheduled
func (s *ManualScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick != nil
}

// Interval returns the interval passed to the last Start
func (s *ManualScheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}
