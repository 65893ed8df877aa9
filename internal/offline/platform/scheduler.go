package platform

import (
	"sync"
	"time"

	"github.com/assessly/fieldsync/internal/logger"
	"github.com/op/go-logging"
)

// TickerScheduler implements Scheduler with goroutines and tickers.
type TickerScheduler struct {
	// DenyPeriodic simulates a host that refuses periodic wakes.
	DenyPeriodic bool
	Logger       *logging.Logger

	mu       sync.Mutex
	pending  map[string]bool
	periodic map[string]chan struct{}
	wg       sync.WaitGroup
	stopped  bool
}

// NewTickerScheduler creates a scheduler.
func NewTickerScheduler(log *logging.Logger) *TickerScheduler {
	return &TickerScheduler{
		Logger:   logger.OrDefault(log),
		pending:  make(map[string]bool),
		periodic: make(map[string]chan struct{}),
	}
}

// ScheduleOnce implements Scheduler.
func (s *TickerScheduler) ScheduleOnce(name string, fn func()) {
	s.mu.Lock()
	if s.stopped || s.pending[name] {
		s.mu.Unlock()
		return
	}
	s.pending[name] = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.pending, name)
		s.mu.Unlock()
		fn()
	}()
}

// RegisterPeriodic implements Scheduler. Intervals below MinPeriodicInterval
// are raised to it. Registering an existing name replaces it.
func (s *TickerScheduler) RegisterPeriodic(name string, interval time.Duration, fn func()) error {
	if s.DenyPeriodic {
		return ErrPeriodicDenied
	}
	if interval < MinPeriodicInterval {
		s.Logger.Infof("Periodic wake %s: interval %s raised to %s", name, interval, MinPeriodicInterval)
		interval = MinPeriodicInterval
	}
	return s.registerEvery(name, interval, fn)
}

// registerEvery starts a ticker without the host floor. Tests use it directly.
func (s *TickerScheduler) registerEvery(name string, interval time.Duration, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrPeriodicDenied
	}
	if stop, ok := s.periodic[name]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	s.periodic[name] = stop

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return nil
}

// Cancel implements Scheduler.
func (s *TickerScheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.periodic[name]; ok {
		close(stop)
		delete(s.periodic, name)
	}
}

// Stop cancels every registration and waits for running callbacks.
func (s *TickerScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for name, stop := range s.periodic {
		close(stop)
		delete(s.periodic, name)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
