package reef

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// sweeper calls sweep on a fixed interval until stopped. A panicking sweep
// is logged and the loop continues.
type sweeper struct {
	interval time.Duration
	sweep    func() int
	logger   *slog.Logger

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	runs    atomic.Int64
	removed atomic.Int64
}

func newSweeper(interval time.Duration, sweep func() int, logger *slog.Logger) *sweeper {
	return &sweeper{
		interval: interval,
		sweep:    sweep,
		logger:   logger.With("task", "sweeper"),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *sweeper) start() {
	go s.loop()
}

func (s *sweeper) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

func (s *sweeper) runOnce() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("Expiry sweep failed", "panic", r)
		}
	}()

	n := s.sweep()
	s.runs.Add(1)
	s.removed.Add(int64(n))
	if n > 0 {
		s.logger.Debug("Expired spores swept", "removed", n)
	}
}

// stop ends the loop and waits for it to exit.
func (s *sweeper) stop() {
	s.stopOnce.Do(func() { close(s.quit) })
	<-s.done
}

func (s *sweeper) stats() (runs, removed int64) {
	return s.runs.Load(), s.removed.Load()
}
