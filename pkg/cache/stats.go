package cache

import (
	"sync/atomic"
	"time"
)

// Statistics tracks cache activity. All methods are safe for concurrent
// use.
type Statistics struct {
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
	size      atomic.Int64
	maxSize   atomic.Int64
	started   time.Time
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{started: time.Now()}
}

func (s *Statistics) Hit() { s.hits.Add(1) }
func (s *Statistics) Miss() { s.misses.Add(1) }
func (s *Statistics) Set() { s.sets.Add(1) }
func (s *Statistics) Delete() { s.deletes.Add(1) }
func (s *Statistics) Eviction() { s.evictions.Add(1) }

// UpdateSize records the current size and the high-water mark.
func (s *Statistics) UpdateSize(size int64) {
	s.size.Store(size)
	for {
		peak := s.maxSize.Load()
		if size <= peak || s.maxSize.CompareAndSwap(peak, size) {
			return
		}
	}
}

// HitRatio returns hits over lookups, 0 when there were none.
func (s *Statistics) HitRatio() float64 {
	hits, misses := s.hits.Load(), s.misses.Load()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// StatsSummary is a snapshot of Statistics.
type StatsSummary struct {
	Hits        int64         `json:"hits"`
	Misses      int64         `json:"misses"`
	Sets        int64         `json:"sets"`
	Deletes     int64         `json:"deletes"`
	Evictions   int64         `json:"evictions"`
	CurrentSize int64         `json:"current_size"`
	MaxSize     int64         `json:"max_size"`
	HitRatio    float64       `json:"hit_ratio"`
	Uptime      time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		Sets:        s.sets.Load(),
		Deletes:     s.deletes.Load(),
		Evictions:   s.evictions.Load(),
		CurrentSize: s.size.Load(),
		MaxSize:     s.maxSize.Load(),
		HitRatio:    s.HitRatio(),
		Uptime:      time.Since(s.started),
	}
}
