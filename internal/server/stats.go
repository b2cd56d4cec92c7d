package server

import (
	"sync"
	"time"
)

// Stats counts extraction requests for GET /stats. It is shared by all requests.
type Stats struct {
	mu         sync.Mutex
	total      int
	successful int
	failed     int
	elapsed    time.Duration
}

type StatsSnapshot struct {
	TotalRequests         int     `json:"total_requests"`
	SuccessfulRequests    int     `json:"successful_requests"`
	FailedRequests        int     `json:"failed_requests"`
	AverageProcessingTime float64 `json:"average_processing_time"` // seconds
	SuccessRate           float64 `json:"success_rate"`            // percent
}

func NewStats() *Stats { return &Stats{} }

// Record adds one finished request.
func (s *Stats) Record(success bool, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if success {
		s.successful++
	} else {
		s.failed++
	}
	s.elapsed += d
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := StatsSnapshot{
		TotalRequests:      s.total,
		SuccessfulRequests: s.successful,
		FailedRequests:     s.failed,
	}
	if s.total > 0 {
		out.AverageProcessingTime = s.elapsed.Seconds() / float64(s.total)
		out.SuccessRate = float64(s.successful) / float64(s.total) * 100
	}
	return out
}
