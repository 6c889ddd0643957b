package service

import (
	"sync/atomic"
	"time"

	"github.com/oazmi-apps/dinstar-freepbx-sms-router/internal/domain/message"
)

// StatsService tracks runtime statistics using lock-free atomic counters.
type StatsService struct {
	startedAt time.Time

	outboundSuccess atomic.Int64
	outboundError   atomic.Int64
	outboundFail    atomic.Int64
	inboundSuccess  atomic.Int64
	inboundError    atomic.Int64

	denied      atomic.Int64
	rateLimited atomic.Int64
}

// NewStatsService creates a StatsService with all counters at zero.
func NewStatsService() *StatsService {
	return &StatsService{startedAt: time.Now().UTC()}
}

// RecordDispatch counts one finished dispatch.
func (s *StatsService) RecordDispatch(direction message.Direction, status message.Status) {
	switch {
	case direction == message.DirectionOutbound && status == message.StatusSuccess:
		s.outboundSuccess.Add(1)
	case direction == message.DirectionOutbound && status == message.StatusFail:
		s.outboundFail.Add(1)
	case direction == message.DirectionOutbound:
		s.outboundError.Add(1)
	case status == message.StatusSuccess:
		s.inboundSuccess.Add(1)
	default:
		s.inboundError.Add(1)
	}
}

// RecordDenied counts a message rejected by a policy rule.
func (s *StatsService) RecordDenied() {
	s.denied.Add(1)
}

// RecordRateLimited counts a message rejected by the rate limiter.
func (s *StatsService) RecordRateLimited() {
	s.rateLimited.Add(1)
}

// DirectionStats counts results for one direction.
type DirectionStats struct {
	Success int64 `json:"success"`
	Error   int64 `json:"error"`
	Fail    int64 `json:"fail"`
}

// Stats holds a snapshot of all counters at a point in time.
type Stats struct {
	StartedAt   time.Time      `json:"started_at"`
	Outbound    DirectionStats `json:"outbound"`
	Inbound     DirectionStats `json:"inbound"`
	Denied      int64          `json:"denied"`
	RateLimited int64          `json:"rate_limited"`
}

// GetStats returns a snapshot of all counters. Each counter is read
// atomically; the snapshot as a whole is not.
func (s *StatsService) GetStats() Stats {
	return Stats{
		StartedAt: s.startedAt,
		Outbound: DirectionStats{
			Success: s.outboundSuccess.Load(),
			Error:   s.outboundError.Load(),
			Fail:    s.outboundFail.Load(),
		},
		Inbound: DirectionStats{
			Success: s.inboundSuccess.Load(),
			Error:   s.inboundError.Load(),
		},
		Denied:      s.denied.Load(),
		RateLimited: s.rateLimited.Load(),
	}
}

// Reset sets all counters to zero.
func (s *StatsService) Reset() {
	for _, c := range []*atomic.Int64{
		&s.outboundSuccess, &s.outboundError, &s.outboundFail,
		&s.inboundSuccess, &s.inboundError, &s.denied, &s.rateLimited,
	} {
		c.Store(0)
	}
}
