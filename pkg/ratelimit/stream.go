package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// StreamConfig bounds the message rate of one market-data connection. The
// feed allows 100 msg/s; the defaults keep 10% headroom with a half-budget
// burst.
type StreamConfig struct {
	MessagesPerSecond int
	Burst             int
}

// DefaultStreamConfig returns the feed defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{MessagesPerSecond: 90, Burst: 45}
}

// StreamLimiter paces outgoing stream messages (subscribes, pings, command
// frames) with a token bucket, and tracks live subscription topics so the
// caller can rebuild them after a reconnect.
type StreamLimiter struct {
	limiter *rate.Limiter

	mu     sync.Mutex
	topics map[string]struct{}
}

// NewStreamLimiter creates a StreamLimiter, filling zero config fields with
// defaults.
func NewStreamLimiter(cfg StreamConfig) *StreamLimiter {
	d := DefaultStreamConfig()
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = d.MessagesPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = d.Burst
	}
	return &StreamLimiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst),
		topics:  make(map[string]struct{}),
	}
}

// Wait blocks until one message may be sent or ctx ends.
func (s *StreamLimiter) Wait(ctx context.Context) error {
	return s.limiter.Wait(ctx)
}

// Allow reports whether a message may be sent right now without blocking.
func (s *StreamLimiter) Allow() bool {
	return s.limiter.Allow()
}

// Subscribe paces and records a topic subscription.
func (s *StreamLimiter) Subscribe(ctx context.Context, topic string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Unsubscribe paces and forgets a topic subscription.
func (s *StreamLimiter) Unsubscribe(ctx context.Context, topic string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
	return nil
}

// Topics returns the live subscription set, for replay after reconnect.
func (s *StreamLimiter) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}
