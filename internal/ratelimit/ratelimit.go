package ratelimit

import (
	"context"
	"sync"
	"time"

	"fiatoracle/internal/asset"
	"fiatoracle/internal/metrics"
)

// SlidingWindow admits at most Limit calls in any Window. Callers are admitted
// in arrival order and are only ever delayed, never rejected.
type SlidingWindow struct {
	name    string
	limit   int
	window  time.Duration
	now     func() time.Time
	metrics *metrics.Metrics

	// turn is a one-slot channel; blocked senders are released in FIFO order.
	turn  chan struct{}
	mu    sync.Mutex
	calls []time.Time
}

// Option configures a SlidingWindow.
type Option func(*SlidingWindow)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *SlidingWindow) { s.now = now }
}

// WithMetrics records wait durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *SlidingWindow) { s.metrics = m }
}

// WithName labels the limiter in metrics.
func WithName(name string) Option {
	return func(s *SlidingWindow) { s.name = name }
}

func NewSlidingWindow(limit int, window time.Duration, opts ...Option) *SlidingWindow {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	s := &SlidingWindow{
		name:   "default",
		limit:  limit,
		window: window,
		now:    time.Now,
		turn:   make(chan struct{}, 1),
		calls:  make([]time.Time, 0, limit),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire blocks until the caller may proceed. It returns early only when ctx
// is done.
func (s *SlidingWindow) Acquire(ctx context.Context) error {
	start := time.Now()
	select {
	case s.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.turn }()

	for {
		wait := s.reserve()
		if wait <= 0 {
			s.metrics.LimiterWaited(s.name, time.Since(start))
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// reserve records a call and returns 0 when under capacity, otherwise the
// time until the oldest call leaves the window.
func (s *SlidingWindow) reserve() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.prune(now)
	if len(s.calls) < s.limit {
		s.calls = append(s.calls, now)
		return 0
	}
	wait := s.window - now.Sub(s.calls[0])
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

func (s *SlidingWindow) prune(now time.Time) {
	i := 0
	for i < len(s.calls) && now.Sub(s.calls[i]) >= s.window {
		i++
	}
	if i > 0 {
		s.calls = append(s.calls[:0], s.calls[i:]...)
	}
}

// InWindow reports how many calls currently count against the limit.
func (s *SlidingWindow) InWindow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(s.now())
	return len(s.calls)
}

// Registry hands out one limiter per network so mainnet and testnet traffic
// never share a budget.
type Registry struct {
	Limit   int
	Window  time.Duration
	Metrics *metrics.Metrics

	mu       sync.Mutex
	limiters map[asset.Network]*SlidingWindow
}

func (r *Registry) For(network asset.Network) *SlidingWindow {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limiters == nil {
		r.limiters = make(map[asset.Network]*SlidingWindow, 2)
	}
	l, ok := r.limiters[network]
	if !ok {
		l = NewSlidingWindow(r.Limit, r.Window, WithName(network.String()), WithMetrics(r.Metrics))
		r.limiters[network] = l
	}
	return l
}
