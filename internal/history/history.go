// Package history keeps a day-keyed table of closing rates for the native
// asset and backfills gaps from a daily OHLC source.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"fiatoracle/internal/asset"
	"fiatoracle/internal/kvstore"
	"fiatoracle/internal/metrics"
	"fiatoracle/internal/ohlc"
)

// SchemaVersion is bumped whenever the persisted table layout changes. A
// table with any other version is discarded on load.
const SchemaVersion = 2

// ErrNoHistory is returned only when no rate at all is known.
var ErrNoHistory = errors.New("history: no rates available")

// Fetcher returns daily closes since a point in time. *ohlc.Client
// implements it.
type Fetcher interface {
	FetchDailyCloses(ctx context.Context, pairs []string, since time.Time) ([]ohlc.Close, error)
}

// Limiter gates every fetch.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Config controls a Service.
type Config struct {
	Network asset.Network
	// Pairs are tried in order until the source recognises one.
	Pairs []string
	// MinDate is the earliest day the source has data for.
	MinDate time.Time
	// RefreshHorizon bounds how long today's rate is trusted.
	RefreshHorizon time.Duration
	// NarrowWindow is the radius re-primed around a missing day.
	NarrowWindow time.Duration
	// MissTTL is how long a day the source could not supply skips the
	// narrow re-prime and goes straight to the nearest known day.
	MissTTL time.Duration
	Store   kvstore.Store
	Limiter Limiter
	Clock   func() time.Time
	Logger  hclog.Logger
	Metrics *metrics.Metrics
}

// DefaultMinDate is the first day with a usable native/USD close.
var DefaultMinDate = time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)

type table struct {
	Version   int                `json:"version"`
	UpdatedAt time.Time          `json:"updatedAt"`
	Rates     map[string]float64 `json:"rates"`
}

// Service is safe for concurrent use. Backfills are serialised so that
// concurrent callers never fetch the same gap twice.
type Service struct {
	cfg     Config
	fetcher Fetcher
	logger  hclog.Logger
	key     string

	mu     sync.Mutex
	loaded bool
	table  table
	// missed maps day keys the source did not return to when that was seen
	missed map[string]time.Time
}

func New(cfg Config, fetcher Fetcher) *Service {
	if cfg.Network == "" {
		cfg.Network = asset.Mainnet
	}
	if len(cfg.Pairs) == 0 {
		cfg.Pairs = []string{"XLMUSD", "XXLMZUSD"}
	}
	if cfg.MinDate.IsZero() {
		cfg.MinDate = DefaultMinDate
	}
	if cfg.RefreshHorizon <= 0 {
		cfg.RefreshHorizon = 6 * time.Hour
	}
	if cfg.NarrowWindow <= 0 {
		cfg.NarrowWindow = 7 * 24 * time.Hour
	}
	if cfg.MissTTL <= 0 {
		cfg.MissTTL = time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Service{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  cfg.Logger.Named("history").With("network", cfg.Network),
		key:     fmt.Sprintf("history:%s:rates", cfg.Network),
		table:   table{Version: SchemaVersion, Rates: map[string]float64{}},
		missed:  map[string]time.Time{},
	}
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// PrimeRange makes sure every day in [start, end] is known, fetching once
// from the earliest missing day when needed.
func (s *Service) PrimeRange(ctx context.Context, start, end time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	return s.primeLocked(ctx, start, end)
}

// GetRateForDate returns the close for the day containing date. A missing
// day triggers a narrow backfill; if it is still missing, the nearest known
// day is used instead.
func (s *Service) GetRateForDate(ctx context.Context, date time.Time) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	key := asset.DayKey(date)
	if r, ok := s.table.Rates[key]; ok {
		return r, nil
	}

	d := day(date)
	now := s.cfg.Clock()
	if at, ok := s.missed[key]; !ok || now.Sub(at) > s.cfg.MissTTL {
		if err := s.primeLocked(ctx, d.Add(-s.cfg.NarrowWindow), d.Add(s.cfg.NarrowWindow)); err != nil {
			s.logger.Warn("narrow backfill failed", "date", key, "err", err)
		}
		if r, ok := s.table.Rates[key]; ok {
			delete(s.missed, key)
			return r, nil
		}
		s.missed[key] = now
	}

	nearest, ok := s.nearestLocked(d)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoHistory, key)
	}
	s.logger.Debug("using nearest rate", "date", key, "nearest", nearest)
	return s.table.Rates[nearest], nil
}

// GetCurrentRate returns today's close, else the latest known close. When
// neither is fresher than the refresh horizon a fetch is attempted first.
func (s *Service) GetCurrentRate(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	now := s.cfg.Clock()
	today := asset.DayKey(now)
	fresh := now.Sub(s.table.UpdatedAt) <= s.cfg.RefreshHorizon

	if r, ok := s.table.Rates[today]; ok && fresh {
		return r, nil
	}
	latest, ok := s.latestLocked()
	if ok && fresh {
		return s.table.Rates[latest], nil
	}

	since := day(now).Add(-s.cfg.NarrowWindow)
	if ok {
		if t, err := time.Parse(time.DateOnly, latest); err == nil && t.Before(since) {
			since = t
		}
	}
	if err := s.fetchLocked(ctx, since, day(now)); err != nil {
		s.logger.Warn("refreshing current rate failed", "err", err)
	}

	if r, ok := s.table.Rates[today]; ok {
		return r, nil
	}
	if latest, ok := s.latestLocked(); ok {
		return s.table.Rates[latest], nil
	}
	return 0, fmt.Errorf("%w: %s", ErrNoHistory, today)
}

// Rates returns a copy of the table.
func (s *Service) Rates() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()
	return maps.Clone(s.table.Rates)
}

func (s *Service) primeLocked(ctx context.Context, start, end time.Time) error {
	now := s.cfg.Clock()
	start, end = day(start), day(end)
	if start.Before(s.cfg.MinDate) {
		start = day(s.cfg.MinDate)
	}
	if today := day(now); end.After(today) {
		end = today
	}
	if start.After(end) {
		return nil
	}

	gap, ok := s.firstGapLocked(start, end)
	if !ok {
		return nil
	}
	// today's candle is still open; do not hammer the source for it
	if gap.Equal(day(now)) && now.Sub(s.table.UpdatedAt) <= s.cfg.RefreshHorizon {
		return nil
	}
	return s.fetchLocked(ctx, gap, end)
}

func (s *Service) firstGapLocked(start, end time.Time) (time.Time, bool) {
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if _, ok := s.table.Rates[asset.DayKey(d)]; !ok {
			return d, true
		}
	}
	return time.Time{}, false
}

func (s *Service) fetchLocked(ctx context.Context, since, end time.Time) error {
	if s.cfg.Limiter != nil {
		if err := s.cfg.Limiter.Acquire(ctx); err != nil {
			return err
		}
	}
	closes, err := s.fetcher.FetchDailyCloses(ctx, s.cfg.Pairs, since)
	if err != nil {
		s.cfg.Metrics.Backfill(s.cfg.Network.String(), "error")
		return fmt.Errorf("backfill since %s: %w", asset.DayKey(since), err)
	}
	s.cfg.Metrics.Backfill(s.cfg.Network.String(), "ok")

	now := s.cfg.Clock()
	today := asset.DayKey(now)
	added := 0
	for _, c := range closes {
		key := asset.DayKey(c.Day)
		if key > today || c.Close <= 0 {
			continue
		}
		// closed days are immutable; only today's open candle moves
		if _, exists := s.table.Rates[key]; exists && key != today {
			continue
		}
		s.table.Rates[key] = c.Close
		added++
	}
	s.table.UpdatedAt = now
	s.logger.Debug("backfilled", "since", asset.DayKey(since), "until", asset.DayKey(end), "received", len(closes), "merged", added)
	s.persistLocked()
	return nil
}

func (s *Service) nearestLocked(target time.Time) (string, bool) {
	best, bestDist := "", time.Duration(-1)
	for _, key := range slices.Sorted(maps.Keys(s.table.Rates)) {
		t, err := time.Parse(time.DateOnly, key)
		if err != nil {
			continue
		}
		dist := t.Sub(target).Abs()
		// strict comparison keeps the earlier day on ties
		if bestDist < 0 || dist < bestDist {
			best, bestDist = key, dist
		}
	}
	return best, bestDist >= 0
}

func (s *Service) latestLocked() (string, bool) {
	if len(s.table.Rates) == 0 {
		return "", false
	}
	return slices.Max(slices.Collect(maps.Keys(s.table.Rates))), true
}

func (s *Service) loadLocked() {
	if s.loaded {
		return
	}
	s.loaded = true
	if s.cfg.Store == nil {
		return
	}

	raw, err := s.cfg.Store.Get(s.key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("loading rate table failed", "err", err)
		return
	}

	var t table
	if err := json.Unmarshal(raw, &t); err != nil || t.Version != SchemaVersion {
		s.logger.Info("discarding rate table", "version", t.Version, "want", SchemaVersion, "err", err)
		if err := s.cfg.Store.Remove(s.key); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
			s.logger.Warn("removing rate table failed", "err", err)
		}
		return
	}
	if t.Rates == nil {
		t.Rates = map[string]float64{}
	}
	s.table = t
}

func (s *Service) persistLocked() {
	if s.cfg.Store == nil {
		return
	}
	raw, err := json.Marshal(s.table)
	if err != nil {
		s.logger.Error("encoding rate table failed", "err", err)
		return
	}
	if err := s.cfg.Store.Set(s.key, raw); err != nil {
		s.logger.Warn("persisting rate table failed", "err", err)
	}
}
