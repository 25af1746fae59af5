// Package pricing resolves asset prices across oracle sources with fallback,
// currency conversion, caching and in-flight request coalescing.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"fiatoracle/internal/asset"
	"fiatoracle/internal/cache"
	"fiatoracle/internal/kvstore"
	"fiatoracle/internal/metrics"
)

// ErrPriceUnavailable is terminal: every applicable source failed.
var ErrPriceUnavailable = errors.New("pricing: price unavailable")

// PriceReader reads one price from one oracle source. *oracle.Client
// implements it.
type PriceReader interface {
	ReadLastPrice(ctx context.Context, base, quote string, source asset.Source) (decimal.Decimal, error)
}

// Config parameterises an Engine for one network.
type Config struct {
	Network asset.Network
	// NativeAsset is the venue-native asset code, e.g. "XLM".
	NativeAsset string
	// ReportingCurrency is the currency the asset oracles quote in.
	ReportingCurrency string
	// FiatCurrencies routes fiat-to-fiat queries to the FOREX oracle.
	FiatCurrencies []string
	// Stablecoins are worth exactly one unit of ReportingCurrency. Both code
	// and issuer must match.
	Stablecoins      []asset.Asset
	PriceTTL         time.Duration
	FXTTL            time.Duration
	MaxMemoryEntries int
	Store            kvstore.Store
	// Concurrency bounds parallel lookups in GetPrices.
	Concurrency int
	// FlightTimeout bounds one shared resolution. It is detached from the
	// callers' contexts so a departing caller cannot fail the others.
	FlightTimeout time.Duration
	Clock         func() time.Time
	Logger        hclog.Logger
	Metrics       *metrics.Metrics
}

// DefaultFiatCurrencies is used when Config.FiatCurrencies is empty.
var DefaultFiatCurrencies = []string{"USD", "EUR", "GBP", "JPY", "CHF", "CAD", "AUD", "CNY", "BRL", "MXN", "ARS", "NGN", "INR", "KRW"}

// Engine resolves prices for a single network.
type Engine struct {
	cfg    Config
	reader PriceReader
	prices *cache.Cache[float64]
	fx     *cache.Cache[float64]
	group  singleflight.Group
	logger hclog.Logger
}

func NewEngine(cfg Config, reader PriceReader) *Engine {
	if cfg.Network == "" {
		cfg.Network = asset.Mainnet
	}
	if cfg.NativeAsset == "" {
		cfg.NativeAsset = "XLM"
	}
	if cfg.ReportingCurrency == "" {
		cfg.ReportingCurrency = "USD"
	}
	if len(cfg.FiatCurrencies) == 0 {
		cfg.FiatCurrencies = DefaultFiatCurrencies
	}
	if cfg.PriceTTL <= 0 {
		cfg.PriceTTL = 5 * time.Minute
	}
	if cfg.FXTTL <= 0 {
		cfg.FXTTL = time.Hour
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.FlightTimeout <= 0 {
		cfg.FlightTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	cfg.NativeAsset = strings.ToUpper(cfg.NativeAsset)
	cfg.ReportingCurrency = strings.ToUpper(cfg.ReportingCurrency)

	logger := cfg.Logger.Named("pricing").With("network", cfg.Network)
	return &Engine{
		cfg:    cfg,
		reader: reader,
		logger: logger,
		prices: cache.New[float64](cache.Config{
			Name:             "price",
			Prefix:           fmt.Sprintf("price:%s:", cfg.Network),
			TTL:              cfg.PriceTTL,
			MaxMemoryEntries: cfg.MaxMemoryEntries,
			Store:            cfg.Store,
			Clock:            cfg.Clock,
			Logger:           logger.Named("cache"),
			Metrics:          cfg.Metrics,
		}),
		fx: cache.New[float64](cache.Config{
			Name:             "fx",
			Prefix:           fmt.Sprintf("fx:%s:", cfg.Network),
			TTL:              cfg.FXTTL,
			MaxMemoryEntries: 64,
			Store:            cfg.Store,
			Clock:            cfg.Clock,
			Logger:           logger.Named("fx-cache"),
			Metrics:          cfg.Metrics,
		}),
	}
}

func (e *Engine) Network() asset.Network { return e.cfg.Network }

// NativeAsset returns the venue-native asset.
func (e *Engine) NativeAsset() asset.Asset { return asset.Native(e.cfg.NativeAsset) }

// ReportingCurrency returns the currency asset oracles quote in.
func (e *Engine) ReportingCurrency() string { return e.cfg.ReportingCurrency }

func (e *Engine) isFiat(code string) bool {
	return slices.Contains(e.cfg.FiatCurrencies, strings.ToUpper(code))
}

func (e *Engine) isStablecoin(a asset.Asset) bool {
	return slices.ContainsFunc(e.cfg.Stablecoins, func(s asset.Asset) bool {
		return s.Issuer == a.Issuer && strings.EqualFold(s.Code, a.Code)
	})
}

// IsNative reports whether a is the venue-native asset.
func (e *Engine) IsNative(a asset.Asset) bool {
	return a.IsNative() && strings.EqualFold(a.Code, e.cfg.NativeAsset)
}

// GetPrice returns the price of a in quote. A cached fresh value is returned
// directly; identical concurrent requests share one resolution.
func (e *Engine) GetPrice(ctx context.Context, a asset.Asset, quote string) (float64, error) {
	quote = strings.ToUpper(strings.TrimSpace(quote))
	key := asset.PriceQuoteKey{Network: e.cfg.Network, Base: a.String(), Quote: quote}.String()

	if v, ok := e.prices.Get(key); ok {
		return v, nil
	}

	v, shared, err := e.flight(ctx, key, func(fctx context.Context) (any, error) {
		// a flight that finished between the check above and joining
		if v, ok := e.prices.Get(key); ok {
			return v, nil
		}
		p, err := e.resolve(fctx, a, quote)
		if err != nil {
			return nil, err
		}
		price := p.InexactFloat64()
		if err := e.prices.Set(key, price); err != nil {
			e.logger.Debug("price not persisted", "key", key, "err", err)
		}
		return price, nil
	})
	if shared {
		e.cfg.Metrics.RequestShared(e.cfg.Network.String())
	}
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// flight runs fn once per key across concurrent callers. fn gets a context
// that keeps the first caller's values but not its cancellation; each caller
// stops waiting when its own ctx ends while the flight carries on and fills
// the cache for whoever asks next.
func (e *Engine) flight(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, bool, error) {
	ch := e.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.FlightTimeout)
		defer cancel()
		return fn(fctx)
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case r := <-ch:
		return r.Val, r.Shared, r.Err
	}
}

// GetPrices resolves assets in parallel. A failed asset yields 0 without
// affecting the others.
func (e *Engine) GetPrices(ctx context.Context, assets []asset.Asset, quote string) map[string]float64 {
	out := make(map[string]float64, len(assets))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for _, a := range assets {
		g.Go(func() error {
			p, err := e.GetPrice(ctx, a, quote)
			if err != nil {
				e.logger.Warn("price unresolved", "asset", a, "quote", quote, "err", err)
				p = 0
			}
			mu.Lock()
			out[a.String()] = p
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// FXMultiplier returns how many units of target one unit of the reporting
// currency buys, cached separately from asset prices.
func (e *Engine) FXMultiplier(ctx context.Context, target string) (float64, error) {
	m, err := e.fxRate(ctx, e.cfg.ReportingCurrency, strings.ToUpper(target))
	if err != nil {
		return 0, err
	}
	return m.InexactFloat64(), nil
}

// ClearCache drops all cached prices and FX rates for this network.
func (e *Engine) ClearCache() {
	e.prices.Clear()
	e.fx.Clear()
}

// CacheStats reports the price cache.
func (e *Engine) CacheStats() (cache.Stats, error) {
	return e.prices.Stats()
}

func (e *Engine) resolve(ctx context.Context, a asset.Asset, quote string) (decimal.Decimal, error) {
	base := strings.ToUpper(a.Code)

	if a.IsNative() && e.isFiat(base) {
		if base == quote {
			return decimal.NewFromInt(1), nil
		}
		if !e.isFiat(quote) {
			return decimal.Decimal{}, fmt.Errorf("%w: %s/%s: fiat base needs a fiat quote", ErrPriceUnavailable, base, quote)
		}
		return e.fxRate(ctx, base, quote)
	}

	if a.IsNative() && base == quote {
		return decimal.NewFromInt(1), nil
	}

	reporting, err := e.reportingPrice(ctx, a)
	if err != nil {
		return decimal.Decimal{}, err
	}

	switch {
	case quote == e.cfg.ReportingCurrency:
		return reporting, nil
	case e.isFiat(quote):
		m, err := e.fxRate(ctx, e.cfg.ReportingCurrency, quote)
		if err != nil {
			return decimal.Decimal{}, err
		}
		return reporting.Mul(m), nil
	case quote == e.cfg.NativeAsset:
		native, err := e.reportingPrice(ctx, e.NativeAsset())
		if err != nil {
			return decimal.Decimal{}, err
		}
		return reporting.Div(native), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("%w: %s/%s: unsupported quote", ErrPriceUnavailable, a, quote)
	}
}

// reportingPrice tries each applicable source in order and returns the first
// price in the reporting currency.
func (e *Engine) reportingPrice(ctx context.Context, a asset.Asset) (decimal.Decimal, error) {
	if e.isStablecoin(a) {
		return decimal.NewFromInt(1), nil
	}

	sources := []asset.Source{asset.CexDex}
	base := a.String()
	if e.IsNative(a) {
		sources = []asset.Source{asset.VenueNative, asset.CexDex}
		base = e.cfg.NativeAsset
	}

	var errs []error
	for _, src := range sources {
		p, err := e.reader.ReadLastPrice(ctx, base, e.cfg.ReportingCurrency, src)
		if err == nil {
			return p, nil
		}
		e.logger.Debug("source failed, trying next", "asset", a, "source", src, "err", err)
		errs = append(errs, err)
	}
	return decimal.Decimal{}, fmt.Errorf("%w: %s/%s: %w", ErrPriceUnavailable, a, e.cfg.ReportingCurrency, errors.Join(errs...))
}

func (e *Engine) fxRate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	key := from + ":" + to
	if v, ok := e.fx.Get(key); ok {
		return decimal.NewFromFloat(v), nil
	}

	v, _, err := e.flight(ctx, "fx:"+key, func(fctx context.Context) (any, error) {
		if v, ok := e.fx.Get(key); ok {
			return decimal.NewFromFloat(v), nil
		}
		p, err := e.reader.ReadLastPrice(fctx, from, to, asset.Forex)
		if err != nil {
			return nil, fmt.Errorf("%w: fx %s/%s: %w", ErrPriceUnavailable, from, to, err)
		}
		if err := e.fx.Set(key, p.InexactFloat64()); err != nil {
			e.logger.Debug("fx rate not persisted", "pair", key, "err", err)
		}
		return p, nil
	})
	if err != nil {
		return decimal.Decimal{}, err
	}
	return v.(decimal.Decimal), nil
}
