// Package app assembles the per-network pricing, history and annotation
// services from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"fiatoracle/internal/annotate"
	"fiatoracle/internal/asset"
	"fiatoracle/internal/chain"
	"fiatoracle/internal/config"
	"fiatoracle/internal/history"
	"fiatoracle/internal/httpx"
	"fiatoracle/internal/kvstore"
	"fiatoracle/internal/metrics"
	"fiatoracle/internal/ohlc"
	"fiatoracle/internal/oracle"
	"fiatoracle/internal/pricing"
	"fiatoracle/internal/ratelimit"
)

// App owns every long-lived service. Close releases the store and node
// connections.
type App struct {
	Prices     *pricing.Registry
	History    map[asset.Network]*history.Service
	Annotators map[asset.Network]*annotate.Annotator
	Store      kvstore.Store
	Metrics    *metrics.Metrics

	closers []func()
}

// Dialer connects a network to its oracle simulator. The returned close
// function may be nil.
type Dialer func(ctx context.Context, network asset.Network, rpcURL string) (oracle.Simulator, func(), error)

// DialEVM dials an EVM JSON-RPC node.
func DialEVM(timeout time.Duration) Dialer {
	return func(ctx context.Context, _ asset.Network, rpcURL string) (oracle.Simulator, func(), error) {
		sim, client, err := chain.Dial(ctx, rpcURL, chain.WithCallTimeout(timeout))
		if err != nil {
			return nil, nil, err
		}
		return sim, client.Close, nil
	}
}

// Options override collaborators, mainly for tests.
type Options struct {
	Logger   hclog.Logger
	Registry prometheus.Registerer
	Dial     Dialer
	Store    kvstore.Store
	Fetcher  history.Fetcher
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	dial := opts.Dial
	if dial == nil {
		dial = DialEVM(cfg.Oracle.Timeout())
	}

	a := &App{
		History:    map[asset.Network]*history.Service{},
		Annotators: map[asset.Network]*annotate.Annotator{},
	}
	if cfg.Metrics.Enabled && opts.Registry != nil {
		a.Metrics = metrics.New(opts.Registry)
	}

	a.Store = opts.Store
	if a.Store == nil {
		store, err := kvstore.Open(ctx, kvstore.Options{
			Driver:    cfg.Storage.Driver,
			Path:      cfg.Storage.Path,
			MaxBytes:  cfg.Storage.MaxBytes,
			RedisAddr: cfg.Storage.RedisAddr,
			RedisPass: cfg.Storage.RedisPassword,
			RedisDB:   cfg.Storage.RedisDB,
			Namespace: "fiatoracle:",
		})
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.Store = store
		a.closers = append(a.closers, func() { _ = store.Close() })
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = ohlc.NewClient(
			ohlc.WithBaseURL(cfg.History.Endpoint),
			ohlc.WithHTTPClient(httpx.New(15*time.Second)),
		)
	}
	historyLimit := cfg.History.RequestsPerMinute
	if historyLimit <= 0 {
		historyLimit = 15
	}
	historyLimiter := ratelimit.NewSlidingWindow(historyLimit, time.Minute,
		ratelimit.WithName("ohlc"), ratelimit.WithMetrics(a.Metrics))

	limiters := &ratelimit.Registry{Limit: cfg.RateLimit.Calls, Window: cfg.RateLimit.Window(), Metrics: a.Metrics}
	a.Prices = pricing.NewRegistry()

	names := make([]string, 0, len(cfg.Networks))
	for name := range cfg.Networks {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		nc := cfg.Networks[name]
		if !nc.Enabled {
			continue
		}
		network, err := asset.ParseNetwork(name)
		if err != nil {
			a.Close()
			return nil, err
		}
		nlog := logger.With("network", network)

		hist := history.New(history.Config{
			Network:        network,
			Pairs:          cfg.History.Pairs,
			MinDate:        cfg.History.MinTime(),
			RefreshHorizon: cfg.History.RefreshHorizon(),
			Store:          a.Store,
			Limiter:        historyLimiter,
			Logger:         logger,
			Metrics:        a.Metrics,
		}, fetcher)
		a.History[network] = hist

		if nc.RPCURL == "" {
			nlog.Warn("no rpc_url configured, live prices disabled")
			continue
		}
		stablecoins, err := stablecoinsFor(nc)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("networks.%s: %w", name, err)
		}
		contracts, err := contractsFor(nc)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("networks.%s: %w", name, err)
		}
		sim, closeSim, err := dial(ctx, network, nc.RPCURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("networks.%s: %w", name, err)
		}
		if closeSim != nil {
			a.closers = append(a.closers, closeSim)
		}

		client := oracle.NewClient(network, sim, contracts,
			oracle.WithLimiter(limiters.For(network)),
			oracle.WithRetry(uint64(max(cfg.Oracle.MaxRetries, 0)), cfg.Oracle.Backoff()),
			oracle.WithLogger(logger.Named("oracle").With("network", network)),
			oracle.WithMetrics(a.Metrics),
		)
		engine := pricing.NewEngine(pricing.Config{
			Network:           network,
			NativeAsset:       nc.NativeAsset,
			ReportingCurrency: nc.ReportingCurrency,
			FiatCurrencies:    nc.FiatCurrencies,
			Stablecoins:       stablecoins,
			PriceTTL:          cfg.Cache.TTL(),
			FXTTL:             cfg.Cache.FXTTL(),
			MaxMemoryEntries:  cfg.Cache.MaxMemoryEntries,
			Store:             a.Store,
			Concurrency:       cfg.Cache.Concurrency,
			FlightTimeout:     cfg.Oracle.Timeout() * time.Duration(max(cfg.Oracle.MaxRetries, 0)+1),
			Logger:            logger,
			Metrics:           a.Metrics,
		}, client)
		a.Prices.Add(engine)
		a.Annotators[network] = annotate.New(engine, hist, annotate.WithLogger(logger))
		nlog.Info("network ready", "rpc", nc.RPCURL, "sources", len(contracts))
	}

	if len(a.History) == 0 {
		a.Close()
		return nil, errors.New("no networks enabled")
	}
	return a, nil
}

func contractsFor(nc config.Network) (map[asset.Source]oracle.Contract, error) {
	out := make(map[asset.Source]oracle.Contract, len(nc.Contracts))
	for name, c := range nc.Contracts {
		src, err := asset.ParseSource(name)
		if err != nil {
			return nil, err
		}
		if c.Address == "" {
			continue
		}
		out[src] = oracle.Contract{Address: c.Address, Decimals: c.Decimals}
	}
	return out, nil
}

func stablecoinsFor(nc config.Network) ([]asset.Asset, error) {
	out := make([]asset.Asset, 0, len(nc.Stablecoins))
	for _, s := range nc.Stablecoins {
		a, err := asset.ParseAsset(s)
		if err != nil {
			return nil, fmt.Errorf("stablecoins: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

// Annotator returns the annotator for network.
func (a *App) Annotator(network asset.Network) (*annotate.Annotator, error) {
	ann, ok := a.Annotators[network]
	if !ok {
		return nil, fmt.Errorf("network %q has no live pricing configured", network)
	}
	return ann, nil
}

// Rates returns the historical rate service for network.
func (a *App) Rates(network asset.Network) (*history.Service, error) {
	h, ok := a.History[network]
	if !ok {
		return nil, fmt.Errorf("network %q not enabled", network)
	}
	return h, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
