package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"fiatoracle/internal/annotate"
	"fiatoracle/internal/asset"
	"fiatoracle/internal/cache"
	"fiatoracle/internal/history"
	"fiatoracle/internal/httpx"
	"fiatoracle/internal/pricing"
)

type fakePrices struct {
	prices  map[string]float64
	cleared [][]asset.Network
}

func (f *fakePrices) GetPrice(_ context.Context, a asset.Asset, quote string, network asset.Network) (float64, error) {
	if network != asset.Mainnet {
		return 0, fmt.Errorf("network %q not configured", network)
	}
	p, ok := f.prices[a.String()+"/"+quote]
	if !ok {
		return 0, pricing.ErrPriceUnavailable
	}
	return p, nil
}

func (f *fakePrices) GetPrices(ctx context.Context, assets []asset.Asset, quote string, network asset.Network) (map[string]float64, error) {
	out := make(map[string]float64, len(assets))
	for _, a := range assets {
		p, err := f.GetPrice(ctx, a, quote, network)
		if err != nil && network != asset.Mainnet {
			return nil, err
		}
		out[a.String()] = p
	}
	return out, nil
}

func (f *fakePrices) ClearPriceCache(networks ...asset.Network) {
	f.cleared = append(f.cleared, networks)
}

func (f *fakePrices) CacheStats() (cache.Stats, error) {
	return cache.Stats{MemoryEntries: 3, Hits: 4, Misses: 1, HitRate: 0.8}, nil
}

type fakeRates struct {
	byDay   map[string]float64
	current float64
}

func (f fakeRates) GetRateForDate(_ context.Context, date time.Time) (float64, error) {
	if len(f.byDay) == 0 {
		return 0, history.ErrNoHistory
	}
	r, ok := f.byDay[asset.DayKey(date)]
	if !ok {
		return 0, errors.New("upstream down")
	}
	return r, nil
}

func (f fakeRates) GetCurrentRate(context.Context) (float64, error) {
	if f.current == 0 {
		return 0, history.ErrNoHistory
	}
	return f.current, nil
}

type fakeAnnotator struct{ gotQuote string }

func (f *fakeAnnotator) Annotate(_ context.Context, txs []asset.NormalizedTransaction, quote string) []annotate.Annotation {
	f.gotQuote = quote
	out := make([]annotate.Annotation, 0, len(txs))
	for _, tx := range txs {
		amt, _ := decimal.NewFromString(tx.Amount)
		if tx.Asset.Code == "XLM" {
			out = append(out, annotate.Annotation{TxID: tx.ID, Amount: amt, PriceUSD: 0.12, FXMultiplier: 1, Fiat: amt.InexactFloat64() * 0.12, Resolved: true})
			continue
		}
		out = append(out, annotate.Annotation{TxID: tx.ID, Amount: amt})
	}
	return out
}

func newTestServer(t *testing.T) (http.Handler, *fakePrices, *fakeAnnotator) {
	t.Helper()
	prices := &fakePrices{prices: map[string]float64{"XLM/USD": 0.12, "XLM/EUR": 0.108}}
	ann := &fakeAnnotator{}
	a := &api{
		prices: prices,
		rates: func(n asset.Network) (rateService, error) {
			switch n {
			case asset.Mainnet:
				return fakeRates{byDay: map[string]float64{"2024-01-05": 0.11}, current: 0.125}, nil
			default:
				return fakeRates{}, nil
			}
		},
		annotators: func(n asset.Network) (fiatAnnotator, error) {
			if n != asset.Mainnet {
				return nil, fmt.Errorf("network %q has no live pricing configured", n)
			}
			return ann, nil
		},
		timeout: time.Second,
		logger:  hclog.NewNullLogger(),
	}
	return newHandler(a, prometheus.NewRegistry(), true, hclog.NewNullLogger()), prices, ann
}

func serve(h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	return rr
}

func TestPrice(t *testing.T) {
	t.Parallel()
	h, _, _ := newTestServer(t)

	t.Run("resolved", func(t *testing.T) {
		rr := serve(h, http.MethodGet, "/api/price?asset=xlm&quote=eur", nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp priceResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.Equal(t, "XLM", resp.Asset)
		require.Equal(t, "EUR", resp.Quote)
		require.Equal(t, "mainnet", resp.Network)
		require.NotNil(t, resp.Price)
		require.InDelta(t, 0.108, *resp.Price, 1e-12)
		require.Equal(t, "0.108", resp.Display)
	})

	t.Run("unavailable renders N/A", func(t *testing.T) {
		rr := serve(h, http.MethodGet, "/api/price?asset=AQUA:GISSUER", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp priceResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.Nil(t, resp.Price)
		require.Equal(t, annotate.NotAvailable, resp.Display)
		require.NotEmpty(t, resp.Error)
	})

	t.Run("bad params", func(t *testing.T) {
		require.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/api/price", nil).Code)
		require.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/api/price?asset=XLM&network=devnet", nil).Code)
	})
}

func TestPrices(t *testing.T) {
	t.Parallel()
	h, _, _ := newTestServer(t)

	rr := serve(h, http.MethodGet, "/api/prices?assets=XLM,%20AQUA:GISSUER,", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp pricesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, map[string]float64{"XLM": 0.12, "AQUA:GISSUER": 0}, resp.Prices)
	require.Equal(t, map[string]string{"XLM": "0.12", "AQUA:GISSUER": annotate.NotAvailable}, resp.Display)

	require.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/api/prices", nil).Code)
	require.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/api/prices?assets=XLM&network=testnet", nil).Code)
}

func TestRate(t *testing.T) {
	t.Parallel()
	h, _, _ := newTestServer(t)

	tests := []struct {
		name   string
		target string
		status int
		rate   float64
	}{
		{name: "by date", target: "/api/rate?date=2024-01-05", status: http.StatusOK, rate: 0.11},
		{name: "current", target: "/api/rate", status: http.StatusOK, rate: 0.125},
		{name: "bad date", target: "/api/rate?date=05/01/2024", status: http.StatusBadRequest},
		{name: "empty history", target: "/api/rate?date=2024-01-05&network=testnet", status: http.StatusNotFound},
		{name: "upstream failure", target: "/api/rate?date=2023-03-03", status: http.StatusBadGateway},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := serve(h, http.MethodGet, tc.target, nil)
			require.Equal(t, tc.status, rr.Code, rr.Body.String())
			if tc.status != http.StatusOK {
				return
			}
			var resp rateResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			require.InDelta(t, tc.rate, resp.Rate, 1e-12)
		})
	}
}

func TestAnnotate(t *testing.T) {
	t.Parallel()
	h, _, ann := newTestServer(t)

	// Arrange
	body := []byte(`{"network":"mainnet","quote":"eur","transactions":[
		{"id":"t1","timestamp":"2024-01-05T10:00:00Z","asset":{"code":"XLM"},"direction":"in","amount":"100"},
		{"id":"t2","timestamp":"2024-01-06T10:00:00Z","asset":{"code":"FOO","issuer":"GX"},"direction":"out","amount":"5"}
	]}`)

	// Act
	rr := serve(h, http.MethodPost, "/api/annotate", body)

	// Assert
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, "EUR", ann.gotQuote)

	var resp struct {
		Values      map[string]float64 `json:"values"`
		Annotations []struct {
			TxID    string `json:"txId"`
			Display string `json:"display"`
		} `json:"annotations"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.InDelta(t, 12, resp.Values["t1"], 1e-9)
	require.Zero(t, resp.Values["t2"])
	require.Len(t, resp.Annotations, 2)
	require.Equal(t, "12.00", resp.Annotations[0].Display)
	require.Equal(t, annotate.NotAvailable, resp.Annotations[1].Display)
}

func TestAnnotate_Rejects(t *testing.T) {
	t.Parallel()
	h, _, _ := newTestServer(t)

	tests := map[string]string{
		"invalid json":  `{"transactions":`,
		"unknown field": `{"txs":[]}`,
		"empty batch":   `{"transactions":[]}`,
		"no pricing":    `{"network":"testnet","transactions":[{"id":"a","amount":"1","asset":{"code":"XLM"}}]}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rr := serve(h, http.MethodPost, "/api/annotate", []byte(body))
			require.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
		})
	}
}

func TestCacheEndpoints(t *testing.T) {
	t.Parallel()
	h, prices, _ := newTestServer(t)

	require.Equal(t, http.StatusNoContent, serve(h, http.MethodDelete, "/api/cache?network=testnet", nil).Code)
	require.Equal(t, http.StatusNoContent, serve(h, http.MethodDelete, "/api/cache", nil).Code)
	require.Equal(t, http.StatusBadRequest, serve(h, http.MethodDelete, "/api/cache?network=nope", nil).Code)
	require.Equal(t, [][]asset.Network{{asset.Testnet}, nil}, prices.cleared)

	rr := serve(h, http.MethodGet, "/api/cache/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var stats cache.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	require.Equal(t, 3, stats.MemoryEntries)
	require.InDelta(t, 0.8, stats.HitRate, 1e-12)
}

func TestMiddlewareChain(t *testing.T) {
	t.Parallel()
	h, _, _ := newTestServer(t)

	t.Run("preflight", func(t *testing.T) {
		rr := serve(h, http.MethodOptions, "/api/price", nil)
		require.Equal(t, http.StatusNoContent, rr.Code)
		require.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("method not allowed", func(t *testing.T) {
		rr := serve(h, http.MethodPost, "/api/price", []byte(`{}`))
		require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})

	t.Run("gzip", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		r.Header.Set("Accept-Encoding", "gzip")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, r)
		require.Equal(t, "gzip", rr.Header().Get("Content-Encoding"))
	})

	t.Run("gzip skips bodiless status", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodDelete, "/api/cache", nil)
		r.Header.Set("Accept-Encoding", "gzip")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, r)
		require.Equal(t, http.StatusNoContent, rr.Code)
		require.Empty(t, rr.Header().Get("Content-Encoding"))
		require.Zero(t, rr.Body.Len())
	})

	t.Run("request id echoed or generated", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		r.Header.Set(httpx.RequestIDHeader, "abc-123")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, r)
		require.Equal(t, "abc-123", rr.Header().Get(httpx.RequestIDHeader))

		rr = serve(h, http.MethodGet, "/healthz", nil)
		_, err := uuid.Parse(rr.Header().Get(httpx.RequestIDHeader))
		require.NoError(t, err)
	})

	t.Run("metrics", func(t *testing.T) {
		rr := serve(h, http.MethodGet, "/metrics", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		require.False(t, strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json"))
	})

	t.Run("panic recovered", func(t *testing.T) {
		boom := recoverPanic(hclog.NewNullLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
		rr := httptest.NewRecorder()
		boom.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}
