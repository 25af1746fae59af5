package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/shopspring/decimal"

	"fiatoracle/internal/annotate"
	"fiatoracle/internal/asset"
	"fiatoracle/internal/cache"
	"fiatoracle/internal/history"
	"fiatoracle/internal/httpx"
)

const maxAssets = 200

type priceService interface {
	GetPrice(ctx context.Context, a asset.Asset, quote string, network asset.Network) (float64, error)
	GetPrices(ctx context.Context, assets []asset.Asset, quote string, network asset.Network) (map[string]float64, error)
	ClearPriceCache(networks ...asset.Network)
	CacheStats() (cache.Stats, error)
}

type rateService interface {
	GetRateForDate(ctx context.Context, date time.Time) (float64, error)
	GetCurrentRate(ctx context.Context) (float64, error)
}

type fiatAnnotator interface {
	Annotate(ctx context.Context, txs []asset.NormalizedTransaction, quote string) []annotate.Annotation
}

type api struct {
	prices     priceService
	rates      func(asset.Network) (rateService, error)
	annotators func(asset.Network) (fiatAnnotator, error)
	timeout    time.Duration
	logger     hclog.Logger
}

func (a *api) routes() *mux.Router {
	r := mux.NewRouter().StrictSlash(true)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)

	s := r.PathPrefix("/api").Subrouter()
	s.HandleFunc("/price", a.handlePrice).Methods(http.MethodGet)
	s.HandleFunc("/prices", a.handlePrices).Methods(http.MethodGet)
	s.HandleFunc("/rate", a.handleRate).Methods(http.MethodGet)
	s.HandleFunc("/annotate", a.handleAnnotate).Methods(http.MethodPost)
	s.HandleFunc("/cache", a.handleClearCache).Methods(http.MethodDelete)
	s.HandleFunc("/cache/stats", a.handleCacheStats).Methods(http.MethodGet)
	return r
}

type priceResponse struct {
	Asset   string   `json:"asset"`
	Quote   string   `json:"quote"`
	Network string   `json:"network"`
	Price   *float64 `json:"price"`
	Display string   `json:"display"`
	Error   string   `json:"error,omitempty"`
}

func (a *api) handlePrice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	network, err := asset.ParseNetwork(q.Get("network"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	as, err := asset.ParseAsset(q.Get("asset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	quote := quoteParam(q.Get("quote"))

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()

	resp := priceResponse{Asset: as.String(), Quote: quote, Network: network.String(), Display: annotate.NotAvailable}
	p, err := a.prices.GetPrice(ctx, as, quote, network)
	if err != nil {
		a.logger.Debug("price unresolved", "asset", as, "quote", quote, "network", network,
			"request_id", httpx.RequestID(r.Context()), "err", err)
		resp.Error = err.Error()
	} else {
		resp.Price = &p
		resp.Display = decimal.NewFromFloat(p).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

type pricesResponse struct {
	Quote   string             `json:"quote"`
	Network string             `json:"network"`
	Prices  map[string]float64 `json:"prices"`
	Display map[string]string  `json:"display"`
}

func (a *api) handlePrices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	network, err := asset.ParseNetwork(q.Get("network"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	codes := splitCSV(q.Get("assets"))
	if len(codes) == 0 {
		writeError(w, http.StatusBadRequest, "missing assets query param")
		return
	}
	if len(codes) > maxAssets {
		writeError(w, http.StatusBadRequest, "too many assets")
		return
	}
	assets := make([]asset.Asset, 0, len(codes))
	for _, c := range codes {
		as, err := asset.ParseAsset(c)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		assets = append(assets, as)
	}
	quote := quoteParam(q.Get("quote"))

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()

	prices, err := a.prices.GetPrices(ctx, assets, quote, network)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	display := make(map[string]string, len(prices))
	for k, p := range prices {
		if p == 0 {
			display[k] = annotate.NotAvailable
			continue
		}
		display[k] = decimal.NewFromFloat(p).String()
	}
	writeJSON(w, http.StatusOK, pricesResponse{Quote: quote, Network: network.String(), Prices: prices, Display: display})
}

type rateResponse struct {
	Network string  `json:"network"`
	Date    string  `json:"date"`
	Rate    float64 `json:"rate"`
}

func (a *api) handleRate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	network, err := asset.ParseNetwork(q.Get("network"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	svc, err := a.rates(network)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()

	var rate float64
	date := strings.TrimSpace(q.Get("date"))
	if date == "" {
		date = asset.DayKey(time.Now())
		rate, err = svc.GetCurrentRate(ctx)
	} else {
		d, perr := time.Parse(time.DateOnly, date)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		rate, err = svc.GetRateForDate(ctx, d)
	}
	if errors.Is(err, history.ErrNoHistory) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rateResponse{Network: network.String(), Date: date, Rate: rate})
}

type annotateRequest struct {
	Network      string                        `json:"network"`
	Quote        string                        `json:"quote"`
	Transactions []asset.NormalizedTransaction `json:"transactions"`
}

type annotationView struct {
	annotate.Annotation
	Display string `json:"display"`
}

type annotateResponse struct {
	Quote       string             `json:"quote"`
	Values      map[string]float64 `json:"values"`
	Annotations []annotationView   `json:"annotations"`
}

func (a *api) handleAnnotate(w http.ResponseWriter, r *http.Request) {
	var body annotateRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	network, err := asset.ParseNetwork(body.Network)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body.Transactions) == 0 {
		writeError(w, http.StatusBadRequest, "transactions cannot be empty")
		return
	}
	ann, err := a.annotators(network)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	quote := quoteParam(body.Quote)

	// priming history can take several rate-limited fetches
	ctx, cancel := context.WithTimeout(r.Context(), 4*a.timeout)
	defer cancel()

	anns := ann.Annotate(ctx, body.Transactions, quote)
	resp := annotateResponse{Quote: quote, Values: make(map[string]float64, len(anns)), Annotations: make([]annotationView, 0, len(anns))}
	for _, an := range anns {
		resp.Values[an.TxID] = an.Fiat
		resp.Annotations = append(resp.Annotations, annotationView{Annotation: an, Display: an.Display()})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if n := r.URL.Query().Get("network"); n != "" {
		network, err := asset.ParseNetwork(n)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.prices.ClearPriceCache(network)
	} else {
		a.prices.ClearPriceCache()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	stats, err := a.prices.CacheStats()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func quoteParam(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return "USD"
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
