// Package annotate assigns fiat values to a batch of transactions.
package annotate

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shopspring/decimal"

	"fiatoracle/internal/asset"
)

// NotAvailable is how an unresolved value is shown to users.
const NotAvailable = "N/A"

// Prices is the live pricing surface used for non-native assets and the
// batch FX multiplier. *pricing.Engine implements it.
type Prices interface {
	GetPrice(ctx context.Context, a asset.Asset, quote string) (float64, error)
	FXMultiplier(ctx context.Context, target string) (float64, error)
	IsNative(a asset.Asset) bool
	ReportingCurrency() string
}

// Rates is the historical day-rate surface for the native asset.
// *history.Service implements it.
type Rates interface {
	PrimeRange(ctx context.Context, start, end time.Time) error
	GetRateForDate(ctx context.Context, date time.Time) (float64, error)
}

// Annotation is the fiat valuation of one transaction.
type Annotation struct {
	TxID         string          `json:"txId"`
	Amount       decimal.Decimal `json:"amount"`
	PriceUSD     float64         `json:"priceUsd"`
	FXMultiplier float64         `json:"fxMultiplier"`
	Fiat         float64         `json:"fiat"`
	Resolved     bool            `json:"resolved"`
}

// Display renders the fiat value with two decimals, or N/A.
func (a Annotation) Display() string {
	if !a.Resolved {
		return NotAvailable
	}
	return decimal.NewFromFloat(a.Fiat).StringFixed(2)
}

// Annotator values transactions for one network.
type Annotator struct {
	prices Prices
	rates  Rates
	clock  func() time.Time
	logger hclog.Logger
}

// Option configures an Annotator.
type Option func(*Annotator)

func WithClock(now func() time.Time) Option {
	return func(a *Annotator) { a.clock = now }
}

func WithLogger(l hclog.Logger) Option {
	return func(a *Annotator) { a.logger = l }
}

func New(prices Prices, rates Rates, opts ...Option) *Annotator {
	a := &Annotator{
		prices: prices,
		rates:  rates,
		clock:  time.Now,
		logger: hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("annotate")
	return a
}

// AnnotateFiatValues returns transaction ID to fiat amount in quote.
// Unresolvable transactions map to 0.
func (a *Annotator) AnnotateFiatValues(ctx context.Context, txs []asset.NormalizedTransaction, quote string) map[string]float64 {
	out := make(map[string]float64, len(txs))
	for _, ann := range a.Annotate(ctx, txs, quote) {
		out[ann.TxID] = ann.Fiat
	}
	return out
}

type batchPrice struct {
	price float64
	ok    bool
}

// Annotate values txs in order. History priming and the FX multiplier are
// resolved once up front; transactions are then converted one at a time so
// the shared rate limiter is not flooded.
func (a *Annotator) Annotate(ctx context.Context, txs []asset.NormalizedTransaction, quote string) []Annotation {
	if len(txs) == 0 {
		return nil
	}
	quote = strings.ToUpper(strings.TrimSpace(quote))

	earliest := txs[0].Timestamp
	for _, tx := range txs[1:] {
		if tx.Timestamp.Before(earliest) {
			earliest = tx.Timestamp
		}
	}
	if err := a.rates.PrimeRange(ctx, earliest, a.clock()); err != nil {
		a.logger.Warn("priming history failed", "from", asset.DayKey(earliest), "err", err)
	}

	fx := a.fxMultiplier(ctx, quote)
	fxDec := decimal.NewFromFloat(fx)
	reporting := a.prices.ReportingCurrency()
	prices := map[string]batchPrice{}

	out := make([]Annotation, 0, len(txs))
	for _, tx := range txs {
		ann := Annotation{TxID: tx.ID, FXMultiplier: fx}

		amount, err := decimal.NewFromString(strings.TrimSpace(tx.Amount))
		if err != nil {
			a.logger.Warn("unparseable amount", "tx", tx.ID, "amount", tx.Amount)
			out = append(out, ann)
			continue
		}
		ann.Amount = amount

		var price float64
		var ok bool
		if a.prices.IsNative(tx.Asset) {
			price, err = a.rates.GetRateForDate(ctx, tx.Timestamp)
			ok = err == nil && price > 0
			if !ok {
				a.logger.Warn("no historical rate", "tx", tx.ID, "date", asset.DayKey(tx.Timestamp), "err", err)
			}
		} else {
			key := tx.Asset.String()
			bp, cached := prices[key]
			if !cached {
				p, err := a.prices.GetPrice(ctx, tx.Asset, reporting)
				bp = batchPrice{price: p, ok: err == nil && p > 0}
				if err != nil {
					a.logger.Warn("no live price", "tx", tx.ID, "asset", key, "err", err)
				}
				prices[key] = bp
			}
			price, ok = bp.price, bp.ok
		}
		if !ok {
			out = append(out, ann)
			continue
		}

		ann.PriceUSD = price
		ann.Fiat = amount.Mul(decimal.NewFromFloat(price)).Mul(fxDec).InexactFloat64()
		ann.Resolved = true
		out = append(out, ann)
	}
	return out
}

func (a *Annotator) fxMultiplier(ctx context.Context, quote string) float64 {
	if quote == "" || quote == a.prices.ReportingCurrency() {
		return 1
	}
	m, err := a.prices.FXMultiplier(ctx, quote)
	if err != nil || m <= 0 {
		a.logger.Warn("fx multiplier unavailable, reporting in base currency", "quote", quote, "err", err)
		return 1
	}
	return m
}
