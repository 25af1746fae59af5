// Package oracle reads last prices from on-chain oracle contracts through a
// read-only call simulator.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"fiatoracle/internal/asset"
	"fiatoracle/internal/metrics"
)

// MethodLastPrice is the contract method every oracle source exposes.
const MethodLastPrice = "lastprice"

var (
	// ErrNotFound is terminal: the source has no price for the pair.
	ErrNotFound = errors.New("oracle: price not found")
	// ErrTransient marks network or node failures worth retrying.
	ErrTransient = errors.New("oracle: transient failure")
	// ErrInvalidResponse marks a result that could not be decoded.
	ErrInvalidResponse = errors.New("oracle: invalid response")
	// ErrNoContract means no contract is configured for the source.
	ErrNoContract = errors.New("oracle: source not configured")
)

// Simulator performs a read-only contract call and returns the decoded
// contract value.
//
//go:generate mockgen -package=oracle_test -destination=mock_simulator_test.go -source=oracle.go Simulator Limiter
type Simulator interface {
	SimulateCall(ctx context.Context, contract, method string, args ...any) (Value, error)
}

// Limiter gates every outbound call.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Contract binds a source to its address and fixed-point precision.
type Contract struct {
	Address  string `json:"address" yaml:"address"`
	Decimals int32  `json:"decimals" yaml:"decimals"`
}

// CallError is the terminal error of ReadLastPrice.
type CallError struct {
	Network asset.Network
	Source  asset.Source
	Base    string
	Quote   string
	Err     error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("oracle %s/%s %s/%s: %v", e.Network, e.Source, e.Base, e.Quote, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Kind classifies err for logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidResponse):
		return "invalid_response"
	case errors.Is(err, ErrNoContract):
		return "no_contract"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "transient"
	}
}

// Client reads prices for one network.
type Client struct {
	network     asset.Network
	sim         Simulator
	contracts   map[asset.Source]Contract
	limiter     Limiter
	maxRetries  uint64
	baseBackoff time.Duration
	logger      hclog.Logger
	metrics     *metrics.Metrics
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLimiter gates every attempt, retries included.
func WithLimiter(l Limiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

// WithRetry sets the retry bound and the first backoff; each retry doubles it.
func WithRetry(maxRetries uint64, base time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.baseBackoff = base
	}
}

func WithLogger(l hclog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

func NewClient(network asset.Network, sim Simulator, contracts map[asset.Source]Contract, opts ...ClientOption) *Client {
	c := &Client{
		network:     network,
		sim:         sim,
		contracts:   contracts,
		maxRetries:  3,
		baseBackoff: 250 * time.Millisecond,
		logger:      hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseBackoff <= 0 {
		c.baseBackoff = time.Millisecond
	}
	return c
}

// Network returns the network this client reads from.
func (c *Client) Network() asset.Network { return c.network }

// ReadLastPrice returns the latest base/quote price reported by source.
// Transient and decode failures are retried with exponential backoff; a
// not-found answer is returned immediately.
func (c *Client) ReadLastPrice(ctx context.Context, base, quote string, source asset.Source) (decimal.Decimal, error) {
	contract, ok := c.contracts[source]
	if !ok || contract.Address == "" {
		return decimal.Decimal{}, c.fail(source, base, quote, ErrNoContract)
	}

	var price decimal.Decimal
	attempt := 0
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewExponential(c.baseBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if c.limiter != nil {
			if err := c.limiter.Acquire(ctx); err != nil {
				return err
			}
		}
		c.metrics.OracleCall(c.network.String(), source.String())

		v, err := c.sim.SimulateCall(ctx, contract.Address, MethodLastPrice, base, quote)
		if err != nil {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNoContract) || ctx.Err() != nil {
				return err
			}
			if errors.Is(err, ErrInvalidResponse) {
				return retry.RetryableError(err)
			}
			c.logger.Debug("oracle call failed", "source", source, "base", base, "quote", quote, "attempt", attempt, "err", err)
			return retry.RetryableError(fmt.Errorf("%w: %w", ErrTransient, err))
		}

		p, err := Decode(v, contract.Decimals)
		if errors.Is(err, ErrInvalidResponse) {
			c.logger.Debug("oracle decode failed", "source", source, "base", base, "quote", quote, "attempt", attempt, "err", err)
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		price = p
		return nil
	})
	if err != nil {
		return decimal.Decimal{}, c.fail(source, base, quote, err)
	}
	return price, nil
}

func (c *Client) fail(source asset.Source, base, quote string, err error) error {
	c.metrics.OracleFailure(c.network.String(), source.String(), Kind(err))
	return &CallError{Network: c.network, Source: source, Base: base, Quote: quote, Err: err}
}

// ValueKind tags the shape of a contract result.
type ValueKind int

const (
	// KindNone is an empty result: the oracle has no record.
	KindNone ValueKind = iota
	// KindInt is a bare scaled integer.
	KindInt
	// KindPriceData is a scaled integer with the observation timestamp.
	KindPriceData
	// KindError is a contract-level error code.
	KindError
)

// Value is a decoded contract return.
type Value struct {
	Kind      ValueKind
	Int       *big.Int
	Timestamp uint64
	Error     string
}

// Decode converts v into a price using the source's fixed-point precision.
func Decode(v Value, decimals int32) (decimal.Decimal, error) {
	switch v.Kind {
	case KindNone:
		return decimal.Decimal{}, ErrNotFound
	case KindError:
		return decimal.Decimal{}, fmt.Errorf("%w: contract error %q", ErrNotFound, v.Error)
	case KindInt, KindPriceData:
		if v.Int == nil {
			return decimal.Decimal{}, fmt.Errorf("%w: missing integer", ErrInvalidResponse)
		}
		if v.Int.Sign() <= 0 {
			return decimal.Decimal{}, fmt.Errorf("%w: non-positive price %s", ErrNotFound, v.Int)
		}
		if decimals < 0 {
			return decimal.Decimal{}, fmt.Errorf("%w: negative precision %d", ErrInvalidResponse, decimals)
		}
		return decimal.NewFromBigInt(v.Int, -decimals), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("%w: unknown result kind %d", ErrInvalidResponse, v.Kind)
	}
}
