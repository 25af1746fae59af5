// Package ohlc fetches daily candle closes from a Kraken-compatible OHLC
// endpoint.
package ohlc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"fiatoracle/internal/httpx"
)

const (
	defaultBaseURL = "https://api.kraken.com"
	// dailyInterval is the candle width in minutes.
	dailyInterval = 1440
)

// ErrUnknownPair is returned when the endpoint does not list the pair.
var ErrUnknownPair = errors.New("ohlc: unknown pair")

// HTTPClient describes an HTTP client.
//
//go:generate mockgen -package=ohlc_test -destination=mock_http_client_test.go -source=client.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Close is one daily closing price.
type Close struct {
	Day   time.Time
	Close float64
}

// Client queries daily OHLC candles.
type Client struct {
	// baseURL is the base URL for the API.
	baseURL string
	// httpClient performs the requests.
	httpClient HTTPClient
	// header contains additional headers to be sent with each request.
	header http.Header
}

// ClientOption is a configuration option for the OHLC client.
type ClientOption func(*Client)

// WithBaseURL sets the base URL for the API.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient sets the HTTP client for the API.
func WithHTTPClient(httpClient HTTPClient) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithHeader sets additional headers to be sent with each request.
func WithHeader(header http.Header) ClientOption {
	return func(c *Client) {
		for key, values := range header {
			for _, value := range values {
				c.header.Add(key, value)
			}
		}
	}
}

func NewClient(options ...ClientOption) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: httpx.New(15 * time.Second),
		header:     http.Header{},
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// FetchDailyCloses returns daily closes since the given time, trying each
// pair symbol in order until one is recognised. Closes are sorted by day.
func (c *Client) FetchDailyCloses(ctx context.Context, pairs []string, since time.Time) ([]Close, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no pair symbols configured")
	}
	var errs []error
	for _, pair := range pairs {
		closes, err := c.fetchPair(ctx, pair, since)
		if err == nil {
			return closes, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", pair, err))
	}
	return nil, errors.Join(errs...)
}

func (c *Client) fetchPair(ctx context.Context, pair string, since time.Time) ([]Close, error) {
	query := url.Values{}
	query.Set("pair", pair)
	query.Set("interval", strconv.Itoa(dailyInterval))
	if !since.IsZero() {
		query.Set("since", strconv.FormatInt(since.Unix(), 10))
	}

	u := fmt.Sprintf("%s/0/public/OHLC?%s", c.baseURL, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header = c.header.Clone()

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("rate limited")
	default:
		return nil, fmt.Errorf("unexpected status code: %d", res.StatusCode)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return parseCloses(body)
}

// parseCloses reads
//
//	{"error":[],"result":{"XXLMZUSD":[[1704067200,"0.1","0.2","0.09","0.12",...]],"last":1704067200}}
//
// The result key is the exchange's canonical pair name, which may differ
// from the requested symbol.
func parseCloses(body []byte) ([]Close, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("decoding response: invalid json")
	}
	doc := gjson.ParseBytes(body)

	if apiErrs := doc.Get("error").Array(); len(apiErrs) > 0 {
		msgs := make([]string, 0, len(apiErrs))
		for _, e := range apiErrs {
			msgs = append(msgs, e.String())
		}
		msg := strings.Join(msgs, "; ")
		if strings.Contains(msg, "Unknown asset pair") {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPair, msg)
		}
		return nil, fmt.Errorf("api error: %s", msg)
	}

	var series gjson.Result
	doc.Get("result").ForEach(func(key, value gjson.Result) bool {
		if key.String() == "last" || !value.IsArray() {
			return true
		}
		series = value
		return false
	})
	if !series.Exists() {
		return nil, fmt.Errorf("%w: empty result", ErrUnknownPair)
	}

	var closes []Close
	for _, candle := range series.Array() {
		fields := candle.Array()
		if len(fields) < 5 {
			return nil, fmt.Errorf("decoding candle: %d fields", len(fields))
		}
		price := fields[4].Float()
		if price <= 0 {
			continue
		}
		closes = append(closes, Close{
			Day:   time.Unix(fields[0].Int(), 0).UTC(),
			Close: price,
		})
	}
	sort.Slice(closes, func(i, j int) bool { return closes[i].Day.Before(closes[j].Day) })
	return closes, nil
}
