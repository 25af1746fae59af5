// Package asset holds the identities shared by the pricing, history and
// annotation layers: networks, assets, oracle sources and transactions.
package asset

import (
	"fmt"
	"strings"
	"time"
)

// Network selects an isolated set of caches, limiters and oracle contracts.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// ParseNetwork accepts the common spellings of a network name.
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mainnet", "main", "public", "pubnet":
		return Mainnet, nil
	case "testnet", "test":
		return Testnet, nil
	default:
		return "", fmt.Errorf("unknown network %q", s)
	}
}

func (n Network) String() string { return string(n) }

// Asset identifies a tradable asset. The venue-native asset has no issuer.
type Asset struct {
	Code   string `json:"code"`
	Issuer string `json:"issuer,omitempty"`
}

// Native builds the issuer-less asset for code.
func Native(code string) Asset { return Asset{Code: strings.ToUpper(code)} }

// ParseAsset reads "CODE" or "CODE:ISSUER".
func ParseAsset(s string) (Asset, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Asset{}, fmt.Errorf("empty asset")
	}
	code, issuer, _ := strings.Cut(s, ":")
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return Asset{}, fmt.Errorf("asset %q: missing code", s)
	}
	return Asset{Code: code, Issuer: strings.TrimSpace(issuer)}, nil
}

// IsNative reports whether a has no issuer.
func (a Asset) IsNative() bool { return a.Issuer == "" }

func (a Asset) String() string {
	if a.Issuer == "" {
		return a.Code
	}
	return a.Code + ":" + a.Issuer
}

// Source is an oracle contract family.
type Source int

const (
	CexDex Source = iota
	VenueNative
	Forex
)

func (s Source) String() string {
	switch s {
	case CexDex:
		return "CEX_DEX"
	case VenueNative:
		return "VENUE_NATIVE"
	case Forex:
		return "FOREX"
	default:
		return "UNKNOWN"
	}
}

// ParseSource reads a source name as printed by Source.String.
func ParseSource(s string) (Source, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CEX_DEX":
		return CexDex, nil
	case "VENUE_NATIVE":
		return VenueNative, nil
	case "FOREX":
		return Forex, nil
	default:
		return 0, fmt.Errorf("unknown oracle source %q", s)
	}
}

// PriceQuoteKey addresses a cached price. Mainnet and testnet keys never collide.
type PriceQuoteKey struct {
	Network Network
	Base    string
	Quote   string
}

func (k PriceQuoteKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Network, k.Base, strings.ToUpper(k.Quote))
}

// Direction of a transaction relative to the account being valued.
type Direction string

const (
	Incoming Direction = "in"
	Outgoing Direction = "out"
)

// NormalizedTransaction is the read-only input to fiat annotation.
type NormalizedTransaction struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Asset     Asset     `json:"asset"`
	Direction Direction `json:"direction"`
	Amount    string    `json:"amount"`
}

// DayKey formats t as the UTC calendar day used by the historical rate table.
func DayKey(t time.Time) string { return t.UTC().Format(time.DateOnly) }
