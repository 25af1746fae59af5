package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"fiatoracle/internal/annotate"
	"fiatoracle/internal/app"
	"fiatoracle/internal/asset"
)

func formatPrice(p float64, err error) string {
	if err != nil || p == 0 {
		return annotate.NotAvailable
	}
	return decimal.NewFromFloat(p).String()
}

func newPriceCommand(p *rootParams) *cobra.Command {
	return &cobra.Command{
		Use:   "price ASSET",
		Short: "prints the current price of an asset (CODE or CODE:ISSUER)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			network, err := asset.ParseNetwork(p.network)
			if err != nil {
				return err
			}
			a, err := asset.ParseAsset(args[0])
			if err != nil {
				return err
			}
			return p.withApp(cmd, func(ctx context.Context, ap *app.App) error {
				price, err := ap.Prices.GetPrice(ctx, a, p.quote, network)
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s/%s %s\n", a, strings.ToUpper(p.quote), formatPrice(price, err))
				return nil
			})
		},
	}
}

func newPricesCommand(p *rootParams) *cobra.Command {
	return &cobra.Command{
		Use:   "prices ASSET...",
		Short: "prints current prices for several assets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			network, err := asset.ParseNetwork(p.network)
			if err != nil {
				return err
			}
			assets := make([]asset.Asset, 0, len(args))
			for _, s := range args {
				a, err := asset.ParseAsset(s)
				if err != nil {
					return err
				}
				assets = append(assets, a)
			}
			return p.withApp(cmd, func(ctx context.Context, ap *app.App) error {
				prices, err := ap.Prices.GetPrices(ctx, assets, p.quote, network)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, a := range assets {
					_, _ = fmt.Fprintf(tw, "%s\t%s\n", a, formatPrice(prices[a.String()], nil))
				}
				return tw.Flush()
			})
		},
	}
}

func newRateCommand(p *rootParams) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "rate",
		Short: "prints the historical native rate for a day, or the current rate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			network, err := asset.ParseNetwork(p.network)
			if err != nil {
				return err
			}
			var day time.Time
			if date != "" {
				if day, err = time.Parse(time.DateOnly, date); err != nil {
					return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
				}
			}
			return p.withApp(cmd, func(ctx context.Context, ap *app.App) error {
				svc, err := ap.Rates(network)
				if err != nil {
					return err
				}
				var rate float64
				if day.IsZero() {
					day = time.Now()
					rate, err = svc.GetCurrentRate(ctx)
				} else {
					rate, err = svc.GetRateForDate(ctx, day)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", asset.DayKey(day), formatPrice(rate, err))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "UTC day as YYYY-MM-DD; empty for the current rate")
	return cmd
}

func newAnnotateCommand(p *rootParams) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "annotate FILE",
		Short: "values a JSON array of transactions; FILE may be - for stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			network, err := asset.ParseNetwork(p.network)
			if err != nil {
				return err
			}
			txs, err := readTransactions(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			return p.withApp(cmd, func(ctx context.Context, ap *app.App) error {
				ann, err := ap.Annotator(network)
				if err != nil {
					return err
				}
				anns := ann.Annotate(ctx, txs, strings.ToUpper(p.quote))
				if asJSON {
					out := make(map[string]float64, len(anns))
					for _, a := range anns {
						out[a.TxID] = a.Fiat
					}
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(out)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintf(tw, "TX\tAMOUNT\t%s\n", strings.ToUpper(p.quote))
				for _, a := range anns {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", a.TxID, a.Amount, a.Display())
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the id to value map as JSON")
	return cmd
}

func newCacheStatsCommand(p *rootParams) *cobra.Command {
	return &cobra.Command{
		Use:   "cache-stats",
		Short: "prints price cache statistics across networks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return p.withApp(cmd, func(_ context.Context, ap *app.App) error {
				stats, err := ap.Prices.CacheStats()
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			})
		},
	}
}

func readTransactions(stdin io.Reader, path string) ([]asset.NormalizedTransaction, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var txs []asset.NormalizedTransaction
	if err := json.NewDecoder(r).Decode(&txs); err != nil {
		return nil, fmt.Errorf("decode transactions: %w", err)
	}
	if len(txs) == 0 {
		return nil, errors.New("no transactions in input")
	}
	return txs, nil
}
