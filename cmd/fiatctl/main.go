// Command fiatctl queries prices and historical rates and values transaction
// batches from the command line.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"fiatoracle/internal/app"
	"fiatoracle/internal/config"
)

const (
	configFlag  = "config"
	networkFlag = "network"
	quoteFlag   = "quote"
	verboseFlag = "verbose"

	configFlagDesc  = "path to a JSON or YAML config file"
	networkFlagDesc = "network to query (mainnet or testnet)"
	quoteFlagDesc   = "currency to quote values in"
	verboseFlagDesc = "log at debug level to stderr"
)

// opener builds the service graph. Tests swap it for one without network access.
type opener func(ctx context.Context, cfg config.Config, logger hclog.Logger) (*app.App, error)

func openApp(ctx context.Context, cfg config.Config, logger hclog.Logger) (*app.App, error) {
	return app.New(ctx, cfg, app.Options{Logger: logger})
}

type rootParams struct {
	configPath string
	network    string
	quote      string
	verbose    bool

	open opener
}

func (p *rootParams) setFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&p.configPath, configFlag, os.Getenv("CONFIG_FILE"), configFlagDesc)
	cmd.PersistentFlags().StringVar(&p.network, networkFlag, "mainnet", networkFlagDesc)
	cmd.PersistentFlags().StringVar(&p.quote, quoteFlag, "USD", quoteFlagDesc)
	cmd.PersistentFlags().BoolVarP(&p.verbose, verboseFlag, "v", false, verboseFlagDesc)
}

// withApp loads config, builds the app and runs fn against it.
func (p *rootParams) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(p.configPath)
	if err != nil {
		return err
	}
	level := hclog.Warn
	if p.verbose {
		level = hclog.Debug
	}
	logger := hclog.New(&hclog.LoggerOptions{Name: "fiatctl", Level: level, Output: cmd.ErrOrStderr()})

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := p.open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newRootCommand(open opener) *cobra.Command {
	params := &rootParams{open: open}
	cmd := &cobra.Command{
		Use:           "fiatctl",
		Short:         "fiat prices and transaction valuation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	params.setFlags(cmd)
	cmd.AddCommand(
		newPriceCommand(params),
		newPricesCommand(params),
		newRateCommand(params),
		newAnnotateCommand(params),
		newCacheStatsCommand(params),
	)
	return cmd
}

func main() {
	_ = godotenv.Load()

	if err := newRootCommand(openApp).Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)

		os.Exit(1)
	}
}
