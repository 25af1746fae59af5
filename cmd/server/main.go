package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fiatoracle/internal/app"
	"fiatoracle/internal/asset"
	"fiatoracle/internal/config"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		hclog.Default().Error("config", "err", err)
		os.Exit(1)
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "fiatoracle",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	a, err := app.New(startCtx, cfg, app.Options{Logger: logger, Registry: reg})
	cancelStart()
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	timeout := time.Duration(cfg.Server.RequestTimeoutSec) * time.Second
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           newHandler(newAPI(a, timeout, logger), reg, cfg.Metrics.Enabled, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5*timeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr, "networks", a.Prices.Networks())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server", "err", err)
			os.Exit(1)
		}
	}()

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "err", err)
	}
}

func newAPI(a *app.App, timeout time.Duration, logger hclog.Logger) *api {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &api{
		prices: a.Prices,
		rates: func(n asset.Network) (rateService, error) {
			h, err := a.Rates(n)
			if err != nil {
				return nil, err
			}
			return h, nil
		},
		annotators: func(n asset.Network) (fiatAnnotator, error) {
			ann, err := a.Annotator(n)
			if err != nil {
				return nil, err
			}
			return ann, nil
		},
		timeout: timeout,
		logger:  logger.Named("api"),
	}
}

// newHandler mounts /metrics outside the JSON and gzip chain since promhttp
// negotiates its own encoding.
func newHandler(a *api, reg *prometheus.Registry, metrics bool, logger hclog.Logger) http.Handler {
	root := http.NewServeMux()
	if metrics {
		root.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	root.Handle("/", withJSONHeaders(withGzip(traceRequests(logger, recoverPanic(logger, limitBody(a.routes()))))))
	return root
}
