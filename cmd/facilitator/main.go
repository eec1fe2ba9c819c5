// Command facilitator runs the x402 payment facilitator HTTP service.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	x402 "github.com/vitwit/x402-registry"
	"github.com/vitwit/x402-registry/config"
	"github.com/vitwit/x402-registry/logger"
	"github.com/vitwit/x402-registry/metrics"
	"github.com/vitwit/x402-registry/registry"
	"github.com/vitwit/x402-registry/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "facilitator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.NewZapLogger(cfg.LogLevel)
	defer logger.Sync(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	var metricsHandler http.Handler
	if cfg.EnableMetrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		prom, err := metrics.NewPrometheusRecorder(reg)
		if err != nil {
			return err
		}
		recorder = prom
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	store, closeStore, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer closeStore()

	reg, err := registry.New(ctx, store, cfg.AdminAddress,
		registry.WithLogger(logger.WithFields(log, map[string]any{"component": "registry"})),
		registry.WithMetrics(recorder),
	)
	if err != nil {
		return err
	}

	facilitator := cfg.FacilitatorAddress
	if facilitator == (common.Address{}) {
		facilitator = cfg.AdminAddress
	}
	if err := reg.GrantFacilitator(ctx, cfg.AdminAddress, facilitator); err != nil {
		return err
	}

	opts := []x402.Option{x402.WithLogger(log), x402.WithMetrics(recorder)}
	if cfg.ProxyRegistryAddress != (common.Address{}) {
		opts = append(opts, x402.WithOriginDirectory(cfg.ProxyRegistryAddress))
	}
	x, err := x402.New(reg, facilitator, cfg.X402Config(), opts...)
	if err != nil {
		return err
	}
	defer x.Close()

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(x,
		server.WithLogger(logger.WithFields(log, map[string]any{"component": "http"})),
		server.WithMetricsHandler(metricsHandler),
		server.WithRequestTimeout(cfg.ConfirmTimeout*3),
	)
	router := srv.Handler()

	if cfg.PricingFile != "" {
		if err := mountPricedResources(ctx, router, reg, cfg, x, log); err != nil {
			return err
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("facilitator listening", map[string]any{
			"addr":        cfg.ListenAddr,
			"homeNetwork": cfg.HomeNetwork,
			"networks":    cfg.Networks(),
			"facilitator": facilitator.Hex(),
		})
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down", nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// openStore picks the SQL store when a database URL is configured.
func openStore(ctx context.Context, databaseURL string) (registry.Store, func(), error) {
	if databaseURL == "" {
		return registry.NewMemoryStore(), func() {}, nil
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to reach database: %w", err)
	}

	store := registry.NewSQLStore(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() { db.Close() }, nil
}

// mountPricedResources publishes the price list in the registry and serves each
// priced path behind the payment middleware.
func mountPricedResources(ctx context.Context, r *gin.Engine, reg *registry.Registry, cfg *config.Config, f server.Facilitator, log logger.Logger) error {
	pricing, err := config.LoadPricing(cfg.PricingFile)
	if err != nil {
		return err
	}

	if err := reg.RegisterResourceOwner(ctx, cfg.AdminAddress, pricing.Owner()); err != nil {
		return err
	}

	paid := server.PaymentMiddleware(pricing, f,
		server.WithMiddlewareLogger(log),
		server.WithSettleTimeout(cfg.ConfirmTimeout*3),
	)

	for _, path := range pricing.Paths() {
		req, err := pricing.Requirement(path)
		if err != nil {
			return err
		}
		if _, err := reg.CreatePaymentRequirement(ctx, pricing.Owner(), *req); err != nil {
			return err
		}

		resource := path
		r.GET(resource, paid, func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"resource": resource,
				"payment":  c.MustGet(server.SettlementKey),
			})
		})
	}
	return nil
}
