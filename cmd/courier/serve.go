package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"courier/pkg/config"
	"courier/pkg/contacts"
	"courier/pkg/dispatch"
	"courier/pkg/keys"
	"courier/pkg/ledger"
	"courier/pkg/metrics"
	"courier/pkg/pubsub"
	"courier/pkg/server"
	"courier/pkg/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	pruneInterval   = time.Hour
	shutdownTimeout = 15 * time.Second
)

func serveCmd() *cobra.Command {
	var (
		listen  string
		admin   string
		baseURL string
		noPoll  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the federation endpoints",
		Long: `Serve the receive endpoints, the PubSubHubbub hub and subscriber
callbacks, /metrics and /health, plus the admin gRPC health service.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddress = listen
			}
			if admin != "" {
				cfg.AdminAddress = admin
			}
			if baseURL != "" {
				cfg.BaseURL = baseURL
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			store, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, store, !noPoll, logger)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&admin, "admin", "", "admin gRPC listen address (overrides config)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "public base URL of this server (overrides config)")
	cmd.Flags().BoolVar(&noPoll, "no-poll", false, "disable pulling feeds of contacts without a hub")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config, store *storage.Store, poll bool, logger *zap.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	keyResolver := keys.NewResolver(cfg, store,
		keys.WithHTTPClient(&http.Client{Timeout: cfg.KeyFetchTimeout}),
		keys.WithMetrics(m),
		keys.WithLogger(logger.Named("keys")))
	contactResolver := contacts.NewResolver(store, logger.Named("contacts"))
	guids := ledger.New(store, cfg.LedgerRetention, m, logger.Named("ledger"))

	dispatcher := dispatch.New(cfg, keyResolver, contactResolver, guids, store, m, logger.Named("dispatch"))
	hub := pubsub.NewHub(cfg, store, nil, m, logger.Named("hub"))
	subscriber := pubsub.NewSubscriber(cfg, store, nil, logger.Named("subscriber"))

	srv := server.New(cfg, server.Deps{
		Store:      store,
		Dispatcher: dispatcher,
		Hub:        hub,
		Subscriber: subscriber,
		Importer:   dispatcher,
		Gatherer:   registry,
	}, logger.Named("http"))
	adminSrv := server.NewAdmin(cfg.AdminAddress, store, logger.Named("admin"))
	if err := adminSrv.Listen(); err != nil {
		return err
	}

	logger.Info("Starting courier",
		zap.String("version", version),
		zap.String("base_url", cfg.BaseURL),
		zap.String("listen", cfg.ListenAddress),
		zap.String("admin", adminSrv.Addr()),
		zap.Any("protocols", cfg.EnabledProtocols))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(adminSrv.Serve)
	g.Go(func() error {
		guids.StartPruning(gctx, pruneInterval)
		return nil
	})
	g.Go(func() error {
		pruneLeasesLoop(gctx, store, logger)
		return nil
	})
	if poll {
		poller := pubsub.NewPoller(cfg, store, dispatcher, nil, m, logger.Named("poller"))
		g.Go(func() error {
			poller.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down courier")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		adminSrv.Stop()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// pruneLeasesLoop drops hub leases that ran out without renewal
func pruneLeasesLoop(ctx context.Context, store *storage.Store, logger *zap.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := store.PruneExpiredLeases(ctx, now)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("Lease prune failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				logger.Info("Pruned expired leases", zap.Int64("count", n))
			}
		}
	}
}
