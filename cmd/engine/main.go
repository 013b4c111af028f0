package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/polkatrace/graph-engine/internal/api"
	"github.com/polkatrace/graph-engine/internal/collector"
	"github.com/polkatrace/graph-engine/internal/config"
	"github.com/polkatrace/graph-engine/internal/db"
	"github.com/polkatrace/graph-engine/internal/graph"
	"github.com/polkatrace/graph-engine/internal/guard"
	"github.com/polkatrace/graph-engine/internal/logging"
	"github.com/polkatrace/graph-engine/internal/metrics"
	"github.com/polkatrace/graph-engine/internal/notify"
	"github.com/polkatrace/graph-engine/internal/quota"
	"github.com/polkatrace/graph-engine/internal/security"
	"github.com/polkatrace/graph-engine/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("fatal: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogJSON)
	log.Info().Str("port", cfg.Port).Bool("offline", cfg.SkipUpstream).Msg("starting graph engine")

	met := metrics.New()

	store, err := db.Open(cfg.DBPath, log)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("cannot open database")
	}
	defer store.Close()
	if err := store.InitSchema(); err != nil {
		log.Fatal().Err(err).Msg("schema init failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var client *upstream.Client
	if !cfg.SkipUpstream {
		client = upstream.NewClient(upstream.Config{
			Endpoint:         cfg.UpstreamEndpoint,
			APIKey:           cfg.UpstreamAPIKey,
			RatePerSec:       int64(cfg.UpstreamRatePerSec),
			Burst:            int64(cfg.UpstreamBurst),
			FailureThreshold: cfg.BreakerFailures,
			RecoveryTimeout:  time.Duration(cfg.BreakerRecoveryMS) * time.Millisecond,
			QueueBound:       cfg.UpstreamQueueBound,
			MaxRetries:       cfg.UpstreamMaxRetries,
			BaseDelay:        time.Duration(cfg.UpstreamBaseDelayMS) * time.Millisecond,
			RequestTimeout:   time.Duration(cfg.UpstreamTimeoutMS) * time.Millisecond,
			MediumHold:       time.Duration(cfg.MediumHoldSeconds) * time.Second,
		}, log, met)
		go client.Run(ctx)
	}

	g := guard.New(guard.Limits{
		Timeout:        time.Duration(cfg.QueryTimeoutMS) * time.Millisecond,
		MaxRows:        cfg.QueryMaxRows,
		MaxMemoryBytes: uint64(cfg.QueryMaxMemoryMB) << 20,
	}, log, met)

	limiter := quota.NewCostLimiter(time.Duration(cfg.RateWindowSeconds)*time.Second, cfg.RateBudget)
	defer limiter.Close()

	coll := collector.New(store, client, collector.Limits{
		MaxAddresses:           cfg.CollectMaxAddresses,
		MaxPages:               cfg.CollectMaxPages,
		MaxTransfersPerAddress: cfg.CollectMaxTransfers,
		Staleness:              time.Duration(cfg.StalenessHours) * time.Hour,
	}, log, met)

	var ingester graph.Ingester
	if client != nil {
		ingester = coll
	}
	asm := graph.NewAssembler(store, g, ingester, log)

	anon := security.NewAnonymizer(cfg.AnonymizationSalt)
	hook := notify.NewWebhook(cfg.MonitoringWebhook, log)

	h := api.NewHandler(store, asm, client, coll, g, limiter, anon, hook, cfg, log, met)
	router := api.SetupRouter(h)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("forced shutdown")
	}
}
