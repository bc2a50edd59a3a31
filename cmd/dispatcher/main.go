// Package main provides the Dispatcher service: the Dispatch Consumer
// (C6), subscribing to the work topic and forwarding each message to the
// planner with exactly-once delivery.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/priorauth/browseragent/internal/bootstrap"
	"github.com/priorauth/browseragent/internal/cmdutil"
	"github.com/priorauth/browseragent/internal/config"
	"github.com/priorauth/browseragent/internal/dedup"
	"github.com/priorauth/browseragent/internal/dispatch"
	"github.com/priorauth/browseragent/internal/metrics"
	"github.com/priorauth/browseragent/internal/progress"
	"github.com/priorauth/browseragent/internal/pubsubtopic"
	"github.com/priorauth/browseragent/internal/security"
	"github.com/priorauth/browseragent/pkg/version"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("dispatcher %s\n", version.Full())
		return
	}

	cfg := config.Load()
	cmdutil.SetupLogging(cfg.LogLevel)
	cfg.Validate()
	cmdutil.PrintBanner("dispatcher")

	ctx, cancelConsumer := context.WithCancel(context.Background())
	defer cancelConsumer()

	db, disconnect, err := bootstrap.ConnectMongo(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mongo")
	}
	progressStore := progress.New(db)

	redisClient, err := bootstrap.ConnectRedis(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis for the dedup cache")
	}
	cache := dedup.NewRedisCache(redisClient)

	pubsubClient, err := bootstrap.ConnectPubSub(ctx, cfg.GoogleCloudProject)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to pubsub")
	}
	subscription := pubsubtopic.NewSubscription(pubsubClient.Subscription(cfg.PubSubSubscription))

	consumer := dispatch.New(dispatch.Config{
		ProcessorURL:        cfg.ProcessorURL,
		InflightTTL:         time.Duration(cfg.InflightTTLSeconds) * time.Second,
		ProcessedTTL:        time.Duration(cfg.DedupTTLSeconds) * time.Second,
		PlannerTimeout:      cfg.HTTPWriteTimeout,
		AckOnPlannerFailure: cfg.AckOnPlannerFailure,
	}, subscription, cache, progressStore)

	consumerErrCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("subscription", cfg.PubSubSubscription).
			Str("processor_url", security.RedactWebhookURL(cfg.ProcessorURL)).
			Msg("dispatcher consuming work messages")
		consumerErrCh <- consumer.Run(ctx)
	}()

	// A minimal health+metrics surface; this service has no domain REST
	// routes of its own — no inbound HTTP API, only an outbound POST to
	// the planner.
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"healthy":true,"version":%q}`, version.Full())
	})
	mux.Handle("GET /metrics", metrics.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	pprofServer := cmdutil.StartPprof(cfg.PProfEnabled, cfg.PProfBindAddr, cfg.PProfPort)

	stopMemCollector := make(chan struct{})
	go metrics.StartMemoryCollector(15*time.Second, stopMemCollector)
	metrics.SetBuildInfo(version.Full(), version.GoVersion())

	go func() {
		log.Info().Str("address", server.Addr).Msg("dispatcher health server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("health server failed")
		}
	}()

	select {
	case err := <-consumerErrCh:
		if err != nil {
			log.Error().Err(err).Msg("dispatch consumer stopped with an error")
		}
	case <-waitForSignal():
	}

	cancelConsumer()
	close(stopMemCollector)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server shutdown error")
	}
	if pprofServer != nil {
		if err := pprofServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("pprof server shutdown error")
		}
	}
	if err := pubsubClient.Close(); err != nil {
		log.Error().Err(err).Msg("pubsub client close error")
	}
	if err := redisClient.Close(); err != nil {
		log.Error().Err(err).Msg("redis client close error")
	}
	if err := disconnect(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("mongo disconnect error")
	}

	log.Info().Msg("shutdown complete")
}

// waitForSignal returns a channel that closes once on SIGINT or SIGTERM,
// so main can select between that and the consumer's own error channel.
func waitForSignal() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		signal.Stop(quit)
		close(done)
	}()
	return done
}
