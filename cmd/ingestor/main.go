// Package main provides the Ingestor service: the Batch Ingestor (C5),
// accepting prior-authorization payload batches and publishing one work
// message per request onto the work topic.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/priorauth/browseragent/internal/bootstrap"
	"github.com/priorauth/browseragent/internal/cmdutil"
	"github.com/priorauth/browseragent/internal/config"
	"github.com/priorauth/browseragent/internal/handlers"
	"github.com/priorauth/browseragent/internal/ingest"
	"github.com/priorauth/browseragent/internal/metrics"
	"github.com/priorauth/browseragent/internal/middleware"
	"github.com/priorauth/browseragent/internal/progress"
	"github.com/priorauth/browseragent/internal/pubsubtopic"
	"github.com/priorauth/browseragent/pkg/version"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("ingestor %s\n", version.Full())
		return
	}

	cfg := config.Load()
	cmdutil.SetupLogging(cfg.LogLevel)
	cfg.Validate()
	cmdutil.PrintBanner("ingestor")

	ctx := context.Background()

	db, disconnect, err := bootstrap.ConnectMongo(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mongo")
	}
	progressStore := progress.New(db)

	pubsubClient, err := bootstrap.ConnectPubSub(ctx, cfg.GoogleCloudProject)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to pubsub")
	}
	topic, err := pubsubClient.CreateTopic(ctx, cfg.PubSubTopicName)
	if err != nil {
		topic = pubsubClient.Topic(cfg.PubSubTopicName)
	}
	publisher := pubsubtopic.NewTopic(topic)

	ingestor := ingest.New(progressStore, publisher)
	handler := handlers.New(cfg, nil, nil, ingestor, progressStore, nil, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handler.HandleHealth)
	mux.HandleFunc("POST /prior-auths", handler.HandleIngestBatch)
	mux.Handle("GET /metrics", metrics.Handler())

	var finalHandler http.Handler = mux
	finalHandler = middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins})(finalHandler)
	finalHandler = middleware.SecurityHeaders(finalHandler)
	if cfg.APIKeyEnabled {
		finalHandler = middleware.APIKey(cfg)(finalHandler)
	}
	var rateLimiter *middleware.RateLimiterMiddleware
	if cfg.RateLimitEnabled {
		rateLimiter = middleware.NewRateLimitMiddleware(cfg.RateLimitRPM, cfg.TrustProxy)
		finalHandler = rateLimiter.Handler()(finalHandler)
	}
	finalHandler = metrics.Middleware(finalHandler)
	finalHandler = middleware.Logging(finalHandler)
	finalHandler = middleware.Recovery(finalHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           finalHandler,
		ReadTimeout:       cfg.MaxTimeout + 10*time.Second,
		WriteTimeout:      cfg.MaxTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	pprofServer := cmdutil.StartPprof(cfg.PProfEnabled, cfg.PProfBindAddr, cfg.PProfPort)

	stopMemCollector := make(chan struct{})
	go metrics.StartMemoryCollector(15*time.Second, stopMemCollector)
	metrics.SetBuildInfo(version.Full(), version.GoVersion())

	go func() {
		log.Info().Str("address", addr).Msg("ingestor is ready to accept requests")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	shutdownCtx, cancel := cmdutil.WaitForShutdownSignal(30 * time.Second)
	defer cancel()

	close(stopMemCollector)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	if pprofServer != nil {
		if err := pprofServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("pprof server shutdown error")
		}
	}
	if rateLimiter != nil {
		rateLimiter.Close()
	}
	if err := pubsubClient.Close(); err != nil {
		log.Error().Err(err).Msg("pubsub client close error")
	}
	if err := disconnect(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("mongo disconnect error")
	}

	log.Info().Msg("shutdown complete")
}
