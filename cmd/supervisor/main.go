// Package main provides the Supervisor service: the Slot Allocator (C1),
// Process Supervisor (C2), Session Registry (C3), and Agent Runner (C4),
// exposed over the sessions/agents REST surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/priorauth/browseragent/internal/agentrunner"
	"github.com/priorauth/browseragent/internal/bootstrap"
	"github.com/priorauth/browseragent/internal/cmdutil"
	"github.com/priorauth/browseragent/internal/config"
	"github.com/priorauth/browseragent/internal/handlers"
	"github.com/priorauth/browseragent/internal/logrelay"
	"github.com/priorauth/browseragent/internal/metrics"
	"github.com/priorauth/browseragent/internal/middleware"
	"github.com/priorauth/browseragent/internal/procsup"
	"github.com/priorauth/browseragent/internal/security"
	"github.com/priorauth/browseragent/internal/sessionreg"
	"github.com/priorauth/browseragent/internal/slotpool"
	"github.com/priorauth/browseragent/pkg/version"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("supervisor %s\n", version.Full())
		return
	}

	cfg := config.Load()
	cmdutil.SetupLogging(cfg.LogLevel)
	cfg.Validate()
	cmdutil.PrintBanner("supervisor")

	redisClient, err := bootstrap.ConnectRedis(context.Background(), cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis for the agent runner's log sink")
	}

	pool := slotpool.New(cfg)
	sup := procsup.New(cfg)
	registry := sessionreg.New(cfg, sessionreg.FixedPool{Size: cfg.SlotPoolSize}, pool, sup)

	relay := logrelay.New(redisClient, time.Duration(cfg.SSEBlockMilliseconds)*time.Millisecond)
	var hitl agentrunner.HITLNotifier
	if cfg.HITLWebhookURL != "" {
		log.Info().Str("hitl_webhook_url", security.RedactWebhookURL(cfg.HITLWebhookURL)).Msg("human-in-the-loop webhook configured")
		hitl = agentrunner.NewWebhookNotifier(cfg.HITLWebhookURL, &http.Client{Timeout: 10 * time.Second})
	} else {
		hitl = noopHITL{}
	}
	runner := agentrunner.New(relay, hitl, cfg.GoogleAPIKey)

	// newAgent is left nil: the LLM reasoning loop is an external
	// collaborator out of scope for this service. POST /agents replies
	// 501 until a concrete agentrunner.Agent is wired in.
	handler := handlers.New(cfg, registry, runner, nil, nil, nil, nil)

	metrics.UpdateSlotPoolMetrics(pool.Size(), pool.Available())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handler.HandleHealth)
	mux.HandleFunc("POST /sessions", handler.HandleCreateSession)
	mux.HandleFunc("DELETE /sessions/{id}", handler.HandleDeleteSession)
	mux.HandleFunc("GET /sessions", handler.HandleListSessions)
	mux.HandleFunc("POST /agents", handler.HandleCreateAgent)
	mux.HandleFunc("GET /agents/{id}/status", handler.HandleAgentStatus)
	mux.HandleFunc("POST /agents/{id}/stop", handler.HandleAgentStop)
	mux.HandleFunc("POST /agents/{id}/pause", handler.HandleAgentPause)
	mux.HandleFunc("POST /agents/{id}/resume", handler.HandleAgentResume)
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
		log.Info().Str("address", addr).Int("slot_pool_size", cfg.SlotPoolSize).Msg("supervisor is ready to accept requests")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	ctx, cancel := cmdutil.WaitForShutdownSignal(30 * time.Second)
	defer cancel()

	close(stopMemCollector)
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	if pprofServer != nil {
		if err := pprofServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("pprof server shutdown error")
		}
	}
	if rateLimiter != nil {
		rateLimiter.Close()
	}
	if err := registry.Close(); err != nil {
		log.Error().Err(err).Msg("session registry close error")
	}
	if err := redisClient.Close(); err != nil {
		log.Error().Err(err).Msg("redis client close error")
	}

	log.Info().Msg("shutdown complete")
}

// noopHITL satisfies agentrunner.HITLNotifier when no webhook is
// configured; agent runs that need a human review simply stay paused.
type noopHITL struct{}

func (noopHITL) Notify(context.Context, string, string) error { return nil }
