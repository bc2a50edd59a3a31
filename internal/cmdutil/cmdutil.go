// Package cmdutil holds the startup/shutdown boilerplate shared by the four
// cmd/* entry points so each service doesn't repeat it inline.
package cmdutil

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/priorauth/browseragent/pkg/version"
)

// SetupLogging configures zerolog's global logger: a console writer with
// an RFC3339 clock, level gated by the env-provided string.
func SetupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// PrintBanner prints the startup banner for one of the four services.
func PrintBanner(service string) {
	fmt.Printf("\nprior-auth browser-agent :: %s\n\n", service)
	log.Info().
		Str("service", service).
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("starting")
}

// StartPprof optionally starts the pprof debug server, returning nil if
// disabled. Logs a WARNING on every start since it exposes runtime internals.
func StartPprof(enabled bool, bindAddr string, port int) *http.Server {
	if !enabled {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", bindAddr, port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      http.DefaultServeMux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	go func() {
		log.Warn().Str("addr", addr).Msg("WARNING: pprof profiling server started - exposes runtime internals, use for debugging only")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("pprof server failed")
		}
	}()
	return srv
}

// WaitForShutdownSignal blocks until SIGINT or SIGTERM, then returns a
// context bounded by timeout for graceful shutdown calls. The caller must
// defer the returned cancel func.
func WaitForShutdownSignal(timeout time.Duration) (context.Context, context.CancelFunc) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	signal.Stop(quit)

	log.Info().Msg("shutting down...")
	return context.WithTimeout(context.Background(), timeout)
}
