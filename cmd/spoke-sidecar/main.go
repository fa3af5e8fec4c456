package main

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

	"github.com/spoke-chat/spoke/internal/auth"
	"github.com/spoke-chat/spoke/internal/config"
	"github.com/spoke-chat/spoke/internal/matrix"
	"github.com/spoke-chat/spoke/internal/sidecar"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	introspector := matrix.NewIntrospector(cfg.MatrixServer, cfg.HTTPTimeout)
	signer := auth.NewSigner(cfg.MediaKey, cfg.MediaSecret, cfg.TokenTTL)

	var turn *auth.TurnDeriver
	if cfg.TurnConfigured() {
		turn = auth.NewTurnDeriver(cfg.TurnSecret, cfg.TurnHost)
	}

	service := auth.NewService(cfg.RelayURL, introspector, signer, turn)
	r := sidecar.SetupRouter(cfg, service)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Bool("turn", turn != nil).Msg("spoke-sidecar started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
