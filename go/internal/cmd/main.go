package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gavel/go/internal/config"
	"github.com/mcdev12/gavel/go/internal/sessionstore"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg.Log)

	log.Info().
		Str("user_id", cfg.UserID).
		Strs("sessions", cfg.Sessions).
		Str("transport", cfg.Transport.Kind).
		Str("api", cfg.API.BaseURL).
		Msg("starting gavel")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, err := setupServices(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up services")
	}
	defer services.Close()

	var wg sync.WaitGroup
	for _, store := range services.Registry.List() {
		wg.Add(1)
		go func(store *sessionstore.Store) {
			defer wg.Done()
			if err := store.Run(ctx); err != nil {
				log.Error().Err(err).Str("session_id", store.SessionID()).Msg("session store stopped")
				return
			}
			log.Info().
				Str("session_id", store.SessionID()).
				Str("status", string(store.View().Status)).
				Msg("session store finished")
		}(store)
	}

	server := setupServer(cfg, services)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	// stores close their channel handles on the way out
	cancel()
	wg.Wait()

	log.Info().Msg("gavel shutdown complete")
}
