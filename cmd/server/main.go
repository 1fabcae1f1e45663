package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/auth"
	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	handler "github.com/Wyydra/yacall/internal/adapter/driving/http"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	w := zerolog.ConsoleWriter{Out: os.Stdout}
	log.Logger = zerolog.New(w).With().Timestamp().Caller().Logger()

	cfg, err := config.LoadRelay()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	zerolog.SetGlobalLevel(cfg.LogLevel)

	var authenticator port.Authenticator = auth.Dev{}
	if cfg.AuthMode == config.AuthToken {
		tok, err := auth.NewToken(cfg.AuthSecret)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid token secret")
		}
		authenticator = tok
	} else {
		log.Warn().Msg("Dev authentication enabled, identities are not verified")
	}

	hub := ws.NewHub()
	relay := service.NewRelay(hub)
	h := handler.NewHandler(relay, authenticator, ws.Options{
		Outbound:     cfg.Outbound,
		ReadLimit:    cfg.ReadLimit,
		PingInterval: cfg.PingInterval,
		PongWait:     cfg.PongWait,
		WriteTimeout: cfg.WriteTimeout,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("auth", string(cfg.AuthMode)).Msg("Starting relay")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	log.Info().Msg("Shutting down relay...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Hijacked websocket connections are not tracked by Shutdown.
	hub.Stop()
	log.Info().Msg("Relay exited")
}
