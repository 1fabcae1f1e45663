package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/wsclient"
	"github.com/Wyydra/yacall/internal/adapter/driven/media/pion"
	"github.com/Wyydra/yacall/internal/adapter/driven/media/webm"
	"github.com/Wyydra/yacall/internal/adapter/driven/presence"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	w := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(w).With().Timestamp().Caller().Logger()

	cfg, err := config.LoadPeer()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	zerolog.SetGlobalLevel(cfg.LogLevel)

	if cfg.RecordDir != "" {
		if err := os.MkdirAll(cfg.RecordDir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", cfg.RecordDir).Msg("Creating record directory")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	self := domain.UserID(cfg.Identity)
	adapter, err := pion.NewPionAdapter(pion.Config{
		ICEServers:          cfg.ICEServers,
		DisableReplaceTrack: cfg.DisableReplaceTrack,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build media engine")
	}
	reach, err := presence.NewHTTP(cfg.RelayURL, self, cfg.Token)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid relay url")
	}

	constraints := domain.Constraints{
		Audio: cfg.AudioFile != "",
		Video: cfg.VideoFile != "",
	}
	obs := newObserver(ctx, constraints, cfg.AutoAccept, cfg.RecordDir)

	var inbox *service.Inbox
	signaler := wsclient.New(wsclient.Config{
		URL:      cfg.RelayURL,
		Identity: self,
		Token:    cfg.Token,
	}, func(ctx context.Context, env domain.Envelope) {
		inbox.Deliver(ctx, env)
	})

	svc := service.NewCallService(self, service.Deps{
		Signaler: signaler,
		Peers:    adapter,
		Devices: &pion.FileDevices{
			AudioPath:  cfg.AudioFile,
			VideoPath:  cfg.VideoFile,
			ScreenPath: cfg.ScreenFile,
		},
		Containers: webm.Factory{},
		Presence:   reach,
		Observer:   obs,
	}, service.CallConfig{
		AnswerTimeout:   cfg.Timeouts.AnswerTimeout,
		ConnectTimeout:  cfg.Timeouts.ConnectTimeout,
		RingTimeout:     cfg.Timeouts.RingTimeout,
		QualityInterval: cfg.Timeouts.QualityInterval,
	})
	obs.svc = svc
	inbox = service.NewInbox(svc)

	var dialOnce sync.Once
	signaler.OnConnect(func() {
		if cfg.Call == "" {
			return
		}
		dialOnce.Do(func() {
			go func() {
				s, err := svc.StartCall(ctx, domain.UserID(cfg.Call), constraints)
				if err != nil {
					log.Error().Err(err).Str("target", cfg.Call).Msg("Call failed to start")
					return
				}
				log.Info().Str("session_id", s.ID.String()).Str("target", cfg.Call).Msg("Dialing")
			}()
		})
	})

	// The relay link outlives the signal context so end envelopes still go
	// out during shutdown.
	runCtx, cancelRun := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- signaler.Run(runCtx)
	}()
	go commands(ctx, os.Stdin, svc, obs, stop)

	log.Info().Str("identity", cfg.Identity).Str("relay", cfg.RelayURL).Msg("Peer started")

	select {
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Signaling stopped")
		}
	}

	log.Info().Msg("Shutting down peer...")
	obs.stopAll()
	inbox.Close()
	svc.Close()
	cancelRun()
	log.Info().Msg("Peer exited")
}
