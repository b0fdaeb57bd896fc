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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Intercom/internal/adapters/http"
	"github.com/dkeye/Intercom/internal/adapters/presence"
	relay "github.com/dkeye/Intercom/internal/adapters/signal"
	"github.com/dkeye/Intercom/internal/adapters/token"
	"github.com/dkeye/Intercom/internal/config"
	"github.com/dkeye/Intercom/internal/core"
	"github.com/dkeye/Intercom/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	flags := config.ServerFlags("relay")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal().Err(err).Msg("bad flags")
	}
	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if l, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && l != zerolog.NoLevel {
		zerolog.SetGlobalLevel(l)
	}
	rc := cfg.Relay

	var pres core.Presence = presence.NewMemory()
	if rc.Redis.Enabled() {
		client, err := presence.Connect(ctx, rc.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("redis")
		}
		defer client.Close()
		rp := presence.NewRedis(client, "")
		if err := rp.Reset(ctx); err != nil {
			log.Warn().Err(err).Msg("presence reset")
		}
		pres = rp
	}

	allowed := make([]domain.Identity, 0, len(rc.Allowed))
	for _, id := range rc.Allowed {
		allowed = append(allowed, domain.Identity(id))
	}
	hub := relay.NewHub(relay.HubOptions{
		Initiator: domain.Identity(rc.Initiator),
		Responder: domain.Identity(rc.Responder),
		Allowed:   allowed,
		Presence:  pres,
	})

	opts := relay.ControllerOptions{ReadLimit: rc.ReadLimit, PingPeriod: rc.PingPeriod, SendQueue: rc.SendQueue}
	if rc.JWTSecret != "" {
		opts.Verify = func(raw string) (domain.Identity, error) { return token.Verify(rc.JWTSecret, raw) }
	}
	ctl := relay.NewSignalWSController(hub, relay.NewRateLimiter(rc.RateLimit, rc.RateWindow), opts)

	r := router.SetupRelayRouter(ctx, cfg, ctl)
	addr := fmt.Sprintf(":%d", rc.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Relay started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		hub.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("relay stopped")
		os.Exit(1)
	}
	log.Info().Msg("Relay exited gracefully")
}
