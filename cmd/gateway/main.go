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
	"github.com/dkeye/Intercom/internal/config"
	"github.com/dkeye/Intercom/internal/gateway"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	flags := config.ServerFlags("gateway")
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
	gc := cfg.Gateway

	var index gateway.Index = gateway.NewMemoryIndex()
	if gc.Redis.Enabled() {
		client, err := presence.Connect(ctx, gc.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("redis")
		}
		defer client.Close()
		index = gateway.NewRedisIndex(client)
	}

	gw, err := gateway.NewServer(gc, index)
	if err != nil {
		log.Fatal().Err(err).Msg("gateway setup")
	}
	r := router.SetupGatewayRouter(cfg, gw)
	addr := fmt.Sprintf(":%d", gc.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("upload_dir", gc.UploadDir).Msg("Gateway started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("gateway stopped")
		os.Exit(1)
	}
	log.Info().Msg("Gateway exited gracefully")
}
