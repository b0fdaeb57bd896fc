package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Intercom/internal/config"
	"github.com/dkeye/Intercom/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	flags := config.EndpointFlags()
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
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && l != zerolog.NoLevel {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	ep, err := newEndpoint(cfg, level)
	if err != nil {
		log.Fatal().Err(err).Msg("endpoint setup")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ep.machine.Run(gctx) })
	if ep.source != nil {
		g.Go(func() error {
			if err := ep.source.Run(gctx); err != nil && gctx.Err() == nil {
				log.Warn().Err(err).Str("module", "endpoint").Msg("local audio source stopped")
			}
			return nil
		})
	}
	err = g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if cerr := ep.dispatcher.Close(shutdownCtx); cerr != nil {
		log.Warn().Err(cerr).Msg("detached tasks still running at exit")
	}

	if err != nil {
		if domain.IsFatal(err) {
			log.Error().Err(err).Msg("fatal, exiting")
		} else {
			log.Error().Err(err).Msg("session gave up")
		}
		os.Exit(1)
	}
	log.Info().Msg("Endpoint exited gracefully")
}
