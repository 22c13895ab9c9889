package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"frameshift/internal/config"
	"frameshift/internal/logx"
	"frameshift/internal/runtime"
)

func main() {
	log.Logger = zerolog.New(logx.NewRedactor(os.Stdout)).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down gracefully, press Ctrl+C again to force exit")
		cancel()

		sig = <-sigCh
		log.Error().Str("signal", sig.String()).Msg("forcing immediate exit")
		os.Exit(1)
	}()

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build runtime")
	}

	log.Info().
		Str("instanceType", string(cfg.InstanceType)).
		Int("port", cfg.Port).
		Msg("starting frameshift node")

	if err := rt.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("runtime exited with error")
	}
}
