// Copybot - prediction-market copy-trading bot for Polymarket.
//
// The bot watches large traders, qualifies them by activity metrics,
// and mirrors their trades into a virtual $100 bankroll. Live execution
// stays locked behind the promotion gate until the paper history earns
// it.
//
// Architecture: Stream/Data -> Detector -> Engine -> Executor -> Ledger
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Pechulyak/polymarket-bot/internal/config"
	"github.com/Pechulyak/polymarket-bot/internal/store"
	"github.com/Pechulyak/polymarket-bot/internal/supervisor"
)

const version = "1.0.0"

// Exit codes: 0 clean, 1 config error, 2 persistence error,
// 3 promotion gate not satisfied.
const (
	exitOK          = 0
	exitConfig      = 1
	exitPersistence = 2
	exitGate        = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using environment variables")
	}

	mode := flag.String("mode", "", "execution mode: paper or live")
	durationHours := flag.Int("duration-hours", 0, "runner wall-clock budget in hours")
	demo := flag.Bool("demo", false, "accelerated simulation")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		return exitConfig
	}

	if *mode != "" {
		cfg.Mode = *mode
	}
	if *durationHours != 0 {
		cfg.DurationHours = *durationHours
	}
	if *demo {
		cfg.Demo = true
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return exitConfig
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Str("mode", cfg.Mode).
		Msg("copybot starting")

	sup, err := supervisor.New(cfg)
	if err != nil {
		log.Error().Err(err).Msg("supervisor init failed")
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil {
		switch {
		case errors.Is(err, supervisor.ErrPromotionGate):
			log.Error().Err(err).Msg("live mode refused")
			return exitGate
		case errors.Is(err, store.ErrPersistence):
			log.Error().Err(err).Msg("persistence failure")
			return exitPersistence
		case errors.Is(err, config.ErrMissingField):
			log.Error().Err(err).Msg("configuration failure")
			return exitConfig
		default:
			log.Error().Err(err).Msg("runner failed")
			return exitConfig
		}
	}

	log.Info().Msg("copybot finished")
	return exitOK
}
