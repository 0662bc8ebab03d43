// migrate applies the embedded schema (sessions, audit log, tenant access policies) to DATABASE_URL.
package main

import (
	"flag"
	"os"

	"session-control-plane/backend/internal/config"
	"session-control-plane/backend/internal/db/migrate"
	"session-control-plane/backend/internal/logging"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "").Fatal().Err(err).Msg("config")
	}
	logger := logging.New(cfg.LogLevel, cfg.Env)

	if cfg.DatabaseURL == "" {
		logger.Error().Msg("DATABASE_URL is not set; export it or add it to .env")
		os.Exit(1)
	}
	if _, err := migrate.ParseDirection(*direction); err != nil {
		logger.Error().Err(err).Msg("invalid direction")
		os.Exit(2)
	}

	if err := migrate.RunWithLogger(cfg.DatabaseURL, *direction, logger); err != nil {
		logger.Error().Err(err).Str("direction", *direction).Msg("migrate failed")
		os.Exit(1)
	}
	logger.Info().Str("direction", *direction).Msg("migrations applied")
}
