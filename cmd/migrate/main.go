package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"account_service/internal/config"
	"account_service/internal/logger"
	"account_service/internal/migrations"
)

func main() {
	config.LoadDotEnv()
	logger.Init(config.GetString("LOG_LEVEL", "info"), config.GetString("LOG_FORMAT", "console"))

	flag.Parse()
	command := "up"
	var args []string
	if flag.NArg() > 0 {
		command = flag.Arg(0)
		args = flag.Args()[1:]
	}

	dbCfg, err := config.LoadDBConfig()
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("Failed to load DB config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := migrations.Run(ctx, dbCfg.DSN, command, args...); err != nil {
		logger.Logger.Fatal().Err(err).Str("command", command).Msg("Migration failed")
	}
	logger.Logger.Info().Str("command", command).Msg("Migration finished")
}
