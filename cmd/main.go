package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/galaxyonymous/discord-trading-bot/internal/config"
	"github.com/galaxyonymous/discord-trading-bot/internal/db"
	"github.com/galaxyonymous/discord-trading-bot/internal/exchange"
	"github.com/galaxyonymous/discord-trading-bot/internal/executor"
	"github.com/galaxyonymous/discord-trading-bot/internal/ingest"
	"github.com/galaxyonymous/discord-trading-bot/internal/logging"
	"github.com/galaxyonymous/discord-trading-bot/internal/notifier"
	"github.com/galaxyonymous/discord-trading-bot/internal/registry"
)

func main() {
	configFile := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadWithFile(ctx, *configFile)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		logrus.Fatalf("Failed to set up logging: %v", err)
	}
	log := logging.WithComponent(logger, "main")
	log.Info("starting discord trading bot")

	// Graceful shutdown: stop intake and watchers, leave resting orders on
	// the exchange.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("shutting down")
		cancel()
	}()

	var storage db.Storage
	if cfg.DB.ConnStr != "" {
		pg, err := db.Open(cfg.DB.ConnStr)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to postgres")
		}
		pg.GetDB().SetMaxOpenConns(cfg.DB.MaxOpen)
		pg.GetDB().SetMaxIdleConns(cfg.DB.MaxIdle)
		defer pg.GetDB().Close()
		storage = pg
		log.Info("using postgres storage")
	} else {
		storage = db.NewMemory()
		log.Warn("no DB_CONN_STR set, trades will not survive restarts")
	}

	var notif notifier.Notifier = notifier.Noop{}
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != "" {
		notif = notifier.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID)
		log.Info("telegram notifications enabled")
	}

	ex, err := buildExchange(cfg, logger)
	if err != nil {
		log.WithError(err).Fatal("failed to build exchange adapter")
	}
	log.WithField("exchange", ex.Name()).Info("exchange adapter ready")

	reg := registry.New(storage, logging.WithComponent(logger, "registry"))
	exec := executor.New(ex, cfg.Execution.ExecutorPolicy(), logging.WithComponent(logger, "executor"))

	source, err := ingest.NewDiscordSource(cfg.Discord.Token, cfg.Discord.ChannelIDs, logging.WithComponent(logger, "discord"))
	if err != nil {
		log.WithError(err).Fatal("failed to create discord source")
	}
	if err := source.Open(); err != nil {
		log.WithError(err).Fatal("failed to open discord session")
	}
	defer source.Close()

	processor := ingest.NewProcessor(ingest.Options{
		CommandPrefix: cfg.Discord.CommandPrefix,
		QuoteAsset:    cfg.Trading.QuoteAsset,
		Policy:        cfg.Trading.Policy(),
		PlanOptions:   cfg.Trading.PlanOptions(),
		MachineConfig: cfg.Trading.MachineConfig(),
		PollInterval:  cfg.Execution.PollInterval,
	}, ex, exec, reg, storage, notif, source, logging.WithComponent(logger, "processor"))

	processor.Run(ctx, source.Messages())
	log.Info("bot stopped")
}

func buildExchange(cfg config.Config, logger *logrus.Logger) (exchange.Exchange, error) {
	switch cfg.Exchange.Name {
	case "wallex":
		return exchange.NewWallexExchange(cfg.Exchange.WallexAPIKey, logger), nil
	case "binance":
		return exchange.NewBinanceExchange(cfg.Exchange.BinanceAPIKey, cfg.Exchange.BinanceSecret, cfg.Exchange.BinanceTestnet, logger), nil
	default:
		return nil, fmt.Errorf("unknown exchange %q", cfg.Exchange.Name)
	}
}
