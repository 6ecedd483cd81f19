package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"urlshortener/internal/app"
	"urlshortener/internal/config"
	"urlshortener/internal/lease"
	"urlshortener/internal/logger"
)

var opts struct {
	EnvFile string `short:"e" long:"env-file" description:"dotenv file to load before reading the environment" default:".env"`
	Addr    string `short:"a" long:"addr" description:"listen address, overrides HTTP_ADDR"`
	Single  bool   `long:"single-node" description:"run without Redis: in-process coordination and embedded streams"`
}

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		log.Fatalln(err)
	}

	// The dotenv file is optional.
	_ = godotenv.Load(opts.EnvFile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if opts.Addr != "" {
		cfg.Addr = opts.Addr
	}
	if opts.Single {
		cfg.RedisAddr = ""
	}

	zlog := logger.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = zlog.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, zlog)
	if errors.Is(err, lease.ErrLeaseExhausted) {
		zlog.Fatal("no node id available, every lease slot is held", zap.Error(err))
	}
	if err != nil {
		zlog.Fatal("failed to start", zap.Error(err))
	}
	if err := a.Run(ctx); err != nil {
		zlog.Fatal("shortener stopped with error", zap.Error(err))
	}
}
