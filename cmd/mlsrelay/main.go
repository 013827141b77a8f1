package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/mlschat/internal/relay"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "listen address")
	backlog := flag.Int("backlog", 1000, "messages kept per group")
	keyPackages := flag.Int("key-packages", 16, "key packages kept per identity")
	writeTimeout := flag.Duration("write-timeout", 5*time.Second, "per-frame write deadline")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	cfg := zap.NewProductionConfig()
	if *debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	srv := relay.New(relay.Options{
		Log:            logger,
		MaxBacklog:     *backlog,
		MaxKeyPackages: *keyPackages,
		WriteTimeout:   *writeTimeout,
	})
	if err := srv.Start(*addr); err != nil {
		logger.Fatal("listen failed", zap.String("addr", *addr), zap.Error(err))
	}
	logger.Info("relay listening", zap.String("addr", srv.Addr()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", zap.String("signal", s.String()))
	if err := srv.Close(); err != nil {
		logger.Warn("close", zap.Error(err))
	}
}
