package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"signal-engine/internal/app"
	"signal-engine/internal/config"
	"signal-engine/internal/logging"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("SIGNAL_ENGINE_CONFIG"), "path to config.yaml (optional)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config error: %v", err)
	}
	logging.Init(cfg.Logging.Level, cfg.Logging.Format)

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("init engine error: %v", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Infof("signal-engine is running, timezone=%s scan_interval=%s", cfg.Scheduler.Timezone, cfg.Engine.ScanInterval())
	if err := a.Run(ctx); err != nil {
		logging.Errorf("engine stopped with error: %v", err)
		a.Close()
		os.Exit(1)
	}
	logging.Infof("signal-engine stopped")
}
