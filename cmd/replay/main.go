package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"signal-engine/internal/app"
	"signal-engine/internal/config"
	"signal-engine/internal/logging"
	"signal-engine/internal/model"
)

// parseFrom accepts an RFC3339 timestamp or a lookback such as "6h".
func parseFrom(v string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--from must be RFC3339 or a duration: %q", v)
	}
	return t, nil
}

func main() {
	var (
		configPath string
		from       string
		sleep      time.Duration
		dryRun     bool
	)
	flag.StringVar(&configPath, "config", os.Getenv("SIGNAL_ENGINE_CONFIG"), "path to config.yaml (optional)")
	flag.StringVar(&from, "from", "24h", "replay tokens last seen at or after this time (RFC3339 or lookback duration)")
	flag.DurationVar(&sleep, "sleep", 0, "pause between observations")
	flag.BoolVar(&dryRun, "dry-run", true, "skip outbound notifications")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config error: %v", err)
	}
	logging.Init(cfg.Logging.Level, cfg.Logging.Format)
	cfg.Engine.DryRun = cfg.Engine.DryRun || dryRun
	cfg.Web.Enabled = false

	since, err := parseFrom(from, time.Now())
	if err != nil {
		log.Fatal(err)
	}

	a, err := app.New(cfg)
	if err != nil {
		log.Fatalf("init engine error: %v", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	states, err := a.Store.ObservedSince(ctx, since)
	if err != nil {
		log.Fatalf("load observations error: %v", err)
	}
	logging.Infof("[replay] %d tokens last seen since %s dry_run=%t", len(states), since.UTC().Format(time.RFC3339), cfg.Engine.DryRun)

	counts := map[string]int{}
	for _, st := range states {
		if ctx.Err() != nil {
			break
		}
		out, err := a.Engine.Process(ctx, model.Observation{Token: st.Token, Source: "replay", Metrics: st.LastMetrics})
		if err != nil {
			logging.WithToken(st.Token).WithError(err).Error("replay observation")
			counts["error"]++
			continue
		}
		counts[string(out.Action)]++
		logging.WithToken(st.Token).Infof("[replay] stage=%s score=%d mode=%s action=%s", out.Decision.Stage, out.Decision.Score, out.Mode, out.Action)
		if sleep > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(sleep):
			}
		}
	}
	logging.Infof("[replay] done: %v", counts)
}
