// Package app wires the configured components into a running engine.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"signal-engine/internal/alert"
	"signal-engine/internal/config"
	"signal-engine/internal/elasticsearch"
	"signal-engine/internal/logging"
	"signal-engine/internal/model"
	"signal-engine/internal/notification"
	"signal-engine/internal/risk"
	"signal-engine/internal/source"
	"signal-engine/internal/stage"
	"signal-engine/internal/state"
	"signal-engine/internal/watchlog"
	"signal-engine/internal/web"
)

type App struct {
	Store      *state.SQLiteStore
	Engine     *alert.Engine
	Dispatcher *notification.Dispatcher
	Scheduler  *alert.Scheduler
	WatchLog   *watchlog.FileLog
	Stream     *source.Stream
	Web        *web.Server
}

// AlertConfig maps the runtime config onto the engine parameters.
func AlertConfig(cfg *config.Config) alert.Config {
	a := cfg.Alerts
	out := alert.Config{
		BaseCooldown: a.BaseCooldown(),
		Mute: state.MuteRule{
			Window:      a.MuteWindow(),
			AfterAlerts: a.MuteAfterAlerts,
			Duration:    a.MuteDuration(),
		},
		Escalation: state.EscalationRule{
			Confirmations: a.PassConfirmations,
			Window:        a.PassWindow(),
			MinLiquidity:  a.PassMinLiquidity,
			MinVolume5m:   a.PassMinVol5m,
		},
		CollapseEvery:  a.CollapseEvery,
		HeatingUpAfter: a.HeatingUpAfter,
		MinStage:       stage.Stage(a.MinStage),
		RugLevels:      a.RugLevels,
	}
	if out.MinStage == "" {
		out.MinStage = stage.StageEarly
	}
	return out
}

// New builds every component. Nothing runs until Run is called.
func New(cfg *config.Config) (*App, error) {
	thresholds, err := stage.LoadThresholds(cfg.Thresholds.Path)
	if err != nil {
		return nil, err
	}
	store, err := state.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var es *elasticsearch.Client
	if cfg.Elasticsearch.Enabled {
		if es, err = elasticsearch.NewClient(cfg.Elasticsearch); err != nil {
			store.Close()
			return nil, fmt.Errorf("init %s client: %w", cfg.Elasticsearch.Provider, err)
		}
	}

	fileLog := watchlog.NewFileLog(cfg.WatchLog.Path)
	sinks := watchlog.Multi{fileLog}
	if es != nil && cfg.WatchLog.Index != "" {
		sinks = append(sinks, watchlog.NewIndexSink(es, cfg.WatchLog.Index))
	}
	hooks := watchlog.NewWebhookSink(cfg.WatchLog.PromotionWebhook, cfg.WatchLog.DemotionWebhook,
		config.ParseDuration(cfg.WatchLog.Timeout, 5*time.Second))
	if hooks.Enabled() {
		sinks = append(sinks, hooks)
	}

	notifiers := notification.BuildNotifiers(cfg.Notifications)
	dispatcher := notification.NewDispatcher(notifiers,
		notification.WithRoutes(cfg.Notifications.Routes),
		notification.WithTimeout(cfg.Notifications.Timeout()),
		notification.WithDryRun(cfg.Engine.DryRun))

	var opts []alert.Option
	if cfg.Risk.Enabled {
		url := risk.RPCURL(cfg.Risk.RPCURL, cfg.Risk.APIKey, cfg.Risk.Cluster)
		opts = append(opts, alert.WithRiskChecker(risk.NewHolderConcentration(url, cfg.Risk.TopHolderWarn,
			config.ParseDuration(cfg.Risk.Timeout, 12*time.Second))))
	}

	history := stage.NewHistory(thresholds.Confirmation.HistorySize)
	engine := alert.NewEngine(AlertConfig(cfg), store,
		stage.NewClassifier(thresholds, history),
		stage.NewTracker(sinks, nil),
		dispatcher, opts...)

	var sources []alert.Source
	if sc := cfg.Sources.Search; sc.Enabled && es != nil {
		sources = append(sources, source.NewSearchSource(es, source.SearchConfig{
			Index:       sc.Index,
			TimeWindow:  sc.TimeWindow,
			Size:        sc.Size,
			QueryString: sc.Query,
		}))
	}
	if fc := cfg.Sources.Feed; fc.Enabled {
		sources = append(sources, source.NewFeed(fc.URL, fc.Headers, config.ParseDuration(fc.Timeout, 10*time.Second)))
	}

	var digest *alert.Digest
	if cfg.Digest.Enabled {
		digest = alert.NewDigest(store, dispatcher, cfg.Scheduler.Location(), cfg.Digest.Hour, cfg.Digest.Minute)
	}
	scheduler := alert.NewScheduler(alert.SchedulerConfig{
		Location:       cfg.Scheduler.Location(),
		ScanInterval:   cfg.Engine.ScanInterval(),
		HeartbeatEvery: cfg.Engine.HeartbeatEvery,
		DryRun:         cfg.Engine.DryRun,
		ErrorBackoff:   cfg.Engine.GetErrorBackoff(),
	}, engine, dispatcher, digest, alert.NewRetention(store, engine, cfg.Store.Retention()), sources...)

	a := &App{
		Store:      store,
		Engine:     engine,
		Dispatcher: dispatcher,
		Scheduler:  scheduler,
		WatchLog:   fileLog,
	}
	if sc := cfg.Sources.Stream; sc.Enabled {
		a.Stream = source.NewStream(sc.URL, sc.Subscribe, config.ParseDuration(sc.MaxBackoff, time.Minute))
	}
	if cfg.Web.Enabled {
		a.Web = web.NewServer(web.Config{Listen: cfg.Web.Listen, IngestSecret: cfg.Web.IngestSecret},
			store, fileLog, engine, engine.Tracker())
	}
	logging.Infof("engine ready: thresholds=%s channels=%v sources=%d stream=%t web=%t dry_run=%t",
		thresholds.Version, dispatcher.Channels(), len(sources), a.Stream != nil, a.Web != nil, cfg.Engine.DryRun)
	return a, nil
}

// Run starts the scheduler, the stream listener and the web server and blocks
// until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.Scheduler.Start(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	if a.Stream != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Stream.Run(ctx, func(ctx context.Context, obs []model.Observation) {
				a.Scheduler.ProcessAll(ctx, obs)
			})
		}()
	}
	if a.Web != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Web.Start(ctx); err != nil {
				errCh <- fmt.Errorf("web server: %w", err)
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	cancel()
	a.Scheduler.Stop()
	wg.Wait()
	return err
}

func (a *App) Close() error { return a.Store.Close() }
