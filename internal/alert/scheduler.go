package alert

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"signal-engine/internal/logging"
	"signal-engine/internal/metrics"
	"signal-engine/internal/model"
)

type SchedulerConfig struct {
	Location       *time.Location
	ScanInterval   time.Duration
	HeartbeatEvery int
	DryRun         bool
	// ErrorBackoff pauses the loop after a failed observation.
	ErrorBackoff time.Duration
}

// Scheduler drives the periodic scan cycle, the digest check and the
// retention sweep on a cron.
type Scheduler struct {
	cfg        SchedulerConfig
	cron       *cron.Cron
	engine     *Engine
	dispatcher Dispatcher
	digest     *Digest
	retention  *Retention
	sources    []Source
	cycle      atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

type job struct {
	name string
	spec string
	fn   func()
}

func NewScheduler(cfg SchedulerConfig, engine *Engine, dispatcher Dispatcher, digest *Digest, retention *Retention, sources ...Source) *Scheduler {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	logger := cron.PrintfLogger(logging.Logger())
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithSeconds(),
		cron.WithChain(
			cron.SkipIfStillRunning(logger),
			cron.Recover(logger),
		),
	)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		cron:       c,
		engine:     engine,
		dispatcher: dispatcher,
		digest:     digest,
		retention:  retention,
		sources:    sources,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Scheduler) Start() error {
	if s.cfg.ScanInterval <= 0 {
		return errors.New("scan interval must be positive")
	}
	jobs := []job{
		{"scan", fmt.Sprintf("@every %s", s.cfg.ScanInterval), func() { s.RunCycle(s.ctx) }},
	}
	if s.digest != nil {
		jobs = append(jobs, job{"digest", "0 * * * * *", func() { s.runDigest(s.ctx) }})
	}
	if s.retention != nil {
		jobs = append(jobs, job{"retention", "@hourly", func() { s.runRetention(s.ctx) }})
	}
	for _, j := range jobs {
		if _, err := s.cron.AddFunc(j.spec, j.fn); err != nil {
			return fmt.Errorf("add cron for %s: %w", j.name, err)
		}
		logging.Infof("job registered: %s cron=%s", j.name, j.spec)
	}
	s.cron.Start()
	return nil
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.cancel()
}

func (s *Scheduler) Cycle() int64 { return s.cycle.Load() }

// RunCycle fetches every source once and processes the observations. Failures
// are logged per source and per observation.
func (s *Scheduler) RunCycle(ctx context.Context) {
	cycle := s.cycle.Add(1)
	if s.cfg.HeartbeatEvery > 0 && cycle%int64(s.cfg.HeartbeatEvery) == 0 {
		hb := fmt.Sprintf("[worker] heartbeat %s cycle=%d DRY_RUN=%t",
			time.Now().UTC().Format(time.RFC3339), cycle, s.cfg.DryRun)
		logging.Infof("%s", hb)
		if s.dispatcher != nil {
			s.dispatcher.Announce(ctx, model.KindLogs, hb)
		}
	}

	for _, src := range s.sources {
		start := time.Now()
		observations, err := src.Fetch(ctx)
		metrics.SourceFetchDuration.WithLabelValues(src.Name()).Observe(time.Since(start).Seconds())
		if err != nil {
			logging.Errorf("[worker] source %s error: %v", src.Name(), err)
			continue
		}
		logging.Infof("[worker] source=%s candidates=%d", src.Name(), len(observations))
		s.ProcessAll(ctx, observations)
	}
	metrics.ScanCyclesTotal.Inc()
}

// ProcessAll runs observations through the engine, logging failures. After a
// failure other than a missing token it waits ErrorBackoff before moving on.
func (s *Scheduler) ProcessAll(ctx context.Context, observations []model.Observation) {
	for _, obs := range observations {
		if ctx.Err() != nil {
			return
		}
		_, err := s.engine.Process(ctx, obs)
		if err == nil {
			continue
		}
		logging.WithToken(obs.Key()).WithError(err).Error("process observation")
		if errors.Is(err, ErrMissingToken) || s.cfg.ErrorBackoff <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.ErrorBackoff):
		}
	}
}

func (s *Scheduler) runDigest(ctx context.Context) {
	if _, err := s.digest.MaybeSend(ctx); err != nil {
		logging.Errorf("[digest] error: %v", err)
	}
}

func (s *Scheduler) runRetention(ctx context.Context) {
	if _, err := s.retention.Sweep(ctx); err != nil {
		logging.Errorf("retention sweep error: %v", err)
	}
}
