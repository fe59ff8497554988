package alert

import (
	"context"
	"fmt"
	"time"

	"signal-engine/internal/logging"
	"signal-engine/internal/metrics"
	"signal-engine/internal/model"
	"signal-engine/internal/stage"
)

// Engine pulls observations through classification and the per-token alert
// lifecycle. Process may be called concurrently; calls for the same token are
// serialised.
type Engine struct {
	cfg        Config
	store      Store
	classifier *stage.Classifier
	tracker    *stage.Tracker
	dispatcher Dispatcher
	risk       RiskChecker
	locks      *keyLock
	now        func() time.Time
}

type Option func(*Engine)

func WithRiskChecker(r RiskChecker) Option {
	return func(e *Engine) { e.risk = r }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(cfg Config, store Store, classifier *stage.Classifier, tracker *stage.Tracker, dispatcher Dispatcher, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg,
		store:      store,
		classifier: classifier,
		tracker:    tracker,
		dispatcher: dispatcher,
		locks:      newKeyLock(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Classifier exposes the stage classifier for read-only callers.
func (e *Engine) Classifier() *stage.Classifier { return e.classifier }

// Tracker exposes the transition tracker for read-only callers.
func (e *Engine) Tracker() *stage.Tracker { return e.tracker }

// Forget drops the in-memory history and tracked stage of token.
func (e *Engine) Forget(token string) {
	unlock := e.locks.Lock(token)
	defer unlock()
	e.forget(token)
}

func (e *Engine) forget(token string) {
	e.classifier.History().Forget(token)
	e.tracker.Forget(token)
}

// prune removes a stale token while holding its lock, so an observation cannot
// land between the delete and the history reset.
func (e *Engine) prune(ctx context.Context, store Pruner, token string, olderThan time.Time) (bool, error) {
	unlock := e.locks.Lock(token)
	defer unlock()
	removed, err := store.Prune(ctx, token, olderThan)
	if err != nil || !removed {
		return false, err
	}
	e.forget(token)
	return true, nil
}

// Process handles one observation. Store failures abort processing of this
// observation only; notifier failures never surface here. Cancellation of ctx
// is ignored: once started, an observation runs to completion.
func (e *Engine) Process(ctx context.Context, obs model.Observation) (out Outcome, err error) {
	ctx = context.WithoutCancel(ctx)
	key := obs.Key()
	if key == "" {
		return out, ErrMissingToken
	}
	out.Token = key

	unlock := e.locks.Lock(key)
	defer unlock()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic processing %s: %v", key, rec)
		}
		if err != nil {
			metrics.ProcessErrorsTotal.Inc()
		}
	}()
	metrics.ObservationsTotal.WithLabelValues(sourceLabel(obs.Source)).Inc()

	if err := e.store.RecordObservation(ctx, key, obs.Metrics); err != nil {
		return out, err
	}

	d := e.classifier.Classify(key, stage.SignalsFromObservation(obs))
	out.Decision = d
	if ev, ok := e.tracker.Observe(ctx, key, obs.Chain, d); ok {
		out.Transition = &ev
		metrics.StageTransitionsTotal.WithLabelValues(ev.Direction, string(ev.ToStage)).Inc()
		logging.WithToken(key).Infof("stage %s -> %s score=%d after %ds", ev.FromStage, ev.ToStage, ev.Score, ev.DurationSeconds)
	}

	mode := model.ModeNearPass
	if obs.RugBad {
		mode = model.ModeRug
	}
	var risk *model.RiskResult
	if e.risk != nil {
		r := e.risk.Check(ctx, key)
		risk = &r
		if r.Enabled && e.isRugLevel(r.Risk) {
			mode = model.ModeRug
			obs.Reason = "rug_wallet_" + r.Reason
		}
	}
	if mode == model.ModeRug {
		if err := e.store.UpdateSeverity(ctx, key, model.ModeRug); err != nil {
			return out, err
		}
	}
	out.Mode = mode

	defer func() {
		if err == nil && out.Action != "" {
			metrics.DecisionsTotal.WithLabelValues(string(out.Action), string(out.Mode)).Inc()
		}
	}()

	if mode != model.ModeRug && d.Stage.Rank() < e.cfg.MinStage.Rank() {
		out.Action = ActionGated
		return out, nil
	}

	muted, err := e.store.MaybeAutoMute(ctx, key, e.cfg.Mute)
	if err != nil {
		return out, err
	}
	if muted {
		out.Action = ActionMuted
		logging.WithToken(key).Debug("muted")
		return out, nil
	}

	if mode != model.ModeRug {
		confirmed, err := e.store.PassEscalationCheck(ctx, key, obs.Metrics, e.cfg.Escalation)
		if err != nil {
			return out, err
		}
		severity := model.ModeNearPass
		if confirmed {
			mode = model.ModePass
			severity = model.ModePass
			out.Escalated = true
		}
		if err := e.store.UpdateSeverity(ctx, key, severity); err != nil {
			return out, err
		}
		out.Mode = mode
	}

	req := e.request(obs, key, d, mode, risk, out.Escalated)

	if mode == model.ModePass {
		if err := e.store.RecordAlert(ctx, key, mode); err != nil {
			return out, err
		}
		return e.send(ctx, out, req, ActionSent), nil
	}

	allowed, err := e.store.AllowAlert(ctx, key, e.cfg.BaseCooldown)
	if err != nil {
		return out, err
	}
	if allowed {
		if err := e.store.RecordAlert(ctx, key, mode); err != nil {
			return out, err
		}
		return e.send(ctx, out, req, ActionSent), nil
	}

	stats, ok, err := e.store.RecordRepeat(ctx, key, mode)
	if err != nil {
		return out, err
	}
	if !ok || !e.shouldCollapse(stats.RepeatCount) {
		out.Action = ActionSuppressed
		return out, nil
	}
	req.Collapsed = true
	req.HeatingUp = stats.RepeatCount >= e.cfg.HeatingUpAfter
	req.Repeat = &stats
	heating := ""
	if req.HeatingUp {
		heating = " HEATING_UP"
	}
	logging.WithToken(key).Infof("[repeat] %s %s count=%d%s", mode, obs.Symbol, stats.RepeatCount, heating)
	return e.send(ctx, out, req, ActionCollapsed), nil
}

func (e *Engine) send(ctx context.Context, out Outcome, req model.DispatchRequest, action Action) Outcome {
	out.Action = action
	out.Request = &req
	if e.dispatcher != nil {
		e.dispatcher.Dispatch(ctx, req)
	}
	return out
}

func (e *Engine) request(obs model.Observation, key string, d stage.Decision, mode model.Mode, risk *model.RiskResult, escalated bool) model.DispatchRequest {
	snapshot := obs.Metrics.Clone()
	return model.DispatchRequest{
		Token:       key,
		Chain:       obs.Chain,
		Symbol:      obs.Symbol,
		Reason:      obs.Reason,
		Mode:        mode,
		Stage:       string(d.Stage),
		Score:       d.Score,
		Reasons:     append([]string(nil), d.Reasons...),
		Metrics:     snapshot,
		Explanation: Explain(mode, snapshot),
		Escalated:   escalated,
		Risk:        risk,
		At:          e.now().UTC(),
	}
}

// shouldCollapse fires on every CollapseEvery-th repeat, never on the first.
// shouldCollapse never fires on the first repeat, even with CollapseEvery=1.
func (e *Engine) shouldCollapse(repeatCount int) bool {
	if e.cfg.CollapseEvery <= 0 {
		return false
	}
	return repeatCount > 1 && repeatCount%e.cfg.CollapseEvery == 0
}

func (e *Engine) isRugLevel(level string) bool {
	for _, l := range e.cfg.RugLevels {
		if l == level {
			return true
		}
	}
	return false
}

func sourceLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
