package alert

import (
	"context"
	"errors"
	"time"

	"signal-engine/internal/model"
	"signal-engine/internal/stage"
	"signal-engine/internal/state"
)

// ErrMissingToken is returned for observations without any identity field.
var ErrMissingToken = errors.New("observation has no token, mint or pair")

// Store is the token state the engine mutates. state.SQLiteStore implements it.
type Store interface {
	RecordObservation(ctx context.Context, token string, metrics model.Metrics) error
	MaybeAutoMute(ctx context.Context, token string, rule state.MuteRule) (bool, error)
	PassEscalationCheck(ctx context.Context, token string, metrics model.Metrics, rule state.EscalationRule) (bool, error)
	UpdateSeverity(ctx context.Context, token string, severity model.Mode) error
	AllowAlert(ctx context.Context, token string, base time.Duration) (bool, error)
	RecordAlert(ctx context.Context, token string, severity model.Mode) error
	RecordRepeat(ctx context.Context, token string, severity model.Mode) (model.RepeatStats, bool, error)
}

// DigestStore backs the daily digest.
type DigestStore interface {
	TopRecent(ctx context.Context, limit int, lookback time.Duration) ([]state.TokenState, error)
	KVGet(ctx context.Context, key, def string) (string, error)
	KVSet(ctx context.Context, key, value string) error
}

// Pruner deletes stale token state.
type Pruner interface {
	StaleTokens(ctx context.Context, olderThan time.Time) ([]string, error)
	Prune(ctx context.Context, token string, olderThan time.Time) (bool, error)
	Count(ctx context.Context) (int, error)
}

// Dispatcher delivers notifications. It never reports failures back: delivery
// is best effort and must not influence state.
type Dispatcher interface {
	Dispatch(ctx context.Context, req model.DispatchRequest)
	Announce(ctx context.Context, kind, text string)
}

// RiskChecker is the optional risk overlay.
type RiskChecker interface {
	Check(ctx context.Context, token string) model.RiskResult
}

// Source produces observations for one scan cycle.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]model.Observation, error)
}

// Action is what the engine did with an observation.
type Action string

const (
	ActionSent       Action = "sent"
	ActionCollapsed  Action = "collapsed"
	ActionSuppressed Action = "suppressed"
	ActionMuted      Action = "muted"
	ActionGated      Action = "gated"
)

// Outcome summarises one Process call.
type Outcome struct {
	Token      string
	Decision   stage.Decision
	Transition *stage.TransitionEvent
	Mode       model.Mode
	Escalated  bool
	Action     Action
	Request    *model.DispatchRequest
}

// Config holds the lifecycle parameters.
type Config struct {
	BaseCooldown   time.Duration
	Mute           state.MuteRule
	Escalation     state.EscalationRule
	CollapseEvery  int
	HeatingUpAfter int
	// MinStage gates dispatch; an empty value or early disables gating.
	MinStage stage.Stage
	// RugLevels are the risk overlay levels that force rug mode.
	RugLevels []string
}

func DefaultConfig() Config {
	return Config{
		BaseCooldown:   900 * time.Second,
		Mute:           state.MuteRule{Window: 15 * time.Minute, AfterAlerts: 4, Duration: 60 * time.Minute},
		Escalation:     state.EscalationRule{Confirmations: 3, Window: 10 * time.Minute, MinLiquidity: 15000, MinVolume5m: 8000},
		CollapseEvery:  3,
		HeatingUpAfter: 5,
		MinStage:       stage.StageEarly,
		RugLevels:      []string{model.RiskWarn, model.RiskHigh},
	}
}
