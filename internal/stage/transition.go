package stage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"signal-engine/internal/logging"
)

const (
	DirectionPromotion = "promotion"
	DirectionDemotion  = "demotion"
)

// TransitionEvent is appended to the watch log whenever a token changes stage.
type TransitionEvent struct {
	ID              string    `json:"id"`
	Token           string    `json:"token"`
	Chain           string    `json:"chain"`
	FromStage       Stage     `json:"from_stage"`
	ToStage         Stage     `json:"to_stage"`
	Direction       string    `json:"direction"`
	Score           int       `json:"score"`
	Reasons         []string  `json:"reasons"`
	EnteredAt       time.Time `json:"entered_at"`
	ExitedAt        time.Time `json:"exited_at"`
	DurationSeconds int64     `json:"duration_seconds"`
	Timestamp       time.Time `json:"timestamp"`
}

// EventSink persists or forwards transition events.
type EventSink interface {
	Append(ctx context.Context, ev TransitionEvent) error
}

type tracked struct {
	stage     Stage
	enteredAt time.Time
}

// Tracker remembers the current stage of every token and emits an event
// when it changes. The first observation of a token only seeds its state.
type Tracker struct {
	mu     sync.Mutex
	states map[string]tracked
	sink   EventSink
	now    func() time.Time
}

// NewTracker creates a tracker; a nil clock means time.Now.
func NewTracker(sink EventSink, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{states: make(map[string]tracked), sink: sink, now: now}
}

// Observe records the decision for key and returns the emitted event, if any.
// Sink failures are logged and never returned.
func (t *Tracker) Observe(ctx context.Context, key, chain string, d Decision) (TransitionEvent, bool) {
	now := t.now().UTC()

	t.mu.Lock()
	prev, seen := t.states[key]
	if seen && prev.stage == d.Stage {
		t.mu.Unlock()
		return TransitionEvent{}, false
	}
	t.states[key] = tracked{stage: d.Stage, enteredAt: now}
	t.mu.Unlock()

	if !seen {
		return TransitionEvent{}, false
	}

	direction := DirectionDemotion
	if d.Stage.Rank() > prev.stage.Rank() {
		direction = DirectionPromotion
	}
	ev := TransitionEvent{
		ID:              uuid.NewString(),
		Token:           key,
		Chain:           chain,
		FromStage:       prev.stage,
		ToStage:         d.Stage,
		Direction:       direction,
		Score:           d.Score,
		Reasons:         append([]string(nil), d.Reasons...),
		EnteredAt:       prev.enteredAt,
		ExitedAt:        now,
		DurationSeconds: int64(now.Sub(prev.enteredAt).Seconds()),
		Timestamp:       now,
	}
	if t.sink != nil {
		if err := t.sink.Append(ctx, ev); err != nil {
			logging.WithToken(key).WithError(err).Error("append stage transition")
		}
	}
	return ev, true
}

// Current returns the tracked stage of key and when it was entered.
func (t *Tracker) Current(key string) (Stage, time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[key]
	return s.stage, s.enteredAt, ok
}

// Forget drops the tracked state of key.
func (t *Tracker) Forget(key string) {
	t.mu.Lock()
	delete(t.states, key)
	t.mu.Unlock()
}
