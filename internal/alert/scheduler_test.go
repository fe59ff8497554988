package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/internal/model"
	"signal-engine/internal/stage"
	"signal-engine/internal/state"
)

type staticSource struct {
	name  string
	obs   []model.Observation
	err   error
	calls int
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Fetch(context.Context) ([]model.Observation, error) {
	s.calls++
	return s.obs, s.err
}

func TestRunCycleProcessesSourcesAndHeartbeats(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	broken := &staticSource{name: "broken", err: errors.New("upstream 502")}
	good := &staticSource{name: "feed", obs: []model.Observation{
		obs("A", moderate()),
		{Metrics: moderate()},
		obs("B", moderate()),
	}}
	s := NewScheduler(SchedulerConfig{ScanInterval: time.Second, HeartbeatEvery: 2}, h.engine, h.disp, nil, nil, broken, good)
	ctx := context.Background()

	s.RunCycle(ctx)
	assert.Equal(t, 2, h.disp.count(), "a failing source or observation does not stop the cycle")
	assert.Empty(t, h.disp.texts[model.KindLogs])

	s.RunCycle(ctx)
	assert.Equal(t, int64(2), s.Cycle())
	require.Len(t, h.disp.texts[model.KindLogs], 1)
	assert.Contains(t, h.disp.texts[model.KindLogs][0], "cycle=2 DRY_RUN=false")
	assert.Equal(t, 2, broken.calls)
}

func TestSchedulerStartStop(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	s := NewScheduler(SchedulerConfig{ScanInterval: time.Hour, Location: time.UTC}, h.engine, h.disp,
		NewDigest(h.store, h.disp, time.UTC, 18, 0), NewRetention(h.store, h.engine, 72*time.Hour))
	require.NoError(t, s.Start())
	s.Stop()
}

func TestSchedulerRejectsZeroInterval(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	s := NewScheduler(SchedulerConfig{}, h.engine, h.disp, nil, nil)
	assert.Error(t, s.Start())
}

func TestRetentionSweep(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	_, err := h.engine.Process(ctx, obs("old", moderate()))
	require.NoError(t, err)
	h.clock.Advance(80 * time.Hour)
	_, err = h.engine.Process(ctx, obs("fresh", moderate()))
	require.NoError(t, err)

	r := NewRetention(h.store, h.engine, 72*time.Hour)
	r.now = h.clock.Now
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err := h.store.Get(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, h.engine.Classifier().History().Snapshot("old"))
	assert.Len(t, h.engine.Classifier().History().Snapshot("fresh"), 1)
}

func TestProcessAllPausesAfterFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	th := stage.DefaultThresholds()
	e := NewEngine(DefaultConfig(), flakyStore{SQLiteStore: h.store, bad: "bad"},
		stage.NewClassifier(th, stage.NewHistory(20)), stage.NewTracker(nil, nil), h.disp, WithClock(h.clock.Now))
	s := NewScheduler(SchedulerConfig{ScanInterval: time.Second, ErrorBackoff: 80 * time.Millisecond}, e, h.disp, nil, nil)
	ctx := context.Background()

	start := time.Now()
	s.ProcessAll(ctx, []model.Observation{obs("bad", moderate()), obs("good", moderate())})
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	_, ok, err := h.store.Get(ctx, "good")
	require.NoError(t, err)
	assert.True(t, ok, "the loop continues after the pause")

	// missing tokens are input errors and do not pause
	start = time.Now()
	s.ProcessAll(ctx, []model.Observation{{Metrics: moderate()}})
	assert.Less(t, time.Since(start), 80*time.Millisecond)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	s.ProcessAll(cctx, []model.Observation{obs("late", moderate())})
	_, ok, err = h.store.Get(ctx, "late")
	require.NoError(t, err)
	assert.False(t, ok)
}

// reobservingStore lets every stale token be observed again right after it is listed.
type reobservingStore struct {
	*state.SQLiteStore
	engine *Engine
}

func (r reobservingStore) StaleTokens(ctx context.Context, olderThan time.Time) ([]string, error) {
	tokens, err := r.SQLiteStore.StaleTokens(ctx, olderThan)
	for _, token := range tokens {
		if _, err := r.engine.Process(ctx, obs(token, moderate())); err != nil {
			return nil, err
		}
	}
	return tokens, err
}

func TestRetentionKeepsTokenSeenDuringSweep(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	_, err := h.engine.Process(ctx, obs("old", moderate()))
	require.NoError(t, err)
	h.clock.Advance(80 * time.Hour)

	r := NewRetention(reobservingStore{SQLiteStore: h.store, engine: h.engine}, h.engine, 72*time.Hour)
	r.now = h.clock.Now
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, ok, err := h.store.Get(ctx, "old")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, h.engine.Classifier().History().Snapshot("old"), 2)
}

func TestKeyLockReleasesEntries(t *testing.T) {
	k := newKeyLock()
	unlockA := k.Lock("A")
	unlockB := k.Lock("B")
	assert.Equal(t, 2, k.size())
	unlockA()
	unlockB()
	assert.Equal(t, 0, k.size())
}
