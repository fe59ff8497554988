package alert

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-engine/internal/model"
	"signal-engine/internal/state"
)

func TestDigestOncePerDay(t *testing.T) {
	clock := newTestClock()
	clock.t = time.Date(2024, 5, 1, 17, 59, 0, 0, time.UTC)
	store, err := state.Open(filepath.Join(t.TempDir(), "digest.db"), state.WithClock(clock.Now))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	require.NoError(t, store.RecordObservation(ctx, "So11111111111111111111111111111111111111112", model.Metrics{"liquidity": 42000.0, "volume_5m": 9100.0, "age_minutes": 33.0}))

	disp := &recorder{}
	d := NewDigest(store, disp, time.UTC, 18, 0)
	d.now = clock.Now

	sent, err := d.MaybeSend(ctx)
	require.NoError(t, err)
	assert.False(t, sent, "before the digest time")

	clock.Advance(time.Minute)
	sent, err = d.MaybeSend(ctx)
	require.NoError(t, err)
	assert.True(t, sent)
	require.Len(t, disp.texts[model.KindDigest], 1)
	body := disp.texts[model.KindDigest][0]
	assert.Contains(t, body, "Daily Digest")
	assert.Contains(t, body, "`So111112`")
	assert.Contains(t, body, "sev=near_pass alerts=0 liq=$42,000 vol5m=$9,100 age=33m")

	clock.Advance(3 * time.Hour)
	sent, err = d.MaybeSend(ctx)
	require.NoError(t, err)
	assert.False(t, sent, "already sent today")

	last, err := store.KVGet(ctx, digestKey, "")
	require.NoError(t, err)
	assert.Equal(t, "20240501", last)
}

func TestDigestUsesLocalTime(t *testing.T) {
	chicago, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	clock := newTestClock()
	// 22:30 UTC is 17:30 CDT
	clock.t = time.Date(2024, 5, 1, 22, 30, 0, 0, time.UTC)
	store, err := state.Open(filepath.Join(t.TempDir(), "digest.db"), state.WithClock(clock.Now))
	require.NoError(t, err)
	defer store.Close()

	d := NewDigest(store, &recorder{}, chicago, 18, 0)
	d.now = clock.Now
	due, err := d.Due(context.Background())
	require.NoError(t, err)
	assert.False(t, due)

	clock.Advance(30 * time.Minute)
	due, err = d.Due(context.Background())
	require.NoError(t, err)
	assert.True(t, due)
}

func TestFormatDigestShortTokens(t *testing.T) {
	body := FormatDigest([]state.TokenState{{Token: "ABC", SentCount: 3, LastSeverity: model.ModeRug}})
	assert.Contains(t, body, "`ABC` sev=rug alerts=3 liq=$0")
}

func TestExplain(t *testing.T) {
	m := model.Metrics{"liquidity": 70000.0, "volume_5m": 30000.0, "price_change_5m": 2.5, "age_minutes": 12.2}
	assert.Equal(t,
		"Near-pass because early momentum is building with tradable liquidity (liq $70,000, 5m vol $30,000, +2.5% in 5m, age ~12m).",
		Explain(model.ModeNearPass, m))
	assert.Equal(t,
		"Escalated to PASS: repeated confirmations with strong flow (liq $70,000, 5m vol $30,000) while still early (~12m).",
		Explain(model.ModePass, m))
	assert.Contains(t, Explain(model.ModeRug, nil), "RUG risk flagged")
	assert.Contains(t, Explain(model.ModeNearPass, nil), "liq $0")
}
