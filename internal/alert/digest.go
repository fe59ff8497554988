package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"signal-engine/internal/logging"
	"signal-engine/internal/model"
	"signal-engine/internal/state"
)

const digestKey = "digest_last_sent_yyyymmdd"

// Digest sends one summary of recently seen tokens per local day.
type Digest struct {
	store      DigestStore
	dispatcher Dispatcher
	loc        *time.Location
	hour       int
	minute     int
	limit      int
	show       int
	lookback   time.Duration
	now        func() time.Time
}

func NewDigest(store DigestStore, dispatcher Dispatcher, loc *time.Location, hour, minute int) *Digest {
	if loc == nil {
		loc = time.Local
	}
	return &Digest{
		store:      store,
		dispatcher: dispatcher,
		loc:        loc,
		hour:       hour,
		minute:     minute,
		limit:      25,
		show:       15,
		lookback:   24 * time.Hour,
		now:        time.Now,
	}
}

// Due reports whether today's digest is pending and claims the day if so.
func (d *Digest) Due(ctx context.Context) (bool, error) {
	local := d.now().In(d.loc)
	today := local.Format("20060102")
	last, err := d.store.KVGet(ctx, digestKey, "")
	if err != nil {
		return false, err
	}
	if last == today {
		return false, nil
	}
	if local.Hour() < d.hour || (local.Hour() == d.hour && local.Minute() < d.minute) {
		return false, nil
	}
	if err := d.store.KVSet(ctx, digestKey, today); err != nil {
		return false, err
	}
	return true, nil
}

// MaybeSend sends the digest when it is due. It reports whether a digest was sent.
func (d *Digest) MaybeSend(ctx context.Context) (bool, error) {
	due, err := d.Due(ctx)
	if err != nil || !due {
		return false, err
	}
	logging.Infof("[digest] sending daily digest")
	items, err := d.store.TopRecent(ctx, d.limit, d.lookback)
	if err != nil {
		return false, fmt.Errorf("digest: %w", err)
	}
	if len(items) == 0 {
		return false, nil
	}
	if len(items) > d.show {
		items = items[:d.show]
	}
	d.dispatcher.Announce(ctx, model.KindDigest, FormatDigest(items))
	return true, nil
}

// FormatDigest renders the digest body.
func FormatDigest(items []state.TokenState) string {
	lines := []string{"📊 **Daily Digest (last 24h)**"}
	for _, it := range items {
		m := it.LastMetrics
		sev := it.LastSeverity
		if sev == "" {
			sev = model.ModeNearPass
		}
		lines = append(lines, fmt.Sprintf("- `%s` sev=%s alerts=%d liq=%s vol5m=%s age=%.0fm",
			shortToken(it.Token), sev, it.SentCount,
			usd(m.NumberOr(model.MetricLiquidity, 0)),
			usd(m.NumberOr(model.MetricVolume5m, 0)),
			m.NumberOr(model.MetricAgeMinutes, 0)))
	}
	return strings.Join(lines, "\n")
}

func shortToken(t string) string {
	if len(t) <= 8 {
		return t
	}
	return t[:4] + t[len(t)-4:]
}
