package alert

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"

	"signal-engine/internal/model"
)

func usd(v float64) string {
	return "$" + humanize.Comma(int64(math.Round(v)))
}

// Explain returns the one-sentence rationale attached to a dispatch.
func Explain(mode model.Mode, m model.Metrics) string {
	liq := m.NumberOr(model.MetricLiquidity, 0)
	vol := m.NumberOr(model.MetricVolume5m, 0)
	chg := m.NumberOr(model.MetricPriceChange5m, 0)
	age := m.NumberOr(model.MetricAgeMinutes, 0)

	switch mode {
	case model.ModePass:
		return fmt.Sprintf("Escalated to PASS: repeated confirmations with strong flow (liq %s, 5m vol %s) while still early (~%.0fm).",
			usd(liq), usd(vol), age)
	case model.ModeRug:
		return "RUG risk flagged: wallet concentration / dev behavior looks dangerous relative to liquidity and early flow."
	default:
		return fmt.Sprintf("Near-pass because early momentum is building with tradable liquidity (liq %s, 5m vol %s, %+.1f%% in 5m, age ~%.0fm).",
			usd(liq), usd(vol), chg, age)
	}
}
