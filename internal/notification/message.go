package notification

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"signal-engine/internal/model"
)

// Message is what a notifier delivers. Request is set for alerts and nil for
// free-text announcements (heartbeats, digests).
type Message struct {
	Kind    string
	Title   string
	Text    string
	Request *model.DispatchRequest
}

var headers = map[string]string{
	string(model.ModeNearPass): "🟡 NEAR-PASS DETECTED",
	string(model.ModePass):     "🟢 PASS CONFIRMED",
	string(model.ModeRug):      "🔴 RUG RISK FLAGGED",
	model.KindLogs:             "⚙️ ENGINE STATUS",
	model.KindDigest:           "📊 DAILY SIGNAL DIGEST",
}

// Header is the display title for a notification kind.
func Header(kind string) string {
	if h, ok := headers[kind]; ok {
		return h
	}
	return "SIGNAL"
}

// AlertMessage renders a dispatch request for the text based channels.
func AlertMessage(req model.DispatchRequest) Message {
	kind := string(req.Mode)
	title := Header(kind)
	if req.Collapsed {
		title += " (REPEATED)"
		if req.HeatingUp {
			title += " 🔥"
		}
	}
	title += " $" + symbol(req)

	var b strings.Builder
	fmt.Fprintf(&b, "**Token:** `%s`\n", req.Token)
	if req.Collapsed && req.Repeat != nil {
		fmt.Fprintf(&b, "**Repeats:** %d\n", req.Repeat.RepeatCount)
		fmt.Fprintf(&b, "**First Seen:** %s\n", clock(req.Repeat.FirstSeen))
		fmt.Fprintf(&b, "**Last Seen:** %s\n", clock(req.Repeat.LastSeen))
	} else {
		m := req.Metrics
		if req.Stage != "" {
			fmt.Fprintf(&b, "**Stage:** %s (score %d)\n", req.Stage, req.Score)
		}
		fmt.Fprintf(&b, "**Liquidity:** %s\n", usd(m.NumberOr(model.MetricLiquidity, 0)))
		fmt.Fprintf(&b, "**Volume (5m):** %s\n", usd(m.NumberOr(model.MetricVolume5m, 0)))
		fmt.Fprintf(&b, "**Momentum:** %+.2f%%\n", m.NumberOr(model.MetricPriceChange5m, 0))
		fmt.Fprintf(&b, "**Confidence:** %d%%\n", Confidence(m))
		label, emoji := WalletBadge(req.Risk)
		fmt.Fprintf(&b, "**Wallet Risk:** %s\n", strings.TrimSpace(emoji+" "+label))
		if req.Escalated {
			b.WriteString("**Escalation:** promoted from Near-Pass after confirmations\n")
		}
		if req.Explanation != "" {
			fmt.Fprintf(&b, "\n%s\n", req.Explanation)
		}
	}
	fmt.Fprintf(&b, "\n%s", links(req.Token))
	return Message{Kind: kind, Title: title, Text: b.String(), Request: &req}
}

// Confidence blends liquidity, volume, momentum and freshness into 0..100.
func Confidence(m model.Metrics) int {
	liq := m.NumberOr(model.MetricLiquidity, 0)
	vol := m.NumberOr(model.MetricVolume5m, 0)
	mom := math.Abs(m.NumberOr(model.MetricPriceChange5m, 0))
	age := m.NumberOr(model.MetricAgeMinutes, 999)

	score := math.Min(liq/20000, 1)*35 +
		math.Min(vol/10000, 1)*35 +
		math.Min(mom/10, 1)*20 +
		math.Max(0, (240-age)/240)*10
	return int(math.Round(score))
}

// WalletBadge returns the label and emoji for a risk overlay result.
func WalletBadge(r *model.RiskResult) (string, string) {
	if r == nil || !r.Enabled {
		return "Unknown", "⚪"
	}
	switch r.Risk {
	case model.RiskOK:
		return "Wallet OK", "🟢"
	case model.RiskWarn:
		return "Wallet Warn", "🟡"
	case model.RiskHigh:
		return "Wallet High Risk", "🔴"
	}
	return "Unknown", "⚪"
}

// bar draws value/max as a ten cell gauge.
func bar(value, max float64) string {
	const width = 10
	pct := math.Min(math.Max(value/max, 0), 1)
	filled := int(pct * width)
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func symbol(req model.DispatchRequest) string {
	if req.Symbol == "" {
		return "UNK"
	}
	return req.Symbol
}

func usd(v float64) string {
	return "$" + humanize.Comma(int64(math.Round(v)))
}

func clock(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("15:04:05 UTC")
}

func links(token string) string {
	return fmt.Sprintf("[Dexscreener](https://dexscreener.com/solana/%s) · [Solscan](https://solscan.io/token/%s)", token, token)
}
