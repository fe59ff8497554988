package notification

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"signal-engine/internal/model"
)

var colors = map[string]int{
	string(model.ModeNearPass): 0xF1C40F,
	string(model.ModePass):     0x2ECC71,
	string(model.ModeRug):      0xE74C3C,
	model.KindLogs:             0x95A5A6,
	model.KindDigest:           0x3498DB,
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields"`
	Footer      embedFooter  `json:"footer"`
}

// DiscordNotifier posts embeds to per-kind webhooks. A kind with several
// webhooks rotates through them; a kind with none is skipped.
type DiscordNotifier struct {
	webhooks map[string][]string
	timeout  time.Duration
	now      func() time.Time

	mu   sync.Mutex
	next map[string]int
}

func NewDiscordNotifier(webhooks map[string][]string, timeout time.Duration) *DiscordNotifier {
	hooks := make(map[string][]string, len(webhooks))
	for kind, urls := range webhooks {
		for _, u := range urls {
			if u != "" {
				hooks[kind] = append(hooks[kind], u)
			}
		}
	}
	return &DiscordNotifier{webhooks: hooks, timeout: timeout, now: time.Now, next: make(map[string]int)}
}

func (d *DiscordNotifier) Name() string { return "discord" }

// Configured reports whether any kind has a webhook.
func (d *DiscordNotifier) Configured() bool { return len(d.webhooks) > 0 }

func (d *DiscordNotifier) pick(kind string) (string, bool) {
	hooks := d.webhooks[kind]
	if len(hooks) == 0 {
		return "", false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.next[kind] % len(hooks)
	d.next[kind] = i + 1
	return hooks[i], true
}

func (d *DiscordNotifier) Send(ctx context.Context, msg Message) error {
	url, ok := d.pick(msg.Kind)
	if !ok {
		return nil
	}
	var payload any
	switch {
	case msg.Request == nil:
		payload = map[string]string{"content": msg.Text}
	case msg.Request.Collapsed:
		payload = map[string][]embed{"embeds": {d.collapsedEmbed(*msg.Request)}}
	default:
		payload = map[string][]embed{"embeds": {d.candidateEmbed(*msg.Request)}}
	}
	if _, err := postJSON(ctx, d.timeout, url, nil, payload); err != nil {
		return fmt.Errorf("discord %s: %w", msg.Kind, err)
	}
	return nil
}

func (d *DiscordNotifier) candidateEmbed(req model.DispatchRequest) embed {
	kind := string(req.Mode)
	m := req.Metrics
	liq := m.NumberOr(model.MetricLiquidity, 0)
	vol := m.NumberOr(model.MetricVolume5m, 0)
	mom := m.NumberOr(model.MetricPriceChange5m, 0)
	conf := Confidence(m)
	label, emoji := WalletBadge(req.Risk)

	fields := []embedField{
		{Name: "💧 Liquidity", Value: fmt.Sprintf("%s\n`%s`", usd(liq), bar(liq, 50000)), Inline: true},
		{Name: "📊 Volume (5m)", Value: fmt.Sprintf("%s\n`%s`", usd(vol), bar(vol, 20000)), Inline: true},
		{Name: "⚡ Momentum", Value: fmt.Sprintf("%+.2f%%\n`%s`", mom, bar(math.Abs(mom), 15)), Inline: true},
		{Name: "🎯 Confidence", Value: fmt.Sprintf("%d%%\n`%s`", conf, bar(float64(conf), 100)), Inline: true},
		{Name: "🧬 Wallet Risk", Value: emoji + " " + label, Inline: true},
	}
	if req.Escalated {
		fields = append(fields, embedField{Name: "⬆️ Escalation", Value: "Promoted from **Near-Pass** after confirmations"})
	}
	explanation := req.Explanation
	if explanation == "" {
		explanation = "-"
	}
	fields = append(fields,
		embedField{Name: "🧠 Why this hit", Value: explanation},
		embedField{Name: "🔗 Links", Value: links(req.Token)},
	)
	return embed{
		Title:       Header(kind),
		Description: fmt.Sprintf("**SOL · $%s**", symbol(req)),
		Color:       color(kind),
		Fields:      fields,
		Footer:      embedFooter{Text: "signal-engine · " + d.now().UTC().Format("15:04:05 UTC")},
	}
}

func (d *DiscordNotifier) collapsedEmbed(req model.DispatchRequest) embed {
	kind := string(req.Mode)
	title := Header(kind) + " (REPEATED)"
	if req.HeatingUp {
		title += " 🔥"
	}
	stats := model.RepeatStats{RepeatCount: 1}
	if req.Repeat != nil {
		stats = *req.Repeat
	}
	return embed{
		Title:       title,
		Description: fmt.Sprintf("**SOL · $%s**", symbol(req)),
		Color:       color(kind),
		Fields: []embedField{
			{Name: "🔁 Repeats", Value: strconv.Itoa(stats.RepeatCount), Inline: true},
			{Name: "⏱ First Seen", Value: clock(stats.FirstSeen), Inline: true},
			{Name: "⏱ Last Seen", Value: clock(stats.LastSeen), Inline: true},
			{Name: "🔗 Links", Value: links(req.Token)},
		},
		Footer: embedFooter{Text: "signal-engine · collapsed repeat"},
	}
}

func color(kind string) int {
	if c, ok := colors[kind]; ok {
		return c
	}
	return 0xFFFFFF
}
