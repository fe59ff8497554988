package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"signal-engine/internal/config"
	"signal-engine/internal/model"
)

type capture struct {
	mu     sync.Mutex
	bodies map[string][]map[string]any
	status int
	reply  string
}

func newCapture() *capture {
	return &capture{bodies: make(map[string][]map[string]any), status: http.StatusNoContent}
}

func (c *capture) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		c.mu.Lock()
		c.bodies[r.URL.Path] = append(c.bodies[r.URL.Path], body)
		c.mu.Unlock()
		w.WriteHeader(c.status)
		_, _ = io.WriteString(w, c.reply)
	})
}

func (c *capture) count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies[path])
}

func sampleRequest() model.DispatchRequest {
	return model.DispatchRequest{
		Token:       "So11111111111111111111111111111111111111112",
		Symbol:      "WIF",
		Mode:        model.ModeNearPass,
		Stage:       "building",
		Score:       12,
		Metrics:     model.Metrics{"liquidity": 25000.0, "volume_5m": 12000.0, "price_change_5m": -4.5, "age_minutes": 30.0},
		Explanation: "Near-pass because early momentum is building",
		Risk:        &model.RiskResult{Enabled: true, Risk: model.RiskWarn, Reason: "top1_concentrated_norm(0.09)"},
	}
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, 100, Confidence(model.Metrics{"liquidity": 20000.0, "volume_5m": 10000.0, "price_change_5m": -10.0, "age_minutes": 0.0}))
	assert.Equal(t, 0, Confidence(nil), "missing age counts as stale")
	// 17.5 + 17.5 + 10 + 5
	assert.Equal(t, 50, Confidence(model.Metrics{"liquidity": 10000.0, "volume_5m": 5000.0, "price_change_5m": 5.0, "age_minutes": 120.0}))
}

func TestWalletBadge(t *testing.T) {
	label, emoji := WalletBadge(nil)
	assert.Equal(t, "Unknown", label)
	assert.Equal(t, "⚪", emoji)
	label, _ = WalletBadge(&model.RiskResult{Enabled: false, Risk: model.RiskOK})
	assert.Equal(t, "Unknown", label)
	label, emoji = WalletBadge(&model.RiskResult{Enabled: true, Risk: model.RiskHigh})
	assert.Equal(t, "Wallet High Risk", label)
	assert.Equal(t, "🔴", emoji)
}

func TestBar(t *testing.T) {
	assert.Equal(t, "█████░░░░░", bar(25000, 50000))
	assert.Equal(t, "██████████", bar(90000, 50000))
	assert.Equal(t, "░░░░░░░░░░", bar(-3, 15))
}

func TestAlertMessage(t *testing.T) {
	msg := AlertMessage(sampleRequest())
	assert.Equal(t, "near_pass", msg.Kind)
	assert.Equal(t, "🟡 NEAR-PASS DETECTED $WIF", msg.Title)
	assert.Contains(t, msg.Text, "**Liquidity:** $25,000")
	assert.Contains(t, msg.Text, "**Momentum:** -4.50%")
	assert.Contains(t, msg.Text, "Wallet Warn")
	assert.Contains(t, msg.Text, "dexscreener.com/solana/So1111")

	req := sampleRequest()
	req.Collapsed, req.HeatingUp = true, true
	req.Repeat = &model.RepeatStats{RepeatCount: 6, FirstSeen: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	msg = AlertMessage(req)
	assert.Equal(t, "🟡 NEAR-PASS DETECTED (REPEATED) 🔥 $WIF", msg.Title)
	assert.Contains(t, msg.Text, "**Repeats:** 6")
	assert.Contains(t, msg.Text, "**First Seen:** 10:00:00 UTC")
	assert.Contains(t, msg.Text, "**Last Seen:** -")
}

func TestDiscordRoundRobinAndEmbeds(t *testing.T) {
	c := newCapture()
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	d := NewDiscordNotifier(map[string][]string{
		"near_pass": {srv.URL + "/a", srv.URL + "/b", ""},
		"logs":      {srv.URL + "/logs"},
		"pass":      nil,
	}, time.Second)
	d.now = func() time.Time { return time.Date(2024, 5, 1, 12, 30, 5, 0, time.UTC) }
	ctx := context.Background()

	req := sampleRequest()
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Send(ctx, AlertMessage(req)))
	}
	assert.Equal(t, 2, c.count("/a"))
	assert.Equal(t, 1, c.count("/b"))

	e := c.bodies["/a"][0]["embeds"].([]any)[0].(map[string]any)
	assert.Equal(t, "🟡 NEAR-PASS DETECTED", e["title"])
	assert.Equal(t, "**SOL · $WIF**", e["description"])
	assert.Equal(t, float64(0xF1C40F), e["color"])
	assert.Equal(t, "signal-engine · 12:30:05 UTC", e["footer"].(map[string]any)["text"])
	fields := e["fields"].([]any)
	require.Len(t, fields, 7)
	assert.Equal(t, "$25,000\n`█████░░░░░`", fields[0].(map[string]any)["value"])

	req.Collapsed = true
	req.Repeat = &model.RepeatStats{RepeatCount: 3}
	require.NoError(t, d.Send(ctx, AlertMessage(req)))
	e = c.bodies["/b"][1]["embeds"].([]any)[0].(map[string]any)
	assert.Equal(t, "🟡 NEAR-PASS DETECTED (REPEATED)", e["title"])
	assert.Equal(t, "signal-engine · collapsed repeat", e["footer"].(map[string]any)["text"])

	require.NoError(t, d.Send(ctx, Message{Kind: model.KindLogs, Text: "heartbeat"}))
	assert.Equal(t, "heartbeat", c.bodies["/logs"][0]["content"])

	assert.NoError(t, d.Send(ctx, AlertMessage(model.DispatchRequest{Mode: model.ModePass})), "kinds without a webhook are skipped")
}

func TestDiscordReportsStatus(t *testing.T) {
	c := newCapture()
	c.status = http.StatusTooManyRequests
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	d := NewDiscordNotifier(map[string][]string{"rug": {srv.URL}}, time.Second)
	err := d.Send(context.Background(), AlertMessage(model.DispatchRequest{Token: "T", Mode: model.ModeRug}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=429")
}

func TestDingTalkErrCode(t *testing.T) {
	c := newCapture()
	c.status = http.StatusOK
	c.reply = `{"errcode":310000,"errmsg":"sign not match"}`
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	d := &DingTalkNotifier{Webhook: srv.URL + "/robot/send?access_token=x", Secret: "s3cret", Timeout: time.Second}
	err := d.Send(context.Background(), Message{Kind: model.KindLogs, Title: "status", Text: "ok"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "errcode=310000")

	signed := signDingTalk("http://x/robot/send?access_token=x", "s3cret", time.UnixMilli(1700000000000))
	assert.Contains(t, signed, "timestamp=1700000000000")
	assert.Contains(t, signed, "sign=")
}

func TestFeishuTemplateAndMention(t *testing.T) {
	c := newCapture()
	c.status = http.StatusOK
	srv := httptest.NewServer(c.handler())
	defer srv.Close()

	f := &FeishuNotifier{Webhook: srv.URL + "/hook", EnableAtAll: true, Timeout: time.Second, TitlePrefix: "[prod]"}
	require.NoError(t, f.Send(context.Background(), AlertMessage(model.DispatchRequest{Token: "T", Mode: model.ModeRug})))
	card := c.bodies["/hook"][0]["card"].(map[string]any)
	header := card["header"].(map[string]any)
	assert.Equal(t, "red", header["template"])
	assert.Contains(t, header["title"].(map[string]any)["content"], "[prod] 🔴 RUG RISK FLAGGED")
	text := card["elements"].([]any)[0].(map[string]any)["text"].(map[string]any)["content"].(string)
	assert.Contains(t, text, "<at id=all></at>")
}

func TestEmailMessage(t *testing.T) {
	var sent *gomail.Message
	e := &EmailNotifier{
		Host: "smtp.local", Port: 587, From: "engine@local", To: []string{"ops@local"}, SubjectPrefix: "[signals]",
		send: func(d *gomail.Dialer, m *gomail.Message) error {
			assert.Equal(t, "smtp.local", d.Host)
			sent = m
			return nil
		},
	}
	require.NoError(t, e.Send(context.Background(), AlertMessage(sampleRequest())))
	require.NotNil(t, sent)
	subject := sent.GetHeader("Subject")
	require.Len(t, subject, 1)
	decoded, err := new(mime.WordDecoder).DecodeHeader(subject[0])
	require.NoError(t, err)
	assert.Equal(t, "[signals] 🟡 NEAR-PASS DETECTED $WIF", decoded)
	var buf bytes.Buffer
	_, err = sent.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "ops@local")

	assert.Equal(t, "<strong>a</strong> <code>b</code><br>&lt;c&gt;", markdownToHTML("**a** `b`\n<c>"))
}

type fakeNotifier struct {
	name string
	err  error
	mu   sync.Mutex
	msgs []Message
}

func (f *fakeNotifier) Name() string { return f.name }

func (f *fakeNotifier) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return f.err
}

func TestDispatcherRoutes(t *testing.T) {
	console := &fakeNotifier{name: "console"}
	discord := &fakeNotifier{name: "discord", err: errors.New("boom")}
	email := &fakeNotifier{name: "email"}
	d := NewDispatcher(map[string]Notifier{"console": console, "discord": discord, "email": email},
		WithRoutes(map[string][]string{"near_pass": {"console", "discord", "missing"}}),
		WithTimeout(time.Second))
	ctx := context.Background()

	err := d.Deliver(ctx, AlertMessage(sampleRequest()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discord: boom")
	assert.Len(t, console.msgs, 1)
	assert.Empty(t, email.msgs)

	d.Announce(ctx, model.KindDigest, "digest body")
	assert.Len(t, email.msgs, 1, "unrouted kinds reach every channel")
	assert.Equal(t, "📊 DAILY SIGNAL DIGEST", email.msgs[0].Title)

	assert.Equal(t, []string{"console", "discord", "email"}, d.Channels())
}

func TestDispatcherDryRun(t *testing.T) {
	console := &fakeNotifier{name: "console"}
	d := NewDispatcher(map[string]Notifier{"console": console}, WithDryRun(true))
	d.Dispatch(context.Background(), sampleRequest())
	assert.Empty(t, console.msgs)
}

func TestBuildNotifiers(t *testing.T) {
	cfg := config.Notifications{
		Console: config.ConsoleConfig{Enabled: true},
		Webhook: config.WebhookConfig{URL: "http://hooks.local"},
		Discord: config.DiscordConfig{Enabled: true},
		WeChat:  config.WeChatConfig{Webhook: "http://wecom.local"},
		Email:   config.EmailConfig{Host: "smtp.local"},
	}
	n := BuildNotifiers(cfg)
	assert.Contains(t, n, "console")
	assert.Contains(t, n, "webhook")
	assert.Contains(t, n, "wechat")
	assert.NotContains(t, n, "discord", "discord without webhooks is skipped")
	assert.NotContains(t, n, "email", "email needs from and to")

	cfg.Discord.Logs = []string{"http://discord.local/logs"}
	assert.Contains(t, BuildNotifiers(cfg), "discord")
}
