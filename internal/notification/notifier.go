package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"signal-engine/internal/config"
	"signal-engine/internal/logging"
)

type Notifier interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// BuildNotifiers returns the configured channels keyed by name.
func BuildNotifiers(cfg config.Notifications) map[string]Notifier {
	notifiers := make(map[string]Notifier)
	add := func(n Notifier) { notifiers[n.Name()] = n }

	if cfg.Console.Enabled {
		add(&ConsoleNotifier{})
	}
	if cfg.Webhook.URL != "" {
		add(&WebhookNotifier{
			URL:     cfg.Webhook.URL,
			Headers: cfg.Webhook.Headers,
			Timeout: config.ParseDuration(cfg.Webhook.Timeout, 5*time.Second),
		})
	}
	if cfg.Discord.Enabled {
		if d := NewDiscordNotifier(cfg.Discord.Webhooks(), config.ParseDuration(cfg.Discord.Timeout, 6*time.Second)); d.Configured() {
			add(d)
		}
	}
	if cfg.Feishu.Webhook != "" {
		add(&FeishuNotifier{
			Webhook:     cfg.Feishu.Webhook,
			EnableAtAll: cfg.Feishu.EnableAtAll,
			Timeout:     config.ParseDuration(cfg.Feishu.Timeout, 5*time.Second),
			TitlePrefix: cfg.Feishu.TitlePrefix,
		})
	}
	if cfg.DingTalk.Webhook != "" {
		add(&DingTalkNotifier{
			Webhook:     cfg.DingTalk.Webhook,
			Secret:      cfg.DingTalk.Secret,
			EnableAtAll: cfg.DingTalk.EnableAtAll,
			Timeout:     config.ParseDuration(cfg.DingTalk.Timeout, 5*time.Second),
		})
	}
	if cfg.WeChat.Webhook != "" {
		add(&WeChatNotifier{
			Webhook: cfg.WeChat.Webhook,
			Timeout: config.ParseDuration(cfg.WeChat.Timeout, 5*time.Second),
		})
	}
	if cfg.Email.Host != "" && cfg.Email.From != "" && len(cfg.Email.To) > 0 {
		add(&EmailNotifier{
			Host:          cfg.Email.Host,
			Port:          cfg.Email.Port,
			Username:      cfg.Email.Username,
			Password:      cfg.Email.Password,
			From:          cfg.Email.From,
			To:            cfg.Email.To,
			UseTLS:        cfg.Email.UseTLS,
			TLSSkipVerify: cfg.Email.TLSSkipVerify,
			SubjectPrefix: cfg.Email.SubjectPrefix,
		})
	}
	return notifiers
}

// Console
type ConsoleNotifier struct{}

func (c *ConsoleNotifier) Name() string { return "console" }

func (c *ConsoleNotifier) Send(ctx context.Context, msg Message) error {
	logging.Infof("[ALERT][console] %s\n%s", msg.Title, msg.Text)
	return nil
}

// Webhook posts a generic JSON document, including the raw request for alerts.
type WebhookNotifier struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

func (w *WebhookNotifier) Name() string { return "webhook" }

func (w *WebhookNotifier) Send(ctx context.Context, msg Message) error {
	body := map[string]any{
		"kind":    msg.Kind,
		"title":   msg.Title,
		"message": msg.Text,
		"ts":      time.Now().Format(time.RFC3339),
	}
	if r := msg.Request; r != nil {
		body["token"] = r.Token
		body["mode"] = r.Mode
		body["stage"] = r.Stage
		body["score"] = r.Score
		body["metrics"] = r.Metrics
		body["escalated"] = r.Escalated
		body["collapsed"] = r.Collapsed
		if r.Risk != nil {
			body["risk"] = r.Risk
		}
	}
	_, err := postJSON(ctx, w.Timeout, w.URL, w.Headers, body)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

// postJSON posts payload and returns the response body. Any status >= 300 is
// an error.
func postJSON(ctx context.Context, timeout time.Duration, url string, headers map[string]string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return body, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(body))
	}
	return body, nil
}
