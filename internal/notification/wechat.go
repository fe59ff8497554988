package notification

import (
	"context"
	"fmt"
	"time"
)

// WeChatNotifier posts markdown to a WeCom group robot.
type WeChatNotifier struct {
	Webhook string
	Timeout time.Duration
}

func (w *WeChatNotifier) Name() string { return "wechat" }

func (w *WeChatNotifier) Send(ctx context.Context, msg Message) error {
	payload := map[string]any{
		"msgtype": "markdown",
		"markdown": map[string]string{
			"content": fmt.Sprintf("**%s**\n%s", msg.Title, msg.Text),
		},
	}
	if _, err := postJSON(ctx, w.Timeout, w.Webhook, nil, payload); err != nil {
		return fmt.Errorf("wechat webhook: %w", err)
	}
	return nil
}
