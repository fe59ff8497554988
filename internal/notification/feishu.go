package notification

import (
	"context"
	"fmt"
	"time"

	"signal-engine/internal/model"
)

var feishuTemplates = map[string]string{
	string(model.ModeNearPass): "yellow",
	string(model.ModePass):     "green",
	string(model.ModeRug):      "red",
	model.KindLogs:             "grey",
	model.KindDigest:           "blue",
}

// FeishuNotifier posts an interactive card, coloured by kind.
type FeishuNotifier struct {
	Webhook     string
	EnableAtAll bool
	Timeout     time.Duration
	TitlePrefix string
}

func (f *FeishuNotifier) Name() string { return "feishu" }

func (f *FeishuNotifier) Send(ctx context.Context, msg Message) error {
	title := msg.Title
	if f.TitlePrefix != "" {
		title = f.TitlePrefix + " " + title
	}
	text := msg.Text
	// only rug alerts page everyone
	if f.EnableAtAll && msg.Kind == string(model.ModeRug) {
		text += "\n\n<at id=all></at>"
	}
	template, ok := feishuTemplates[msg.Kind]
	if !ok {
		template = "blue"
	}

	payload := map[string]any{
		"msg_type": "interactive",
		"card": map[string]any{
			"header": map[string]any{
				"title": map[string]any{
					"tag":     "plain_text",
					"content": title,
				},
				"template": template,
			},
			"elements": []map[string]any{
				{
					"tag": "div",
					"text": map[string]any{
						"tag":     "lark_md",
						"content": text,
					},
				},
			},
		},
	}
	if _, err := postJSON(ctx, f.Timeout, f.Webhook, nil, payload); err != nil {
		return fmt.Errorf("feishu webhook: %w", err)
	}
	return nil
}
