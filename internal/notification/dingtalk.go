package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"signal-engine/internal/model"
)

type DingTalkNotifier struct {
	Webhook     string
	Secret      string
	EnableAtAll bool
	Timeout     time.Duration

	now func() time.Time
}

type dingTalkMarkdown struct {
	MsgType  string `json:"msgtype"`
	Markdown struct {
		Title string `json:"title"`
		Text  string `json:"text"`
	} `json:"markdown"`
	At struct {
		IsAtAll bool `json:"isAtAll"`
	} `json:"at"`
}

func (d *DingTalkNotifier) Name() string { return "dingtalk" }

func (d *DingTalkNotifier) Send(ctx context.Context, msg Message) error {
	var p dingTalkMarkdown
	p.MsgType = "markdown"
	p.Markdown.Title = msg.Title
	p.Markdown.Text = fmt.Sprintf("**%s**\n\n%s", msg.Title, msg.Text)
	if d.EnableAtAll && msg.Kind == string(model.ModeRug) {
		p.At.IsAtAll = true
		p.Markdown.Text += "\n\n@all"
	}

	target := d.Webhook
	if d.Secret != "" {
		now := time.Now
		if d.now != nil {
			now = d.now
		}
		target = signDingTalk(target, d.Secret, now())
	}

	body, err := postJSON(ctx, d.Timeout, target, nil, p)
	if err != nil {
		return fmt.Errorf("dingtalk webhook: %w", err)
	}
	// HTTP 200 is returned for rejected messages too.
	var res struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if json.Unmarshal(body, &res) == nil && res.ErrCode != 0 {
		return fmt.Errorf("dingtalk webhook errcode=%d errmsg=%s", res.ErrCode, res.ErrMsg)
	}
	return nil
}

// signDingTalk adds the timestamp and sign query parameters required by
// robots that have a signing secret. An unparsable URL is returned unchanged.
func signDingTalk(webhook, secret string, at time.Time) string {
	u, err := url.Parse(webhook)
	if err != nil {
		return webhook
	}
	ts := strconv.FormatInt(at.UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s\n%s", ts, secret)

	q := u.Query()
	q.Set("timestamp", ts)
	q.Set("sign", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	u.RawQuery = q.Encode()
	return u.String()
}
