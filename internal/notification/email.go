package notification

import (
	"context"
	"crypto/tls"
	"fmt"
	"html"
	"html/template"
	"regexp"
	"strings"

	"gopkg.in/gomail.v2"
)

type EmailNotifier struct {
	Host          string
	Port          int
	Username      string
	Password      string
	From          string
	To            []string
	UseTLS        bool
	TLSSkipVerify bool
	SubjectPrefix string

	// send is replaced in tests.
	send func(d *gomail.Dialer, m *gomail.Message) error
}

func (e *EmailNotifier) Name() string { return "email" }

func (e *EmailNotifier) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := e.buildMessage(msg)

	d := gomail.NewDialer(e.Host, e.Port, e.Username, e.Password)
	d.SSL = e.UseTLS
	d.TLSConfig = &tls.Config{ServerName: e.Host, InsecureSkipVerify: e.TLSSkipVerify}

	send := e.send
	if send == nil {
		send = func(d *gomail.Dialer, m *gomail.Message) error { return d.DialAndSend(m) }
	}
	if err := send(d, m); err != nil {
		return fmt.Errorf("email: %w", err)
	}
	return nil
}

func (e *EmailNotifier) buildMessage(msg Message) *gomail.Message {
	subject := msg.Title
	if e.SubjectPrefix != "" {
		subject = e.SubjectPrefix + " " + subject
	}
	m := gomail.NewMessage()
	m.SetHeader("From", e.From)
	m.SetHeader("To", e.To...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", msg.Text)
	m.AddAlternative("text/html", emailHTML(subject, msg.Text))
	return m
}

var (
	boldRe = regexp.MustCompile(`\*\*(.+?)\*\*`)
	codeRe = regexp.MustCompile("`([^`]*)`")

	emailTmpl = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Subject}}</title>
  <style>
    body { font-family: Arial, Helvetica, sans-serif; margin: 24px; color: #1f2937; }
    .alert { border-left: 4px solid #2563eb; background: #f3f4f6; padding: 14px 18px; border-radius: 6px; }
    .alert h2 { margin: 0 0 10px; font-size: 18px; }
  </style>
</head>
<body>
  <div class="alert">
    <h2>{{.Subject}}</h2>
    <div>{{.Body}}</div>
  </div>
</body>
</html>
`))
)

func emailHTML(subject, body string) string {
	var b strings.Builder
	err := emailTmpl.Execute(&b, struct {
		Subject string
		Body    template.HTML
	}{subject, template.HTML(markdownToHTML(body))})
	if err != nil {
		return html.EscapeString(body)
	}
	return b.String()
}

// markdownToHTML renders **bold**, `code` and line breaks; everything else is escaped.
func markdownToHTML(s string) string {
	out := html.EscapeString(s)
	out = boldRe.ReplaceAllString(out, "<strong>$1</strong>")
	out = codeRe.ReplaceAllString(out, "<code>$1</code>")
	return strings.ReplaceAll(out, "\n", "<br>")
}
