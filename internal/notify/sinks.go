package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// Sink delivers a payload to one channel. Implementations are
// stateless; the dispatcher owns retries.
type Sink interface {
	Send(ctx context.Context, ch Channel, p Payload) error
}

// EmailSink sends via SMTP. Connection parameters come from the
// channel config: "smtp_host", "smtp_port" (default 25), "from",
// and optionally "username"/"password" for PLAIN auth.
type EmailSink struct{}

func (EmailSink) Send(_ context.Context, ch Channel, p Payload) error {
	host := ch.Config["smtp_host"]
	if host == "" {
		return fmt.Errorf("email channel: missing smtp_host")
	}
	port := ch.Config["smtp_port"]
	if port == "" {
		port = "25"
	}
	from := ch.Config["from"]
	if from == "" {
		from = "grepwise@localhost"
	}

	body, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", ch.Destination)
	fmt.Fprintf(&msg, "Subject: %s\r\n", p.Subject())
	msg.WriteString("Content-Type: application/json\r\n\r\n")
	msg.Write(body)

	var auth smtp.Auth
	if user := ch.Config["username"]; user != "" {
		auth = smtp.PlainAuth("", user, ch.Config["password"], host)
	}
	return smtp.SendMail(host+":"+port, auth, from, []string{ch.Destination}, []byte(msg.String()))
}

// SlackSink posts to an incoming-webhook URL.
type SlackSink struct{}

func (SlackSink) Send(ctx context.Context, ch Channel, p Payload) error {
	var b strings.Builder
	b.WriteString(p.Subject())
	for _, e := range p.SampleLogs {
		b.WriteString("\n> ")
		b.WriteString(e.Message)
	}
	return slack.PostWebhookContext(ctx, ch.Destination, &slack.WebhookMessage{Text: b.String()})
}

// WebhookSink POSTs the payload as JSON.
type WebhookSink struct {
	Client *http.Client
}

func (w WebhookSink) Send(ctx context.Context, ch Channel, p Payload) error {
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.Destination, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %s", ch.Destination, resp.Status)
	}
	return nil
}
