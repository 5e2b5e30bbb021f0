// Package notify delivers alarm notifications over email, Slack and
// plain webhooks. Channel types map onto sink implementations through a
// dispatch table; there is no per-type subclassing anywhere.
package notify

import (
	"fmt"
	"time"

	"grepwise/internal/logentry"
)

// ChannelType selects the sink a channel is delivered through.
type ChannelType string

const (
	ChannelEmail   ChannelType = "EMAIL"
	ChannelSlack   ChannelType = "SLACK"
	ChannelWebhook ChannelType = "WEBHOOK"
)

// Channel is one notification target. Destination is the address the
// type understands: an email recipient, a Slack webhook URL, or an
// HTTP endpoint. Config carries type-specific extras such as SMTP
// credentials.
type Channel struct {
	Type        ChannelType       `json:"type"`
	Destination string            `json:"destination"`
	Config      map[string]string `json:"config,omitempty"`
}

// Validate rejects channels the dispatcher could never deliver.
func (c Channel) Validate() error {
	switch c.Type {
	case ChannelEmail, ChannelSlack, ChannelWebhook:
	default:
		return fmt.Errorf("unknown channel type %q", c.Type)
	}
	if c.Destination == "" {
		return fmt.Errorf("channel %s: empty destination", c.Type)
	}
	return nil
}

// Payload is the notification body. SampleLogs must already be
// redacted by the caller.
type Payload struct {
	AlarmID       string              `json:"alarm_id"`
	AlarmName     string              `json:"name"`
	GroupKey      string              `json:"group_key,omitempty"`
	ObservedValue int64               `json:"observed_value"`
	Threshold     string              `json:"threshold"`
	Timestamp     time.Time           `json:"timestamp"`
	SampleLogs    []logentry.LogEntry `json:"sample_logs,omitempty"`
}

// Subject renders a short one-line summary used by email subjects and
// Slack message text.
func (p Payload) Subject() string {
	if p.GroupKey != "" {
		return fmt.Sprintf("alarm %s [%s]: observed %d (threshold %s)",
			p.AlarmName, p.GroupKey, p.ObservedValue, p.Threshold)
	}
	return fmt.Sprintf("alarm %s: observed %d (threshold %s)",
		p.AlarmName, p.ObservedValue, p.Threshold)
}
