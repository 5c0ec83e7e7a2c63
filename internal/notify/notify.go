// Package notify sends the outcome of a run to webhooks, Slack or a local file.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"site-backup/internal/config"
	"site-backup/internal/logging"
	"site-backup/internal/pipeline"
)

// Severity of a run notification
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Message is the channel independent form of a run outcome
type Message struct {
	Title     string                 `json:"title"`
	Text      string                 `json:"text"`
	Severity  Severity               `json:"severity"`
	RunID     string                 `json:"run_id"`
	Status    pipeline.RunStatus     `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  string                 `json:"duration"`
	Failures  []Failure              `json:"failures,omitempty"`
	Artifacts []pipeline.ArtifactRef `json:"artifacts,omitempty"`
	Host      string                 `json:"host,omitempty"`
	Color     string                 `json:"color,omitempty"`
	IconEmoji string                 `json:"icon_emoji,omitempty"`
}

// Failure summarizes one failed stage
type Failure struct {
	Stage  pipeline.Stage     `json:"stage"`
	Kind   pipeline.ErrorKind `json:"kind"`
	Detail string             `json:"detail"`
}

// NewMessage builds the message for an outcome
func NewMessage(outcome pipeline.PipelineOutcome, host string) Message {
	msg := Message{
		RunID:     outcome.RunID,
		Status:    outcome.Status,
		Timestamp: outcome.FinishedAt,
		Duration:  outcome.Duration().Round(time.Second).String(),
		Artifacts: outcome.Artifacts,
		Host:      host,
	}

	for _, r := range outcome.Failures() {
		f := Failure{Stage: r.Stage}
		if r.Error != nil {
			f.Kind = r.Error.Kind
			f.Detail = logging.SanitizeCommand(r.Error.Detail)
		}
		msg.Failures = append(msg.Failures, f)
	}

	switch outcome.Status {
	case pipeline.RunStatusCompleted:
		msg.Severity = SeverityInfo
		msg.Color = "#36a64f"
		msg.IconEmoji = ":white_check_mark:"
	case pipeline.RunStatusPartiallyCompleted:
		msg.Severity = SeverityWarning
		msg.Color = "#ff9900"
		msg.IconEmoji = ":warning:"
	default:
		msg.Severity = SeverityCritical
		msg.Color = "#ff0000"
		msg.IconEmoji = ":rotating_light:"
	}

	msg.Title = fmt.Sprintf("Backup %s", outcome.Status)
	if host != "" {
		msg.Title += " for " + host
	}

	var text strings.Builder
	fmt.Fprintf(&text, "Run %s finished with status %s after %s.", outcome.RunID, outcome.Status, msg.Duration)
	for _, f := range msg.Failures {
		fmt.Fprintf(&text, "\n%s failed (%s): %s", f.Stage, f.Kind, f.Detail)
	}
	msg.Text = text.String()
	return msg
}

// Channel delivers messages to one destination
type Channel interface {
	Send(ctx context.Context, msg Message) error
	Type() string
}

// Notifier fans a run outcome out to every configured channel
type Notifier struct {
	cfg      config.NotificationsConfig
	host     string
	channels []Channel
	logger   *logging.Logger
}

// NewNotifier creates the channels configured in cfg. host names the backed up
// site in messages.
func NewNotifier(cfg config.NotificationsConfig, host string, logger *logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	client := &http.Client{Timeout: cfg.Timeout}

	n := &Notifier{cfg: cfg, host: host, logger: logger}
	if cfg.Webhook.URL != "" {
		n.channels = append(n.channels, NewWebhookChannel(cfg.Webhook, client))
	}
	if cfg.Slack.WebhookURL != "" {
		n.channels = append(n.channels, NewSlackChannel(cfg.Slack, client))
	}
	if cfg.File.Path != "" {
		n.channels = append(n.channels, NewFileChannel(cfg.File))
	}
	return n
}

// Channels returns the configured channels
func (n *Notifier) Channels() []Channel {
	return n.channels
}

// ShouldNotify applies the on: failure|always filter
func (n *Notifier) ShouldNotify(outcome pipeline.PipelineOutcome) bool {
	if !n.cfg.Enabled {
		return false
	}
	if n.cfg.On == config.NotifyOnAlways {
		return true
	}
	return outcome.Status != pipeline.RunStatusCompleted
}

// Notify sends the outcome through every channel. Errors are logged and joined;
// they never change the outcome.
func (n *Notifier) Notify(ctx context.Context, outcome pipeline.PipelineOutcome) error {
	if !n.ShouldNotify(outcome) {
		n.logger.WithField("status", outcome.Status).Debug("Notification filtered out")
		return nil
	}

	msg := NewMessage(outcome, n.host)
	var errs []error
	for _, ch := range n.channels {
		if err := ch.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Type(), err))
			n.logger.WithFields(map[string]interface{}{
				"channel": ch.Type(),
				"run_id":  outcome.RunID,
				"error":   err.Error(),
			}).Error("Failed to send notification")
			continue
		}
		n.logger.WithFields(map[string]interface{}{
			"channel": ch.Type(),
			"run_id":  outcome.RunID,
		}).Debug("Notification sent")
	}
	return errors.Join(errs...)
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}

// WebhookChannel posts the message as JSON
type WebhookChannel struct {
	cfg    config.WebhookConfig
	client *http.Client
}

func NewWebhookChannel(cfg config.WebhookConfig, client *http.Client) *WebhookChannel {
	return &WebhookChannel{cfg: cfg, client: client}
}

func (w *WebhookChannel) Type() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	return postJSON(ctx, w.client, w.cfg.URL, w.cfg.Headers, msg)
}

// SlackChannel posts to a Slack incoming webhook
type SlackChannel struct {
	cfg    config.SlackConfig
	client *http.Client
}

func NewSlackChannel(cfg config.SlackConfig, client *http.Client) *SlackChannel {
	return &SlackChannel{cfg: cfg, client: client}
}

func (s *SlackChannel) Type() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, msg Message) error {
	fields := []map[string]interface{}{
		{"title": "Run ID", "value": msg.RunID, "short": true},
		{"title": "Status", "value": string(msg.Status), "short": true},
		{"title": "Duration", "value": msg.Duration, "short": true},
	}
	for _, f := range msg.Failures {
		fields = append(fields, map[string]interface{}{
			"title": string(f.Stage),
			"value": fmt.Sprintf("%s: %s", f.Kind, f.Detail),
			"short": false,
		})
	}

	payload := map[string]interface{}{
		"text": fmt.Sprintf("%s %s", msg.IconEmoji, msg.Title),
		"attachments": []map[string]interface{}{
			{
				"color":  msg.Color,
				"title":  msg.Title,
				"text":   msg.Text,
				"ts":     msg.Timestamp.Unix(),
				"fields": fields,
			},
		},
	}
	if s.cfg.Channel != "" {
		payload["channel"] = s.cfg.Channel
	}
	if s.cfg.Username != "" {
		payload["username"] = s.cfg.Username
	}
	return postJSON(ctx, s.client, s.cfg.WebhookURL, nil, payload)
}

// FileChannel appends one line per run to a local file
type FileChannel struct {
	cfg config.FileConfig
}

func NewFileChannel(cfg config.FileConfig) *FileChannel {
	return &FileChannel{cfg: cfg}
}

func (f *FileChannel) Type() string { return "file" }

func (f *FileChannel) Send(_ context.Context, msg Message) error {
	var line string
	switch f.cfg.Format {
	case "text":
		line = fmt.Sprintf("[%s] %s %s run=%s duration=%s",
			msg.Timestamp.Format(time.RFC3339), strings.ToUpper(string(msg.Severity)),
			msg.Status, msg.RunID, msg.Duration)
		for _, fl := range msg.Failures {
			line += fmt.Sprintf(" %s=%s", fl.Stage, fl.Kind)
		}
	default:
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal notification: %w", err)
		}
		line = string(data)
	}

	file, err := os.OpenFile(f.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("open notification file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}
