package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"site-backup/internal/config"
	"site-backup/internal/pipeline"
)

var started = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func outcome(status pipeline.RunStatus, failures ...pipeline.StageResult) pipeline.PipelineOutcome {
	results := []pipeline.StageResult{pipeline.Success(pipeline.StageArchive)}
	results = append(results, failures...)
	return pipeline.PipelineOutcome{
		RunID:      "run-1",
		Status:     status,
		StartedAt:  started,
		FinishedAt: started.Add(95 * time.Second),
		Results:    results,
	}
}

func dumpFailure() pipeline.StageResult {
	return pipeline.Failure(pipeline.StageDatabase,
		pipeline.NewDumpExecutionError("mysqldump -pSECRET exited with status 2: Access denied", nil))
}

type recorder struct {
	*httptest.Server
	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
}

func newRecorder(t *testing.T, status int) *recorder {
	t.Helper()
	r := &recorder{}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, body)
		r.headers = append(r.headers, req.Header.Clone())
		r.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(r.Close)
	return r
}

func (r *recorder) requests() ([][]byte, []http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bodies, r.headers
}

func TestNewMessage(t *testing.T) {
	tests := []struct {
		name     string
		outcome  pipeline.PipelineOutcome
		severity Severity
		title    string
	}{
		{name: "completed", outcome: outcome(pipeline.RunStatusCompleted), severity: SeverityInfo, title: "Backup Completed for example.com"},
		{name: "partial", outcome: outcome(pipeline.RunStatusPartiallyCompleted, dumpFailure()), severity: SeverityWarning, title: "Backup PartiallyCompleted for example.com"},
		{name: "aborted", outcome: outcome(pipeline.RunStatusAborted), severity: SeverityCritical, title: "Backup Aborted for example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := NewMessage(tt.outcome, "example.com")
			assert.Equal(t, tt.severity, msg.Severity)
			assert.Equal(t, tt.title, msg.Title)
			assert.Equal(t, "1m35s", msg.Duration)
			assert.Contains(t, msg.Text, "Run run-1 finished")
		})
	}

	msg := NewMessage(outcome(pipeline.RunStatusPartiallyCompleted, dumpFailure()), "")
	require.Len(t, msg.Failures, 1)
	assert.Equal(t, pipeline.StageDatabase, msg.Failures[0].Stage)
	assert.Equal(t, pipeline.ErrorKindDumpExecution, msg.Failures[0].Kind)
	assert.NotContains(t, msg.Failures[0].Detail, "SECRET")
	assert.NotContains(t, msg.Text, "SECRET")
	assert.Equal(t, "Backup PartiallyCompleted", msg.Title)
}

func TestShouldNotify(t *testing.T) {
	completed := outcome(pipeline.RunStatusCompleted)
	partial := outcome(pipeline.RunStatusPartiallyCompleted, dumpFailure())

	onFailure := NewNotifier(config.NotificationsConfig{Enabled: true, On: config.NotifyOnFailure}, "", nil)
	assert.False(t, onFailure.ShouldNotify(completed))
	assert.True(t, onFailure.ShouldNotify(partial))

	always := NewNotifier(config.NotificationsConfig{Enabled: true, On: config.NotifyOnAlways}, "", nil)
	assert.True(t, always.ShouldNotify(completed))

	disabled := NewNotifier(config.NotificationsConfig{On: config.NotifyOnAlways}, "", nil)
	assert.False(t, disabled.ShouldNotify(partial))
}

func TestWebhookAndSlack(t *testing.T) {
	webhook := newRecorder(t, http.StatusOK)
	slack := newRecorder(t, http.StatusOK)

	cfg := config.NotificationsConfig{
		Enabled: true,
		On:      config.NotifyOnFailure,
		Timeout: 5 * time.Second,
		Webhook: config.WebhookConfig{URL: webhook.URL, Headers: map[string]string{"X-Token": "abc"}},
		Slack:   config.SlackConfig{WebhookURL: slack.URL, Channel: "#ops", Username: "backup-bot"},
	}
	n := NewNotifier(cfg, "example.com", nil)
	require.Len(t, n.Channels(), 2)

	require.NoError(t, n.Notify(context.Background(), outcome(pipeline.RunStatusPartiallyCompleted, dumpFailure())))

	bodies, headers := webhook.requests()
	require.Len(t, bodies, 1)
	assert.Equal(t, "abc", headers[0].Get("X-Token"))
	assert.Equal(t, "application/json", headers[0].Get("Content-Type"))
	var msg Message
	require.NoError(t, json.Unmarshal(bodies[0], &msg))
	assert.Equal(t, "run-1", msg.RunID)
	assert.Equal(t, pipeline.RunStatusPartiallyCompleted, msg.Status)
	assert.Equal(t, SeverityWarning, msg.Severity)

	bodies, _ = slack.requests()
	require.Len(t, bodies, 1)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(bodies[0], &payload))
	assert.Equal(t, "#ops", payload["channel"])
	assert.Equal(t, "backup-bot", payload["username"])
	assert.Equal(t, ":warning: Backup PartiallyCompleted for example.com", payload["text"])
	attachments := payload["attachments"].([]interface{})
	require.Len(t, attachments, 1)
	assert.Equal(t, "#ff9900", attachments[0].(map[string]interface{})["color"])
}

func TestNotifyCompletedIsFilteredByDefault(t *testing.T) {
	webhook := newRecorder(t, http.StatusOK)
	n := NewNotifier(config.NotificationsConfig{
		Enabled: true,
		On:      config.NotifyOnFailure,
		Webhook: config.WebhookConfig{URL: webhook.URL},
	}, "", nil)

	require.NoError(t, n.Notify(context.Background(), outcome(pipeline.RunStatusCompleted)))
	bodies, _ := webhook.requests()
	assert.Empty(t, bodies)
}

func TestNotifyChannelErrorsAreJoined(t *testing.T) {
	failing := newRecorder(t, http.StatusInternalServerError)
	path := filepath.Join(t.TempDir(), "notifications.log")

	n := NewNotifier(config.NotificationsConfig{
		Enabled: true,
		On:      config.NotifyOnAlways,
		Webhook: config.WebhookConfig{URL: failing.URL},
		File:    config.FileConfig{Path: path, Format: "json"},
	}, "", nil)

	err := n.Notify(context.Background(), outcome(pipeline.RunStatusCompleted))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook: server returned status 500")

	// The file channel still ran
	assert.FileExists(t, path)
}

func TestFileChannel(t *testing.T) {
	dir := t.TempDir()

	t.Run("json lines", func(t *testing.T) {
		path := filepath.Join(dir, "outcomes.jsonl")
		ch := NewFileChannel(config.FileConfig{Path: path, Format: "json"})
		for i := 0; i < 2; i++ {
			require.NoError(t, ch.Send(context.Background(), NewMessage(outcome(pipeline.RunStatusCompleted), "")))
		}

		file, err := os.Open(path)
		require.NoError(t, err)
		defer file.Close()

		lines := 0
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			var msg Message
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &msg))
			assert.Equal(t, pipeline.RunStatusCompleted, msg.Status)
			lines++
		}
		assert.Equal(t, 2, lines)
	})

	t.Run("text", func(t *testing.T) {
		path := filepath.Join(dir, "outcomes.log")
		ch := NewFileChannel(config.FileConfig{Path: path, Format: "text"})
		msg := NewMessage(outcome(pipeline.RunStatusPartiallyCompleted, dumpFailure()), "")
		require.NoError(t, ch.Send(context.Background(), msg))

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		line := strings.TrimSpace(string(content))
		assert.Equal(t,
			"[2026-03-14T09:01:35Z] WARNING PartiallyCompleted run=run-1 duration=1m35s database=DumpExecutionError",
			line)
	})

	t.Run("unwritable", func(t *testing.T) {
		ch := NewFileChannel(config.FileConfig{Path: filepath.Join(dir, "missing", "x.log")})
		assert.Error(t, ch.Send(context.Background(), Message{}))
	})
}
