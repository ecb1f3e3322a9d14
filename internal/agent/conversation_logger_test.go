package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/dailybot/internal/domain"
	"github.com/ashureev/dailybot/internal/llm"
	"github.com/ashureev/dailybot/internal/synthesis"
)

func TestConversationLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	event := ConversationLogEvent{
		UserID:     "user-1",
		SessionID:  "web",
		Channel:    "web",
		Direction:  "inbound",
		EventType:  "user_message",
		ContentRaw: "echo hi",
	}
	logger.Log(event)

	path := filepath.Join(dir, "user-1", "web.ndjson")
	line := waitForLogLine(t, path)
	var got ConversationLogEvent
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.ContentRaw != "echo hi" {
		t.Fatalf("unexpected ContentRaw: %q", got.ContentRaw)
	}
	if got.Content == "" {
		t.Fatal("expected cleaned content to be populated")
	}
}

func TestServiceLogsReplyMeta(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	convLog, err := NewConversationLogger(ConversationLogConfig{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	defer func() { _ = convLog.Close() }()

	f := newFixture(t, llm.Unavailable{}, WithConversationLogger(convLog))
	f.store.onboarded("U1")
	f.svc.Handle(context.Background(), InboundEvent{UserID: "U1", Text: "help me plan my day", Channel: domain.ChannelSlack})

	path := filepath.Join(dir, "U1", string(domain.ChannelSlack)+".ndjson")
	var got ConversationLogEvent
	deadline := time.Now().Add(2 * time.Second)
	for got.Direction != "outbound" && time.Now().Before(deadline) {
		if err := json.Unmarshal([]byte(waitForLogLine(t, path)), &got); err != nil {
			t.Fatalf("failed to unmarshal log line: %v", err)
		}
		if got.Direction != "outbound" {
			time.Sleep(20 * time.Millisecond)
		}
	}

	if got.Direction != "outbound" || got.EventType != "assistant_message" {
		t.Fatalf("expected outbound assistant_message, got %s/%s", got.Direction, got.EventType)
	}
	if got.Channel != string(domain.ChannelSlack) {
		t.Fatalf("unexpected channel: %q", got.Channel)
	}
	if got.Meta["kind"] != string(ReplySpecialists) {
		t.Fatalf("unexpected meta kind: %v", got.Meta["kind"])
	}
	if got.Meta["mode"] != string(synthesis.ModeSingle) {
		t.Fatalf("unexpected meta mode: %v", got.Meta["mode"])
	}
	selected, ok := got.Meta["selected"].([]any)
	if !ok || len(selected) != 1 || selected[0] != "planner" {
		t.Fatalf("unexpected meta selected: %v", got.Meta["selected"])
	}
}

func TestCleanForReadabilityStripsANSI(t *testing.T) {
	t.Parallel()

	raw := "\x1b[31merror\x1b[0m plain"
	clean := cleanForReadability(raw)
	if strings.Contains(clean, "\x1b[31m") {
		t.Fatalf("expected ANSI sequence to be stripped: %q", clean)
	}
	if !strings.Contains(clean, "error plain") {
		t.Fatalf("expected readable text to remain: %q", clean)
	}
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}
