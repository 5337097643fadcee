package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"testing"
)

func TestStructuredLoggerTextMode(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(log.New(&buf, "", 0), "lifecycle", false).WithSession("abc")

	logger.Info("created", Fields{"step": "agent", "attempt": 2})

	got := strings.TrimSpace(buf.String())
	want := "INFO [lifecycle] [session:abc] created | attempt=2 step=agent"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestStructuredLoggerJSONMode(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(log.New(&buf, "", 0), "turn", true)

	logger.Warn("poll slow", Fields{"status": "queued"})

	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry.Level != "WARN" || entry.Component != "turn" || entry.Message != "poll slow" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Fields["status"] != "queued" {
		t.Fatalf("fields not carried: %+v", entry.Fields)
	}
}

func TestSetupWithoutPathKeepsDefaultLogger(t *testing.T) {
	logger, closer, err := Setup(Options{})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if logger == nil || closer == nil {
		t.Fatal("expected logger and closer")
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
