package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewWriter(&buf, "warn", "json"), "custody")

	logger.Info("dropped")
	logger.Warn("kept", "release_id", "r1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected a single line at warn level, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry["msg"] != "kept" || entry["component"] != "custody" || entry["release_id"] != "r1" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestNewWriterTextAndBadLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "loud", "text")

	logger.Debug("hidden")
	logger.Info("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "msg=shown") {
		t.Fatalf("unexpected output: %q", out)
	}
}
