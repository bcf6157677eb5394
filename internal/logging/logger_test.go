package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWithWriterTagsServiceAndComponent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "production", "INFO")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	queueLog := Component(logger, "queue")
	queueLog.Info().Msg("job claimed")
	logger.Debug().Msg("dropped")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected exactly one json line, got %q: %v", buf.String(), err)
	}
	if entry["service"] != "trawl" || entry["component"] != "queue" || entry["message"] != "job claimed" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	if _, err := New("production", "chatty"); err == nil {
		t.Fatalf("expected an error for an unknown level")
	}
}
