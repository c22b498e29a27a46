package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestJSONHandlerTagsService(t *testing.T) {
	var buf bytes.Buffer
	lg := initTo(&buf, "campaignd", "json", "info")
	lg.Info("hello", "campaign_id", "cmp_1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not json: %v (%s)", err, buf.String())
	}
	if rec["service"] != "campaignd" || rec["campaign_id"] != "cmp_1" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	lg := initTo(&buf, "campaignd", "text", "warn")
	lg.Info("quiet")
	lg.Warn("loud")
	if strings.Contains(buf.String(), "quiet") || !strings.Contains(buf.String(), "loud") {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}

func TestUnknownFormatFallsBackToJSON(t *testing.T) {
	var buf bytes.Buffer
	initTo(&buf, "campaignd", "xml", "")
	if !strings.Contains(buf.String(), `"format":"xml"`) {
		t.Fatalf("expected json warning, got %s", buf.String())
	}
	if parseLevel("nonsense") != slog.LevelInfo {
		t.Fatalf("expected info fallback")
	}
}
