package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "debug", Format: "json", Out: &buf})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.WithFields(logrus.Fields{"epoch": 3, "loss": 0.25}).Debug("epoch complete")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode entry: %v (%s)", err, buf.String())
	}
	if entry["msg"] != "epoch complete" || entry["epoch"] != float64(3) {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("expected format error")
	}
	if _, err := New(Options{Level: "chatty"}); err == nil {
		t.Fatal("expected level error")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "warn", Out: &buf})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestOrDiscard(t *testing.T) {
	if OrDiscard(nil) == nil {
		t.Fatal("expected discard logger")
	}
	logger := logrus.New()
	if OrDiscard(logger) != logrus.FieldLogger(logger) {
		t.Fatal("expected caller logger to be kept")
	}
}
