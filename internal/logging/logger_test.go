package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesFileAndConsole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "chatsyncd.log")
	var console bytes.Buffer
	logger, err := New(Options{Path: path, Session: "main", Console: &console})
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hidden")
	logger.Info("conversation opened")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("file lines = %d, want 1: %q", len(lines), data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("file entry is not JSON: %v", err)
	}
	if entry["msg"] != "conversation opened" || entry["session"] != "main" || entry["pid"] == nil {
		t.Errorf("entry = %v", entry)
	}
	if !strings.Contains(console.String(), "conversation opened") {
		t.Errorf("console = %q", console.String())
	}
}

func TestNewLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.log")
	var console bytes.Buffer
	logger, err := New(Options{Path: path, Level: "debug", Console: &console})
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("visible")
	if !strings.Contains(console.String(), "visible") {
		t.Error("debug entry not written at debug level")
	}
	if _, err := New(Options{Path: path, Level: "loud"}); err == nil {
		t.Error("New() accepted an unknown level")
	}
}
