package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestInit_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"INFO", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"warning", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"bogus", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if err := Init(tt.level, "text", "stdout"); err != nil {
				t.Fatalf("Init() error: %v", err)
			}
			if got := GetLogger().GetLevel(); got != tt.want {
				t.Errorf("level = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInit_JSONFields(t *testing.T) {
	if err := Init("info", "json", "stdout"); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	var buf bytes.Buffer
	SetOutput(&buf)

	WithSession("abc", 3).Info("challenge generated")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json output, got %q: %v", buf.String(), err)
	}
	if line["message"] != "challenge generated" {
		t.Errorf("unexpected message field: %v", line["message"])
	}
	if line["service"] != ServiceName || line["session"] != "abc" || line["challenge_id"] != float64(3) {
		t.Errorf("missing fields in %v", line)
	}
	if _, ok := line["timestamp"]; !ok {
		t.Error("expected timestamp field")
	}
}

func TestInit_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "captcha.log")
	if err := Init("info", "text", path); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	Infof("hello %s", "file")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "hello file") {
		t.Errorf("log file missing entry: %q", data)
	}

	if err := Init("info", "text", filepath.Join(path, "nested", "x.log")); err == nil {
		t.Error("expected error for unwritable output")
	}
}
