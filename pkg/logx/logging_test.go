package logx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTraceLevelAndTimeField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := New(Config{Level: "trace", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	if !log.Enabled(LevelTrace) {
		t.Fatal("trace level should be enabled")
	}

	at := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	log.Trace("update received", String("kind", "message"), Time("sent_at", at))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "update received") {
		t.Fatalf("trace line missing from output: %q", out)
	}
	if !strings.Contains(out, "sent_at") {
		t.Fatalf("time field missing from output: %q", out)
	}
}

func TestDefaultLevelSuppressesTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	if log.Enabled(LevelTrace) {
		t.Fatal("trace level should be disabled at info")
	}
	log.Trace("should not appear")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(data), "should not appear") {
		t.Fatal("trace line written despite info level")
	}
}
