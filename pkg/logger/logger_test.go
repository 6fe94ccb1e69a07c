package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"garbage", slog.LevelInfo},
	}
	for _, c := range cases {
		if got := parseLevel(c.in); got != c.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestRotatingWriterRollsBySize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	writer, err := newRotatingWriter(path, 1, 2, 30)
	if err != nil {
		t.Fatalf("newRotatingWriter returned error: %v", err)
	}
	defer writer.Close()
	// 压低阈值让两次写入就触发轮转。
	writer.maxBytes = 64

	line := bytes.Repeat([]byte("a"), 48)
	if _, err := writer.Write(line); err != nil {
		t.Fatalf("first write returned error: %v", err)
	}
	if _, err := writer.Write(line); err != nil {
		t.Fatalf("second write returned error: %v", err)
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected rotated backup, got %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat current file: %v", err)
	}
	if info.Size() != int64(len(line)) {
		t.Fatalf("current file should hold only the latest write, got %d bytes", info.Size())
	}
}

func TestRotatingWriterDropsOldestBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	writer, err := newRotatingWriter(path, 1, 2, 30)
	if err != nil {
		t.Fatalf("newRotatingWriter returned error: %v", err)
	}
	defer writer.Close()
	writer.maxBytes = 16

	line := bytes.Repeat([]byte("b"), 12)
	for i := 0; i < 4; i++ {
		if _, err := writer.Write(line); err != nil {
			t.Fatalf("write %d returned error: %v", i, err)
		}
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected backup .1 to exist, got %v", err)
	}
	if _, err := os.Stat(path + ".2"); err != nil {
		t.Fatalf("expected backup .2 to exist, got %v", err)
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatalf("backup beyond the limit must be removed, got %v", err)
	}
}
