package logx

import (
	"strings"
	"testing"
)

func TestRenderChatLine(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","time":"2024-06-01T10:00:00Z","message":"delivery failed","job":"delivery","comp":"campaign"}` + "\n")
	got := renderChatLine(line)
	want := "[WARN] delivery failed\n- comp=campaign\n- job=delivery"
	if got != want {
		t.Fatalf("renderChatLine = %q, want %q", got, want)
	}
}

func TestRenderChatLineNotJSON(t *testing.T) {
	t.Parallel()
	got := renderChatLine([]byte("  plain text \n"))
	if got != "plain text" {
		t.Fatalf("renderChatLine = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 50)
	if got := truncate(s, 20); len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 20); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("ignored", String("k", "v"))
	l.With(Int("n", 1)).Error("ignored")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	if ParseLevel("warning", LevelInfo) != LevelWarn {
		t.Fatal("warning should map to warn")
	}
	if ParseLevel("bogus", LevelError) != LevelError {
		t.Fatal("unknown level should fall back to default")
	}
}
