package logger

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefault(t *testing.T) {
	t.Parallel()
	log := Default()
	if log == nil {
		t.Fatal("Default() returned nil")
	}
	// Should not panic
	log.Debug("debug message")
	log.Info("test message")
}

func TestJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, zerolog.InfoLevel)
	log.Info("hello", "key", "value")

	output := buf.String()
	if !strings.Contains(output, `"message":"hello"`) {
		t.Fatalf("expected message in output, got: %s", output)
	}
	if !strings.Contains(output, `"key":"value"`) {
		t.Fatalf("expected key=value in JSON output, got: %s", output)
	}
	if !strings.Contains(output, `"level":"info"`) {
		t.Fatalf("expected level info in output, got: %s", output)
	}
}

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, zerolog.WarnLevel)
	log.Info("should not appear")
	log.Debug("also should not appear")

	if buf.Len() > 0 {
		t.Fatalf("expected no output for info/debug at warn level, got: %s", buf.String())
	}

	log.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected warn message in output, got: %s", buf.String())
	}
}

func TestJSONErrorValue(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, zerolog.InfoLevel)
	log.Error("capture failed", "err", errors.New("no such hook"))
	if !strings.Contains(buf.String(), `"err":"no such hook"`) {
		t.Fatalf("expected error string in output, got: %s", buf.String())
	}
}

func TestPretty(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, zerolog.InfoLevel)
	log.Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Fatalf("expected 'test message' in output, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Fatalf("expected 'key=value' in output, got: %s", output)
	}
}

func TestWith(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, zerolog.InfoLevel)
	childLog := log.With("component", "patch")
	childLog.Info("child message")

	output := buf.String()
	if !strings.Contains(output, `"component":"patch"`) {
		t.Fatalf("expected component=patch in output, got: %s", output)
	}
}

func TestWithGroupPrefixesKeys(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, zerolog.InfoLevel).WithGroup("a").WithGroup("b")
	log.Info("nested", "key", "val")

	if !strings.Contains(buf.String(), `"a.b.key":"val"`) {
		t.Fatalf("expected 'a.b.key' in output, got: %s", buf.String())
	}
}

func TestWithGroupEmpty(t *testing.T) {
	t.Parallel()
	log := Nop()
	if log.WithGroup("") != log {
		t.Fatal("WithGroup empty string should return same logger")
	}
}

func TestOddArgs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	JSON(&buf, zerolog.InfoLevel).Info("odd", "dangling")
	if !strings.Contains(buf.String(), `"!BADKEY":"dangling"`) {
		t.Fatalf("expected dangling key to be preserved, got: %s", buf.String())
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, zerolog.InfoLevel)

	ctx := WithContext(context.Background(), log)
	retrieved := FromContext(ctx)

	retrieved.Info("roundtrip test")
	if !strings.Contains(buf.String(), "roundtrip test") {
		t.Fatalf("expected message via context logger, got: %s", buf.String())
	}
}

func TestSetupFormats(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	Setup(&buf, "debug", "json").Debug("dbg")
	if !strings.Contains(buf.String(), `"level":"debug"`) {
		t.Fatalf("expected json debug line, got: %s", buf.String())
	}
	buf.Reset()
	Setup(&buf, "info", "text").Info("plain", "k", "v")
	if !strings.Contains(buf.String(), "k=v") || strings.Contains(buf.String(), "\x1b[") {
		t.Fatalf("expected uncolored text line, got: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
		{"DEBUG", zerolog.InfoLevel}, // case-sensitive
	}

	for _, tc := range tests {
		result := ParseLevel(tc.input)
		if result != tc.expected {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tc.input, tc.expected, result)
		}
	}
}
