package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{
			name:   "default config",
			config: nil,
		},
		{
			name: "debug level",
			config: &Config{
				Level:  LevelDebug,
				Output: &bytes.Buffer{},
			},
		},
		{
			name: "error level",
			config: &Config{
				Level:  LevelError,
				Output: &bytes.Buffer{},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("hidden debug")
	logger.Info("hidden info")
	logger.Warn("shown warn")
	logger.Error("shown error")

	out := buf.String()
	if strings.Contains(out, "hidden debug") || strings.Contains(out, "hidden info") {
		t.Errorf("messages below the level leaked: %q", out)
	}
	if !strings.Contains(out, "shown warn") || !strings.Contains(out, "shown error") {
		t.Errorf("messages at or above the level missing: %q", out)
	}
}

func TestKeyValueArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Info("connected", "printer", "p1", "baud", 115200)

	out := buf.String()
	if !strings.Contains(out, "printer=p1") {
		t.Errorf("expected printer=p1 field, got %q", out)
	}
	if !strings.Contains(out, "baud=115200") {
		t.Errorf("expected baud=115200 field, got %q", out)
	}
}

func TestDefaultLogger(t *testing.T) {
	first := Default()
	if first == nil {
		t.Fatal("Default() returned nil")
	}
	if Default() != first {
		t.Error("Default() is not stable across calls")
	}

	var buf bytes.Buffer
	custom := NewLogger(&Config{Level: LevelDebug, Output: &buf})
	SetDefault(custom)
	defer SetDefault(first)

	if Default() != custom {
		t.Error("SetDefault did not replace the default logger")
	}

	Info("via package function")
	if !strings.Contains(buf.String(), "via package function") {
		t.Error("package-level Info did not reach the default logger")
	}
}
