package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func captureLogs(t *testing.T, level LogLevel) *bytes.Buffer {
	t.Helper()
	originalLogger := defaultLogger
	t.Cleanup(func() {
		defaultLogger = originalLogger
		slog.SetDefault(originalLogger)
	})

	var buf bytes.Buffer
	SetupLogger(&buf, level)
	return &buf
}

func TestLevelFiltering(t *testing.T) {
	testCases := []struct {
		name      string
		level     LogLevel
		shouldLog map[string]bool
	}{
		{
			name:      "Debug level",
			level:     LevelDebug,
			shouldLog: map[string]bool{"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true},
		},
		{
			name:      "Warn level",
			level:     LevelWarn,
			shouldLog: map[string]bool{"DEBUG": false, "INFO": false, "WARN": true, "ERROR": true},
		},
		{
			name:      "Upper case level is accepted",
			level:     LogLevel("ERROR"),
			shouldLog: map[string]bool{"DEBUG": false, "INFO": false, "WARN": false, "ERROR": true},
		},
		{
			name:      "Invalid level defaults to Info",
			level:     LogLevel("invalid"),
			shouldLog: map[string]bool{"DEBUG": false, "INFO": true, "WARN": true, "ERROR": true},
		},
	}

	funcs := map[string]func(string, ...any){
		"DEBUG": Debug,
		"INFO":  Info,
		"WARN":  Warn,
		"ERROR": Error,
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			buf := captureLogs(t, tc.level)
			for name, logFunc := range funcs {
				buf.Reset()
				logFunc("level probe", "key", "value")
				output := buf.String()
				didLog := strings.Contains(output, "level probe")
				if didLog != tc.shouldLog[name] {
					t.Errorf("%s: expected logged=%v, output: %q", name, tc.shouldLog[name], output)
				}
				if didLog && !strings.Contains(output, "key=value") {
					t.Errorf("Expected key-value pair in output, got: %s", output)
				}
			}
		})
	}
}

func TestMaskSensitive(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "Empty string", input: "", expected: "<not set>"},
		{name: "Short string", input: "abc", expected: "<set>"},
		{name: "Exactly 4 characters", input: "abcd", expected: "<set>"},
		{name: "Token-like string", input: "ghp_2Dn5j8fk39Dkf0s", expected: "ghp_...***"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if result := MaskSensitive(tc.input); result != tc.expected {
				t.Errorf("Expected %q, got %q", tc.expected, result)
			}
		})
	}
}

func TestFromContextAddsCorrelationID(t *testing.T) {
	buf := captureLogs(t, LevelInfo)

	ctx := WithCorrelationID(context.Background(), "req-42")
	if got := CorrelationID(ctx); got != "req-42" {
		t.Fatalf("Expected correlation id req-42, got %q", got)
	}

	FromContext(ctx).Info("stage synced", "stage", "spec")
	if !strings.Contains(buf.String(), "correlation_id=req-42") {
		t.Errorf("Expected correlation id in output, got: %s", buf.String())
	}

	buf.Reset()
	FromContext(context.Background()).Info("no correlation")
	if strings.Contains(buf.String(), "correlation_id") {
		t.Errorf("Did not expect correlation id in output, got: %s", buf.String())
	}
}

func TestSetupJSONFormat(t *testing.T) {
	buf := captureLogs(t, LevelInfo)
	Setup(buf, LevelInfo, FormatJSON)
	Info("pipeline started", "capability_id", "cap-1")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON output, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "pipeline started" || entry["capability_id"] != "cap-1" {
		t.Errorf("Unexpected entry: %v", entry)
	}
}
