package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestSeverityForLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		level log.Level
		want  string
	}{
		{name: "panic", level: log.PanicLevel, want: "EMERGENCY"},
		{name: "fatal", level: log.FatalLevel, want: "CRITICAL"},
		{name: "error", level: log.ErrorLevel, want: "ERROR"},
		{name: "warn", level: log.WarnLevel, want: "WARNING"},
		{name: "info", level: log.InfoLevel, want: "INFO"},
		{name: "debug", level: log.DebugLevel, want: "DEBUG"},
		{name: "trace", level: log.TraceLevel, want: "DEBUG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := severityForLevel(tt.level)
			if got != tt.want {
				t.Errorf("severityForLevel(%v) = %q, want %q", tt.level, got, tt.want)
			}
		})
	}
}

func TestConfigureLogrusJSONAddsSeverity(t *testing.T) {
	t.Parallel()

	logger := log.New()
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	ConfigureLogrusJSON(logger)
	logger.WithField("component", "test").Info("hello")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal log payload: %v", err)
	}

	got, ok := payload["severity"]
	if !ok {
		t.Fatalf("expected severity field in log payload, got: %#v", payload)
	}
	if got != "INFO" {
		t.Fatalf("expected severity %q, got %v", "INFO", got)
	}
}

func TestConfigureLogrusJSONRespectsExistingSeverity(t *testing.T) {
	t.Parallel()

	logger := log.New()
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	ConfigureLogrusJSON(logger)
	logger.WithField("severity", "NOTICE").Info("hello")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal log payload: %v", err)
	}

	got, ok := payload["severity"]
	if !ok {
		t.Fatalf("expected severity field in log payload, got: %#v", payload)
	}
	if got != "NOTICE" {
		t.Fatalf("expected severity %q, got %v", "NOTICE", got)
	}
}

func TestConfigure(t *testing.T) {
	t.Parallel()

	t.Run("json", func(t *testing.T) {
		t.Parallel()

		logger := log.New()
		var buf bytes.Buffer
		logger.SetOutput(&buf)

		if err := Configure(logger, "debug", true); err != nil {
			t.Fatal(err)
		}
		if logger.GetLevel() != log.DebugLevel {
			t.Errorf("expected debug level, got %v", logger.GetLevel())
		}

		logger.Debug("registering")

		var payload map[string]any
		if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
			t.Fatalf("unmarshal log payload: %v", err)
		}
		if payload["severity"] != "DEBUG" {
			t.Errorf("expected severity DEBUG, got %v", payload["severity"])
		}
	})

	t.Run("text", func(t *testing.T) {
		t.Parallel()

		logger := log.New()
		var buf bytes.Buffer
		logger.SetOutput(&buf)

		if err := Configure(logger, "warn", false); err != nil {
			t.Fatal(err)
		}

		logger.Info("hidden")
		logger.Warn("shown")

		if bytes.Contains(buf.Bytes(), []byte("hidden")) {
			t.Errorf("expected info to be filtered out, got %q", buf.String())
		}
		if !bytes.Contains(buf.Bytes(), []byte("shown")) {
			t.Errorf("expected warning in output, got %q", buf.String())
		}
		if bytes.Contains(buf.Bytes(), []byte("severity")) {
			t.Errorf("expected no severity field in text output, got %q", buf.String())
		}
	})

	t.Run("invalid level", func(t *testing.T) {
		t.Parallel()

		if err := Configure(log.New(), "loud", false); err == nil {
			t.Error("expected an error for an invalid level")
		}
	})
}
