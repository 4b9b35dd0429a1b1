package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestNewLogger_JSONSchema(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("debug", "json", &buf, nil)
	logger.Debug("step completed", "step_id", "abc")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v (%q)", err, buf.String())
	}
	for _, key := range []string{"timestamp", "level", "msg", "component", "step_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing key %q in %#v", key, entry)
		}
	}
	if entry["component"] != "evolearn" {
		t.Fatalf("component = %v", entry["component"])
	}
}

func TestNewLogger_TextByDefault(t *testing.T) {
	var buf bytes.Buffer
	NewLogger("info", "", &buf, nil).Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "msg=hello") || !strings.Contains(buf.String(), "k=v") {
		t.Fatalf("expected text output, got %q", buf.String())
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", "text", &buf, nil)
	logger.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	logger.Warn("loud")
	if !strings.Contains(buf.String(), "loud") {
		t.Fatalf("warn should be emitted, got %q", buf.String())
	}
}

func TestNewLogger_Redacts(t *testing.T) {
	var buf bytes.Buffer
	redact := func(s string) string { return strings.ReplaceAll(s, "hunter2", "[REDACTED]") }
	NewLogger("info", "json", &buf, redact).Info("login", "detail", "password is hunter2")
	if strings.Contains(buf.String(), "hunter2") {
		t.Fatalf("secret leaked: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "[REDACTED]") {
		t.Fatalf("expected placeholder, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestInitTracing_None(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), ExporterNone, "test", nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitTracing_Unknown(t *testing.T) {
	if _, err := InitTracing(context.Background(), "jaeger", "test", nil); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestInitTracing_StdoutExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	var buf bytes.Buffer
	shutdown, err := InitTracing(context.Background(), ExporterStdout, "test", &buf)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "unit-span")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "unit-span") {
		t.Fatalf("expected span in exporter output, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), ServiceName) {
		t.Fatalf("expected service name in resource, got %q", buf.String())
	}
}
