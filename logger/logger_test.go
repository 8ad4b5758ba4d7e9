package logger

import (
	"io"
	"os"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestWithEnv(t *testing.T) {
	os.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestConfigureReportLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("report", "text", "stderr", 0); err != nil {
		t.Fatalf("report level rejected: %v", err)
	}
	if log.GetLevel().String() != "info" {
		t.Fatalf("expected info level, got %s", log.GetLevel())
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestWarnCountsByFamily(t *testing.T) {
	log := Logger()
	log.SetOutput(io.Discard)

	before := Counters()["latency"]
	log.WithComponent("latency_monitor").Warn("slow")
	log.WithComponent("latency_monitor").Error("critical")
	after := Counters()["latency"]

	if after[0] != before[0]+1 {
		t.Fatalf("expected one more warn, before=%d after=%d", before[0], after[0])
	}
	if after[1] != before[1]+1 {
		t.Fatalf("expected one more error, before=%d after=%d", before[1], after[1])
	}
}

func TestFamilyOf(t *testing.T) {
	cases := map[string]string{
		"order_poller":      "poller",
		"stream_manager":    "stream",
		"safety_dispatcher": "safety",
		"dashboard":         "other",
	}
	for component, want := range cases {
		if got := familyOf(component); got != want {
			t.Fatalf("familyOf(%q) = %q, want %q", component, got, want)
		}
	}
}
