package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestSetupMasksSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger := Setup("swapd", "test", WithWriter(&buf), WithLevel("debug"))
	logger.Debug("secret submitted", "secret", "0xdeadbeef", "session", "abc")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if got := line["secret"]; got != RedactedValue {
		t.Fatalf("secret not masked: %v", got)
	}
	if got := line["session"]; got != "abc" {
		t.Fatalf("unexpected session attr: %v", got)
	}
	if line["service"] != "swapd" || line["env"] != "test" {
		t.Fatalf("missing service attrs: %v", line)
	}
	if line["severity"] != "DEBUG" {
		t.Fatalf("unexpected severity %v", line["severity"])
	}
}

func TestMaskValueKeepsEmpty(t *testing.T) {
	if MaskValue("  ") != "  " {
		t.Fatalf("empty value should pass through")
	}
	if MaskValue("x") != RedactedValue {
		t.Fatalf("value should be masked")
	}
	if !IsSensitive("Private_Key") {
		t.Fatalf("expected case-insensitive match")
	}
}
