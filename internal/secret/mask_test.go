package secret

import (
	"strings"
	"testing"
)

func TestIsSensitiveKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"password", true},
		{"feed_password", true},
		{"API_KEY", true},
		{"apiToken", true},
		{"bearer_token", true},
		{"url", false},
		{"username", false},
		{"poll_interval", false},
	}
	for _, tt := range tests {
		if got := IsSensitiveKey(tt.key); got != tt.want {
			t.Errorf("IsSensitiveKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestMaskNeverContainsValue(t *testing.T) {
	const credential = "hunter2-super-secret"
	masked := Mask(credential)
	if strings.Contains(masked, credential) {
		t.Fatalf("mask %q leaks the credential", masked)
	}
	if !strings.HasSuffix(masked, credential[len(credential)-2:]) {
		t.Errorf("mask %q should end with the last two characters", masked)
	}
	if masked == Mask("different") {
		t.Error("distinct credentials must mask differently")
	}
}

func TestMaskEmpty(t *testing.T) {
	if got := Mask(""); got != "-" {
		t.Errorf("Mask(\"\") = %q, want -", got)
	}
}

func TestMaskConfig(t *testing.T) {
	cfg := map[string]any{
		"url":      "https://example.com/feed",
		"password": "hunter2",
		"nested": map[string]any{
			"api_key": "abc123",
			"region":  "eu",
		},
	}

	masked := MaskConfig(cfg)
	if masked["url"] != "https://example.com/feed" {
		t.Errorf("non-sensitive value changed: %v", masked["url"])
	}
	if masked["password"] == "hunter2" {
		t.Error("password not masked")
	}
	nested := masked["nested"].(map[string]any)
	if nested["api_key"] == "abc123" {
		t.Error("nested api_key not masked")
	}
	if nested["region"] != "eu" {
		t.Errorf("nested non-sensitive value changed: %v", nested["region"])
	}

	// The original must be untouched.
	if cfg["password"] != "hunter2" {
		t.Error("MaskConfig mutated its input")
	}
}
