package logutil

import (
	"strings"
	"testing"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "pod-a", "pod-a"},
		{"newline", "pod-a\nFAKE ENTRY", "pod-a FAKE ENTRY"},
		{"carriage return", "a\rb", "a b"},
		{"escape sequence", "a\x1b[31mb", "a[31mb"},
		{"delete", "a\x7fb", "ab"},
		{"unicode kept", "pod-ü", "pod-ü"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeForLog(tt.input); got != tt.want {
				t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitizeForLogTruncates(t *testing.T) {
	got := SanitizeForLog(strings.Repeat("x", 500))
	if len(got) != maxLoggedLen+3 {
		t.Errorf("expected length %d, got %d", maxLoggedLen+3, len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected truncation marker, got %q", got[len(got)-5:])
	}
}

func TestTarget(t *testing.T) {
	if got := Target("pod-a", "shell"); got != "pod-a/shell" {
		t.Errorf("got %q", got)
	}
	if got := Target("web\n1", ""); got != "web 1" {
		t.Errorf("got %q", got)
	}
}
