package extractor

import (
	"strings"
	"testing"
)

func TestWithSignatureAppendsQueryParam(t *testing.T) {
	got := withSignature("https://portal.example.com/traffic", "abc123")
	want := "https://portal.example.com/traffic?mtgsig=abc123"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestWithSignatureAppendsWithAmpersandWhenQueryExists(t *testing.T) {
	got := withSignature("https://portal.example.com/traffic?shop=1", "abc123")
	want := "https://portal.example.com/traffic?shop=1&mtgsig=abc123"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestWithSignatureSynthesizesWhenEmpty(t *testing.T) {
	got := withSignature("https://portal.example.com/traffic", "")
	if !strings.Contains(got, "mtgsig=ts") {
		t.Errorf("expected a synthesized ts-prefixed signature, got %q", got)
	}
}

func TestSynthesizeSignatureHasTimestampPrefix(t *testing.T) {
	sig := synthesizeSignature()
	if !strings.HasPrefix(sig, "ts") {
		t.Errorf("expected signature to start with 'ts', got %q", sig)
	}
	if len(sig) <= len("ts") {
		t.Errorf("expected a non-empty timestamp suffix, got %q", sig)
	}
}
