package llm

import (
	"context"
	"math"
	"testing"
)

func TestDecodeJSON_Direct(t *testing.T) {
	var out []string
	if !DecodeJSON(`["a","b"]`, &out) {
		t.Fatalf("direct array should parse")
	}
	if len(out) != 2 || out[0] != "a" {
		t.Fatalf("unexpected result: %v", out)
	}
}

func TestDecodeJSON_Fenced(t *testing.T) {
	raw := "Here you go:\n```json\n[\"x\", \"y\"]\n```\nHope that helps."
	var out []string
	if !DecodeJSON(raw, &out) {
		t.Fatalf("fenced array should parse")
	}
	if len(out) != 2 || out[1] != "y" {
		t.Fatalf("unexpected result: %v", out)
	}
}

func TestDecodeJSON_EmbeddedInProse(t *testing.T) {
	raw := `The segments are [{"text":"hi","importance":4}] as requested.`
	var out []map[string]interface{}
	if !DecodeJSON(raw, &out) {
		t.Fatalf("embedded array should parse")
	}
	if out[0]["text"] != "hi" {
		t.Fatalf("unexpected result: %v", out)
	}
}

func TestDecodeJSON_Garbage(t *testing.T) {
	var out []string
	if DecodeJSON("not json", &out) {
		t.Fatalf("garbage must not parse")
	}
	if DecodeJSON("", &out) {
		t.Fatalf("empty input must not parse")
	}
}

func TestLocalEmbedder_DeterministicUnitNorm(t *testing.T) {
	e := NewLocalEmbedder()
	ctx := context.Background()

	a1, err := e.Embed(ctx, "Captain Silas offered 50 gold")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	a2, _ := e.Embed(ctx, "Captain Silas offered 50 gold")
	if Cosine(a1, a2) < 0.9999 {
		t.Fatalf("same text should embed identically, cosine %f", Cosine(a1, a2))
	}
	if n := Norm(a1); math.Abs(n-1) > 1e-5 {
		t.Fatalf("expected unit norm, got %f", n)
	}

	b, _ := e.Embed(ctx, "an entirely different sentence about weather")
	if Cosine(a1, b) > 0.9 {
		t.Fatalf("different texts should not be near-identical")
	}
}

func TestLocalEmbedder_EmptyText(t *testing.T) {
	e := NewLocalEmbedder()
	vec, err := e.Embed(context.Background(), "   ")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if Norm(vec) != 0 {
		t.Fatalf("blank text should produce a zero vector")
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(&StatusError{Code: 503}) {
		t.Fatalf("5xx should be transient")
	}
	if !IsTransient(&StatusError{Code: 429}) {
		t.Fatalf("429 should be transient")
	}
	if IsTransient(&StatusError{Code: 400}) {
		t.Fatalf("400 should not be transient")
	}
	if IsTransient(nil) {
		t.Fatalf("nil should not be transient")
	}
}
