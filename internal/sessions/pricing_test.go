package sessions

import (
	"math"
	"testing"

	"github.com/session-observatory/daemon/internal/rollout"
)

func TestPriceForModelPrefix(t *testing.T) {
	tests := []struct {
		model     string
		wantInput float64
	}{
		{"claude-opus-4-5-20260101", 15},
		{"claude-sonnet-4-5", 3},
		{"claude-3-5-haiku-20241022", 0.8},
		{"gpt-5-codex", 1.25},
		{"gpt-5.1", 1.25},
		{"o3-2025-04-16", 2},
		{"totally-unknown-model", 3}, // default
		{"", 3},
	}
	for _, tt := range tests {
		if got := PriceForModel(tt.model); got.Input != tt.wantInput {
			t.Errorf("PriceForModel(%q).Input = %v, want %v", tt.model, got.Input, tt.wantInput)
		}
	}
}

func TestCostForTurn(t *testing.T) {
	usage := rollout.TokenUsage{
		InputTokens:              1_000_000,
		OutputTokens:             1_000_000,
		CacheReadInputTokens:     1_000_000,
		CacheCreationInputTokens: 1_000_000,
	}
	got := CostForTurn("claude-opus-4-5", usage)
	want := 15.0 + 75.0 + 1.5 + 18.75
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("CostForTurn = %v, want %v", got, want)
	}

	if got := CostForTurn("claude-opus-4-5", rollout.TokenUsage{}); got != 0 {
		t.Errorf("CostForTurn(zero usage) = %v, want 0", got)
	}
}

func TestCostForTurnScalesLinearly(t *testing.T) {
	usage := rollout.TokenUsage{InputTokens: 500_000}
	got := CostForTurn("gpt-5", usage)
	if math.Abs(got-0.625) > 1e-9 {
		t.Errorf("CostForTurn = %v, want 0.625", got)
	}
}
