package service

import (
	"math"
	"strings"
)

const (
	TokensPerCredit       = 200000
	VideoMinutesPerCredit = 5
)

var modelMultipliers = map[string]float64{
	"deepseek-v3":       1.5,
	"claude-sonnet-4.5": 2,
}

// ModelMultiplier matches on the model name without any provider prefix.
func ModelMultiplier(model string) float64 {
	name := strings.ToLower(strings.TrimSpace(model))
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	if multiplier, ok := modelMultipliers[name]; ok {
		return multiplier
	}
	return 1
}

func TextGenerationCredits(totalTokens int, model string) int {
	base := math.Ceil(float64(totalTokens) / TokensPerCredit)
	return maxInt(1, int(math.Ceil(base*ModelMultiplier(model))))
}

func RAGQuestionCredits(model string) int {
	return maxInt(1, int(math.Ceil(ModelMultiplier(model))))
}

func VideoCredits(durationMinutes int) int {
	return maxInt(1, int(math.Ceil(float64(durationMinutes)/VideoMinutesPerCredit)))
}

func ConversionCredits() int {
	return 1
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
