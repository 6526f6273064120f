package priority

import (
	"time"

	"lexbridge/config"
)

// Complexity grades how involved a case is expected to be.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Valid reports whether c is one of the known grades.
func (c Complexity) Valid() bool {
	switch c {
	case ComplexityLow, ComplexityMedium, ComplexityHigh:
		return true
	}
	return false
}

// Classify decides whether a case earns a temporary exclusivity window and
// returns its expiry, or nil when the case does not qualify. A case qualifies
// when it is high complexity or its estimated budget strictly exceeds the
// configured threshold. Pure; callers validate inputs and persist the result.
func Classify(complexity Complexity, estimatedBudget int64, now time.Time, cfg config.Config) *time.Time {
	if complexity != ComplexityHigh && estimatedBudget <= cfg.HighValueThreshold {
		return nil
	}
	until := now.Add(cfg.ExclusivityWindow.Std())
	return &until
}
