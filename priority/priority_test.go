package priority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexbridge/config"
)

func TestClassify(t *testing.T) {
	cfg := config.Default()
	cfg.HighValueThreshold = 100_000
	cfg.ExclusivityWindow = config.Duration(24 * time.Hour)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		complexity Complexity
		budget     int64
		want       *time.Time
	}{
		{"high complexity qualifies", ComplexityHigh, 1_000, ptr(now.Add(24 * time.Hour))},
		{"high budget qualifies", ComplexityLow, 1_000_000, ptr(now.Add(24 * time.Hour))},
		{"both qualify", ComplexityHigh, 1_000_000, ptr(now.Add(24 * time.Hour))},
		{"low complexity low budget", ComplexityLow, 50_000, nil},
		{"medium complexity low budget", ComplexityMedium, 50_000, nil},
		{"budget exactly at threshold does not qualify", ComplexityMedium, 100_000, nil},
		{"budget one over threshold qualifies", ComplexityMedium, 100_001, ptr(now.Add(24 * time.Hour))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.complexity, tt.budget, now, cfg)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, got.Equal(*tt.want), "want %v, got %v", tt.want, got)
		})
	}
}

func TestClassify_WindowAlwaysInFuture(t *testing.T) {
	cfg := config.Default()
	now := time.Now()

	got := Classify(ComplexityHigh, 1, now, cfg)
	require.NotNil(t, got)
	assert.True(t, got.After(now))
}

func TestComplexityValid(t *testing.T) {
	assert.True(t, ComplexityLow.Valid())
	assert.True(t, ComplexityMedium.Valid())
	assert.True(t, ComplexityHigh.Valid())
	assert.False(t, Complexity("urgent").Valid())
	assert.False(t, Complexity("").Valid())
}

func ptr(t time.Time) *time.Time { return &t }
