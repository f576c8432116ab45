package infra

import (
	"testing"
)

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		retryCount int
		want       int64 // milliseconds
	}{
		{-1, 1000},
		{0, 1000},
		{1, 2000},
		{2, 4000},
		{3, 8000},
		{10, 60000},
		{100, 60000},
	}

	for _, tt := range tests {
		got := CalculateBackoff(tt.retryCount).Milliseconds()
		if got != tt.want {
			t.Errorf("CalculateBackoff(%d) = %dms, want %dms", tt.retryCount, got, tt.want)
		}
	}
}
