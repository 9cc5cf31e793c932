package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeWorkerCount(t *testing.T) {
	tests := []struct {
		name        string
		cpus        int
		availableMB float64
		want        int
	}{
		{"memory unknown uses cpu bound", 4, -1, 64},
		{"memory bound tighter", 8, 512 + 10*32, 10},
		{"below buffer still one worker", 8, 256, 1},
		{"cpu bound tighter", 2, 64 * 1024, 32},
		{"zero cpus treated as one", 0, -1, 16},
		{"capped on huge hosts", 256, 1024 * 1024, maxPlatformWorkers},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, safeWorkerCount(tt.cpus, tt.availableMB))
		})
	}
}

func TestPlatformLimit(t *testing.T) {
	assert.Equal(t, 7, PlatformLimit(7))
	assert.GreaterOrEqual(t, PlatformLimit(0), 1)
}
