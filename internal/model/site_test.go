package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNetworkSettings_Validate(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		level    AccessLevel
		wantErr  bool
	}{
		{"whole hours", 24 * time.Hour, AccessLevelReadOnly, false},
		{"one hour", time.Hour, AccessLevelFull, false},
		{"fractional hours", 90 * time.Minute, AccessLevelReadOnly, true},
		{"under an hour", 30 * time.Minute, AccessLevelReadOnly, true},
		{"zero", 0, AccessLevelReadOnly, true},
		{"unknown level", 24 * time.Hour, AccessLevel("admin"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NetworkSettings{BreakGlassDuration: tt.duration, BreakGlassAccessLevel: tt.level}
			err := n.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, int(tt.duration/time.Hour), n.BreakGlassHours())
		})
	}
}
