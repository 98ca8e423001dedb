package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rule = `request.reason in ["coverage", "transfer"] && request.type == "site" && actor.role in site.preauthorized_roles`

func input(reason, kind, role string, roles ...string) map[string]any {
	return map[string]any{
		"request": map[string]any{"reason": reason, "type": kind},
		"actor":   map[string]any{"role": role},
		"site":    map[string]any{"preauthorized_roles": roles},
	}
}

func TestEvaluator_Eval(t *testing.T) {
	e, err := NewEvaluator("request", "actor", "site")
	require.NoError(t, err)

	tests := []struct {
		name string
		in   map[string]any
		want bool
	}{
		{"coverage for preauthorized role", input("coverage", "site", "physician", "physician", "nurse"), true},
		{"transfer for preauthorized role", input("transfer", "site", "nurse", "nurse"), true},
		{"consultation needs approval", input("consultation", "site", "physician", "physician"), false},
		{"patient scope needs approval", input("coverage", "patient", "physician", "physician"), false},
		{"role not preauthorized", input("coverage", "site", "researcher", "physician"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Eval(rule, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluator_FailsClosed(t *testing.T) {
	e, err := NewEvaluator("request")
	require.NoError(t, err)

	_, err = e.Eval(`request.reason ==`, map[string]any{"request": map[string]any{}})
	assert.Error(t, err)

	_, err = e.Eval(`"not a bool"`, map[string]any{"request": map[string]any{}})
	assert.Error(t, err)

	got, err := e.Eval(`request.missing == "x"`, map[string]any{"request": map[string]any{}})
	assert.Error(t, err)
	assert.False(t, got)
}
