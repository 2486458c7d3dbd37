package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/coach-insights/internal/model"
)

func TestParseLimits(t *testing.T) {
	doc := `
limits:
  - scope: platform
    type: cost_per_day
    limit: 500
  - scope: organization
    scope_id: org-1
    type: messages_per_hour
    limit: 60
`
	specs, err := parseLimits(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, specs, 2)

	assert.Equal(t, model.ScopePlatform, specs[0].Scope)
	assert.Equal(t, model.PlatformScopeID, specs[0].ScopeID)
	assert.Equal(t, model.LimitCostPerDay, specs[0].Type)
	assert.InDelta(t, 500.0, specs[0].Limit, 1e-9)

	assert.Equal(t, model.ScopeOrganization, specs[1].Scope)
	assert.Equal(t, "org-1", specs[1].ScopeID)
	assert.Equal(t, model.LimitMessagesPerHour, specs[1].Type)
}

func TestParseLimits_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", "", "file is empty"},
		{"no entries", "limits: []\n", "no limits listed"},
		{"unknown key", "limits:\n  - scope: platform\n    type: cost_per_day\n    ceiling: 5\n", "decode yaml"},
		{"org without id", "limits:\n  - scope: organization\n    type: cost_per_day\n    limit: 5\n", "entry 0"},
		{"bad type", "limits:\n  - scope: platform\n    type: tokens_per_day\n    limit: 5\n", "entry 0"},
		{"negative", "limits:\n  - scope: platform\n    type: cost_per_hour\n    limit: -1\n", "entry 0"},
		{"not yaml", "limits: [", "decode yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseLimits(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
