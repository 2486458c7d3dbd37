package sensitivity

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/coach-insights/internal/gateway"
	"github.com/sells-group/coach-insights/internal/model"
)

type mockCompleter struct {
	mock.Mock
}

func (m *mockCompleter) CompleteJSON(ctx context.Context, req gateway.Request, out any) (*gateway.Response, error) {
	args := m.Called(ctx, req, out)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.Response), args.Error(1)
}

func TestHeuristic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		claim model.Claim
		want  model.Sensitivity
		hit   bool
	}{
		{"ankle", model.Claim{SourceText: "Emma twisted her ankle at training", Topic: model.TopicPerformance}, model.SensitivityInjury, true},
		{"pain", model.Claim{SourceText: "Said her knee was in pain after the sprint"}, model.SensitivityInjury, true},
		{"concussion", model.Claim{SourceText: "possible concussion, keep him out"}, model.SensitivityInjury, true},
		{"anxiety", model.Claim{SourceText: "seems really anxious before games"}, model.SensitivityInjury, true},
		{"wellbeing topic", model.Claim{SourceText: "not herself lately", Topic: model.TopicWellbeing}, model.SensitivityInjury, true},
		{"recovery topic", model.Claim{SourceText: "back running drills", Topic: model.TopicRecovery}, model.SensitivityInjury, true},
		{"sent off", model.Claim{SourceText: "Jack got sent off for arguing with the ref"}, model.SensitivityBehavior, true},
		{"discipline", model.Claim{SourceText: "needs discipline at training"}, model.SensitivityBehavior, true},
		{"behavior topic", model.Claim{SourceText: "was late again", Topic: model.TopicBehavior}, model.SensitivityBehavior, true},
		{"both signals", model.Claim{SourceText: "got in a fight and hurt his hand"}, model.SensitivityInjury, true},
		{"behavior topic with injury words", model.Claim{SourceText: "pushed a teammate who was limping", Topic: model.TopicBehavior}, model.SensitivityInjury, true},
		{"description only", model.Claim{SourceText: "Emma sat out", Description: "hamstring tightness"}, model.SensitivityInjury, true},
		{"normal", model.Claim{SourceText: "Emma's tackling improved to 4/5, no issues", Topic: model.TopicSkillRating}, "", false},
		{"score not sore", model.Claim{SourceText: "scored twice from the wing"}, "", false},
		{"training not strain", model.Claim{SourceText: "great training session today"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Heuristic(&tt.claim)
			assert.Equal(t, tt.hit, ok)
			if tt.hit {
				assert.Equal(t, tt.want, got.Category)
				assert.Equal(t, SourceHeuristic, got.Source)
				assert.InDelta(t, 1.0, got.Confidence, 1e-9)
				assert.NotEmpty(t, got.Signals)
			}
		})
	}
}

func TestClassify_HeuristicSkipsProvider(t *testing.T) {
	gw := &mockCompleter{}
	c := NewClassifier(gw)

	got, err := c.Classify(context.Background(), "org-1", &model.Claim{ID: "c1", SourceText: "Emma twisted her ankle at training"})
	require.NoError(t, err)
	assert.Equal(t, model.SensitivityInjury, got.Category)
	gw.AssertNotCalled(t, "CompleteJSON", mock.Anything, mock.Anything, mock.Anything)
}

func TestClassify_FallsBackToProvider(t *testing.T) {
	gw := &mockCompleter{}
	gw.On("CompleteJSON", mock.Anything, mock.MatchedBy(func(req gateway.Request) bool {
		return req.Operation == Operation && req.OrgID == "org-1"
	}), mock.Anything).Run(func(args mock.Arguments) {
		require.NoError(t, json.Unmarshal([]byte(`{"category": "NORMAL", "confidence": 0.97}`), args.Get(2)))
	}).Return(&gateway.Response{}, nil)

	got, err := NewClassifier(gw).Classify(context.Background(), "org-1", &model.Claim{ID: "c1", SourceText: "Emma's tackling improved to 4/5"})
	require.NoError(t, err)
	assert.Equal(t, model.SensitivityNormal, got.Category)
	assert.Equal(t, SourceAI, got.Source)
	assert.InDelta(t, 0.97, got.Confidence, 1e-9)
}

func TestCategory_RejectsUnknown(t *testing.T) {
	t.Parallel()

	var label aiLabel
	err := json.Unmarshal([]byte(`{"category": "medical", "confidence": 0.9}`), &label)
	assert.Error(t, err)

	err = json.Unmarshal([]byte(`{"category": "behavior", "confidence": 0.9}`), &label)
	require.NoError(t, err)
	assert.Equal(t, model.SensitivityBehavior, model.Sensitivity(label.Category))
}

func TestClassify_EmptyClaim(t *testing.T) {
	gw := &mockCompleter{}
	_, err := NewClassifier(gw).Classify(context.Background(), "org-1", &model.Claim{ID: "c1"})
	assert.True(t, model.IsValidation(err))
}
