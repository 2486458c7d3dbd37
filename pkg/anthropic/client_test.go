package anthropic

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockClient implements Client for testing.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*MessageResponse), args.Error(1)
}

func TestCreateMessage_MockClient(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	req := MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 1024,
		Messages:  []Message{{Role: "user", Content: "Emma's tackling was excellent today"}},
	}
	expected := &MessageResponse{
		ID:         "msg_123",
		Model:      "claude-haiku-4-5-20251001",
		Content:    []ContentBlock{{Type: "text", Text: `{"claims":[]}`}},
		StopReason: "end_turn",
		Usage:      TokenUsage{InputTokens: 10, OutputTokens: 5},
	}
	mc.On("CreateMessage", ctx, req).Return(expected, nil)

	resp, err := mc.CreateMessage(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "msg_123", resp.ID)
	assert.Equal(t, `{"claims":[]}`, resp.Text())
	mc.AssertExpectations(t)
}

func TestMessageResponse_Text(t *testing.T) {
	t.Parallel()

	resp := &MessageResponse{Content: []ContentBlock{
		{Type: "text", Text: "first"},
		{Type: "tool_use", Text: "ignored"},
		{Type: "text", Text: ""},
		{Type: "text", Text: "second"},
	}}
	assert.Equal(t, "first\nsecond", resp.Text())

	var nilResp *MessageResponse
	assert.Empty(t, nilResp.Text())
}

func TestToSDKMessages(t *testing.T) {
	t.Parallel()

	out := toSDKMessages([]Message{
		{Role: "user", Content: "q"},
		{Role: "assistant", Content: "a"},
		{Role: "system", Content: "falls back to user"},
	})
	require.Len(t, out, 3)
	assert.Equal(t, sdk.MessageParamRoleUser, out[0].Role)
	assert.Equal(t, sdk.MessageParamRoleAssistant, out[1].Role)
	assert.Equal(t, sdk.MessageParamRoleUser, out[2].Role)

	assert.Empty(t, toSDKMessages(nil))
}

func TestToSDKSystemBlocks(t *testing.T) {
	t.Parallel()

	out := toSDKSystemBlocks([]SystemBlock{
		{Text: "plain"},
		{Text: "cached", CacheControl: &CacheControl{TTL: "1h"}},
		{Text: "cached default", CacheControl: &CacheControl{}},
	})
	require.Len(t, out, 3)
	assert.Equal(t, "plain", out[0].Text)
	assert.Equal(t, sdk.CacheControlEphemeralTTL("1h"), out[1].CacheControl.TTL)
	assert.Equal(t, "cached default", out[2].Text)
}

func TestFromSDKMessage(t *testing.T) {
	t.Parallel()

	msg := &sdk.Message{
		ID:         "msg_1",
		Model:      sdk.Model("claude-haiku-4-5-20251001"),
		StopReason: sdk.StopReasonEndTurn,
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "hi"}},
		Usage: sdk.Usage{
			InputTokens:              100,
			OutputTokens:             20,
			CacheCreationInputTokens: 5,
			CacheReadInputTokens:     7,
		},
	}
	resp := fromSDKMessage(msg)
	assert.Equal(t, "msg_1", resp.ID)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, "hi", resp.Text())
	assert.Equal(t, TokenUsage{100, 20, 5, 7}, resp.Usage)
}

func TestBuildCachedSystemBlocks(t *testing.T) {
	t.Parallel()

	blocks := BuildCachedSystemBlocks("You extract claims from coach notes.")
	require.Len(t, blocks, 1)
	require.NotNil(t, blocks[0].CacheControl)
	assert.Equal(t, "5m", blocks[0].CacheControl.TTL)

	assert.Nil(t, BuildCachedSystemBlocks(""))
}

func TestNewClient_ReturnsNonNil(t *testing.T) {
	t.Parallel()
	assert.NotNil(t, NewClient("key", WithBaseURL("http://localhost"), WithTimeout(0)))
}
