package bedrock_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainrun/brains/adapters/llm/bedrock"
	"github.com/brainrun/brains/llm"
)

type mockRuntime struct {
	captured *bedrockruntime.ConverseInput
	output   *bedrockruntime.ConverseOutput
	err      error
}

func (m *mockRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	m.captured = params
	return m.output, m.err
}

func TestNewRejectsMissingModel(t *testing.T) {
	_, err := bedrock.New(&mockRuntime{}, bedrock.Options{})
	assert.Error(t, err)
}

func TestGenerateTextReturnsTextAndToolCalls(t *testing.T) {
	mock := &mockRuntime{
		output: &bedrockruntime.ConverseOutput{
			Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
				Role: brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: "hello"},
					&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
						Name:      aws.String("calc.tool"),
						ToolUseId: aws.String("call-1"),
						Input:     document.NewLazyDocument(&map[string]any{"value": float64(42)}),
					}},
				},
			}},
			Usage:      &brtypes.TokenUsage{TotalTokens: aws.Int32(120)},
			StopReason: brtypes.StopReasonToolUse,
		},
	}
	cl, err := bedrock.New(mock, bedrock.Options{Model: "anthropic.claude-3"})
	require.NoError(t, err)

	resp, err := cl.GenerateText(context.Background(), llm.TextRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You are smart."},
			{Role: llm.RoleUser, Content: "hi"},
		},
		Tools: []llm.ToolDescriptor{{Name: "calc.tool", Description: "calculator", InputSchema: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, 120, resp.Usage.TotalTokens)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "calc.tool", resp.ToolCalls[0].ToolName)
	assert.Equal(t, "call-1", resp.ToolCalls[0].ToolCallID)
	assert.Equal(t, float64(42), resp.ToolCalls[0].Args["value"])

	require.NotNil(t, mock.captured)
	require.NotNil(t, mock.captured.ToolConfig)
	assert.Len(t, mock.captured.ToolConfig.Tools, 1)
	require.Len(t, mock.captured.System, 1)
}

func TestGenerateTextWrapsTransportError(t *testing.T) {
	mock := &mockRuntime{err: errors.New("boom")}
	cl, err := bedrock.New(mock, bedrock.Options{Model: "anthropic.claude-3"})
	require.NoError(t, err)

	_, err = cl.GenerateText(context.Background(), llm.TextRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	assert.Error(t, err)
}

func TestGenerateTextRejectsEmptyMessages(t *testing.T) {
	cl, err := bedrock.New(&mockRuntime{}, bedrock.Options{Model: "anthropic.claude-3"})
	require.NoError(t, err)

	_, err = cl.GenerateText(context.Background(), llm.TextRequest{})
	assert.Error(t, err)
}

func TestGenerateObjectForcesToolUseAndDecodesInput(t *testing.T) {
	mock := &mockRuntime{
		output: &bedrockruntime.ConverseOutput{
			Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
				Role: brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
						Name:  aws.String("emit_result"),
						Input: document.NewLazyDocument(&map[string]any{"answer": float64(42)}),
					}},
				},
			}},
		},
	}
	cl, err := bedrock.New(mock, bedrock.Options{Model: "anthropic.claude-3"})
	require.NoError(t, err)

	out, err := cl.GenerateObject(context.Background(), llm.ObjectRequest{
		Schema: map[string]any{"type": "object"},
		Prompt: "what is the answer?",
	})
	require.NoError(t, err)

	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), m["answer"])

	require.NotNil(t, mock.captured.ToolConfig.ToolChoice)
}

func TestGenerateObjectErrorsWhenNoMatchingToolUseReturned(t *testing.T) {
	mock := &mockRuntime{
		output: &bedrockruntime.ConverseOutput{
			Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: "no tool call"}},
			}},
		},
	}
	cl, err := bedrock.New(mock, bedrock.Options{Model: "anthropic.claude-3"})
	require.NoError(t, err)

	_, err = cl.GenerateObject(context.Background(), llm.ObjectRequest{
		Schema: map[string]any{"type": "object"},
		Prompt: "irrelevant",
	})
	assert.Error(t, err)
}
