package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainrun/brains/llm"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func TestNewRejectsMissingModel(t *testing.T) {
	_, err := New(&stubMessagesClient{}, Options{MaxTokens: 64})
	assert.Error(t, err)
}

func TestNewRejectsNonPositiveMaxTokens(t *testing.T) {
	_, err := New(&stubMessagesClient{}, Options{Model: "claude-3.5-sonnet"})
	assert.Error(t, err)
}

func TestGenerateTextReturnsAssistantText(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "world"},
			},
			Usage: sdk.Usage{InputTokens: 10, OutputTokens: 5},
		},
	}
	cl, err := New(stub, Options{Model: "claude-3.5-sonnet", MaxTokens: 128})
	require.NoError(t, err)

	resp, err := cl.GenerateText(context.Background(), llm.TextRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "world", resp.Text)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	require.Len(t, resp.ResponseMessages, 1)
	assert.Equal(t, llm.RoleAssistant, resp.ResponseMessages[0].Role)
}

func TestGenerateTextReturnsToolCalls(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "tool_use", Name: "lookup", ID: "call-1", Input: json.RawMessage(`{"x":1}`)},
			},
		},
	}
	cl, err := New(stub, Options{Model: "claude-3.5-sonnet", MaxTokens: 128})
	require.NoError(t, err)

	resp, err := cl.GenerateText(context.Background(), llm.TextRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "call tool"}},
		Tools:    []llm.ToolDescriptor{{Name: "lookup", Description: "looks things up", InputSchema: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "lookup", resp.ToolCalls[0].ToolName)
	assert.Equal(t, "call-1", resp.ToolCalls[0].ToolCallID)
	assert.Equal(t, float64(1), resp.ToolCalls[0].Args["x"])

	require.NotEmpty(t, stub.lastParams.Tools)
}

func TestGenerateTextWrapsTransportError(t *testing.T) {
	stub := &stubMessagesClient{err: errors.New("boom")}
	cl, err := New(stub, Options{Model: "claude-3.5-sonnet", MaxTokens: 64})
	require.NoError(t, err)

	_, err = cl.GenerateText(context.Background(), llm.TextRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	assert.Error(t, err)
}

func TestGenerateTextRejectsEmptyMessages(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{Model: "claude-3.5-sonnet", MaxTokens: 64})
	require.NoError(t, err)

	_, err = cl.GenerateText(context.Background(), llm.TextRequest{})
	assert.Error(t, err)
}

func TestGenerateObjectForcesToolCallAndDecodesArgs(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{
				{Type: "tool_use", Name: "emit_result", Input: json.RawMessage(`{"answer":42}`)},
			},
		},
	}
	cl, err := New(stub, Options{Model: "claude-3.5-sonnet", MaxTokens: 128})
	require.NoError(t, err)

	out, err := cl.GenerateObject(context.Background(), llm.ObjectRequest{
		Schema: map[string]any{"type": "object", "properties": map[string]any{"answer": map[string]any{"type": "integer"}}},
		Prompt: "what is the answer?",
	})
	require.NoError(t, err)

	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), m["answer"])
	assert.NotEmpty(t, stub.lastParams.ToolChoice)
}

func TestGenerateObjectErrorsWhenNoMatchingToolCallReturned(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{Content: []sdk.ContentBlockUnion{{Type: "text", Text: "no tool call"}}},
	}
	cl, err := New(stub, Options{Model: "claude-3.5-sonnet", MaxTokens: 128})
	require.NoError(t, err)

	_, err = cl.GenerateObject(context.Background(), llm.ObjectRequest{
		Schema: map[string]any{"type": "object"},
		Prompt: "irrelevant",
	})
	assert.Error(t, err)
}
