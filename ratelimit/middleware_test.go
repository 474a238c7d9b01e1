package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainrun/brains/llm"
)

type stubClient struct {
	textCalls int
	textResp  llm.TextResponse
	textErr   error

	objCalls int
	objResp  any
	objErr   error
}

func (s *stubClient) GenerateText(_ context.Context, _ llm.TextRequest) (llm.TextResponse, error) {
	s.textCalls++
	return s.textResp, s.textErr
}

func (s *stubClient) GenerateObject(_ context.Context, _ llm.ObjectRequest) (any, error) {
	s.objCalls++
	return s.objResp, s.objErr
}

func TestWrapReturnsUnderlyingClientWhenNoOptionsSet(t *testing.T) {
	stub := &stubClient{}
	wrapped := Wrap(stub, WrapOptions{})
	assert.Same(t, llm.Client(stub), wrapped)
}

func TestWrapDelegatesGenerateTextThroughPoolAndLimiter(t *testing.T) {
	stub := &stubClient{textResp: llm.TextResponse{Text: "hi"}}
	wrapped := Wrap(stub, WrapOptions{Pool: NewPool(1), Limiter: New(1_000_000, 1_000_000)})

	resp, err := wrapped.GenerateText(context.Background(), llm.TextRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Text)
	assert.Equal(t, 1, stub.textCalls)
}

func TestWrapDelegatesGenerateObject(t *testing.T) {
	stub := &stubClient{objResp: map[string]any{"a": 1}}
	wrapped := Wrap(stub, WrapOptions{Limiter: New(1_000_000, 1_000_000)})

	out, err := wrapped.GenerateObject(context.Background(), llm.ObjectRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, out)
	assert.Equal(t, 1, stub.objCalls)
}

func TestWrapReleasesPoolSlotEvenOnUnderlyingError(t *testing.T) {
	stub := &stubClient{textErr: assertError("boom")}
	pool := NewPool(1)
	wrapped := Wrap(stub, WrapOptions{Pool: pool})

	_, err := wrapped.GenerateText(context.Background(), llm.TextRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello"}},
	})
	assert.Error(t, err)

	// The slot must have been released despite the error, or this second
	// acquire (capacity 1) would deadlock on a blocking context.
	require.NoError(t, pool.Acquire(context.Background()))
	pool.Release()
}

func TestEstimateTextTokensGrowsWithMessageLength(t *testing.T) {
	small := estimateTextTokens(llm.TextRequest{Messages: []llm.Message{{Content: "hi"}}})
	large := estimateTextTokens(llm.TextRequest{Messages: []llm.Message{{Content: string(make([]byte, 3000))}}})
	assert.Greater(t, large, small)
}

func TestEstimateObjectTokensUsesPromptLength(t *testing.T) {
	small := estimateObjectTokens(llm.ObjectRequest{Prompt: "hi"})
	large := estimateObjectTokens(llm.ObjectRequest{Prompt: string(make([]byte, 3000))})
	assert.Greater(t, large, small)
}

type assertError string

func (e assertError) Error() string { return string(e) }
