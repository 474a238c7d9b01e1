// Package openai provides an llm.Client implementation backed by the
// OpenAI Chat Completions API. It translates generateText/generateObject
// requests into openai.ChatCompletionNewParams calls using
// github.com/openai/openai-go and maps responses back into the llm
// package's narrowed message/tool-call shapes, following the same
// structure adapters/llm/anthropic uses for the Anthropic Messages API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/brainrun/brains/llm"
)

// objectToolName is the synthetic function GenerateObject forces the model
// to call, mirroring adapters/llm/anthropic's tool-forcing technique for
// structured output.
const objectToolName = "emit_result"

type (
	// ChatClient captures the subset of the openai-go client used by this
	// adapter. It is satisfied by the client's Chat.Completions service, so
	// callers can pass either a real client or a test double.
	ChatClient interface {
		New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// Model is the model identifier used for every request (for example
		// openai.ChatModelGPT4o, or an identifier from OpenAI's model list).
		Model string
		// MaxTokens caps completion length. Zero leaves the provider default.
		MaxTokens int
		// Temperature is applied to every request when greater than zero.
		Temperature float64
	}

	// Client implements llm.Client via the OpenAI Chat Completions API.
	Client struct {
		chat      ChatClient
		model     string
		maxTokens int
		temp      float64
	}
)

var _ llm.Client = (*Client)(nil)

// New builds an OpenAI-backed llm.Client from the provided chat client and
// configuration.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		return nil, errors.New("openai: model identifier is required")
	}
	return &Client{chat: chat, model: model, maxTokens: opts.MaxTokens, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client,
// reading OPENAI_API_KEY and related defaults from the environment via
// option.WithAPIKey.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return New(oc.Chat.Completions, opts)
}

// GenerateText issues a non-streaming chat completion request.
func (c *Client) GenerateText(ctx context.Context, req llm.TextRequest) (llm.TextResponse, error) {
	params, err := c.prepareParams(req.Messages, req.System, req.Tools)
	if err != nil {
		return llm.TextResponse{}, err
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return llm.TextResponse{}, fmt.Errorf("openai: chat completion: rate limited: %w: %w", llm.ErrRateLimited, err)
		}
		return llm.TextResponse{}, fmt.Errorf("openai: chat completion: %w", err)
	}
	return translateText(resp)
}

// GenerateObject forces a single function call named objectToolName whose
// parameters are req.Schema, then returns the call's decoded arguments.
func (c *Client) GenerateObject(ctx context.Context, req llm.ObjectRequest) (any, error) {
	schemaMap, err := toSchemaMap(req.Schema)
	if err != nil {
		return nil, fmt.Errorf("openai: object schema: %w", err)
	}
	name := objectToolName
	if req.SchemaName != "" {
		name = req.SchemaName
	}

	messages := []llm.Message{{Role: llm.RoleUser, Content: req.Prompt}}
	params, err := c.prepareParams(messages, "", nil)
	if err != nil {
		return nil, err
	}
	params.Tools = []openai.ChatCompletionToolUnionParam{
		openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        name,
			Description: openai.String("Emit the final structured result."),
			Parameters:  openai.FunctionParameters(schemaMap),
		}),
	}
	params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
		OfFunctionToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
			Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: name},
		},
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	for _, call := range resp.Choices[0].Message.ToolCalls {
		if call.Function.Name != name {
			continue
		}
		var out any
		if err := json.Unmarshal([]byte(call.Function.Arguments), &out); err != nil {
			return nil, fmt.Errorf("openai: decode object result: %w", err)
		}
		return out, nil
	}
	return nil, errors.New("openai: model did not return the requested structured result")
}

func (c *Client) prepareParams(messages []llm.Message, system string, tools []llm.ToolDescriptor) (openai.ChatCompletionNewParams, error) {
	encodedMessages, err := encodeMessages(messages, system)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: encodedMessages,
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(c.maxTokens))
	}
	if c.temp > 0 {
		params.Temperature = openai.Float(c.temp)
	}
	encodedTools, err := encodeTools(tools)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	if len(encodedTools) > 0 {
		params.Tools = encodedTools
	}
	return params, nil
}

func encodeMessages(msgs []llm.Message, system string) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case llm.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case llm.RoleAssistant:
			out = append(out, encodeAssistantMessage(m))
		case llm.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func encodeAssistantMessage(m llm.Message) openai.ChatCompletionMessageParamUnion {
	msg := openai.AssistantMessage(m.Content)
	if len(m.ToolCalls) == 0 {
		return msg
	}
	calls := make([]openai.ChatCompletionMessageToolCallUnionParam, 0, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		args, _ := json.Marshal(tc.Args)
		calls = append(calls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: tc.ToolCallID,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      tc.ToolName,
					Arguments: string(args),
				},
			},
		})
	}
	msg.OfAssistant.ToolCalls = calls
	return msg
}

func encodeTools(defs []llm.ToolDescriptor) ([]openai.ChatCompletionToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schemaMap, err := toSchemaMap(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
		}
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        def.Name,
			Description: openai.String(def.Description),
			Parameters:  openai.FunctionParameters(schemaMap),
		}))
	}
	return out, nil
}

func toSchemaMap(schema any) (map[string]any, error) {
	if schema == nil {
		return nil, nil
	}
	if m, ok := schema.(map[string]any); ok {
		return m, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func translateText(resp *openai.ChatCompletion) (llm.TextResponse, error) {
	if len(resp.Choices) == 0 {
		return llm.TextResponse{}, errors.New("openai: response has no choices")
	}
	choice := resp.Choices[0]
	out := llm.TextResponse{
		Text:  choice.Message.Content,
		Usage: llm.Usage{TotalTokens: int(resp.Usage.TotalTokens)},
	}
	assistant := llm.Message{Role: llm.RoleAssistant, Content: choice.Message.Content}
	for _, call := range choice.Message.ToolCalls {
		tc := llm.ToolCall{ToolCallID: call.ID, ToolName: call.Function.Name}
		if call.Function.Arguments != "" {
			var args map[string]any
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err == nil {
				tc.Args = args
			}
		}
		out.ToolCalls = append(out.ToolCalls, tc)
		assistant.ToolCalls = append(assistant.ToolCalls, tc)
	}
	out.ResponseMessages = []llm.Message{assistant}
	return out, nil
}

// isRateLimited reports whether err represents a 429 response from the
// OpenAI API, mirroring the adapters/llm/anthropic and adapters/llm/bedrock
// status-code checks.
func isRateLimited(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
