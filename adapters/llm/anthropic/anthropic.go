// Package anthropic provides an llm.Client implementation backed by the
// Anthropic Claude Messages API. It translates generateText/generateObject
// requests into sdk.MessageNewParams calls using
// github.com/anthropics/anthropic-sdk-go and maps responses back into the
// llm package's narrowed message/tool-call shapes.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/brainrun/brains/llm"
)

// objectToolName is the synthetic tool GenerateObject forces the model to
// call; Anthropic has no distinct structured-output endpoint, so GenerateObject
// is implemented as a single forced tool call whose arguments conform to the
// requested schema, matching the tool-forcing technique Anthropic documents
// for structured output.
const objectToolName = "emit_result"

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// this adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a test double.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// Model is the Claude model identifier used for every request (for
		// example string(sdk.ModelClaudeSonnet4_5_20250929), or an identifier
		// from Anthropic's model catalogue).
		Model string
		// MaxTokens is the default completion cap. Required; there is no
		// per-request override in the llm package's narrowed TextRequest.
		MaxTokens int
		// Temperature is applied to every request when greater than zero.
		Temperature float64
	}

	// Client implements llm.Client on top of Anthropic Claude Messages.
	Client struct {
		msg       MessagesClient
		model     string
		maxTokens int
		temp      float64
	}
)

var _ llm.Client = (*Client)(nil)

// New builds an Anthropic-backed llm.Client from the provided Messages
// client and configuration.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		return nil, errors.New("anthropic: max tokens must be positive")
	}
	return &Client{msg: msg, model: opts.Model, maxTokens: opts.MaxTokens, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client,
// reading ANTHROPIC_API_KEY and related defaults from the environment via
// option.WithAPIKey.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// GenerateText issues a non-streaming Messages.New request.
func (c *Client) GenerateText(ctx context.Context, req llm.TextRequest) (llm.TextResponse, error) {
	params, err := c.prepareParams(req.Messages, req.System, req.Tools, nil)
	if err != nil {
		return llm.TextResponse{}, err
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return llm.TextResponse{}, fmt.Errorf("anthropic: messages.new: rate limited: %w: %w", llm.ErrRateLimited, err)
		}
		return llm.TextResponse{}, fmt.Errorf("anthropic: messages.new: %w", err)
	}
	return translateText(msg), nil
}

// GenerateObject forces a single tool call named objectToolName whose input
// schema is req.Schema, then returns the tool call's arguments as the
// structured result.
func (c *Client) GenerateObject(ctx context.Context, req llm.ObjectRequest) (any, error) {
	schemaMap, err := toSchemaMap(req.Schema)
	if err != nil {
		return nil, fmt.Errorf("anthropic: object schema: %w", err)
	}
	name := objectToolName
	if req.SchemaName != "" {
		name = req.SchemaName
	}
	tool := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schemaMap}, name)
	if tool.OfTool != nil {
		tool.OfTool.Description = sdk.String("Emit the final structured result.")
	}

	messages := []llm.Message{{Role: llm.RoleUser, Content: req.Prompt}}
	params, err := c.prepareParams(messages, "", nil, []sdk.ToolUnionParam{tool})
	if err != nil {
		return nil, err
	}
	params.ToolChoice = sdk.ToolChoiceParamOfTool(name)

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: messages.new: %w", err)
	}
	for _, block := range msg.Content {
		if block.Type == "tool_use" && block.Name == name {
			var out any
			if err := json.Unmarshal(block.Input, &out); err != nil {
				return nil, fmt.Errorf("anthropic: decode object result: %w", err)
			}
			return out, nil
		}
	}
	return nil, errors.New("anthropic: model did not return the requested structured result")
}

func (c *Client) prepareParams(messages []llm.Message, system string, tools []llm.ToolDescriptor, extraTools []sdk.ToolUnionParam) (sdk.MessageNewParams, error) {
	msgs, err := encodeMessages(messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(c.maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(c.model),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	encoded, err := encodeTools(tools)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	encoded = append(encoded, extraTools...)
	if len(encoded) > 0 {
		params.Tools = encoded
	}
	if c.temp > 0 {
		params.Temperature = sdk.Float(c.temp)
	}
	return params, nil
}

func encodeMessages(msgs []llm.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleUser:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case llm.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ToolCallID, tc.Args, tc.ToolName))
			}
			out = append(out, sdk.NewAssistantMessage(blocks...))
		case llm.RoleTool:
			out = append(out, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		case llm.RoleSystem:
			// System messages are pulled out into params.System by the caller.
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return out, nil
}

func encodeTools(defs []llm.ToolDescriptor) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schemaMap, err := toSchemaMap(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schemaMap}, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
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

func translateText(msg *sdk.Message) llm.TextResponse {
	resp := llm.TextResponse{}
	var assistant llm.Message
	assistant.Role = llm.RoleAssistant
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
			assistant.Content += block.Text
		case "tool_use":
			tc := llm.ToolCall{ToolCallID: block.ID, ToolName: block.Name}
			if len(block.Input) > 0 {
				var args map[string]any
				if err := json.Unmarshal(block.Input, &args); err == nil {
					tc.Args = args
				}
			}
			resp.ToolCalls = append(resp.ToolCalls, tc)
			assistant.ToolCalls = append(assistant.ToolCalls, tc)
		}
	}
	resp.ResponseMessages = []llm.Message{assistant}
	if u := msg.Usage; u.InputTokens != 0 || u.OutputTokens != 0 {
		resp.Usage = llm.Usage{TotalTokens: int(u.InputTokens + u.OutputTokens)}
	}
	return resp
}

// isRateLimited reports whether err represents a 429 response from the
// Anthropic API, following the same APIError-status-code check the Bedrock
// adapter applies to smithy transport errors.
func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
