// Package bedrock provides an llm.Client implementation backed by the AWS
// Bedrock Converse API: split system vs. conversational messages, encode
// tool schemas into Bedrock's ToolConfiguration via the document.Interface
// wire format, and translate Converse responses (text + tool_use blocks)
// back into the llm package's narrowed message/tool-call shapes.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/brainrun/brains/llm"
)

// objectToolName is the synthetic tool GenerateObject forces the model to
// call, mirroring the tool-forcing technique adapters/llm/anthropic and
// adapters/llm/openai use for structured output.
const objectToolName = "emit_result"

type (
	// RuntimeClient is the subset of the AWS Bedrock runtime client this
	// adapter needs. It matches *bedrockruntime.Client so callers can pass
	// either the real client or a test double.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the Bedrock adapter.
	Options struct {
		// Model is the Bedrock model identifier used for every request.
		Model string
		// MaxTokens sets the completion cap. Zero omits MaxTokens so Bedrock
		// uses its own default.
		MaxTokens int
		// Temperature is applied to every request when greater than zero.
		Temperature float32
	}

	// Client implements llm.Client on top of AWS Bedrock Converse.
	Client struct {
		runtime   RuntimeClient
		model     string
		maxTokens int
		temp      float32
	}
)

var _ llm.Client = (*Client)(nil)

// New builds a Bedrock-backed llm.Client from the provided runtime client
// and configuration.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("bedrock: model identifier is required")
	}
	return &Client{runtime: runtime, model: opts.Model, maxTokens: opts.MaxTokens, temp: opts.Temperature}, nil
}

// GenerateText issues a Converse request and translates the response into
// assistant text and/or tool calls.
func (c *Client) GenerateText(ctx context.Context, req llm.TextRequest) (llm.TextResponse, error) {
	input, err := c.prepareInput(req.Messages, req.System, req.Tools, "", nil)
	if err != nil {
		return llm.TextResponse{}, err
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return llm.TextResponse{}, fmt.Errorf("bedrock: converse: rate limited: %w: %w", llm.ErrRateLimited, err)
		}
		return llm.TextResponse{}, fmt.Errorf("bedrock: converse: %w", err)
	}
	return translateText(output)
}

// GenerateObject forces a single tool_use block named objectToolName whose
// input schema is req.Schema, then returns the block's decoded input.
func (c *Client) GenerateObject(ctx context.Context, req llm.ObjectRequest) (any, error) {
	name := objectToolName
	if req.SchemaName != "" {
		name = req.SchemaName
	}
	messages := []llm.Message{{Role: llm.RoleUser, Content: req.Prompt}}
	input, err := c.prepareInput(messages, "", nil, name, req.Schema)
	if err != nil {
		return nil, err
	}
	input.ToolConfig.ToolChoice = &brtypes.ToolChoiceMemberTool{
		Value: brtypes.SpecificToolChoice{Name: aws.String(name)},
	}

	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("bedrock: converse: %w", err)
	}
	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, errors.New("bedrock: response has no message output")
	}
	for _, block := range msg.Value.Content {
		tb, ok := block.(*brtypes.ContentBlockMemberToolUse)
		if !ok || tb.Value.Name == nil || *tb.Value.Name != name {
			continue
		}
		raw := decodeDocument(tb.Value.Input)
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("bedrock: decode object result: %w", err)
		}
		return out, nil
	}
	return nil, errors.New("bedrock: model did not return the requested structured result")
}

func (c *Client) prepareInput(messages []llm.Message, system string, tools []llm.ToolDescriptor, extraTool string, extraSchema any) (*bedrockruntime.ConverseInput, error) {
	toolConfig, err := encodeTools(tools, extraTool, extraSchema)
	if err != nil {
		return nil, err
	}
	convMessages, sysBlocks, err := encodeMessages(messages, system)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(c.model),
		Messages: convMessages,
	}
	if len(sysBlocks) > 0 {
		input.System = sysBlocks
	}
	if toolConfig != nil {
		input.ToolConfig = toolConfig
	}
	if cfg := c.inferenceConfig(); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input, nil
}

func (c *Client) inferenceConfig() *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	if c.maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(c.maxTokens))
	}
	if c.temp > 0 {
		cfg.Temperature = aws.Float32(c.temp)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func encodeMessages(msgs []llm.Message, system string) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	var sysBlocks []brtypes.SystemContentBlock
	if system != "" {
		sysBlocks = append(sysBlocks, &brtypes.SystemContentBlockMemberText{Value: system})
	}
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			if m.Content != "" {
				sysBlocks = append(sysBlocks, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			}
			continue
		case llm.RoleUser:
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case llm.RoleAssistant:
			var blocks []brtypes.ContentBlock
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					Name:      aws.String(tc.ToolName),
					ToolUseId: aws.String(tc.ToolCallID),
					Input:     toDocument(tc.Args),
				}})
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: blocks})
		case llm.RoleTool:
			conversation = append(conversation, brtypes.Message{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{Value: brtypes.ToolResultBlock{
					ToolUseId: aws.String(m.ToolCallID),
					Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: m.Content}},
				}}},
			})
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, sysBlocks, nil
}

func encodeTools(defs []llm.ToolDescriptor, extraName string, extraSchema any) (*brtypes.ToolConfiguration, error) {
	if len(defs) == 0 && extraName == "" {
		return nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs)+1)
	for _, def := range defs {
		spec := brtypes.ToolSpecification{
			Name:        aws.String(def.Name),
			Description: aws.String(def.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(def.InputSchema)},
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if extraName != "" {
		spec := brtypes.ToolSpecification{
			Name:        aws.String(extraName),
			Description: aws.String("Emit the final structured result."),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(extraSchema)},
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, nil
}

func toDocument(schema any) document.Interface {
	if schema == nil {
		return lazyDocument(map[string]any{"type": "object"})
	}
	switch v := schema.(type) {
	case document.Interface:
		return v
	case json.RawMessage:
		var decoded any
		if len(v) == 0 {
			return lazyDocument(map[string]any{"type": "object"})
		}
		if err := json.Unmarshal(v, &decoded); err != nil {
			return lazyDocument(map[string]any{"type": "object"})
		}
		return lazyDocument(decoded)
	default:
		return lazyDocument(v)
	}
}

func lazyDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil {
		return nil
	}
	return json.RawMessage(data)
}

func translateText(output *bedrockruntime.ConverseOutput) (llm.TextResponse, error) {
	if output == nil {
		return llm.TextResponse{}, errors.New("bedrock: response is nil")
	}
	resp := llm.TextResponse{}
	assistant := llm.Message{Role: llm.RoleAssistant}
	msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				resp.Text += v.Value
				assistant.Content += v.Value
			case *brtypes.ContentBlockMemberToolUse:
				tc := llm.ToolCall{}
				if v.Value.Name != nil {
					tc.ToolName = *v.Value.Name
				}
				if v.Value.ToolUseId != nil {
					tc.ToolCallID = *v.Value.ToolUseId
				}
				raw := decodeDocument(v.Value.Input)
				if len(raw) > 0 {
					var args map[string]any
					if err := json.Unmarshal(raw, &args); err == nil {
						tc.Args = args
					}
				}
				resp.ToolCalls = append(resp.ToolCalls, tc)
				assistant.ToolCalls = append(assistant.ToolCalls, tc)
			}
		}
	}
	resp.ResponseMessages = []llm.Message{assistant}
	if u := output.Usage; u != nil {
		resp.Usage = llm.Usage{TotalTokens: int(ptrValue(u.TotalTokens))}
	}
	return resp, nil
}

func ptrValue[T ~int32 | ~int64](ptr *T) T {
	if ptr == nil {
		return 0
	}
	return *ptr
}

// isRateLimited reports whether err represents a provider rate-limiting
// condition: either a smithy API error with a throttling code, or a raw
// HTTP 429 response.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429 {
		return true
	}
	return false
}
