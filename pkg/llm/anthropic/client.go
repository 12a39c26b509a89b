// Package anthropic implements llm.Provider over the Anthropic Messages API
// with streaming, extended thinking and tool use.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	asdk "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/user/turnstile/pkg/llm"
)

const (
	defaultMaxTokens   = 4096
	minThinkingBudget  = 1024
	defaultThinkBudget = 2048
)

// Client implements the llm.Provider interface for Anthropic.
type Client struct {
	config *llm.Config
	client asdk.Client
}

// New creates a client. An empty BaseURL uses the public endpoint.
func New(config *llm.Config) *Client {
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(config.APIKey))}
	if base := strings.TrimSpace(config.BaseURL); base != "" {
		opts = append(opts, aoption.WithBaseURL(base))
	}
	return &Client{config: config, client: asdk.NewClient(opts...)}
}

// Stream runs one streaming Messages call.
func (c *Client) Stream(ctx context.Context, req *llm.Request, onDelta func(llm.Delta)) (*llm.Response, error) {
	params, err := c.params(req)
	if err != nil {
		return nil, err
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	msg := asdk.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, &llm.Error{Code: llm.CodeProvider, Err: fmt.Errorf("accumulate stream: %w", err)}
		}
		delta, ok := event.AsAny().(asdk.ContentBlockDeltaEvent)
		if !ok || onDelta == nil {
			continue
		}
		switch d := delta.Delta.AsAny().(type) {
		case asdk.TextDelta:
			if d.Text != "" {
				onDelta(llm.Delta{Kind: llm.DeltaText, Text: d.Text})
			}
		case asdk.ThinkingDelta:
			if d.Thinking != "" {
				onDelta(llm.Delta{Kind: llm.DeltaThinking, Text: d.Thinking})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, wrapError(err)
	}

	resp := &llm.Response{
		StopReason: MapStopReason(string(msg.StopReason)),
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	var text, thinking strings.Builder
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case asdk.TextBlock:
			text.WriteString(b.Text)
		case asdk.ThinkingBlock:
			thinking.WriteString(b.Thinking)
			resp.ThinkingSignature = b.Signature
		case asdk.ToolUseBlock:
			args := json.RawMessage(b.Input)
			if len(args) == 0 || !json.Valid(args) {
				args = json.RawMessage(`{}`)
			}
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{ID: b.ID, Name: b.Name, Arguments: args})
		}
	}
	resp.Content = text.String()
	resp.Thinking = thinking.String()
	resp.Normalize()
	return resp, nil
}

func (c *Client) params(req *llm.Request) (asdk.MessageNewParams, error) {
	maxTokens := int64(c.config.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := asdk.MessageNewParams{
		Model:     asdk.Model(c.config.Model),
		MaxTokens: maxTokens,
		Messages:  buildMessages(req.Messages),
	}
	if strings.TrimSpace(req.System) != "" {
		params.System = []asdk.TextBlockParam{{Text: req.System}}
	}

	tools, err := buildTools(req.Tools)
	if err != nil {
		return params, err
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

	thinking := false
	if req.Thinking {
		budget := int64(req.ThinkingBudget)
		if budget <= 0 {
			budget = defaultThinkBudget
		}
		if budget < minThinkingBudget {
			budget = minThinkingBudget
		}
		if budget < maxTokens {
			params.Thinking = asdk.ThinkingConfigParamOfEnabled(budget)
			thinking = true
		}
	}
	// Temperature must stay unset while thinking is enabled.
	if c.config.Temperature != 0 && !thinking {
		params.Temperature = asdk.Float(float64(c.config.Temperature))
	}
	return params, nil
}

func buildTools(tools []llm.Tool) ([]asdk.ToolUnionParam, error) {
	out := make([]asdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema struct {
			Properties any      `json:"properties"`
			Required   []string `json:"required"`
		}
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("tool %s schema: %w", t.Name, err)
			}
		}
		param := asdk.ToolParam{
			Name:        t.Name,
			Description: asdk.String(t.Description),
			InputSchema: asdk.ToolInputSchemaParam{Properties: schema.Properties, Required: schema.Required},
		}
		out = append(out, asdk.ToolUnionParam{OfTool: &param})
	}
	return out, nil
}

// buildMessages converts history to Anthropic messages. Consecutive tool
// results fold into one user message, as the API requires.
func buildMessages(messages []llm.Message) []asdk.MessageParam {
	out := make([]asdk.MessageParam, 0, len(messages))
	var results []asdk.ContentBlockParamUnion
	flush := func() {
		if len(results) > 0 {
			out = append(out, asdk.NewUserMessage(results...))
			results = nil
		}
	}

	for _, m := range messages {
		switch m.Role {
		case llm.RoleTool:
			results = append(results, asdk.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
		case llm.RoleAssistant:
			flush()
			var blocks []asdk.ContentBlockParamUnion
			if m.Thinking != "" && m.ThinkingSignature != "" {
				blocks = append(blocks, asdk.NewThinkingBlock(m.ThinkingSignature, m.Thinking))
			}
			if m.Content != "" {
				blocks = append(blocks, asdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				blocks = append(blocks, asdk.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, asdk.NewAssistantMessage(blocks...))
			}
		default:
			flush()
			if m.Content != "" {
				out = append(out, asdk.NewUserMessage(asdk.NewTextBlock(m.Content)))
			}
		}
	}
	flush()
	return out
}

// MapStopReason folds Anthropic stop reasons into the canonical set.
func MapStopReason(reason string) llm.StopReason {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "tool_use":
		return llm.StopToolUse
	case "max_tokens", "model_context_window_exceeded":
		return llm.StopMaxTokens
	default:
		// end_turn, stop_sequence, refusal, pause_turn
		return llm.StopEndTurn
	}
}

func wrapError(err error) error {
	var apiErr *asdk.Error
	if errors.As(err, &apiErr) {
		return llm.NewStatusError(apiErr.StatusCode, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &llm.Error{Code: llm.CodeTimeout, Err: err}
	}
	return &llm.Error{Code: llm.CodeProvider, Err: err}
}
