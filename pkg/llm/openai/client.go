package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oshared "github.com/openai/openai-go/shared"

	"github.com/user/turnstile/pkg/llm"
)

// Client implements the llm.Provider interface for OpenAI-compatible APIs.
type Client struct {
	config *llm.Config
	client oai.Client
}

// New creates a new OpenAI-compatible client with the given configuration.
func New(config *llm.Config) *Client {
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(config.APIKey))}
	if base := strings.TrimSpace(config.BaseURL); base != "" {
		opts = append(opts, ooption.WithBaseURL(base))
	}
	return &Client{config: config, client: oai.NewClient(opts...)}
}

// Stream sends a streaming chat completion request. Chat completions carry no
// reasoning stream, so thinking requests only produce text deltas.
func (c *Client) Stream(ctx context.Context, req *llm.Request, onDelta func(llm.Delta)) (*llm.Response, error) {
	params, err := c.params(req)
	if err != nil {
		return nil, err
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := oai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if onDelta != nil && len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			onDelta(llm.Delta{Kind: llm.DeltaText, Text: chunk.Choices[0].Delta.Content})
		}
	}
	if err := stream.Err(); err != nil {
		return nil, wrapError(err)
	}
	if len(acc.Choices) == 0 {
		return nil, &llm.Error{Code: llm.CodeProvider, Err: errors.New("no choices in response")}
	}

	choice := acc.Choices[0]
	resp := &llm.Response{
		Content:    choice.Message.Content,
		StopReason: MapFinishReason(choice.FinishReason),
		Usage: llm.Usage{
			InputTokens:  int(acc.Usage.PromptTokens),
			OutputTokens: int(acc.Usage.CompletionTokens),
			TotalTokens:  int(acc.Usage.TotalTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		args := json.RawMessage(strings.TrimSpace(tc.Function.Arguments))
		if len(args) == 0 || !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	resp.Normalize()
	return resp, nil
}

func (c *Client) params(req *llm.Request) (oai.ChatCompletionNewParams, error) {
	params := oai.ChatCompletionNewParams{
		Model:    oshared.ChatModel(c.config.Model),
		Messages: buildMessages(req.System, req.Messages),
	}
	if c.config.MaxTokens > 0 {
		params.MaxTokens = oai.Int(int64(c.config.MaxTokens))
	}
	if c.config.Temperature != 0 {
		params.Temperature = oai.Float(float64(c.config.Temperature))
	}
	tools, err := buildTools(req.Tools)
	if err != nil {
		return params, err
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	return params, nil
}

func buildTools(tools []llm.Tool) ([]oai.ChatCompletionToolParam, error) {
	out := make([]oai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		fn := oshared.FunctionDefinitionParam{
			Name:        t.Name,
			Description: oai.String(t.Description),
		}
		if len(t.Parameters) > 0 {
			schema := map[string]any{}
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("tool %s schema: %w", t.Name, err)
			}
			fn.Parameters = oshared.FunctionParameters(schema)
		}
		out = append(out, oai.ChatCompletionToolParam{Function: fn})
	}
	return out, nil
}

func buildMessages(system string, messages []llm.Message) []oai.ChatCompletionMessageParamUnion {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if strings.TrimSpace(system) != "" {
		out = append(out, oai.SystemMessage(system))
	}
	for _, m := range messages {
		switch m.Role {
		case llm.RoleTool:
			out = append(out, oai.ToolMessage(m.Content, m.ToolCallID))
		case llm.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, oai.AssistantMessage(m.Content))
				continue
			}
			calls := make([]oai.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				args := string(tc.Arguments)
				if args == "" {
					args = "{}"
				}
				calls = append(calls, oai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: oai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
			assistant := oai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if m.Content != "" {
				assistant.Content = oai.ChatCompletionAssistantMessageParamContentUnion{OfString: oai.String(m.Content)}
			}
			out = append(out, oai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		default:
			out = append(out, oai.UserMessage(m.Content))
		}
	}
	return out
}

// MapFinishReason folds chat-completion finish reasons into the canonical
// set: length is truncation, content_filter ends the turn normally.
func MapFinishReason(reason string) llm.StopReason {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "length":
		return llm.StopMaxTokens
	case "tool_calls", "function_call":
		return llm.StopToolUse
	default:
		return llm.StopEndTurn
	}
}

func wrapError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return llm.NewStatusError(apiErr.StatusCode, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &llm.Error{Code: llm.CodeTimeout, Err: err}
	}
	return &llm.Error{Code: llm.CodeProvider, Err: err}
}
