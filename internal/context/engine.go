package context

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/turnstile/internal/events"
	"github.com/user/turnstile/internal/types"
	"github.com/user/turnstile/pkg/llm"
)

// Engine assembles token-budgeted prompts for the LLM.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
	prompt    *template.Template
	now       func() time.Time
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	tmpl, err := template.New("system").Parse(DefaultPrompt)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tokenizer unavailable, estimating token counts", "error", err)
			enc = nil
		}
	}
	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
		prompt:    tmpl,
		now:       time.Now,
	}, nil
}

// countTokens returns the token count for a string.
func (e *Engine) countTokens(text string) int {
	if e.tokenizer == nil {
		return len(text)/4 + 1
	}
	return len(e.tokenizer.Encode(text, nil, nil))
}

func (e *Engine) messageTokens(m llm.Message) int {
	n := 4 + e.countTokens(m.Content) + e.countTokens(m.Thinking)
	for _, tc := range m.ToolCalls {
		n += e.countTokens(tc.Name) + e.countTokens(string(tc.Arguments))
	}
	return n
}

// PromptInput is what the system prompt is rendered from.
type PromptInput struct {
	SessionID types.SessionID
	Tools     []string
	Gated     []string
	Memory    []string
}

// SystemPrompt renders the system prompt.
func (e *Engine) SystemPrompt(in PromptInput) (string, error) {
	data := PromptData{
		Time:      e.now().Format(time.RFC3339),
		SessionID: string(in.SessionID),
		Tools:     strings.Join(in.Tools, ", "),
		ToolList:  in.Tools,
		Gated:     strings.Join(in.Gated, ", "),
	}
	if len(in.Memory) > 0 {
		data.Memory = "- " + strings.Join(in.Memory, "\n- ")
	}
	var buf bytes.Buffer
	if err := e.prompt.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

// BuildRequest assembles a provider request from the session's persisted
// events. Whole turns are dropped oldest first until the history fits the
// budget; the newest turn is always kept.
func (e *Engine) BuildRequest(in PromptInput, history []*types.Event, tools []llm.Tool) (*llm.Request, error) {
	system, err := e.SystemPrompt(in)
	if err != nil {
		return nil, err
	}

	budget := e.maxTokens - e.reserve - e.countTokens(system)
	for _, t := range tools {
		budget -= e.countTokens(t.Name) + e.countTokens(t.Description) + e.countTokens(string(t.Parameters))
	}

	blocks := splitTurns(HistoryMessages(history))
	var kept [][]llm.Message
	used := 0
	for i := len(blocks) - 1; i >= 0; i-- {
		cost := 0
		for _, m := range blocks[i] {
			cost += e.messageTokens(m)
		}
		if len(kept) > 0 && used+cost > budget {
			break
		}
		kept = append(kept, blocks[i])
		used += cost
	}

	req := &llm.Request{System: system, Tools: tools}
	for i := len(kept) - 1; i >= 0; i-- {
		req.Messages = append(req.Messages, kept[i]...)
	}
	return req, nil
}

// splitTurns groups messages into blocks that each start with a user message.
// Anything before the first user message is discarded.
func splitTurns(msgs []llm.Message) [][]llm.Message {
	var blocks [][]llm.Message
	for _, m := range msgs {
		if m.Role == llm.RoleUser {
			blocks = append(blocks, []llm.Message{m})
			continue
		}
		if len(blocks) == 0 {
			continue
		}
		blocks[len(blocks)-1] = append(blocks[len(blocks)-1], m)
	}
	return blocks
}

// HistoryMessages converts persisted turn events to provider messages. Tool
// calls without a recorded result are left out, as are results whose call
// is missing.
func HistoryMessages(history []*types.Event) []llm.Message {
	results := map[string]bool{}
	for _, ev := range history {
		if ev.Type == events.TypeToolResult {
			var p events.ToolResult
			if json.Unmarshal(ev.Payload, &p) == nil {
				results[p.ToolUseID] = true
			}
		}
	}

	var (
		out       []llm.Message
		thinking  events.Thinking
		assistant = -1
		calls     = map[string]bool{}
	)
	for _, ev := range history {
		switch ev.Type {
		case events.TypeUserMessageConfirmed:
			var p events.UserMessageConfirmed
			if json.Unmarshal(ev.Payload, &p) != nil {
				continue
			}
			out = append(out, llm.Message{Role: llm.RoleUser, Content: p.Text})
			assistant, thinking = -1, events.Thinking{}
		case events.TypeThinking:
			var p events.Thinking
			if json.Unmarshal(ev.Payload, &p) == nil {
				thinking = p
			}
		case events.TypeMessage:
			var p events.Message
			if json.Unmarshal(ev.Payload, &p) != nil {
				continue
			}
			out = append(out, llm.Message{
				Role:              llm.RoleAssistant,
				Content:           p.Text,
				Thinking:          thinking.Text,
				ThinkingSignature: thinking.Signature,
			})
			assistant, thinking = len(out)-1, events.Thinking{}
		case events.TypeToolUse:
			var p events.ToolUse
			if json.Unmarshal(ev.Payload, &p) != nil || assistant < 0 || !results[p.ToolUseID] {
				continue
			}
			out[assistant].ToolCalls = append(out[assistant].ToolCalls, llm.ToolCall{ID: p.ToolUseID, Name: p.Name, Arguments: p.Args})
			calls[p.ToolUseID] = true
		case events.TypeToolResult:
			var p events.ToolResult
			if json.Unmarshal(ev.Payload, &p) != nil || !calls[p.ToolUseID] {
				continue
			}
			out = append(out, llm.Message{Role: llm.RoleTool, ToolCallID: p.ToolUseID, Content: p.Result, IsError: !p.Success})
		}
	}

	// Drop assistant messages left empty by discarded calls.
	kept := out[:0]
	for _, m := range out {
		if m.Role == llm.RoleAssistant && m.Content == "" && len(m.ToolCalls) == 0 {
			continue
		}
		kept = append(kept, m)
	}
	return kept
}
