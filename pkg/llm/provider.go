package llm

import "context"

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request formatting,
// authentication, and stop-reason mapping.
type Provider interface {
	// Stream sends one request, reports incremental text and thinking through
	// onDelta as it arrives, and returns the assembled response. The returned
	// StopReason is always one of the canonical values.
	Stream(ctx context.Context, req *Request, onDelta func(Delta)) (*Response, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}
