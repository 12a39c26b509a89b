package llmtest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/turnstile/pkg/llm"
)

func TestScriptedProvider_Replays(t *testing.T) {
	p := NewScriptedProvider(
		Round{Thinking: []string{"hmm"}, Text: []string{"a", "b"}, Stop: llm.StopEndTurn},
		Round{Err: llm.NewStatusError(429, errors.New("slow down"))},
	)
	var deltas []llm.Delta
	resp, err := p.Stream(context.Background(), &llm.Request{}, func(d llm.Delta) { deltas = append(deltas, d) })
	require.NoError(t, err)
	assert.Equal(t, "ab", resp.Content)
	assert.Equal(t, "hmm", resp.Thinking)
	require.Len(t, deltas, 3)
	assert.Equal(t, llm.DeltaThinking, deltas[0].Kind)

	_, err = p.Stream(context.Background(), &llm.Request{}, nil)
	assert.Equal(t, llm.CodeRateLimited, llm.CodeOf(err))

	_, err = p.Stream(context.Background(), &llm.Request{}, nil)
	assert.ErrorIs(t, err, ErrScriptExhausted)
	assert.Len(t, p.Requests(), 3)
	assert.Equal(t, 0, p.Remaining())
}
