// Package usage estimates token counts for answers the agent did not meter.
package usage

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/selecta/internal/types"
)

// DefaultModel selects the tokenizer when none is configured.
const DefaultModel = "gpt-4"

// Estimator counts tokens with a BPE tokenizer.
type Estimator struct {
	tokenizer *tiktoken.Tiktoken
}

// New creates an estimator for the tokenizer of model.
func New(model string) (*Estimator, error) {
	if model == "" {
		model = DefaultModel
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Estimator{tokenizer: enc}, nil
}

// Count returns the token count for a string.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(e.tokenizer.Encode(text, nil, nil))
}

// Totals sums the tokens a conversation has used so far, split by role.
type Totals struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Conversation estimates the tokens of committed messages. Reasoning counts
// as output.
func (e *Estimator) Conversation(msgs []*types.Message) Totals {
	var t Totals
	for _, m := range msgs {
		switch m.Role {
		case types.RoleUser:
			t.Input += e.Count(m.Text)
		default:
			t.Output += e.Count(m.Text) + e.Count(m.Thinking)
		}
	}
	return t
}
