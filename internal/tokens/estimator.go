// Package tokens estimates the context tokens a conversation consumes. The
// agent process owns the real context window; this estimate is what gets
// persisted on the session so UIs can show usage without another round trip.
package tokens

import (
	"encoding/json"
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/sandbridge/internal/types"
)

// Estimator counts tokens with a fixed encoding. The agent's tokenizer is
// not byte-identical to cl100k_base, so treat results as estimates.
type Estimator struct {
	tokenizer *tiktoken.Tiktoken
}

// NewEstimator creates an estimator using the cl100k_base encoding.
func NewEstimator() (*Estimator, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("get tokenizer: %w", err)
	}
	return &Estimator{tokenizer: enc}, nil
}

// Count returns the token count for a string.
func (e *Estimator) Count(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// EstimateEvents sums token counts over the textual content of events: text
// and thinking payloads plus serialized tool inputs and results.
func (e *Estimator) EstimateEvents(events []*types.Event) int {
	total := 0
	for _, event := range events {
		switch event.Kind {
		case types.EventText, types.EventThinking, types.EventUserEcho,
			types.EventToolStarted, types.EventToolCompleted, types.EventToolFailed:
			total += e.countPayload(event.Payload)
		}
	}
	return total
}

func (e *Estimator) countPayload(payload json.RawMessage) int {
	if len(payload) == 0 {
		return 0
	}
	return e.Count(string(payload))
}
