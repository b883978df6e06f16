package agent

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nextlevelbuilder/agentgate/internal/store"
)

// perEventOverhead approximates the framing tokens around each transcript
// event when rendered into a prompt.
const perEventOverhead = 4

// Estimator counts tokens with cl100k_base, falling back to a chars/4
// heuristic when the encoding is unavailable.
type Estimator struct {
	mu      sync.Mutex
	encoder *tiktoken.Tiktoken
}

var (
	defaultEstimator *Estimator
	estimatorOnce    sync.Once
)

// NewEstimator returns the shared estimator. The tiktoken encoding loads
// once per process.
func NewEstimator() *Estimator {
	estimatorOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			defaultEstimator = &Estimator{}
			return
		}
		defaultEstimator = &Estimator{encoder: enc}
	})
	return defaultEstimator
}

// Count returns the token count of one text.
func (e *Estimator) Count(text string) int {
	if e.encoder == nil {
		return len(text) / 4
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.encoder.Encode(text, nil, nil))
}

// EstimateEvents estimates the prompt-token footprint of a transcript.
func (e *Estimator) EstimateEvents(events []store.Event) int {
	total := 0
	for i := range events {
		total += e.EstimateEvent(&events[i])
	}
	return total
}

// EstimateEvent estimates one event's footprint.
func (e *Estimator) EstimateEvent(ev *store.Event) int {
	n := perEventOverhead + e.Count(ev.Text)
	if ev.Thinking != "" {
		n += e.Count(ev.Thinking)
	}
	if len(ev.Params) > 0 {
		n += e.Count(string(ev.Params))
	}
	return n
}
