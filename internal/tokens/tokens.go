// Package tokens provides token-count estimation for session context tracking.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	. "github.com/clawdis/clawdis/internal/logging"
)

// DefaultEncoding is the cl100k_base encoding, a reasonable proxy for
// Claude-class and GPT-class tokenizers alike.
const DefaultEncoding = "cl100k_base"

// ContextWindows gives the context window size, in tokens, for known models.
// Unknown model refs fall back to "default".
var ContextWindows = map[string]int{
	"claude-opus-4-5":           200000,
	"claude-sonnet-4-5":         200000,
	"claude-haiku-4-5":          200000,
	"claude-3-5-sonnet-20241022": 200000,
	"grok-4":                    256000,
	"gpt-4o":                    128000,
	"default":                   200000,
}

// Estimator encodes text into an approximate token count.
type Estimator struct {
	mu       sync.RWMutex
	encoding *tiktoken.Tiktoken
}

var (
	global     *Estimator
	globalOnce sync.Once
)

// Global returns the process-wide estimator, falling back to a
// chars-per-token heuristic if the encoding table can't be loaded.
func Global() *Estimator {
	globalOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(DefaultEncoding)
		if err != nil {
			L_warn("tokens: failed to load encoding, using char heuristic", "error", err)
			global = &Estimator{}
			return
		}
		global = &Estimator{encoding: enc}
	})
	return global
}

// Count estimates the token count of a string.
func (e *Estimator) Count(text string) int {
	if e == nil || e.encoding == nil {
		return len(text) / 4
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.encoding.Encode(text, nil, nil))
}

// WindowFor returns the context window size for a model ref.
func WindowFor(modelRef string) int {
	if w, ok := ContextWindows[modelRef]; ok {
		return w
	}
	return ContextWindows["default"]
}

// UsagePercent returns used/max, or 0 if max is unset.
func UsagePercent(used, max int) float64 {
	if max <= 0 {
		return 0
	}
	return float64(used) / float64(max)
}
