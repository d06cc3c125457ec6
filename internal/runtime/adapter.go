package runtime

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/clawdis/clawdis/internal/clawerr"
	. "github.com/clawdis/clawdis/internal/logging"
)

// VerboseLevel controls how much tool activity is forwarded to the transport.
type VerboseLevel string

const (
	VerboseOff  VerboseLevel = "off"
	VerboseOn   VerboseLevel = "on"
	VerboseFull VerboseLevel = "full"
)

// toolPreviewAllowlist is the curated set of tools whose result preview is
// shown under verbose=full.
var toolPreviewAllowlist = map[string]bool{
	"bash": true, "read": true, "edit": true, "write": true, "attach": true,
}

const toolCoalesceWindow = 1000 * time.Millisecond
const previewTruncateLen = 200

// ModelCandidate is one entry in a fallback chain.
type ModelCandidate struct {
	Provider string
	Model    string
}

func (c ModelCandidate) key() string { return c.Provider + "/" + c.Model }

// dedupeCandidates removes repeats by (provider, model), preserving order.
func dedupeCandidates(cands []ModelCandidate) []ModelCandidate {
	seen := make(map[string]bool, len(cands))
	out := make([]ModelCandidate, 0, len(cands))
	for _, c := range cands {
		if seen[c.key()] {
			continue
		}
		seen[c.key()] = true
		out = append(out, c)
	}
	return out
}

// ApplyThinking returns the --thinking flag value (if the worker accepts a
// native flag) or, when it doesn't, the cue-token-appended body.
func ApplyThinking(body, level string, nativeFlag bool) (flagValue string, outBody string) {
	if level == "" || level == "off" {
		return "", body
	}
	if nativeFlag {
		return level, body
	}
	cue := ThinkingCueTokens[level]
	if cue == "" {
		return "", body
	}
	return "", body + "\n\n" + cue
}

// toolBatch accumulates coalesced tool events for one tool within the
// 1000ms window.
type toolBatch struct {
	tool    string
	args    []string
	preview string
	timer   *time.Timer
}

// VerboseCoalescer batches tool_start/tool_end events per tool within a
// 1000ms window, emitting a single formatted line per batch.
type VerboseCoalescer struct {
	level   VerboseLevel
	emit    func(line string)
	batches map[string]*toolBatch
}

// NewVerboseCoalescer creates a coalescer that calls emit with a formatted
// metadata line once a tool's batching window closes.
func NewVerboseCoalescer(level VerboseLevel, emit func(line string)) *VerboseCoalescer {
	return &VerboseCoalescer{level: level, emit: emit, batches: make(map[string]*toolBatch)}
}

// Handle processes one tool_start/tool_end event.
func (c *VerboseCoalescer) Handle(ev Event) {
	if c.level == VerboseOff {
		return
	}
	switch ev.Type {
	case EventToolStart:
		c.addArg(ev.Tool, ev.Arg)
	case EventToolEnd:
		if c.level == VerboseFull && toolPreviewAllowlist[ev.Tool] {
			c.setPreview(ev.Tool, truncate(ev.Preview, previewTruncateLen))
		}
	}
}

func (c *VerboseCoalescer) addArg(tool, arg string) {
	b, ok := c.batches[tool]
	if !ok {
		b = &toolBatch{tool: tool}
		c.batches[tool] = b
		b.timer = time.AfterFunc(toolCoalesceWindow, func() { c.flush(tool) })
	} else {
		b.timer.Reset(toolCoalesceWindow)
	}
	if arg != "" {
		b.args = append(b.args, arg)
	}
}

func (c *VerboseCoalescer) setPreview(tool, preview string) {
	if b, ok := c.batches[tool]; ok {
		b.preview = preview
	}
}

func (c *VerboseCoalescer) flush(tool string) {
	b, ok := c.batches[tool]
	if !ok {
		return
	}
	delete(c.batches, tool)

	var line string
	if len(b.args) == 0 {
		line = fmt.Sprintf("[🛠️ %s]", b.tool)
	} else if len(b.args) == 1 {
		line = fmt.Sprintf("[🛠️ %s %s]", b.tool, b.args[0])
	} else {
		line = fmt.Sprintf("[🛠️ %s] %s", b.tool, strings.Join(b.args, ", "))
	}
	if b.preview != "" {
		line += " → " + b.preview
	}
	c.emit(line)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// httpStatusPattern extracts an HTTP status code embedded in an error message.
var httpStatusPattern = regexp.MustCompile(`\b(401|403|429)\b`)

var fallbackWorthyCodes = map[string]bool{
	"ETIMEDOUT": true, "ESOCKETTIMEDOUT": true, "ECONNRESET": true, "ECONNABORTED": true,
}

// IsFallbackWorthy reports whether a worker error should advance to the next
// fallback candidate rather than surface to the user. Abort signals (kind
// "aborted") never fall back.
func IsFallbackWorthy(kind, message string) bool {
	if kind == "aborted" {
		return false
	}
	if httpStatusPattern.MatchString(message) {
		return true
	}
	for code := range fallbackWorthyCodes {
		if strings.Contains(message, code) {
			return true
		}
	}
	lower := strings.ToLower(message)
	return strings.Contains(lower, "auth") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "timeout")
}

// RunWithFallback attempts candidates in order, advancing to the next only
// when the failure is fallback-worthy. Returns an aggregate error naming
// every attempt if all candidates fail.
func RunWithFallback(ctx context.Context, candidates []ModelCandidate, attempt func(ctx context.Context, c ModelCandidate) (*Event, error)) (*Event, error) {
	candidates = dedupeCandidates(candidates)
	if len(candidates) == 0 {
		return nil, clawerr.New(clawerr.KindFallbackExhausted, "runtime.RunWithFallback", fmt.Errorf("no model candidates configured"))
	}

	var attempts []string
	for i, c := range candidates {
		ev, err := attempt(ctx, c)
		if err == nil {
			return ev, nil
		}

		kind, message := "", err.Error()
		if ce, ok := err.(*clawerr.Error); ok {
			kind = string(ce.Kind)
		}
		attempts = append(attempts, fmt.Sprintf("%s: %s", c.key(), message))

		if i == len(candidates)-1 {
			break
		}
		if !IsFallbackWorthy(kind, message) {
			return nil, err
		}
		L_warn("runtime: model fallback advancing", "failed", c.key(), "next", candidates[i+1].key(), "error", err)
	}

	return nil, clawerr.New(clawerr.KindFallbackExhausted, "runtime.RunWithFallback",
		fmt.Errorf("all %d candidates failed:\n%s", len(candidates), strings.Join(attempts, "\n")))
}
