// Package activation resolves whether an inbound envelope should reach the
// scheduler at all (authorization, stop-words, mention gating) and parses
// the small directive language (/think, /queue, /model, ...) out of it.
package activation

import (
	"regexp"
	"strings"
)

// HistoryFence marks the start of a batched-history block. Directive tokens
// inside one are never live — they're quoted history, not a new command.
const HistoryFence = "```history"

// StopWords abort the current run and the pending turn outright.
var StopWords = map[string]bool{
	"stop": true, "esc": true, "abort": true, "wait": true, "exit": true,
}

// DirectiveKind identifies a recognized directive.
type DirectiveKind string

const (
	DirectiveThink   DirectiveKind = "think"
	DirectiveVerbose DirectiveKind = "verbose"
	DirectiveQueue   DirectiveKind = "queue"
	DirectiveNew     DirectiveKind = "new"
	DirectiveModel   DirectiveKind = "model"
	DirectiveStatus  DirectiveKind = "status"
	DirectiveRestart DirectiveKind = "restart"
)

// Directive is a parsed directive plus whatever text followed it on the
// same message. PinOnly is true when no other text followed (the directive
// is meant to pin session state rather than modify just this turn).
type Directive struct {
	Kind      DirectiveKind
	Value     string // level, mode, model ref — raw, not yet validated
	Remainder string // text after the directive, trimmed
	PinOnly   bool
}

var directivePattern = regexp.MustCompile(`(?is)^/(think|verbose|queue|new|model|status|restart)(?:[:=\s]+(\S+))?\s*(.*)$`)

// quotePrefixPattern matches common timestamp/quote prefixes ("[12:03] ", "> ")
// before directive matching, so a directive still fires when a client
// prepends metadata to the body. ParseDirective strips them before matching.
var quotePrefixPattern = regexp.MustCompile(`^(\[[^\]]+\]\s*|>\s*)+`)

// ParseDirective looks for a directive at the start of body (after stripping
// timestamp/quote prefixes) and returns it. ok is false if body does not
// begin with a recognized directive, or if the directive token appears
// inside a batched-history block.
func ParseDirective(body string) (d Directive, ok bool) {
	if strings.Contains(body, HistoryFence) {
		// A directive is only live if it precedes the first history fence.
		if idx := strings.Index(body, HistoryFence); idx == 0 {
			return Directive{}, false
		}
	}

	trimmed := quotePrefixPattern.ReplaceAllString(strings.TrimSpace(body), "")
	m := directivePattern.FindStringSubmatch(trimmed)
	if m == nil {
		return Directive{}, false
	}

	kind := DirectiveKind(strings.ToLower(m[1]))
	value := m[2]
	remainder := strings.TrimSpace(m[3])

	return Directive{
		Kind:      kind,
		Value:     value,
		Remainder: remainder,
		PinOnly:   remainder == "",
	}, true
}

// ValidThinkingLevels in ascending order.
var ValidThinkingLevels = []string{"off", "minimal", "low", "medium", "high", "max"}

// IsValidThinkingLevel reports whether level is a recognized /think value.
func IsValidThinkingLevel(level string) bool {
	level = strings.ToLower(level)
	for _, l := range ValidThinkingLevels {
		if l == level {
			return true
		}
	}
	return false
}

// ValidVerboseLevels for /verbose.
var ValidVerboseLevels = []string{"on", "full", "off"}

func IsValidVerboseLevel(level string) bool {
	level = strings.ToLower(level)
	for _, l := range ValidVerboseLevels {
		if l == level {
			return true
		}
	}
	return false
}

// ValidQueueModes for /queue.
var ValidQueueModes = []string{"queue", "interrupt", "reset"}

func IsValidQueueMode(mode string) bool {
	mode = strings.ToLower(mode)
	for _, m := range ValidQueueModes {
		if m == mode {
			return true
		}
	}
	return false
}

// NormalizeStopWord lowercases and trims body for stop-word comparison.
func NormalizeStopWord(body string) string {
	return strings.ToLower(strings.TrimSpace(body))
}

// IsStopWord reports whether the normalized body is exactly a stop word.
func IsStopWord(body string) bool {
	return StopWords[NormalizeStopWord(body)]
}
