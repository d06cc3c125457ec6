// Package runtime supervises the long-lived agent worker subprocess and
// speaks its NDJSON-over-stdio protocol.
package runtime

import "encoding/json"

// RunRequest is sent to the worker to start a turn.
type RunRequest struct {
	Type         string          `json:"type"` // "run"
	RunID        string          `json:"runId"`
	SessionKey   string          `json:"sessionKey"`
	SessionID    string          `json:"sessionId,omitempty"`
	SystemPrompt string          `json:"systemPrompt,omitempty"`
	BodyPrefix   string          `json:"bodyPrefix,omitempty"`
	Body         string          `json:"body"`
	Thinking     string          `json:"thinking,omitempty"`
	Media        []MediaRef      `json:"media,omitempty"`
	ModelRef     string          `json:"modelRef"`
	TimeoutMs    int             `json:"timeoutMs,omitempty"`
	Extra        json.RawMessage `json:"extra,omitempty"`
}

// CancelRequest asks the worker to abort a run.
type CancelRequest struct {
	Type  string `json:"type"` // "cancel"
	RunID string `json:"runId"`
}

// MediaRef is an attachment passed to the worker for a run.
type MediaRef struct {
	Path     string `json:"path"`
	MimeType string `json:"mimeType,omitempty"`
}

// EventType enumerates the worker's event stream.
type EventType string

const (
	EventSessionStart EventType = "session_start"
	EventToolStart    EventType = "tool_start"
	EventToolEnd      EventType = "tool_end"
	EventText         EventType = "text"
	EventFinal        EventType = "final"
	EventError        EventType = "error"
	EventAgentEnd     EventType = "agent_end"
)

// Event is one line of worker output, parsed generically then type-asserted
// by Type.
type Event struct {
	Type    EventType `json:"type"`
	RunID   string    `json:"runId"`
	Session string    `json:"sessionId,omitempty"`

	// tool_start / tool_end
	Tool    string `json:"tool,omitempty"`
	Arg     string `json:"arg,omitempty"`
	Preview string `json:"preview,omitempty"`

	// text
	Delta string `json:"delta,omitempty"`

	// final
	Text  string `json:"text,omitempty"`
	Usage *Usage `json:"usage,omitempty"`

	// error
	Message string `json:"message,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// Usage reports token accounting for a completed run.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	CacheRead    int `json:"cacheRead,omitempty"`
	CacheWrite   int `json:"cacheWrite,omitempty"`
}

// ThinkingCueTokens maps a thinking level to the prompt cue token appended
// when the worker binary does not accept a native --thinking flag.
var ThinkingCueTokens = map[string]string{
	"minimal": "",
	"low":     "think",
	"medium":  "think hard",
	"high":    "think harder",
	"max":     "ultrathink",
}
