// Package controlplane implements the loopback WebSocket RPC/event server
// used by local tooling (TUI, CLI, LAN-paired dashboards) to drive the
// gateway: health/status queries, sending messages, starting agent runs,
// config get/set, node and cron management.
package controlplane

import "encoding/json"

// Request is one client->server JSON Lines frame.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the server's reply to a Request, correlated by ID.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError carries a method failure back to the client.
type RPCError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is a server->client push frame, not correlated to any request.
type Event struct {
	Type    string          `json:"type"` // "chat", "provider", "presence", "pairing.pending", "log"
	Payload json.RawMessage `json:"payload"`
}

// ChatEventPayload streams one step of an in-flight agent run.
type ChatEventPayload struct {
	RunID     string          `json:"runId"`
	State     string          `json:"state"` // "running" | "streaming" | "final" | "cancelled" | "failed"
	Text      string          `json:"text,omitempty"`
	ToolEvent json.RawMessage `json:"toolEvent,omitempty"`
	Usage     json.RawMessage `json:"usage,omitempty"`
}

// Method names recognized by the dispatcher.
const (
	MethodHealth        = "health"
	MethodStatus        = "status"
	MethodSend          = "send"
	MethodAgent         = "agent"
	MethodChatSend      = "chat.send"
	MethodChatHistory   = "chat.history"
	MethodConfigGet     = "config.get"
	MethodConfigSet     = "config.set"
	MethodNodesList     = "nodes.list"
	MethodNodesPending  = "nodes.pending"
	MethodNodesApprove  = "nodes.approve"
	MethodNodesReject   = "nodes.reject"
	MethodNodesInvoke   = "nodes.invoke"
	MethodCronList      = "cron.list"
	MethodCronAdd       = "cron.add"
	MethodCronRemove    = "cron.remove"
	MethodCronRunNow    = "cron.runNow"
	MethodSystemEvent   = "system-event"
	MethodModelsList    = "models.list"
)

// privilegedMethods require an authenticated token even on loopback.
var privilegedMethods = map[string]bool{
	MethodConfigSet: true,
	MethodNodesApprove: true,
	MethodNodesReject: true,
}

// IsPrivileged reports whether method requires authentication regardless of
// the loopback-same-UID exemption.
func IsPrivileged(method string) bool {
	return privilegedMethods[method]
}
