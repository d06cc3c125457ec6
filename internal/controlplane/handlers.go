package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dario.cat/mergo"

	"github.com/clawdis/clawdis/internal/bus"
	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/cron"
	"github.com/clawdis/clawdis/internal/envelope"
	"github.com/clawdis/clawdis/internal/gateway"

	. "github.com/clawdis/clawdis/internal/logging"
)

// Deps bundles the daemon state the control-plane handlers dispatch against.
type Deps struct {
	Gateway  *gateway.Gateway
	Channels *channels.Manager
	Config   *config.Config
	Cron     *cron.Manager
	TOMLPath string
	Version  string
	Started  time.Time
}

// RegisterHandlers binds every Method* constant in protocol.go to a
// Deps-backed implementation.
func RegisterHandlers(s *Server, d *Deps) {
	s.Register(MethodHealth, d.health)
	s.Register(MethodStatus, d.status)
	s.Register(MethodSend, d.send)
	s.Register(MethodAgent, d.agent)
	s.Register(MethodChatSend, d.chatSend)
	s.Register(MethodChatHistory, d.chatHistory)
	s.Register(MethodNodesList, d.nodesList)
	s.Register(MethodNodesPending, d.nodesPending)
	s.Register(MethodNodesApprove, d.nodesApprove)
	s.Register(MethodNodesReject, d.nodesReject)
	s.Register(MethodNodesInvoke, d.nodesInvoke)
	s.Register(MethodConfigGet, d.configGet)
	s.Register(MethodConfigSet, d.configSet)
	s.Register(MethodCronList, d.cronList)
	s.Register(MethodCronAdd, d.cronAdd)
	s.Register(MethodCronRemove, d.cronRemove)
	s.Register(MethodCronRunNow, d.cronRunNow)
	s.Register(MethodSystemEvent, d.systemEvent)
	s.Register(MethodModelsList, d.modelsList)
}

func (d *Deps) health(_ *Client, _ json.RawMessage) (any, error) {
	return map[string]any{
		"ok":      true,
		"version": d.Version,
		"uptime":  time.Since(d.Started).String(),
	}, nil
}

func (d *Deps) status(_ *Client, _ json.RawMessage) (any, error) {
	return map[string]any{
		"channels": d.Channels.Status(),
		"uptime":   time.Since(d.Started).String(),
	}, nil
}

type sendParams struct {
	Channel string `json:"channel"`
	To      string `json:"to"`
	Text    string `json:"text"`
}

func (d *Deps) send(_ *Client, params json.RawMessage) (any, error) {
	var p sendParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.Channel == "" || p.To == "" || p.Text == "" {
		return nil, fmt.Errorf("channel, to, and text are required")
	}
	sender, ok := d.Channels.Sender(p.Channel)
	if !ok {
		return nil, fmt.Errorf("no such channel: %s", p.Channel)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sender.Send(ctx, p.To, p.Text); err != nil {
		return nil, err
	}
	return map[string]any{"sent": true}, nil
}

type agentParams struct {
	Channel  string `json:"channel"`
	ChatType string `json:"chatType"`
	ChatKey  string `json:"chatKey"`
	AgentID  string `json:"agentId"`
	From     string `json:"from"`
	Body     string `json:"body"`
}

// agent injects a synthetic Envelope straight into the Gateway, bypassing
// any transport — this is what "clawdis gateway agent" drives.
func (d *Deps) agent(_ *Client, params json.RawMessage) (any, error) {
	var p agentParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	runID, err := d.submitAgentTurn(p)
	if err != nil {
		return nil, err
	}
	return map[string]any{"submitted": true, "runId": runID}, nil
}

// chatSend is an alias for agent with an explicit runId lifecycle: the
// caller gets back the scheduler-assigned runId up front. The run's progress
// is not streamed back over the control plane.
func (d *Deps) chatSend(_ *Client, params json.RawMessage) (any, error) {
	var p agentParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	runID, err := d.submitAgentTurn(p)
	if err != nil {
		return nil, err
	}
	return map[string]any{"runId": runID}, nil
}

// submitAgentTurn builds a synthetic Envelope from p and hands it to the
// Gateway, returning the scheduler RunID assigned to the resulting turn.
func (d *Deps) submitAgentTurn(p agentParams) (string, error) {
	if p.Body == "" {
		return "", fmt.Errorf("body is required")
	}
	chatType := envelope.ChatDirect
	if p.ChatType == "group" {
		chatType = envelope.ChatGroup
	}
	channel := envelope.ChannelNode
	if p.Channel != "" {
		channel = envelope.Channel(p.Channel)
	}
	from := p.From
	if from == "" {
		from = "cli"
	}
	chatKey := p.ChatKey
	if chatKey == "" {
		chatKey = "cli"
	}

	env := envelope.Envelope{
		Channel:    channel,
		Provider:   "controlplane",
		From:       from,
		ChatType:   chatType,
		ChatKey:    chatKey,
		Body:       p.Body,
		RawBody:    p.Body,
		ReceivedAt: time.Now(),
		MessageID:  fmt.Sprintf("cli-%d", time.Now().UnixNano()),
		AgentID:    p.AgentID,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.Gateway.HandleEnvelope(ctx, env)
}

type chatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
}

// chatHistory returns a session's message log, loading it from persisted
// storage if it isn't already resident in memory.
func (d *Deps) chatHistory(_ *Client, params json.RawMessage) (any, error) {
	var p chatHistoryParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.SessionKey == "" {
		return nil, fmt.Errorf("sessionKey is required")
	}
	sess := d.Gateway.Sessions().GetOrLoad(p.SessionKey)
	return map[string]any{"messages": sess.GetMessages()}, nil
}

func (d *Deps) nodesList(_ *Client, _ json.RawMessage) (any, error) {
	bot := d.Channels.NodeBot()
	if bot == nil {
		return []any{}, nil
	}
	return bot.Registry().List(), nil
}

func (d *Deps) nodesPending(_ *Client, _ json.RawMessage) (any, error) {
	return d.Channels.NodePrompt().Pending(), nil
}

type nodeIDParams struct {
	NodeID string `json:"nodeId"`
}

func (d *Deps) nodesApprove(_ *Client, params json.RawMessage) (any, error) {
	var p nodeIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if !d.Channels.NodePrompt().Approve(p.NodeID) {
		return nil, fmt.Errorf("no pending pairing request for %q", p.NodeID)
	}
	return map[string]any{"approved": p.NodeID}, nil
}

func (d *Deps) nodesReject(_ *Client, params json.RawMessage) (any, error) {
	var p nodeIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if !d.Channels.NodePrompt().Reject(p.NodeID) {
		return nil, fmt.Errorf("no pending pairing request for %q", p.NodeID)
	}
	return map[string]any{"rejected": p.NodeID}, nil
}

type nodesInvokeParams struct {
	NodeID  string          `json:"nodeId"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
}

func (d *Deps) nodesInvoke(_ *Client, params json.RawMessage) (any, error) {
	var p nodesInvokeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	bot := d.Channels.NodeBot()
	if bot == nil {
		return nil, fmt.Errorf("node bridge not running")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	result, err := bot.Invoke(ctx, p.NodeID, p.Command, p.Params, 15*time.Second)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *Deps) configGet(_ *Client, _ json.RawMessage) (any, error) {
	return d.Config, nil
}

// configSet merges a partial config patch over the live config, persists
// it to config.toml, and publishes one "config.applied" bus event carrying
// the merged config. It sends no per-component bus "apply" command, and no
// code subscribes to "config.applied", so running components keep their
// in-memory config until restart.
func (d *Deps) configSet(_ *Client, params json.RawMessage) (any, error) {
	var patch config.Config
	if err := json.Unmarshal(params, &patch); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if err := mergo.Merge(d.Config, &patch, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merging config patch: %w", err)
	}
	if err := config.Save(d.TOMLPath, d.Config); err != nil {
		return nil, fmt.Errorf("saving config: %w", err)
	}
	bus.PublishEvent("config.applied", d.Config)
	L_info("controlplane: config updated via config.set")
	return map[string]any{"config": d.Config}, nil
}

type cronAddParams struct {
	SessionKey string `json:"sessionKey"`
	Schedule   string `json:"schedule"`
	Message    string `json:"message"`
}

func (d *Deps) cronList(_ *Client, _ json.RawMessage) (any, error) {
	if d.Cron == nil {
		return []any{}, nil
	}
	return d.Cron.List(), nil
}

func (d *Deps) cronAdd(_ *Client, params json.RawMessage) (any, error) {
	if d.Cron == nil {
		return nil, fmt.Errorf("cron is not enabled")
	}
	var p cronAddParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.Schedule == "" || p.Message == "" {
		return nil, fmt.Errorf("schedule and message are required")
	}
	sessionKey := p.SessionKey
	if sessionKey == "" {
		sessionKey = "cron:default"
	}
	job, err := d.Cron.Add(sessionKey, p.Schedule, p.Message)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (d *Deps) cronRemove(_ *Client, params json.RawMessage) (any, error) {
	if d.Cron == nil {
		return nil, fmt.Errorf("cron is not enabled")
	}
	var idp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &idp); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if err := d.Cron.Remove(idp.ID); err != nil {
		return nil, err
	}
	return map[string]any{"removed": idp.ID}, nil
}

func (d *Deps) cronRunNow(_ *Client, params json.RawMessage) (any, error) {
	if d.Cron == nil {
		return nil, fmt.Errorf("cron is not enabled")
	}
	var idp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &idp); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if err := d.Cron.RunNow(idp.ID); err != nil {
		return nil, err
	}
	return map[string]any{"started": idp.ID}, nil
}

type systemEventParams struct {
	Text       string   `json:"text"`
	InstanceID string   `json:"instanceId"`
	Mode       string   `json:"mode"`
	Tags       []string `json:"tags"`
}

// systemEvent is the telemetry fan-in for companion apps and node devices:
// it republishes the event on the bus for control-plane subscribers (e.g. a
// TUI status line) without driving any agent turn.
func (d *Deps) systemEvent(_ *Client, params json.RawMessage) (any, error) {
	var p systemEventParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.Text == "" {
		return nil, fmt.Errorf("text is required")
	}
	bus.PublishEvent("system.event", p)
	L_debug("controlplane: system event received", "instanceId", p.InstanceID, "mode", p.Mode, "tags", p.Tags)
	return map[string]any{"received": true}, nil
}

// modelsList enumerates the configured LLM fallback chain: the primary
// provider/model followed by each candidate in Fallbacks.
func (d *Deps) modelsList(_ *Client, _ json.RawMessage) (any, error) {
	models := make([]map[string]string, 0, 1+len(d.Config.LLM.Fallbacks))
	models = append(models, map[string]string{
		"provider": d.Config.LLM.Provider,
		"model":    d.Config.LLM.Model,
	})
	for _, f := range d.Config.LLM.Fallbacks {
		models = append(models, map[string]string{"provider": f.Provider, "model": f.Model})
	}
	return map[string]any{"models": models}, nil
}
