package config

import (
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"

	. "github.com/clawdis/clawdis/internal/logging"
)

// Config is the fully-resolved Clawdis Gateway configuration. The operator
// edits config.toml by hand; the Gateway writes the view merged over
// Default() back out as config.json (via AtomicWriteJSON) so
// `config.get` always returns the snapshot actually in effect.
type Config struct {
	Gateway      GatewayConfig           `toml:"gateway" json:"gateway"`
	Agents       map[string]AgentConfig  `toml:"agents" json:"agents"`
	Channels     []ChannelConfig         `toml:"channels" json:"channels"`
	LLM          LLMConfig               `toml:"llm" json:"llm"`
	Heartbeat    map[string]HeartbeatConfig `toml:"heartbeat" json:"heartbeat"`
	Bridge       BridgeConfig            `toml:"bridge" json:"bridge"`
	ControlPlane ControlPlaneConfig      `toml:"controlPlane" json:"controlPlane"`
	Delivery     DeliveryConfig          `toml:"delivery" json:"delivery"`
	Session      SessionConfig           `toml:"session" json:"session"`
}

// GatewayConfig covers process-level settings: listen port, daemon mode, and
// how to spawn the agent worker subprocess.
type GatewayConfig struct {
	Port        int      `toml:"port" json:"port"`
	Daemon      bool     `toml:"daemon" json:"daemon"`
	AgentCommand string  `toml:"agentCommand" json:"agentCommand"`
	AgentArgs    []string `toml:"agentArgs" json:"agentArgs,omitempty"`
}

// AgentConfig is one named agent identity (spec.md's agentId scoping).
type AgentConfig struct {
	DisplayName string `toml:"displayName" json:"displayName"`
	Model       string `toml:"model" json:"model"`
}

// ChannelConfig describes one configured transport (whatsapp/telegram/
// discord/webchat/node) and its authorization policy.
type ChannelConfig struct {
	Kind         string       `toml:"kind" json:"kind"`
	AgentID      string       `toml:"agentId" json:"agentId,omitempty"`
	Disabled     bool         `toml:"disabled" json:"disabled,omitempty"`
	BotToken     string       `toml:"botToken" json:"-"` // resolved from SecretStore, never serialized
	Port         int          `toml:"port" json:"port,omitempty"` // webchat only
	AllowedUsers []string     `toml:"allowedUsers" json:"allowedUsers,omitempty"`
	Group        GroupPolicy  `toml:"group" json:"group"`
}

// Enabled reports whether this channel entry should be started. A channel
// listed in Channels is enabled by default; set disabled = true to keep the
// entry (and its allowlist/group policy) without starting the transport.
func (c ChannelConfig) Enabled() bool {
	return !c.Disabled
}

// GroupPolicy mirrors internal/activation.GroupPolicy's config-facing shape.
type GroupPolicy struct {
	Allowlisted    []string `toml:"allowlisted" json:"allowlisted,omitempty"`
	Activation     string   `toml:"activation" json:"activation,omitempty"` // "mention" | "always"
	RequireMention *bool    `toml:"requireMention" json:"requireMention,omitempty"`
}

// LLMConfig lists the model fallback chain in priority order.
type LLMConfig struct {
	Provider  string          `toml:"provider" json:"provider"`
	Model     string          `toml:"model" json:"model"`
	Fallbacks []ModelFallback `toml:"fallbacks" json:"fallbacks,omitempty"`
}

// ModelFallback is one (provider, model) candidate in the fallback chain.
type ModelFallback struct {
	Provider string `toml:"provider" json:"provider"`
	Model    string `toml:"model" json:"model"`
}

// HeartbeatConfig is one channel's heartbeat schedule and visibility, keyed
// by channel kind in Config.Heartbeat.
type HeartbeatConfig struct {
	Every       string `toml:"every" json:"every"` // duration string, e.g. "15m"
	ThinkLevel  string `toml:"thinkLevel" json:"thinkLevel,omitempty"`
	ShowAlerts  bool   `toml:"showAlerts" json:"showAlerts"`
	ShowOK      bool   `toml:"showOk" json:"showOk"`
	UseIndicator bool  `toml:"useIndicator" json:"useIndicator"`
	AckMaxChars int    `toml:"ackMaxChars" json:"ackMaxChars"`
	Target      string `toml:"target" json:"target,omitempty"`
	To          string `toml:"to" json:"to,omitempty"`
}

// Duration parses Every, returning 0 if unset or invalid.
func (h HeartbeatConfig) Duration() time.Duration {
	d, err := time.ParseDuration(h.Every)
	if err != nil {
		return 0
	}
	return d
}

// BridgeConfig controls the paired-node bridge listener.
type BridgeConfig struct {
	Enabled    bool `toml:"enabled" json:"enabled"`
	Port       int  `toml:"port" json:"port"`
	Advertise  bool `toml:"advertise" json:"advertise"` // mDNS advertisement
}

// ControlPlaneConfig controls the loopback WebSocket RPC server.
type ControlPlaneConfig struct {
	Enabled bool `toml:"enabled" json:"enabled"`
	Port    int  `toml:"port" json:"port"`
}

// DeliveryConfig gates outbound-delivery behaviors.
type DeliveryConfig struct {
	Mirror bool `toml:"mirror" json:"mirror"` // cross-channel mirroring, off by default
}

// SessionConfig selects the session storage backend.
type SessionConfig struct {
	Store string `toml:"store" json:"store"` // "sqlite" | "jsonl"
}

// Default returns the baseline configuration before any file is loaded.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{Port: 7378},
		LLM: LLMConfig{
			Provider: "anthropic",
			Model:    "claude-opus-4-5",
		},
		ControlPlane: ControlPlaneConfig{Enabled: true, Port: 7379},
		Bridge:       BridgeConfig{Enabled: false, Port: 7380, Advertise: true},
		Session:      SessionConfig{Store: "sqlite"},
	}
}

// Load reads config.toml (the operator-edited source of truth), merges it
// over Default(), and writes the resolved view to config.json so
// `config.get` always reflects what the Gateway is actually running with.
func Load(tomlPath, jsonSnapshotPath string) (*Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(tomlPath); err == nil {
		var fileCfg Config
		if _, err := toml.Decode(string(data), &fileCfg); err != nil {
			return nil, err
		}
		if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if jsonSnapshotPath != "" {
		if err := BackupAndWriteJSON(jsonSnapshotPath, cfg, DefaultBackupCount); err != nil {
			L_warn("config: failed to write resolved snapshot", "path", jsonSnapshotPath, "error", err)
		}
	}

	return cfg, nil
}

// Save writes cfg back to config.toml, rotating backups the same way the
// JSON snapshot path does.
func Save(tomlPath string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(tomlPath), 0750); err != nil {
		return err
	}
	if _, err := os.Stat(tomlPath); err == nil {
		if err := createBackup(tomlPath, DefaultBackupCount); err != nil {
			L_warn("config: backup failed, continuing with save", "error", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(tomlPath), ".clawdis-*.toml.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := toml.NewEncoder(tmp).Encode(cfg); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), tomlPath)
}
