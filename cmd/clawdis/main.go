// Command clawdis is the Gateway process: it boots the session manager, the
// agent-worker supervisor, every configured channel adapter, and the
// loopback control plane, or — invoked with a leaf subcommand — acts as a
// thin RPC client against an already-running daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/sevlyar/go-daemon"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/internal/controlplane"
	"github.com/clawdis/clawdis/internal/cron"
	"github.com/clawdis/clawdis/internal/envelope"
	"github.com/clawdis/clawdis/internal/gateway"
	"github.com/clawdis/clawdis/internal/heartbeat"
	"github.com/clawdis/clawdis/internal/llm"
	"github.com/clawdis/clawdis/internal/media"
	"github.com/clawdis/clawdis/internal/paths"
	"github.com/clawdis/clawdis/internal/runtime"
	"github.com/clawdis/clawdis/internal/security"
	"github.com/clawdis/clawdis/internal/session"

	. "github.com/clawdis/clawdis/internal/logging"
)

const version = "0.1.0"

// Exit codes, per the external-interfaces contract: 0 success, 2 invalid
// args, 3 gateway unreachable, 4 authorization failed, 5 remote error.
const (
	exitOK            = 0
	exitInvalidArgs   = 2
	exitUnreachable   = 3
	exitUnauthorized  = 4
	exitRemoteError   = 5
)

// Globals are the flags shared by every RPC-client leaf command.
type Globals struct {
	Addr string `help:"Control-plane address (host:port)." default:"127.0.0.1:7379"`
}

// CLI is the full command tree. Per the external-interfaces contract, the
// gateway group both starts the daemon (the default subcommand) and carries
// the send/agent/health/status client operations.
type CLI struct {
	Gateway   GatewayCmd   `cmd:"" help:"Run the gateway daemon, or drive a running one."`
	Nodes     NodesCmd     `cmd:"" help:"Manage paired nodes."`
	Heartbeat HeartbeatCmd `cmd:"" help:"Trigger a heartbeat immediately."`
	Cron      CronCmd      `cmd:"" help:"Manage scheduled jobs."`
	Version   VersionCmd   `cmd:"" help:"Print the clawdis version."`
}

type VersionCmd struct{}

func (c *VersionCmd) Run(*Globals) error {
	fmt.Printf("clawdis %s\n", version)
	return nil
}

func main() {
	var cli CLI
	globals := &Globals{}
	ctx := kong.Parse(&cli,
		kong.Name("clawdis"),
		kong.Description("Clawdis personal-assistant chat-relay gateway."),
		kong.Bind(globals),
		kong.UsageOnError(),
	)
	err := ctx.Run(globals)
	exitOnError(err)
}

// exitOnError maps a command error onto the exit-code contract: 0 success,
// 2 invalid args, 3 gateway unreachable, 4 authorization failed, 5 remote
// error. A nil error falls through without exiting.
func exitOnError(err error) {
	if err == nil {
		return
	}
	code := exitRemoteError
	switch e := err.(type) {
	case *kong.ParseError:
		code = exitInvalidArgs
	case *controlplane.RemoteError:
		if e.Code == "UNAUTHORIZED" {
			code = exitUnauthorized
		}
	default:
		if isUnreachable(err) {
			code = exitUnreachable
		}
	}
	fmt.Fprintln(os.Stderr, "clawdis:", err)
	os.Exit(code)
}

func isUnreachable(err error) bool {
	msg := err.Error()
	return len(msg) >= len("gateway unreachable") && msg[:len("gateway unreachable")] == "gateway unreachable"
}

// ---------------------------------------------------------------------------
// gateway
// ---------------------------------------------------------------------------

type GatewayCmd struct {
	Start  StartCmd  `cmd:"" default:"1" help:"Start the gateway daemon."`
	Send   SendCmd   `cmd:"" help:"Send a message through a running gateway."`
	Agent  AgentCmd  `cmd:"" help:"Inject a synthetic turn into a running gateway."`
	Health HealthCmd `cmd:"" help:"Check gateway health."`
	Status StatusCmd `cmd:"" help:"Show channel status."`
}

type StartCmd struct {
	Bind   string `help:"Control-plane bind address." default:"127.0.0.1"`
	Port   int    `help:"Control-plane port (0 = use config)."`
	Daemon bool   `help:"Fork to the background."`
}

func (c *StartCmd) Run(*Globals) error {
	if c.Daemon {
		if err := daemonize(); err != nil {
			return fmt.Errorf("daemonize: %w", err)
		}
	}
	return runGateway(c)
}

// daemonize forks the process to the background via a PID/log file pair
// under the state directory, then returns in the child. The parent process
// exits here; only the child continues into runGateway.
func daemonize() error {
	logsDir, err := paths.LogsDir()
	if err != nil {
		return err
	}
	if err := paths.EnsureDir(logsDir); err != nil {
		return err
	}
	base, err := paths.BaseDir()
	if err != nil {
		return err
	}
	if err := paths.EnsureDir(base); err != nil {
		return err
	}

	cntxt := &daemon.Context{
		PidFileName: base + "/gateway.pid",
		PidFilePerm: 0644,
		LogFileName: logsDir + "/gateway.daemon.log",
		LogFilePerm: 0640,
		WorkDir:     "./",
		Umask:       027,
	}

	child, err := cntxt.Reborn()
	if err != nil {
		return fmt.Errorf("fork failed: %w", err)
	}
	if child != nil {
		// Parent: the child is away, nothing more to do here.
		os.Exit(exitOK)
	}
	defer cntxt.Release()
	return nil
}

func runGateway(c *StartCmd) error {
	tomlPath, err := paths.ConfigTOMLPath()
	if err != nil {
		return err
	}
	jsonPath, err := paths.ConfigPath()
	if err != nil {
		return err
	}
	base, err := paths.BaseDir()
	if err != nil {
		return err
	}
	if err := paths.EnsureDir(base); err != nil {
		return err
	}

	cfg, err := config.Load(tomlPath, jsonPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if c.Port != 0 {
		cfg.ControlPlane.Port = c.Port
	}

	Init(&Config{Level: LevelInfo, ShowCaller: false})
	L_info("clawdis gateway starting", "version", version, "bind", c.Bind, "port", cfg.ControlPlane.Port)

	secrets, err := security.NewSecretStore()
	if err != nil {
		return fmt.Errorf("opening secret store: %w", err)
	}
	resolveBotTokens(cfg, secrets)

	mediaDir, err := paths.MediaDir()
	if err != nil {
		return err
	}
	mediaStore, err := media.NewMediaStore(media.MediaConfig{Dir: mediaDir})
	if err != nil {
		return fmt.Errorf("opening media store: %w", err)
	}

	sessionsDir, err := paths.SessionsDir()
	if err != nil {
		return err
	}
	storePath := sessionsDir
	if cfg.Session.Store == "sqlite" {
		storePath, err = paths.DataPath("sessions.db")
		if err != nil {
			return err
		}
	}
	sessions, err := session.NewManagerWithConfig(&session.ManagerConfig{
		StoreType:     cfg.Session.Store,
		StorePath:     storePath,
		SessionsDir:   sessionsDir,
		EnablePersist: true,
	})
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}

	session.RegisterCommands()
	media.RegisterCommands()
	llm.RegisterCommands()
	defer session.UnregisterCommands()
	defer media.UnregisterCommands()
	defer llm.UnregisterCommands()

	if cfg.Gateway.AgentCommand == "" {
		return fmt.Errorf("gateway.agentCommand is not configured")
	}
	worker := runtime.NewWorker(cfg.Gateway.AgentCommand, cfg.Gateway.AgentArgs...)

	chManager := channels.NewManager(mediaStore)
	gw := gateway.New(cfg, sessions, worker, chManager)
	chManager.SetSource(gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("starting agent worker: %w", err)
	}
	gw.Start(ctx)
	if err := chManager.StartAll(ctx, cfg); err != nil {
		return fmt.Errorf("starting channels: %w", err)
	}

	startHeartbeats(ctx, cfg, gw, chManager)

	cronPath, err := paths.DataPath("cron.json")
	if err != nil {
		return err
	}
	cronMgr := cron.New(cronPath, gw.Scheduler())
	if err := cronMgr.Load(); err != nil {
		return fmt.Errorf("loading cron jobs: %w", err)
	}
	cronMgr.Start(ctx)

	cpToken, err := controlPlaneToken(secrets)
	if err != nil {
		return err
	}
	cpServer := controlplane.NewServer(cpToken)
	controlplane.RegisterHandlers(cpServer, &controlplane.Deps{
		Gateway:  gw,
		Channels: chManager,
		Config:   cfg,
		Cron:     cronMgr,
		TOMLPath: tomlPath,
		Version:  version,
		Started:  time.Now(),
	})

	httpSrv, sockListener, err := startControlPlaneListeners(c.Bind, cfg.ControlPlane.Port, cpServer)
	if err != nil {
		return err
	}

	L_info("clawdis gateway ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	L_info("clawdis gateway shutting down")
	cancel()
	chManager.StopAll()
	_ = worker.Stop()
	_ = httpSrv.Close()
	if sockListener != nil {
		_ = sockListener.Close()
	}
	return nil
}

// resolveBotTokens fills in ChannelConfig.BotToken for telegram/discord
// entries from the secret store (falling back to the documented
// TELEGRAM_BOT_TOKEN env var for telegram, matching external interfaces).
func resolveBotTokens(cfg *config.Config, secrets *security.SecretStore) {
	for i := range cfg.Channels {
		c := &cfg.Channels[i]
		if c.BotToken != "" {
			continue
		}
		if v, ok := secrets.Get("channel." + c.Kind + ".botToken"); ok {
			c.BotToken = v
			continue
		}
		if c.Kind == "telegram" {
			if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
				c.BotToken = v
			}
		}
	}
}

// controlPlaneToken returns the persisted auth token, generating and saving
// one on first run.
func controlPlaneToken(secrets *security.SecretStore) (string, error) {
	if v, ok := secrets.Get("controlPlane.token"); ok {
		return v, nil
	}
	token := uuid.NewString()
	if err := secrets.Set("controlPlane.token", token); err != nil {
		return "", fmt.Errorf("persisting control-plane token: %w", err)
	}
	return token, nil
}

func startControlPlaneListeners(bind string, port int, cpServer *controlplane.Server) (*http.Server, net.Listener, error) {
	mux := http.NewServeMux()
	mux.Handle("/", cpServer)
	httpSrv := &http.Server{Handler: mux}

	addr := fmt.Sprintf("%s:%d", bind, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("binding control plane on %s: %w", addr, err)
	}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L_error("controlplane: http server stopped", "error", err)
		}
	}()

	sockPath, err := paths.IPCSocketPath()
	if err != nil {
		return httpSrv, nil, err
	}
	if err := paths.EnsureParentDir(sockPath); err != nil {
		return httpSrv, nil, err
	}
	_ = os.Remove(sockPath)
	sockLn, err := net.Listen("unix", sockPath)
	if err != nil {
		L_warn("controlplane: unix socket listener failed, continuing with TCP only", "error", err)
		return httpSrv, nil, nil
	}
	_ = os.Chmod(sockPath, 0600)
	go func() {
		if err := http.Serve(sockLn, mux); err != nil {
			L_debug("controlplane: unix socket listener stopped", "error", err)
		}
	}()

	return httpSrv, sockLn, nil
}

// startHeartbeats spins up one heartbeat.Scheduler loop per configured
// channel entry in cfg.Heartbeat, delivering through whatever channel the
// session last used.
func startHeartbeats(ctx context.Context, cfg *config.Config, gw *gateway.Gateway, chManager *channels.Manager) *heartbeat.Scheduler {
	probe := func(channel string) bool {
		return chManager.Get(channel) != nil
	}
	deliver := func(ctx context.Context, channel, to, text string) error {
		sender, ok := chManager.Sender(channel)
		if !ok {
			return fmt.Errorf("heartbeat: no sender for channel %q", channel)
		}
		return sender.Send(ctx, to, text)
	}
	hb := heartbeat.New(gw.Scheduler(), gw.Sessions(), probe, deliver)

	for kind, hbCfg := range cfg.Heartbeat {
		if hbCfg.Duration() <= 0 {
			continue
		}
		sessionKey := session.Key("", kind, string(envelope.ChatDirect), kind)
		go hb.Run(ctx, sessionKey, heartbeat.ChannelConfig{
			Channel:    kind,
			Every:      hbCfg.Duration(),
			ThinkLevel: hbCfg.ThinkLevel,
			Visibility: heartbeat.Visibility{
				ShowAlerts:   hbCfg.ShowAlerts,
				ShowOK:       hbCfg.ShowOK,
				UseIndicator: hbCfg.UseIndicator,
			},
			AckMaxChars: hbCfg.AckMaxChars,
			Target:      hbCfg.Target,
			To:          hbCfg.To,
		})
	}
	return hb
}

// ---------------------------------------------------------------------------
// gateway send / agent / health / status — thin control-plane RPC clients
// ---------------------------------------------------------------------------

func dial(g *Globals) (*controlplane.Client, error) {
	secrets, err := security.NewSecretStore()
	if err != nil {
		return nil, err
	}
	token, _ := secrets.Get("controlPlane.token")
	return controlplane.Dial(g.Addr, token)
}

type SendCmd struct {
	Channel string `arg:"" help:"Channel name (whatsapp/telegram/discord/webchat/node)."`
	To      string `arg:"" help:"Recipient identifier for the channel."`
	Text    string `arg:"" help:"Message text."`
}

func (c *SendCmd) Run(g *Globals) error {
	cl, err := dial(g)
	if err != nil {
		return err
	}
	defer cl.Close()
	_, err = cl.Call(controlplane.MethodSend, map[string]string{
		"channel": c.Channel, "to": c.To, "text": c.Text,
	})
	if err != nil {
		return err
	}
	fmt.Println("sent")
	return nil
}

type AgentCmd struct {
	Body     string `arg:"" help:"Message body to inject as a user turn."`
	Channel  string `help:"Channel to attribute the synthetic turn to." default:"node"`
	ChatType string `help:"direct or group." default:"direct"`
	ChatKey  string `help:"Chat key to scope the session to." default:"cli"`
	AgentID  string `help:"Agent identity to route to."`
}

func (c *AgentCmd) Run(g *Globals) error {
	cl, err := dial(g)
	if err != nil {
		return err
	}
	defer cl.Close()
	_, err = cl.Call(controlplane.MethodAgent, map[string]string{
		"channel": c.Channel, "chatType": c.ChatType, "chatKey": c.ChatKey,
		"agentId": c.AgentID, "body": c.Body,
	})
	if err != nil {
		return err
	}
	fmt.Println("submitted")
	return nil
}

type HealthCmd struct{}

func (c *HealthCmd) Run(g *Globals) error {
	cl, err := dial(g)
	if err != nil {
		return err
	}
	defer cl.Close()
	result, err := cl.Call(controlplane.MethodHealth, map[string]string{})
	if err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}

type StatusCmd struct{}

func (c *StatusCmd) Run(g *Globals) error {
	cl, err := dial(g)
	if err != nil {
		return err
	}
	defer cl.Close()
	result, err := cl.Call(controlplane.MethodStatus, map[string]string{})
	if err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}

// ---------------------------------------------------------------------------
// nodes
// ---------------------------------------------------------------------------

type NodesCmd struct {
	List    NodesListCmd    `cmd:"" help:"List paired nodes."`
	Pending NodesPendingCmd `cmd:"" help:"List pairing requests awaiting approval."`
	Approve NodesApproveCmd `cmd:"" help:"Approve a pending pairing request."`
	Reject  NodesRejectCmd  `cmd:"" help:"Reject a pending pairing request."`
	Invoke  NodesInvokeCmd  `cmd:"" help:"Invoke a command on a paired node."`
}

type NodesListCmd struct{}

func (c *NodesListCmd) Run(g *Globals) error {
	cl, err := dial(g)
	if err != nil {
		return err
	}
	defer cl.Close()
	result, err := cl.Call(controlplane.MethodNodesList, map[string]string{})
	if err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}

type NodesPendingCmd struct{}

func (c *NodesPendingCmd) Run(g *Globals) error {
	cl, err := dial(g)
	if err != nil {
		return err
	}
	defer cl.Close()
	result, err := cl.Call(controlplane.MethodNodesPending, map[string]string{})
	if err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}

type NodesApproveCmd struct {
	NodeID string `arg:"" help:"Node ID to approve."`
}

func (c *NodesApproveCmd) Run(g *Globals) error {
	cl, err := dial(g)
	if err != nil {
		return err
	}
	defer cl.Close()
	_, err = cl.Call(controlplane.MethodNodesApprove, map[string]string{"nodeId": c.NodeID})
	if err != nil {
		return err
	}
	fmt.Println("approved")
	return nil
}

type NodesRejectCmd struct {
	NodeID string `arg:"" help:"Node ID to reject."`
}

func (c *NodesRejectCmd) Run(g *Globals) error {
	cl, err := dial(g)
	if err != nil {
		return err
	}
	defer cl.Close()
	_, err = cl.Call(controlplane.MethodNodesReject, map[string]string{"nodeId": c.NodeID})
	if err != nil {
		return err
	}
	fmt.Println("rejected")
	return nil
}

type NodesInvokeCmd struct {
	NodeID  string `arg:"" help:"Node ID to invoke."`
	Command string `arg:"" help:"Command name."`
	Params  string `help:"JSON params payload." default:"{}"`
}

func (c *NodesInvokeCmd) Run(g *Globals) error {
	cl, err := dial(g)
	if err != nil {
		return err
	}
	defer cl.Close()
	result, err := cl.Call(controlplane.MethodNodesInvoke, map[string]any{
		"nodeId": c.NodeID, "command": c.Command, "params": json.RawMessage(c.Params),
	})
	if err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}

// ---------------------------------------------------------------------------
// heartbeat / cron — control-plane RPC clients.
// ---------------------------------------------------------------------------

// HeartbeatCmd submits the heartbeat body to the named channel's heartbeat
// session key through chat.send rather than waiting for the next ticker fire
// — there is no dedicated heartbeat.trigger method. chat.send goes through
// Gateway.HandleEnvelope like any inbound message (sender "cli" is
// authorized against the channel's policy), so the turn is an ordinary,
// non-forced scheduler request.
type HeartbeatCmd struct {
	Message string `help:"Override the heartbeat prompt body." default:"HEARTBEAT"`
	Channel string `arg:"" help:"Channel to trigger the heartbeat for."`
}

func (c *HeartbeatCmd) Run(g *Globals) error {
	cl, err := dial(g)
	if err != nil {
		return err
	}
	defer cl.Close()
	result, err := cl.Call(controlplane.MethodChatSend, map[string]string{
		"channel": c.Channel, "chatType": "direct", "chatKey": c.Channel, "body": c.Message,
	})
	if err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}

type CronCmd struct {
	List    CronListCmd    `cmd:"" help:"List scheduled jobs."`
	Add     CronAddCmd     `cmd:"" help:"Add a scheduled job."`
	Remove  CronRemoveCmd  `cmd:"" help:"Remove a scheduled job."`
	RunNow  CronRunNowCmd  `cmd:"" help:"Run a scheduled job immediately."`
}

type CronListCmd struct{}

func (c *CronListCmd) Run(g *Globals) error {
	cl, err := dial(g)
	if err != nil {
		return err
	}
	defer cl.Close()
	result, err := cl.Call(controlplane.MethodCronList, map[string]string{})
	if err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}

type CronAddCmd struct {
	Schedule string `arg:"" help:"Cron expression."`
	Message  string `arg:"" help:"Prompt body to run on schedule."`
}

func (c *CronAddCmd) Run(g *Globals) error {
	cl, err := dial(g)
	if err != nil {
		return err
	}
	defer cl.Close()
	_, err = cl.Call(controlplane.MethodCronAdd, map[string]string{"schedule": c.Schedule, "message": c.Message})
	if err != nil {
		return err
	}
	fmt.Println("added")
	return nil
}

type CronRemoveCmd struct {
	ID string `arg:"" help:"Job ID to remove."`
}

func (c *CronRemoveCmd) Run(g *Globals) error {
	cl, err := dial(g)
	if err != nil {
		return err
	}
	defer cl.Close()
	_, err = cl.Call(controlplane.MethodCronRemove, map[string]string{"id": c.ID})
	if err != nil {
		return err
	}
	fmt.Println("removed")
	return nil
}

type CronRunNowCmd struct {
	ID string `arg:"" help:"Job ID to run immediately."`
}

func (c *CronRunNowCmd) Run(g *Globals) error {
	cl, err := dial(g)
	if err != nil {
		return err
	}
	defer cl.Close()
	_, err = cl.Call(controlplane.MethodCronRunNow, map[string]string{"id": c.ID})
	if err != nil {
		return err
	}
	fmt.Println("run started")
	return nil
}
