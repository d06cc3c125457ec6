package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	. "github.com/clawdis/clawdis/internal/logging"
)

const (
	pingInterval = 20 * time.Second
	idleTimeout  = 60 * time.Second
	invokeTimeout = 30 * time.Second
)

// OperatorPrompt asks the host operator to approve or reject a pairing
// request. isRepair is true when nodeId is already known (re-pairing).
type OperatorPrompt func(ctx context.Context, req Frame, isRepair bool) bool

// EventSink receives bridge events routed to the scheduler as synthetic
// envelopes (channel=node).
type EventSink func(nodeID string, ev Frame)

// Conn is one accepted bridge connection.
type Conn struct {
	nc       net.Conn
	registry *Registry
	prompt   OperatorPrompt
	sink     EventSink

	mu        sync.Mutex
	nodeID    string
	commands  []string
	w         *bufio.Writer
	pending   map[string]chan Frame
	lastInput time.Time
}

// Serve handles one bridge connection until it closes or goes idle.
func Serve(ctx context.Context, nc net.Conn, registry *Registry, prompt OperatorPrompt, sink EventSink) {
	c := &Conn{
		nc:        nc,
		registry:  registry,
		prompt:    prompt,
		sink:      sink,
		w:         bufio.NewWriter(nc),
		pending:   make(map[string]chan Frame),
		lastInput: time.Now(),
	}
	c.serve(ctx)
}

// serve runs the read loop for c until its connection closes or goes idle.
func (c *Conn) serve(ctx context.Context) {
	nc := c.nc
	defer nc.Close()

	go c.pingLoop(ctx)

	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		c.mu.Lock()
		c.lastInput = time.Now()
		c.mu.Unlock()

		var f Frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			L_warn("bridge: malformed frame", "error", err)
			continue
		}
		if err := c.handle(ctx, f); err != nil {
			L_warn("bridge: frame handling failed", "type", f.Type, "error", err)
		}
	}
}

func (c *Conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := time.Since(c.lastInput)
			c.mu.Unlock()
			if idle > idleTimeout {
				L_info("bridge: connection idle, disconnecting", "nodeId", c.nodeID, "idle", idle)
				c.nc.Close()
				return
			}
			_ = c.send(Frame{Type: FramePing})
		}
	}
}

func (c *Conn) send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := c.w.Write(b); err != nil {
		return err
	}
	if _, err := c.w.WriteString("\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *Conn) handle(ctx context.Context, f Frame) error {
	switch f.Type {
	case FramePing:
		return c.send(Frame{Type: FramePong})
	case FramePong:
		return nil
	case FrameHello:
		return c.handleHello(ctx, f)
	case FramePair:
		return c.handlePair(ctx, f)
	case FrameInvokeResult:
		return c.handleInvokeResult(f)
	case FrameEvent:
		if c.sink != nil && c.nodeID != "" {
			c.sink(c.nodeID, f)
		}
		return nil
	default:
		return fmt.Errorf("unexpected frame type from node: %s", f.Type)
	}
}

func (c *Conn) handleHello(ctx context.Context, f Frame) error {
	nodeID := strings.TrimSpace(f.NodeID)
	if nodeID == "" {
		return c.send(Frame{Type: FrameAuthError, Code: ErrInvalidRequest, Message: "nodeId is required"})
	}

	node := c.registry.Lookup(nodeID)
	if node == nil || f.Token == "" {
		return c.send(Frame{Type: FrameNotPaired})
	}
	if !c.registry.VerifyToken(nodeID, f.Token) {
		return c.send(Frame{Type: FrameAuthError, Code: ErrUnauthorized, Message: "token mismatch"})
	}

	c.mu.Lock()
	c.nodeID = nodeID
	c.commands = f.Commands
	c.mu.Unlock()
	c.registry.Touch(nodeID)

	return c.send(Frame{Type: FrameAuthOK})
}

func (c *Conn) handlePair(ctx context.Context, f Frame) error {
	nodeID := strings.TrimSpace(f.NodeID)
	if nodeID == "" {
		return c.send(Frame{Type: FrameAuthError, Code: ErrInvalidRequest, Message: "nodeId is required"})
	}

	isRepair := c.registry.Lookup(nodeID) != nil
	if c.prompt == nil || !c.prompt(ctx, f, isRepair) {
		return c.send(Frame{Type: FrameAuthError, Code: ErrUnauthorized, Message: "pairing rejected by operator"})
	}

	token, err := c.registry.Pair(nodeID, f.DisplayName, f.Platform)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.nodeID = nodeID
	c.mu.Unlock()

	return c.send(Frame{Type: FrameAuthOK, Token: token})
}

// Invoke sends an invoke frame and blocks for its matching invoke_result, up
// to timeout (0 uses the 30s default).
func (c *Conn) Invoke(ctx context.Context, command string, paramsJSON json.RawMessage, timeout time.Duration) (Frame, error) {
	if timeout <= 0 {
		timeout = invokeTimeout
	}

	id := fmt.Sprintf("%d", time.Now().UnixNano())
	result := make(chan Frame, 1)
	c.mu.Lock()
	c.pending[id] = result
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(Frame{Type: FrameInvoke, ID: id, Command: command, ParamsJSON: paramsJSON}); err != nil {
		return Frame{}, err
	}

	select {
	case r := <-result:
		return r, nil
	case <-time.After(timeout):
		return Frame{}, fmt.Errorf("invoke %q timed out after %s", command, timeout)
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *Conn) handleInvokeResult(f Frame) error {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	ch <- f
	return nil
}

// NodeID returns the authenticated node identity for this connection, empty
// if not yet authenticated.
func (c *Conn) NodeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeID
}
